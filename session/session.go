// Package session ties one SSH connection to the console relay: it runs the
// raw-keystroke input loop through a line editor, renders relayed console
// lines above the prompt, and dispatches submitted commands.
package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gliderlabs/ssh"
	"github.com/pkg/errors"

	"github.com/mcssh/mcssh/editor"
	"github.com/mcssh/mcssh/relay"
	"github.com/mcssh/mcssh/storage"
)

const (
	defaultWidth  = 80
	defaultHeight = 24

	// continuationIndent is the column offset of wrapped console lines,
	// lining the text up past the timestamp prefix.
	continuationIndent = 27
)

// Upstream is the send-and-suggest capability a session gets from the
// relay. Sessions never own the relay; they register with it as
// subscribers and hand commands back through Send.
type Upstream interface {
	Send(command string) error
	Players() []string
	KnownCommands() []string
	IsValidCommand(name string) bool
	Subscribe(s relay.Subscriber)
	Unsubscribe(s relay.Subscriber)
}

// Handler creates a Session per accepted SSH connection.
type Handler struct {
	Upstream Upstream
	Store    *storage.Storage

	// Restart is invoked when an operator submits "reset". Optional.
	Restart func() error
}

// Handle is the gliderlabs ssh.Handler.
func (h *Handler) Handle(sess ssh.Session) {
	pty, winCh, ok := sess.Pty()
	if !ok {
		fmt.Fprintln(sess, "PTY required")
		sess.Exit(1)
		return
	}
	s := &Session{
		upstream: h.Upstream,
		store:    h.Store,
		restart:  h.Restart,
		conn:     sess,
		remote:   sess.RemoteAddr().String(),
		ctx:      sess.Context(),
		shutdown: func() {
			sess.Exit(0)
			sess.Close()
		},
	}
	s.ed = editor.New(h.Upstream)
	s.resize(pty.Window.Width, pty.Window.Height)
	go func() {
		for win := range winCh {
			s.resize(win.Width, win.Height)
		}
	}()

	log.Printf("[session] %s connected as %q", s.remote, sess.User())
	if err := s.run(); err != nil && !errors.Is(err, io.EOF) {
		log.Printf("[session] %s: %v", s.remote, err)
	}
	log.Printf("[session] closed connection to %s", s.remote)
}

// Session is one operator's terminal session.
type Session struct {
	upstream Upstream
	store    *storage.Storage
	restart  func() error

	conn   io.ReadWriter
	remote string
	ctx    context.Context

	// shutdown tears down the transport on deliberate termination,
	// unblocking any pending read.
	shutdown func()

	width  atomic.Int32
	height atomic.Int32

	// mu serializes terminal writes between the input loop and relayed
	// console renders.
	mu sync.Mutex
	ed *editor.Editor
}

func (s *Session) resize(width, height int) {
	s.width.Store(int32(width))
	s.height.Store(int32(height))
}

func (s *Session) cols() int {
	if w := s.width.Load(); w > 0 {
		return int(w)
	}
	return defaultWidth
}

func (s *Session) rows() int {
	if h := s.height.Load(); h > 0 {
		return int(h)
	}
	return defaultHeight
}

func (s *Session) run() error {
	base := s.ctx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	defer cancel()

	history, err := s.store.History()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.ed.LoadHistory(history)
	s.write([]byte("\x1b[2J"), false)
	s.writef(false, "\x1b[%d;1H> ", s.rows())
	s.mu.Unlock()

	s.upstream.Subscribe(s)
	defer s.upstream.Unsubscribe(s)

	keys := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		for {
			key, err := editor.ReadKey(s.conn)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case keys <- key:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case key := <-keys:
			if s.handleKey(key) {
				if s.shutdown != nil {
					s.shutdown()
				}
				return nil
			}
		}
	}
}

// handleKey dispatches one logical key event and redraws. Reports whether
// the session should close.
func (s *Session) handleKey(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch key {
	case editor.KeyEnter:
		if s.submit() {
			return true
		}
		s.ed.UpdateFilter()
	case editor.KeyBackspace:
		s.ed.Backspace()
		s.ed.UpdateFilter()
	case editor.KeyInterrupt:
		if s.ed.Len() == 0 {
			return true
		}
		s.ed.Reset()
	case editor.KeyUp:
		s.ed.HistoryPrev()
	case editor.KeyDown:
		s.ed.HistoryNext()
	case editor.KeyLeft:
		s.ed.Left()
	case editor.KeyRight:
		if s.ed.Right() {
			s.ed.UpdateFilter()
		}
	case editor.KeyTab:
		s.ed.AcceptCompletion()
		s.ed.UpdateFilter()
	case editor.KeyDelete:
		s.ed.DeleteForward()
		s.ed.UpdateFilter()
	default:
		if strings.HasPrefix(key, "\x1b") {
			break
		}
		s.ed.Insert(key)
		s.ed.UpdateFilter()
	}
	s.redraw()
	return false
}

// submit dispatches the current buffer as a command. Reports whether the
// session should close. Caller holds s.mu.
func (s *Session) submit() bool {
	line := s.ed.String()
	if line == "" {
		return false
	}
	s.ed.AddHistory(line)
	if err := s.store.SetHistory(s.ed.History()); err != nil {
		log.Printf("[storage] persisting history: %v", err)
	}

	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "reload":
		// Two-step confirmation: the rewritten line becomes the new
		// editable buffer, nothing is forwarded on this submit.
		s.ed.SetLine("reload confirm")
		s.ed.UpdateFilter()
		return false
	case trimmed == "exit":
		return true
	case trimmed == "clear" || trimmed == "cls":
		s.write([]byte("\x1b[2J"), false)
		if err := s.store.TruncateConsole(); err != nil {
			log.Printf("[storage] truncating console log: %v", err)
		}
		log.Printf("[session] %s cleared console log", s.remote)
	case trimmed == "reset":
		log.Printf("[session] %s requested service restart", s.remote)
		if s.restart != nil {
			if err := s.restart(); err != nil {
				log.Printf("[session] restart: %v", err)
			}
		}
	case strings.HasPrefix(trimmed, "!"):
		s.upstream.Send("/broadcast " + trimmed[1:])
		log.Printf("[session] %s broadcast %q", s.remote, trimmed[1:])
	default:
		s.upstream.Send(line)
		log.Printf("[session] %s sent command %q", s.remote, line)
	}

	s.ed.Reset()
	s.write([]byte("\x1b[2K"), false)
	return false
}

// Render delivers one relayed console line: chunked to the window width,
// continuation rows indented, tee'd to the durable console log, then the
// prompt line restored. Errors propagate so the relay can drop this
// subscriber.
func (s *Session) Render(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := s.cols()
	width := total
	data := []rune(line)
	for len(data) > 0 {
		chunk := data
		if len(chunk) > width {
			chunk = chunk[:width]
		}
		if err := s.write([]byte("\r"), false); err != nil {
			return err
		}
		if indent := total - width; indent > 0 {
			if err := s.write(bytes.Repeat([]byte(" "), indent), true); err != nil {
				return err
			}
		}
		if err := s.write([]byte(string(chunk)), true); err != nil {
			return err
		}
		data = data[len(chunk):]
		if err := s.write([]byte("\n"), true); err != nil {
			return err
		}
		if err := s.write([]byte("\r"), false); err != nil {
			return err
		}
		width = total - continuationIndent
		if width <= 0 {
			width = total
		}
	}
	return s.ed.Redraw(s.conn, s.rows())
}

// redraw repaints the prompt line. Caller holds s.mu.
func (s *Session) redraw() {
	if err := s.ed.Redraw(s.conn, s.rows()); err != nil {
		log.Printf("[session] redraw: %v", err)
	}
}

// write sends bytes to the client; durable output is also appended to the
// console log. Caller holds s.mu.
func (s *Session) write(b []byte, durable bool) error {
	if len(b) == 0 {
		return nil
	}
	if _, err := s.conn.Write(b); err != nil {
		return err
	}
	if durable {
		if err := s.store.AppendConsole(b); err != nil {
			log.Printf("[storage] console log: %v", err)
		}
	}
	return nil
}

func (s *Session) writef(durable bool, format string, args ...any) error {
	return s.write([]byte(fmt.Sprintf(format, args...)), durable)
}
