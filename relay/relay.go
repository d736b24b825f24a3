// Package relay owns the upstream console connection: it consumes the
// websocket event feed, deduplicates and persists messages, learns server
// commands from them, caches the player roster, and fans formatted lines
// out to every subscribed terminal session.
package relay

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mcssh/mcssh"
	"github.com/mcssh/mcssh/storage"
)

const (
	dialRetryInterval = 100 * time.Millisecond
	mailboxSize       = 256
)

// Subscriber receives relayed console lines. A Render that returns an error
// gets the subscriber dropped from the registry, never retried.
type Subscriber interface {
	Render(line string) error
}

// mailbox serializes delivery to one subscriber: a single goroutine drains
// the channel, so a subscriber never renders two lines concurrently while
// different subscribers proceed in parallel.
type mailbox struct {
	ch   chan string
	quit chan struct{}
	once sync.Once
}

func newMailbox() *mailbox {
	return &mailbox{
		ch:   make(chan string, mailboxSize),
		quit: make(chan struct{}),
	}
}

func (m *mailbox) close() {
	m.once.Do(func() {
		close(m.quit)
	})
}

// Relay is the single process-wide bridge between the upstream feed and all
// terminal sessions.
type Relay struct {
	host   string
	secret func() string
	store  *MessageStore
	roster *Roster

	subMu sync.Mutex
	subs  *mcssh.SyncMap[Subscriber, *mailbox]

	connMu sync.Mutex
	conn   *websocket.Conn
}

func New(host string, secret func() string, st *storage.Storage) (*Relay, error) {
	store, err := LoadMessageStore(st)
	if err != nil {
		return nil, mcssh.WithStack(err)
	}
	return &Relay{
		host:   host,
		secret: secret,
		store:  store,
		roster: NewRoster(host, secret),
		subs:   mcssh.NewSyncMap[Subscriber, *mailbox](),
	}, nil
}

// Start runs the upstream connection loop until the context is cancelled.
func (r *Relay) Start(ctx context.Context) {
	go r.run(ctx)
}

func (r *Relay) run(ctx context.Context) {
	for ctx.Err() == nil {
		conn := r.connect(ctx)
		if conn == nil {
			return
		}
		r.connMu.Lock()
		r.conn = conn
		r.connMu.Unlock()

		r.readLoop(conn)

		r.connMu.Lock()
		if r.conn == conn {
			r.conn = nil
		}
		r.connMu.Unlock()
		conn.Close()
		if ctx.Err() == nil {
			log.Printf("[websocket] connection lost, reconnecting")
		}
	}
}

// connect blocks until the upstream socket dials successfully, polling at a
// fixed short interval. Returns nil only on context cancellation.
func (r *Relay) connect(ctx context.Context) *websocket.Conn {
	url := "ws://" + r.host + "/v1/ws/console"
	header := http.Header{}
	header.Set("Cookie", "x-servertap-key="+r.secret())
	log.Printf("[websocket] connecting to %s", url)
	for attempt := 0; ; attempt++ {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if err == nil {
			log.Printf("[websocket] connected")
			return conn
		}
		if resp != nil {
			resp.Body.Close()
		}
		if attempt%10 == 0 {
			log.Printf("[websocket] waiting for %s: %v", r.host, err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(dialRetryInterval):
		}
	}
}

func (r *Relay) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Printf("[websocket] read: %v", err)
			return
		}
		r.ingest(raw)
	}
}

func (r *Relay) ingest(raw []byte) {
	msg, ok := r.store.Accept(raw)
	if !ok {
		return
	}
	r.dispatch(msg.Format())
}

// dispatch hands one formatted line to every subscriber's mailbox. A full
// mailbox means the subscriber has stopped draining; it is treated like a
// failed render and dropped.
func (r *Relay) dispatch(line string) {
	var overflowed []Subscriber
	for sub, mb := range r.subs.Each() {
		select {
		case mb.ch <- line:
		default:
			overflowed = append(overflowed, sub)
		}
	}
	for _, sub := range overflowed {
		log.Printf("[relay] subscriber mailbox full, dropping subscriber")
		r.Unsubscribe(sub)
	}
}

// Subscribe registers a session for console lines. Idempotent.
func (r *Relay) Subscribe(s Subscriber) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if r.subs.Has(s) {
		return
	}
	mb := newMailbox()
	r.subs.Set(s, mb)
	go r.drain(s, mb)
	log.Printf("[relay] subscriber added (%d active)", r.subs.Len())
}

// Unsubscribe removes a session by identity. A no-op for absent entries.
func (r *Relay) Unsubscribe(s Subscriber) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	mb, ok := r.subs.GetHas(s)
	if !ok {
		return
	}
	r.subs.Del(s)
	mb.close()
	log.Printf("[relay] subscriber removed (%d active)", r.subs.Len())
}

func (r *Relay) drain(s Subscriber, mb *mailbox) {
	for {
		select {
		case <-mb.quit:
			return
		case line := <-mb.ch:
			if err := s.Render(line); err != nil {
				log.Printf("[relay] render failed, dropping subscriber: %v", err)
				r.Unsubscribe(s)
				return
			}
		}
	}
}

// Send forwards a command upstream. Transport faults are never surfaced:
// a failed write closes the connection, which nudges the run loop into its
// reconnect cycle, and the command is dropped.
func (r *Relay) Send(command string) error {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.conn == nil {
		log.Printf("[websocket] not connected, dropping command %q", command)
		return nil
	}
	if err := r.conn.WriteMessage(websocket.TextMessage, []byte(command)); err != nil {
		log.Printf("[websocket] send failed, reconnecting: %v", err)
		r.conn.Close()
		r.conn = nil
	}
	return nil
}

// Players returns the cached online player names.
func (r *Relay) Players() []string {
	return r.roster.Players()
}

// KnownCommands returns the learned server commands in discovery order.
func (r *Relay) KnownCommands() []string {
	return r.store.KnownCommands()
}

func (r *Relay) IsValidCommand(name string) bool {
	return r.store.IsValidCommand(name)
}

// SubscriberCount reports the registry size.
func (r *Relay) SubscriberCount() int {
	return r.subs.Len()
}
