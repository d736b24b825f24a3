// Package editor implements the raw-keystroke line editor behind each
// operator session: an editable buffer with cursor, history navigation,
// prefix completion, and ANSI rendering. The escape sequences it emits are a
// wire contract with connecting terminal emulators and are reproduced
// byte for byte.
package editor

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// Keys the dispatch loop matches on. Multi-byte entries are full escape
// sequences as assembled by ReadKey.
const (
	KeyEnter     = "\r"
	KeyTab       = "\t"
	KeyInterrupt = "\x03"
	KeyBackspace = "\x7f"
	KeyUp        = "\x1b[A"
	KeyDown      = "\x1b[B"
	KeyRight     = "\x1b[C"
	KeyLeft      = "\x1b[D"
	KeyDelete    = "\x1b[3~"
)

// escTerminators are the bytes that end an escape sequence.
const escTerminators = "ABCDEFGHJKSTfmnsulh~"

// ReadKey reads one logical key event: a single decodable UTF-8 character,
// or a full escape sequence if the first byte is ESC. Undecodable bytes are
// discarded until a valid character arrives.
func ReadKey(r io.Reader) (string, error) {
	one := make([]byte, 1)
	buf := make([]byte, 0, 8)
	for {
		if _, err := io.ReadFull(r, one); err != nil {
			return "", err
		}
		buf = append(buf, one[0])
		if buf[0] == 0x1b {
			if len(buf) > 1 && strings.IndexByte(escTerminators, buf[len(buf)-1]) >= 0 {
				return string(buf), nil
			}
			continue
		}
		if utf8.FullRune(buf) {
			if r, _ := utf8.DecodeRune(buf); r == utf8.RuneError {
				buf = buf[:0]
				continue
			}
			return string(buf), nil
		}
		if len(buf) >= utf8.UTFMax {
			buf = buf[:0]
		}
	}
}

// Source provides the completion inputs that live outside the editor: the
// online player roster and the learned server commands.
type Source interface {
	Players() []string
	KnownCommands() []string
	IsValidCommand(name string) bool
}

// localCommands are handled by the session itself rather than forwarded
// upstream; they get their own color in the rendered buffer.
var localCommands = map[string]bool{
	"exit":   true,
	"clear":  true,
	"reload": true,
	"cls":    true,
	"reset":  true,
}

// Editor is the per-session line editor state machine. It is not safe for
// concurrent use; the owning session serializes access.
type Editor struct {
	src Source

	buffer []rune
	pos    int

	// history is most-recent-first with a leading "" sentinel meaning
	// "not yet navigated". The sentinel is never persisted.
	history []string

	filter         string
	selected       int
	selectedSuffix int
}

func New(src Source) *Editor {
	return &Editor{
		src:     src,
		history: []string{""},
	}
}

func (e *Editor) String() string {
	return string(e.buffer)
}

func (e *Editor) Len() int {
	return len(e.buffer)
}

func (e *Editor) Pos() int {
	return e.pos
}

func (e *Editor) Filter() string {
	return e.filter
}

// UpdateFilter recomputes the completion filter from the buffer. Called
// after every dispatch that doesn't explicitly preserve the filter.
func (e *Editor) UpdateFilter() {
	e.filter = string(e.buffer)
}

// Reset clears the buffer, cursor, and both selection indices. The filter is
// left for the caller to recompute.
func (e *Editor) Reset() {
	e.buffer = nil
	e.pos = 0
	e.selected = 0
	e.selectedSuffix = 0
}

// SetLine replaces the buffer wholesale and puts the cursor at the end.
func (e *Editor) SetLine(line string) {
	e.buffer = []rune(line)
	e.pos = len(e.buffer)
	e.selected = 0
	e.selectedSuffix = 0
}

func (e *Editor) Insert(s string) {
	runes := []rune(s)
	e.buffer = append(e.buffer[:e.pos], append(runes, e.buffer[e.pos:]...)...)
	e.pos += len(runes)
}

func (e *Editor) Backspace() {
	if e.pos > 0 {
		e.buffer = append(e.buffer[:e.pos-1], e.buffer[e.pos:]...)
		e.pos--
	}
}

func (e *Editor) DeleteForward() {
	if e.pos < len(e.buffer) {
		e.buffer = append(e.buffer[:e.pos], e.buffer[e.pos+1:]...)
	}
}

func (e *Editor) Left() {
	if e.pos > 0 {
		e.pos--
	}
}

// Right moves the cursor right, or accepts the current completion suggestion
// when the cursor already sits at the end of the buffer. Reports whether a
// suggestion was accepted.
func (e *Editor) Right() bool {
	if e.pos == len(e.buffer) {
		e.AcceptCompletion()
		return true
	}
	e.pos++
	return false
}

// AcceptCompletion replaces the buffer with the current suffix selection.
func (e *Editor) AcceptCompletion() {
	e.buffer = []rune(e.SuffixSelection())
	e.filter = string(e.buffer)
	e.pos = len(e.buffer)
}

// LoadHistory replaces the history with persisted entries, keeping the
// sentinel in front.
func (e *Editor) LoadHistory(lines []string) {
	e.history = append([]string{""}, lines...)
}

// AddHistory records a submitted command. Only an immediate duplicate (equal
// to the most recent real entry) is suppressed.
func (e *Editor) AddHistory(cmd string) {
	if len(e.history) == 1 || e.history[1] != cmd {
		e.history = append(e.history[:1], append([]string{cmd}, e.history[1:]...)...)
	}
}

// History returns the persistable entries, most recent first, without the
// sentinel.
func (e *Editor) History() []string {
	return append([]string(nil), e.history[1:]...)
}

// commandComplete reports whether the whole buffer names a recognized
// command (with or without a leading slash).
func (e *Editor) commandComplete() bool {
	return e.src.IsValidCommand(strings.TrimPrefix(strings.TrimSpace(string(e.buffer)), "/"))
}

// playerSuggestions returns roster-driven completions. With a single,
// already complete command word every online player is offered as the next
// argument; otherwise the last word's unmatched remainder is completed by
// each player name that starts with it.
func (e *Editor) playerSuggestions() []string {
	words := strings.Split(e.filter, " ")
	if len(e.filter) == 0 || len(words[0]) == 0 {
		return nil
	}
	players := e.src.Players()
	if len(words) == 1 && e.commandComplete() {
		return players
	}
	last := words[len(words)-1]
	var suggestions []string
	for _, player := range players {
		if strings.HasPrefix(player, last) {
			suggestions = append(suggestions, string(e.buffer)+player[len(last):])
		}
	}
	return suggestions
}

// Candidates returns the completion candidate list: the bare filter first,
// then every filter-prefixed entry of (player suggestions, history, known
// commands), with adjacent duplicates collapsed.
func (e *Editor) Candidates() []string {
	var all []string
	all = append(all, e.playerSuggestions()...)
	all = append(all, e.history...)
	all = append(all, e.src.KnownCommands()...)

	var filtered []string
	for _, c := range all {
		if strings.HasPrefix(c, e.filter) {
			filtered = append(filtered, c)
		}
	}
	result := make([]string, 0, len(filtered)+1)
	result = append(result, e.filter)
	for i, c := range filtered {
		if i == 0 || c != filtered[i-1] {
			result = append(result, c)
		}
	}
	return result
}

// SuffixSelection returns the currently highlighted completion candidate,
// clamping the selection index into range first.
func (e *Editor) SuffixSelection() string {
	rest := e.Candidates()[1:]
	if len(rest) == 0 {
		return ""
	}
	if e.selectedSuffix >= len(rest) {
		e.selectedSuffix = 0
	}
	return rest[e.selectedSuffix]
}

// Suffix returns the part of the suffix selection beyond what has already
// been typed. Rendered dimmed after the buffer.
func (e *Editor) Suffix() string {
	if len(e.filter) == 0 {
		return ""
	}
	selection := []rune(e.SuffixSelection())
	typed := utf8.RuneCountInString(e.filter)
	if len(selection) <= typed {
		return ""
	}
	return string(selection[typed:])
}

// HistoryPrev handles the up arrow: with an empty filter it walks backwards
// through the candidate list and loads the selection into the buffer; with a
// non-empty filter it only cycles the suffix selection.
func (e *Editor) HistoryPrev() {
	candidates := e.Candidates()
	if e.filter == "" {
		if e.selected >= len(candidates) {
			e.selected = 0
		}
		if e.selected < len(candidates)-1 {
			e.selected++
		}
		e.buffer = []rune(candidates[e.selected])
		e.pos = len(e.buffer)
	} else if e.selectedSuffix < len(candidates)-1 {
		e.selectedSuffix++
	}
}

// HistoryNext handles the down arrow, symmetric to HistoryPrev. At index
// zero with an empty filter it clears the buffer instead of wrapping.
func (e *Editor) HistoryNext() {
	if e.selected == 0 && e.filter == "" {
		e.buffer = nil
		e.pos = 0
		return
	}
	if e.filter == "" {
		if e.selected > 0 {
			e.selected--
		}
		candidates := e.Candidates()
		if e.selected >= len(candidates) {
			e.selected = 0
		}
		e.buffer = []rune(candidates[e.selected])
		e.pos = len(e.buffer)
	} else if e.selectedSuffix > 0 {
		e.selectedSuffix--
	}
}

// Formatted returns the buffer with the first word SGR-colored by
// classification: broadcast prefix, local keyword, known command, or
// unrecognized.
func (e *Editor) Formatted() string {
	if len(e.buffer) == 0 {
		return ""
	}
	parts := strings.Split(string(e.buffer), " ")
	first := parts[0]
	switch {
	case len(first) > 0 && first[0] == '!':
		parts[0] = "\x1b[1;36m" + first
		parts[len(parts)-1] = parts[len(parts)-1] + "\x1b[0m"
	case localCommands[strings.TrimSpace(first)]:
		parts[0] = "\x1b[1;34m" + first + "\x1b[0m"
	case e.src.IsValidCommand(first) || (len(first) > 1 && first[0] == '!' && e.src.IsValidCommand(first[1:])):
		parts[0] = "\x1b[1;32m" + first + "\x1b[0m"
	default:
		parts[0] = "\x1b[1;31m" + first + "\x1b[0m"
	}
	return strings.Join(parts, " ")
}

// Redraw clears the prompt line and repaints it: prompt, colored buffer,
// dimmed completion suffix, cursor repositioned to its logical column.
func (e *Editor) Redraw(w io.Writer, height int) error {
	_, err := fmt.Fprintf(w, "\x1b[2K\x1b[%d;1H> %s\x1b[%d;%dH\x1b[30m%s\x1b[0m\x1b[%d;%dH",
		height, e.Formatted(),
		height, len(e.buffer)+3,
		e.Suffix(),
		height, e.pos+3)
	return err
}
