package relay

import (
	"fmt"
	"log"
	"regexp"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/mcssh/mcssh"
	"github.com/mcssh/mcssh/storage"
)

// Message is one console record from the upstream feed. Immutable once
// received.
type Message struct {
	TimestampMillis int64  `json:"timestampMillis"`
	Level           string `json:"level"`
	Message         string `json:"message"`
}

// Format renders the record for operator terminals: local timestamp, level,
// text.
func (m *Message) Format() string {
	ts := time.UnixMilli(m.TimestampMillis).Format("2006-01-02 15:04:05")
	return fmt.Sprintf("%s %s : %s", ts, m.Level, m.Message)
}

// commandEchoPattern matches the server's own command-echo convention:
// "/name: ...". The captured token is a learnable command name.
var commandEchoPattern = regexp.MustCompile(`^/([^\s]+):`)

// MessageStore is the append-only, deduplicated record of console lines and
// the learned set of command names. Mutated only by the relay's event loop.
type MessageStore struct {
	store *storage.Storage

	mu         sync.Mutex
	raw        []string
	seen       map[string]bool
	latest     int64
	commands   []string
	commandSet map[string]bool
}

// LoadMessageStore restores persisted messages and commands. The timestamp
// high-water mark is seeded from the persisted records so a restart doesn't
// replay the backlog.
func LoadMessageStore(st *storage.Storage) (*MessageStore, error) {
	raw, err := st.Messages()
	if err != nil {
		return nil, mcssh.WithStack(err)
	}
	commands, err := st.Commands()
	if err != nil {
		return nil, mcssh.WithStack(err)
	}
	s := &MessageStore{
		store:      st,
		raw:        raw,
		seen:       map[string]bool{},
		commands:   commands,
		commandSet: map[string]bool{},
	}
	for _, r := range raw {
		s.seen[r] = true
		msg := &Message{}
		if err := json.Unmarshal([]byte(r), msg); err == nil && msg.TimestampMillis > s.latest {
			s.latest = msg.TimestampMillis
		}
	}
	for _, c := range commands {
		s.commandSet[c] = true
	}
	return s, nil
}

// Accept ingests one raw record. Stale timestamps (older than the high-water
// mark) and exact duplicates are dropped. Accepted records are persisted,
// advance the high-water mark, and feed command learning.
func (s *MessageStore) Accept(raw []byte) (*Message, bool) {
	msg := &Message{}
	if err := json.Unmarshal(raw, msg); err != nil {
		log.Printf("[websocket] dropping unparseable message: %v", err)
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.TimestampMillis < s.latest {
		return nil, false
	}
	if s.seen[string(raw)] {
		return nil, false
	}
	s.raw = append(s.raw, string(raw))
	s.seen[string(raw)] = true
	s.latest = msg.TimestampMillis
	if err := s.store.SetMessages(s.raw); err != nil {
		log.Printf("[storage] persisting messages: %v", err)
	}
	if m := commandEchoPattern.FindStringSubmatch(msg.Message); m != nil {
		s.learnLocked(m[1])
	}
	return msg, true
}

func (s *MessageStore) learnLocked(name string) {
	if s.commandSet[name] {
		return
	}
	s.commandSet[name] = true
	s.commands = append(s.commands, name)
	if err := s.store.SetCommands(s.commands); err != nil {
		log.Printf("[storage] persisting commands: %v", err)
	}
}

// KnownCommands returns the learned command names in discovery order.
func (s *MessageStore) KnownCommands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *MessageStore) IsValidCommand(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commandSet[name]
}

// Len returns the number of stored messages.
func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.raw)
}
