package storage

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/mcssh/mcssh"
)

const (
	messagesFile = "messages.json"
	commandsFile = "commands.txt"
	historyFile  = "history.txt"
	consoleFile  = "console.log"
	secretFile   = ".sec"

	secretEnvVar = "MCSSH_SECRET"
)

// Storage owns the state directory. Every file is plain text, rewritten in
// full on mutation, and creatable on first run.
type Storage struct {
	dir string
	mu  sync.Mutex
}

func Open(dir string) (*Storage, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, mcssh.WithStack(err)
	}
	s := &Storage{dir: dir}
	if err := s.ensure(messagesFile, []byte("[]")); err != nil {
		return nil, err
	}
	if err := s.ensure(commandsFile, nil); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Storage) ensure(name string, initial []byte) error {
	path := s.path(name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return mcssh.WithStack(os.WriteFile(path, initial, 0600))
	} else if err != nil {
		return mcssh.WithStack(err)
	}
	return nil
}

func (s *Storage) path(name string) string {
	return filepath.Join(s.dir, name)
}

// Messages returns the persisted raw message records.
func (s *Storage) Messages() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.path(messagesFile))
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, mcssh.WithStack(err)
	}
	var raw []string
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, mcssh.WithStack(err)
	}
	return raw, nil
}

func (s *Storage) SetMessages(raw []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if raw == nil {
		raw = []string{}
	}
	b, err := json.MarshalIndent(raw, "", "    ")
	if err != nil {
		return mcssh.WithStack(err)
	}
	return mcssh.WithStack(os.WriteFile(s.path(messagesFile), b, 0600))
}

// Commands returns the learned command names in discovery order.
func (s *Storage) Commands() ([]string, error) {
	return s.readLines(commandsFile)
}

func (s *Storage) SetCommands(commands []string) error {
	return s.writeLines(commandsFile, commands)
}

// History returns the shared command history, most recent first, without the
// in-memory sentinel entry.
func (s *Storage) History() ([]string, error) {
	return s.readLines(historyFile)
}

func (s *Storage) SetHistory(history []string) error {
	return s.writeLines(historyFile, history)
}

func (s *Storage) readLines(name string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.path(name))
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, mcssh.WithStack(err)
	}
	content := strings.TrimRight(string(b), "\n")
	if content == "" {
		return nil, nil
	}
	return strings.Split(content, "\n"), nil
}

func (s *Storage) writeLines(name string, lines []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return mcssh.WithStack(os.WriteFile(s.path(name), []byte(strings.Join(lines, "\n")), 0600))
}

// AppendConsole appends durable terminal output to the console log.
func (s *Storage) AppendConsole(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path(consoleFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return mcssh.WithStack(err)
	}
	defer f.Close()
	_, err = f.Write(b)
	return mcssh.WithStack(err)
}

// TruncateConsole empties the console log. Used by the clear command.
func (s *Storage) TruncateConsole() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return mcssh.WithStack(os.WriteFile(s.path(consoleFile), nil, 0600))
}

// Secret returns the upstream credential: the environment variable wins,
// then the secret file. Empty if neither is set.
func (s *Storage) Secret() string {
	if token := os.Getenv(secretEnvVar); token != "" {
		return token
	}
	b, err := os.ReadFile(s.path(secretFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
