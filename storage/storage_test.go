package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestOpenCreatesStateFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("got %v, want nil", err)
	}
	msgs, err := s.Messages()
	if err != nil {
		t.Fatalf("got %v, want nil", err)
	}
	if len(msgs) != 0 {
		t.Errorf("got %v, want no messages", msgs)
	}
	cmds, err := s.Commands()
	if err != nil {
		t.Fatalf("got %v, want nil", err)
	}
	if len(cmds) != 0 {
		t.Errorf("got %v, want no commands", cmds)
	}
}

func TestMessagesRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("got %v, want nil", err)
	}
	want := []string{`{"a":1}`, `{"b":2}`}
	if err := s.SetMessages(want); err != nil {
		t.Fatalf("got %v, want nil", err)
	}
	got, err := s.Messages()
	if err != nil {
		t.Fatalf("got %v, want nil", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("messages: %v", diff)
	}
}

func TestLinesRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("got %v, want nil", err)
	}
	history := []string{"say hi", "ban Alice", "say hi"}
	if err := s.SetHistory(history); err != nil {
		t.Fatalf("got %v, want nil", err)
	}
	got, err := s.History()
	if err != nil {
		t.Fatalf("got %v, want nil", err)
	}
	if diff := cmp.Diff(history, got); diff != "" {
		t.Errorf("history: %v", diff)
	}

	commands := []string{"ban", "whitelist"}
	if err := s.SetCommands(commands); err != nil {
		t.Fatalf("got %v, want nil", err)
	}
	got, err = s.Commands()
	if err != nil {
		t.Fatalf("got %v, want nil", err)
	}
	if diff := cmp.Diff(commands, got); diff != "" {
		t.Errorf("commands: %v", diff)
	}
}

func TestConsoleAppendAndTruncate(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("got %v, want nil", err)
	}
	if err := s.AppendConsole([]byte("first\n")); err != nil {
		t.Fatalf("got %v, want nil", err)
	}
	if err := s.AppendConsole([]byte("second\n")); err != nil {
		t.Fatalf("got %v, want nil", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, consoleFile))
	if err != nil {
		t.Fatalf("got %v, want nil", err)
	}
	if got := string(b); got != "first\nsecond\n" {
		t.Errorf("got %q, want %q", got, "first\nsecond\n")
	}
	if err := s.TruncateConsole(); err != nil {
		t.Fatalf("got %v, want nil", err)
	}
	b, err = os.ReadFile(filepath.Join(dir, consoleFile))
	if err != nil {
		t.Fatalf("got %v, want nil", err)
	}
	if len(b) != 0 {
		t.Errorf("got %q, want empty console log", b)
	}
}

func TestSecret(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("got %v, want nil", err)
	}
	t.Setenv(secretEnvVar, "")
	if got := s.Secret(); got != "" {
		t.Errorf("got %q, want empty secret", got)
	}
	if err := os.WriteFile(filepath.Join(dir, secretFile), []byte("filetoken\n"), 0600); err != nil {
		t.Fatalf("got %v, want nil", err)
	}
	if got := s.Secret(); got != "filetoken" {
		t.Errorf("got %q, want %q", got, "filetoken")
	}
	t.Setenv(secretEnvVar, "envtoken")
	if got := s.Secret(); got != "envtoken" {
		t.Errorf("got %q, want %q", got, "envtoken")
	}
}
