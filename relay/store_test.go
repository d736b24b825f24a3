package relay

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mcssh/mcssh/storage"
)

func testStore(t *testing.T) *MessageStore {
	t.Helper()
	st, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("got %v, want nil", err)
	}
	ms, err := LoadMessageStore(st)
	if err != nil {
		t.Fatalf("got %v, want nil", err)
	}
	return ms
}

func record(ts int64, text string) []byte {
	return []byte(fmt.Sprintf(`{"timestampMillis":%d,"level":"INFO","message":"%s"}`, ts, text))
}

func TestAccept(t *testing.T) {
	ms := testStore(t)
	msg, ok := ms.Accept(record(100, "hi"))
	if !ok {
		t.Fatal("got dropped, want accepted")
	}
	if msg.Message != "hi" || msg.TimestampMillis != 100 {
		t.Errorf("got %+v, want message %q at 100", msg, "hi")
	}
	if _, ok := ms.Accept(record(100, "hi")); ok {
		t.Error("duplicate record accepted")
	}
	if _, ok := ms.Accept(record(50, "late")); ok {
		t.Error("stale record accepted")
	}
	if _, ok := ms.Accept(record(100, "other")); !ok {
		t.Error("equal-timestamp record dropped")
	}
	if _, ok := ms.Accept([]byte("not json")); ok {
		t.Error("unparseable record accepted")
	}
	if got := ms.Len(); got != 2 {
		t.Errorf("got %v, want 2", got)
	}
}

func TestCommandLearning(t *testing.T) {
	ms := testStore(t)
	ms.Accept(record(100, "/ban: player banned"))
	ms.Accept(record(200, "/ban: another player banned"))
	ms.Accept(record(300, "/whitelist: list updated"))
	ms.Accept(record(400, "not a command echo"))
	if diff := cmp.Diff([]string{"ban", "whitelist"}, ms.KnownCommands()); diff != "" {
		t.Errorf("learned commands: %v", diff)
	}
	if !ms.IsValidCommand("ban") {
		t.Error("got invalid, want valid")
	}
	if ms.IsValidCommand("kick") {
		t.Error("got valid, want invalid")
	}
}

func TestLoadRestoresState(t *testing.T) {
	dir := t.TempDir()
	st, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("got %v, want nil", err)
	}
	ms, err := LoadMessageStore(st)
	if err != nil {
		t.Fatalf("got %v, want nil", err)
	}
	ms.Accept(record(500, "/say: hello"))

	st2, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("got %v, want nil", err)
	}
	ms2, err := LoadMessageStore(st2)
	if err != nil {
		t.Fatalf("got %v, want nil", err)
	}
	if got := ms2.Len(); got != 1 {
		t.Errorf("got %v, want 1", got)
	}
	if !ms2.IsValidCommand("say") {
		t.Error("learned command lost across restart")
	}
	if _, ok := ms2.Accept(record(400, "backlog")); ok {
		t.Error("record older than persisted high-water mark accepted")
	}
	if _, ok := ms2.Accept(record(600, "fresh")); !ok {
		t.Error("fresh record dropped")
	}
}

func TestFormat(t *testing.T) {
	msg := &Message{TimestampMillis: 1735689600000, Level: "WARN", Message: "low on space"}
	want := fmt.Sprintf("%s WARN : low on space",
		time.UnixMilli(1735689600000).Format("2006-01-02 15:04:05"))
	if got := msg.Format(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
