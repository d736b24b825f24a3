package relay

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func rosterServer(t *testing.T, requests *atomic.Int32, fail *atomic.Bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.URL.Path != "/v1/players" {
			t.Errorf("got path %q, want %q", r.URL.Path, "/v1/players")
		}
		if got := r.Header.Get("key"); got != "hunter2" {
			t.Errorf("got key %q, want %q", got, "hunter2")
		}
		if fail != nil && fail.Load() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`[{"displayName":"Alice"},{"displayName":"Bob"}]`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func secret() string {
	return "hunter2"
}

func TestPlayersCached(t *testing.T) {
	var requests atomic.Int32
	srv := rosterServer(t, &requests, nil)
	r := newRoster(strings.TrimPrefix(srv.URL, "http://"), secret, 10*time.Second)

	want := []string{"Alice", "Bob"}
	if diff := cmp.Diff(want, r.Players()); diff != "" {
		t.Errorf("first fetch: %v", diff)
	}
	if diff := cmp.Diff(want, r.Players()); diff != "" {
		t.Errorf("cached fetch: %v", diff)
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("got %v requests, want 1", got)
	}
}

func TestPlayersRefreshAfterWindow(t *testing.T) {
	var requests atomic.Int32
	srv := rosterServer(t, &requests, nil)
	r := newRoster(strings.TrimPrefix(srv.URL, "http://"), secret, 50*time.Millisecond)

	r.Players()
	time.Sleep(80 * time.Millisecond)
	r.Players()
	r.Players()
	if got := requests.Load(); got != 2 {
		t.Errorf("got %v requests, want 2", got)
	}
}

func TestPlayersFallback(t *testing.T) {
	var requests atomic.Int32
	var fail atomic.Bool
	srv := rosterServer(t, &requests, &fail)
	r := newRoster(strings.TrimPrefix(srv.URL, "http://"), secret, 50*time.Millisecond)

	want := []string{"Alice", "Bob"}
	if diff := cmp.Diff(want, r.Players()); diff != "" {
		t.Errorf("first fetch: %v", diff)
	}
	fail.Store(true)
	time.Sleep(80 * time.Millisecond)
	if diff := cmp.Diff(want, r.Players()); diff != "" {
		t.Errorf("fallback roster: %v", diff)
	}
	// The failed refresh re-arms the window, so the next call stays cached.
	r.Players()
	if got := requests.Load(); got != 2 {
		t.Errorf("got %v requests, want 2", got)
	}
}

func TestPlayersNeverFetched(t *testing.T) {
	var requests atomic.Int32
	var fail atomic.Bool
	fail.Store(true)
	srv := rosterServer(t, &requests, &fail)
	r := newRoster(strings.TrimPrefix(srv.URL, "http://"), secret, 50*time.Millisecond)

	if got := r.Players(); len(got) != 0 {
		t.Errorf("got %v, want empty roster", got)
	}
}
