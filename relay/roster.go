package relay

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	cache "github.com/go-pkgz/expirable-cache/v3"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

const (
	rosterTTL     = 10 * time.Second
	rosterKey     = "players"
	rosterTimeout = 5 * time.Second
)

// Roster is the time-windowed cache of the online player list. A fetch is
// attempted at most once per freshness window; failures fall back to the
// previous roster.
type Roster struct {
	host   string
	secret func() string
	client *http.Client

	mu    sync.Mutex
	cache cache.Cache[string, []string]
	last  []string
}

func NewRoster(host string, secret func() string) *Roster {
	return newRoster(host, secret, rosterTTL)
}

func newRoster(host string, secret func() string, ttl time.Duration) *Roster {
	return &Roster{
		host:   host,
		secret: secret,
		client: &http.Client{Timeout: rosterTimeout},
		cache:  cache.NewCache[string, []string]().WithTTL(ttl),
	}
}

// Players returns the cached online player names, refreshing when the cache
// has aged past the freshness window. Never returns an error: a failed
// refresh logs, re-arms the window, and serves the previous (possibly
// stale, possibly empty) roster.
func (r *Roster) Players() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if players, ok := r.cache.Get(rosterKey); ok {
		return players
	}
	players, err := r.fetch()
	if err != nil {
		log.Printf("[roster] refreshing online players: %v", err)
		r.cache.Set(rosterKey, r.last, 0)
		return r.last
	}
	r.last = players
	r.cache.Set(rosterKey, players, 0)
	return players
}

type rosterEntry struct {
	DisplayName string `json:"displayName"`
}

func (r *Roster) fetch() ([]string, error) {
	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("http://%s/v1/players", r.host), nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	req.Header.Set("key", r.secret())
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var entries []rosterEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, errors.WithStack(err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.DisplayName)
	}
	return names, nil
}
