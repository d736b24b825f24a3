// Package authkeys loads operator public keys from a directory, one
// authorized_keys-format key per file, and hot-reloads them when the
// directory changes.
package authkeys

import (
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gliderlabs/ssh"
	"github.com/mcssh/mcssh"

	gossh "golang.org/x/crypto/ssh"
)

const reloadDebounce = 500 * time.Millisecond

// Keychain is the set of authorized public keys.
type Keychain struct {
	dir     string
	watcher *fsnotify.Watcher
	cancel  chan struct{}

	mu   sync.RWMutex
	keys []gossh.PublicKey
}

// Open loads the key directory (creating it on first run) and starts
// watching it for changes.
func Open(dir string) (*Keychain, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, mcssh.WithStack(err)
	}
	k := &Keychain{
		dir:    dir,
		cancel: make(chan struct{}),
	}
	if err := k.reload(); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, mcssh.WithStack(err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, mcssh.WithStack(err)
	}
	k.watcher = watcher
	go k.watchLoop()
	return k, nil
}

func (k *Keychain) reload() error {
	entries, err := os.ReadDir(k.dir)
	if err != nil {
		return mcssh.WithStack(err)
	}
	var keys []gossh.PublicKey
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(k.dir, entry.Name()))
		if err != nil {
			log.Printf("[auth] reading %s: %v", entry.Name(), err)
			continue
		}
		key, _, _, _, err := gossh.ParseAuthorizedKey(data)
		if err != nil {
			log.Printf("[auth] skipping %s: %v", entry.Name(), err)
			continue
		}
		keys = append(keys, key)
	}
	k.mu.Lock()
	k.keys = keys
	k.mu.Unlock()
	log.Printf("[auth] loaded %d public keys from %s", len(keys), k.dir)
	return nil
}

// watchLoop reloads the key set when the directory changes, debounced so a
// burst of writes triggers one reload.
func (k *Keychain) watchLoop() {
	var timer *time.Timer
	for {
		select {
		case <-k.cancel:
			if timer != nil {
				timer.Stop()
			}
			return
		case _, ok := <-k.watcher.Events:
			if !ok {
				return
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				if err := k.reload(); err != nil {
					log.Printf("[auth] reloading keys: %v", err)
				}
			})
		case err, ok := <-k.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[auth] watcher: %v", err)
		}
	}
}

// Check reports whether the presented key matches any authorized key.
func (k *Keychain) Check(key ssh.PublicKey) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	for _, authorized := range k.keys {
		if ssh.KeysEqual(key, authorized) {
			return true
		}
	}
	return false
}

// Len returns the number of loaded keys.
func (k *Keychain) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

func (k *Keychain) Close() {
	close(k.cancel)
	if k.watcher != nil {
		k.watcher.Close()
	}
}
