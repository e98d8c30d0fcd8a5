// Package ratelimit implements the free-tier accounting layer: per-identity
// and per-IP daily counters that reset at UTC midnight and survive restarts
// through a whole-file JSON snapshot.
package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ocx/bridge/internal/identity"
)

// Entry is one daily counter window. ResetAt is the unix second of the next
// UTC midnight after the window opened.
type Entry struct {
	Count   int   `json:"count"`
	ResetAt int64 `json:"reset_at"`
}

// Expired reports whether the window has rolled over.
func (e Entry) Expired(now time.Time) bool { return e.ResetAt <= now.Unix() }

// Bucket selects one of the two keyed counter maps.
type Bucket string

const (
	BucketDID Bucket = "did"
	BucketIP  Bucket = "ip"
)

type snapshot struct {
	DID map[string]Entry `json:"did"`
	IP  map[string]Entry `json:"ip"`
}

// Store holds both counter maps and persists them to a single JSON file with
// owner-only permissions. A missing or corrupt file is not an error: the
// store starts empty and logs the problem.
type Store struct {
	mu    sync.Mutex
	path  string
	did   map[string]Entry
	ip    map[string]Entry
	dirty bool

	logger *slog.Logger
	now    func() time.Time
}

// NewStore loads the counter file at path, dropping entries that have
// expired and keys that a hostile file could have injected.
func NewStore(path string, logger *slog.Logger) *Store {
	s := &Store{
		path:   path,
		did:    make(map[string]Entry),
		ip:     make(map[string]Entry),
		logger: logger,
		now:    time.Now,
	}
	s.load()
	return s
}

func (s *Store) load() {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("rate-limit store unreadable, starting empty", "path", s.path, "error", err)
		}
		return
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		s.logger.Warn("rate-limit store corrupt, starting empty", "path", s.path, "error", err)
		return
	}
	now := s.now()
	for key, e := range snap.DID {
		if e.Expired(now) || !identity.ValidKey(key) {
			continue
		}
		s.did[key] = e
	}
	for key, e := range snap.IP {
		if e.Expired(now) || net.ParseIP(key) == nil {
			continue
		}
		s.ip[key] = e
	}
}

// Peek returns the live entry for key, treating expired entries as absent.
func (s *Store) Peek(bucket Bucket, key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.bucketMap(bucket)[key]
	if !ok || e.Expired(s.now()) {
		return Entry{}, false
	}
	return e, true
}

// Incr bumps the counter for key, opening a fresh window when the previous
// one is absent or expired.
func (s *Store) Incr(bucket Bucket, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.bucketMap(bucket)
	now := s.now()
	e, ok := m[key]
	if !ok || e.Expired(now) {
		m[key] = Entry{Count: 1, ResetAt: NextUTCMidnight(now)}
	} else {
		e.Count++
		m[key] = e
	}
	s.dirty = true
}

// Cleanup purges expired windows from both maps.
func (s *Store) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for key, e := range s.did {
		if e.Expired(now) {
			delete(s.did, key)
			s.dirty = true
		}
	}
	for key, e := range s.ip {
		if e.Expired(now) {
			delete(s.ip, key)
			s.dirty = true
		}
	}
}

// Save writes the whole store to disk via temp-file-then-rename so readers
// never observe a torn file. Errors are returned for the caller to log;
// counting never depends on persistence succeeding.
func (s *Store) Save() error {
	s.mu.Lock()
	snap := snapshot{
		DID: make(map[string]Entry, len(s.did)),
		IP:  make(map[string]Entry, len(s.ip)),
	}
	for k, v := range s.did {
		snap.DID[k] = v
	}
	for k, v := range s.ip {
		snap.IP[k] = v
	}
	s.dirty = false
	s.mu.Unlock()

	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Run persists the store every interval until ctx is cancelled, then writes
// a final snapshot. Persistence failures are logged and never fatal.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Cleanup()
			s.saveIfDirty()
		case <-ctx.Done():
			s.saveIfDirty()
			return
		}
	}
}

func (s *Store) saveIfDirty() {
	s.mu.Lock()
	dirty := s.dirty
	s.mu.Unlock()
	if !dirty {
		return
	}
	if err := s.Save(); err != nil {
		s.logger.Warn("rate-limit store save failed", "path", s.path, "error", err)
	}
}

func (s *Store) bucketMap(bucket Bucket) map[string]Entry {
	if bucket == BucketIP {
		return s.ip
	}
	return s.did
}

// NextUTCMidnight returns the unix second of the first UTC midnight after t.
func NextUTCMidnight(t time.Time) int64 {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC).Unix()
}
