// Package trust tracks per-identity reputation and derives the daily
// free-task allowance from it. Profiles live in a bounded LRU and are
// snapshotted to a whole-file JSON store between runs.
package trust

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ocx/bridge/internal/identity"
)

// Tier buckets an identity by observed history. Higher tiers unlock larger
// daily free-task allowances.
type Tier string

const (
	TierNew         Tier = "new"
	TierFamiliar    Tier = "familiar"
	TierEstablished Tier = "established"
	TierTrusted     Tier = "trusted"
)

// maxProfiles caps the working set; the LRU drops the least recently used
// profile when a new identity would push past it.
const maxProfiles = 10000

const day = 24 * time.Hour

type threshold struct {
	tier         Tier
	minAge       time.Duration
	minCompleted int
	maxFailRate  float64 // exclusive upper bound, < 0 means unconstrained
	dailyLimit   int
}

// ladder is evaluated top-down; the first qualifying row wins.
var ladder = []threshold{
	{TierTrusted, 90 * day, 50, 0.10, 100},
	{TierEstablished, 30 * day, 20, 0.20, 50},
	{TierFamiliar, 7 * day, 5, -1, 25},
	{TierNew, 0, 0, -1, 10},
}

// DailyLimit returns the free-task allowance for the tier.
func (t Tier) DailyLimit() int {
	for _, row := range ladder {
		if row.tier == t {
			return row.dailyLimit
		}
	}
	return ladder[len(ladder)-1].dailyLimit
}

// TierInfo is one rung of the ladder in ascending order, for the
// capability card and status surfaces.
type TierInfo struct {
	Tier         Tier `json:"tier"`
	MinAgeDays   int  `json:"minAgeDays"`
	MinCompleted int  `json:"minCompleted"`
	DailyLimit   int  `json:"dailyLimit"`
}

// Tiers lists the ladder from new to trusted.
func Tiers() []TierInfo {
	out := make([]TierInfo, 0, len(ladder))
	for i := len(ladder) - 1; i >= 0; i-- {
		row := ladder[i]
		out = append(out, TierInfo{
			Tier:         row.tier,
			MinAgeDays:   int(row.minAge / day),
			MinCompleted: row.minCompleted,
			DailyLimit:   row.dailyLimit,
		})
	}
	return out
}

// Profile is the persisted reputation record for one identity. Tier is
// recomputed from the other fields on every access; the stored value is a
// convenience for anyone reading the snapshot file.
type Profile struct {
	Identity     string `json:"did"`
	Tier         Tier   `json:"tier"`
	FirstSeen    int64  `json:"first_seen"`
	Completed    int    `json:"completed_tasks"`
	Failed       int    `json:"failed_tasks"`
	LastActivity int64  `json:"last_activity"`
}

func (p Profile) failureRate() float64 {
	total := p.Completed + p.Failed
	if total == 0 {
		return 0
	}
	return float64(p.Failed) / float64(total)
}

// TierOf derives the tier a profile qualifies for at the given instant.
func TierOf(p Profile, now time.Time) Tier {
	age := now.Sub(time.Unix(p.FirstSeen, 0))
	rate := p.failureRate()
	for _, row := range ladder {
		if age < row.minAge || p.Completed < row.minCompleted {
			continue
		}
		if row.maxFailRate >= 0 && rate >= row.maxFailRate {
			continue
		}
		return row.tier
	}
	return TierNew
}

// Store is the process-wide trust registry.
type Store struct {
	mu       sync.Mutex
	profiles *lru.Cache[string, *Profile]
	path     string
	dirty    bool

	logger *slog.Logger
	now    func() time.Time
}

// NewStore builds a store backed by the snapshot file at path. A missing or
// corrupt file starts the store empty; keys that fail the identity grammar
// are dropped on load.
func NewStore(path string, logger *slog.Logger) *Store {
	cache, _ := lru.New[string, *Profile](maxProfiles)
	s := &Store{
		profiles: cache,
		path:     path,
		logger:   logger,
		now:      time.Now,
	}
	s.load()
	return s
}

func (s *Store) load() {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("trust store unreadable, starting empty", "path", s.path, "error", err)
		}
		return
	}
	var snap map[string]Profile
	if err := json.Unmarshal(raw, &snap); err != nil {
		s.logger.Warn("trust store corrupt, starting empty", "path", s.path, "error", err)
		return
	}
	// Insert oldest activity first so the LRU keeps the recently active
	// profiles when the snapshot is over capacity.
	keys := make([]string, 0, len(snap))
	for key := range snap {
		if !identity.ValidKey(key) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return snap[keys[i]].LastActivity < snap[keys[j]].LastActivity
	})
	for _, key := range keys {
		p := snap[key]
		p.Identity = key
		s.profiles.Add(key, &p)
	}
}

// Observe returns the profile for id, creating it on first sight.
func (s *Store) Observe(id string) Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked(s.getOrCreateLocked(id))
}

// Get returns the profile for id without creating one.
func (s *Store) Get(id string) (Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles.Get(id)
	if !ok {
		return Profile{}, false
	}
	return s.viewLocked(p), true
}

// RecordCompletion counts one successful task for id.
func (s *Store) RecordCompletion(id string) {
	s.record(id, true)
}

// RecordFailure counts one failed or timed-out task for id.
func (s *Store) RecordFailure(id string) {
	s.record(id, false)
}

func (s *Store) record(id string, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.getOrCreateLocked(id)
	if success {
		p.Completed++
	} else {
		p.Failed++
	}
	p.LastActivity = s.now().Unix()
	s.dirty = true
}

// DailyLimit returns the free-task allowance id qualifies for right now.
func (s *Store) DailyLimit(id string) int {
	return s.Observe(id).Tier.DailyLimit()
}

// getOrCreateLocked must be called with s.mu held.
func (s *Store) getOrCreateLocked(id string) *Profile {
	if p, ok := s.profiles.Get(id); ok {
		return p
	}
	now := s.now().Unix()
	p := &Profile{Identity: id, FirstSeen: now, LastActivity: now}
	s.profiles.Add(id, p)
	s.dirty = true
	return p
}

// viewLocked must be called with s.mu held.
func (s *Store) viewLocked(p *Profile) Profile {
	out := *p
	out.Tier = TierOf(out, s.now())
	return out
}

// Save writes the whole store to disk, temp file then rename. Best effort:
// callers log the error and keep serving.
func (s *Store) Save() error {
	s.mu.Lock()
	now := s.now()
	snap := make(map[string]Profile, s.profiles.Len())
	for _, key := range s.profiles.Keys() {
		if p, ok := s.profiles.Peek(key); ok {
			out := *p
			out.Tier = TierOf(out, now)
			snap[key] = out
		}
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
// a final snapshot.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
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
		s.logger.Warn("trust store save failed", "path", s.path, "error", err)
	}
}

// Len reports how many profiles are resident.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profiles.Len()
}
