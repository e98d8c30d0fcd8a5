package ratelimit

import (
	"fmt"

	"github.com/ocx/bridge/internal/identity"
)

// FreeTier enforces the two daily quotas that gate unpaid tasks: a
// per-identity limit that scales with trust, and a flat per-IP limit that
// stops one caller from minting fresh identities all day.
type FreeTier struct {
	store   *Store
	ipLimit int
}

// NewFreeTier wraps store with the given per-IP daily ceiling.
func NewFreeTier(store *Store, ipLimit int) *FreeTier {
	return &FreeTier{store: store, ipLimit: ipLimit}
}

// CanProceed reports whether id may run another free task today, and a
// human-readable reason when it may not. The identity quota is checked
// first so callers see the limit that is theirs to manage.
func (f *FreeTier) CanProceed(id identity.Identity, ip string, dailyLimit int) (bool, string) {
	if e, ok := f.store.Peek(BucketDID, id.ID); ok && e.Count >= dailyLimit {
		return false, fmt.Sprintf("DID daily limit reached (%d/day)", dailyLimit)
	}
	if ip != "" {
		if e, ok := f.store.Peek(BucketIP, ip); ok && e.Count >= f.ipLimit {
			return false, fmt.Sprintf("IP daily limit reached (%d/day)", f.ipLimit)
		}
	}
	return true, ""
}

// Record counts one accepted free task against both quotas. It never fails:
// the store is in memory and flushed to disk on its own schedule.
func (f *FreeTier) Record(id identity.Identity, ip string) {
	f.store.Incr(BucketDID, id.ID)
	if ip != "" {
		f.store.Incr(BucketIP, ip)
	}
}

// Remaining returns how many free tasks id has left today, never negative.
func (f *FreeTier) Remaining(id identity.Identity, dailyLimit int) int {
	e, ok := f.store.Peek(BucketDID, id.ID)
	if !ok {
		return dailyLimit
	}
	left := dailyLimit - e.Count
	if left < 0 {
		return 0
	}
	return left
}

// ResetAt returns the unix second when id's current window rolls over, or
// the next UTC midnight when no window is open.
func (f *FreeTier) ResetAt(id identity.Identity) int64 {
	if e, ok := f.store.Peek(BucketDID, id.ID); ok {
		return e.ResetAt
	}
	return NextUTCMidnight(f.store.now())
}
