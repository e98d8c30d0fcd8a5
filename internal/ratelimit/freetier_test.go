package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/bridge/internal/identity"
)

func TestFreeTierDailyLimitExhaustion(t *testing.T) {
	s := storeAt(t, t.TempDir())
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	ft := NewFreeTier(s, 20)
	id := identity.Identity{ID: "alice", Tier: identity.TierFree}

	for i := 0; i < 10; i++ {
		ok, _ := ft.CanProceed(id, "203.0.113.7", 10)
		require.True(t, ok, "task %d should be allowed", i+1)
		ft.Record(id, "203.0.113.7")
	}

	ok, reason := ft.CanProceed(id, "203.0.113.7", 10)
	assert.False(t, ok)
	assert.Contains(t, reason, "DID daily limit")
	assert.Contains(t, reason, "10")
	assert.Equal(t, 0, ft.Remaining(id, 10))

	// A different identity from a different address is unaffected.
	ok, _ = ft.CanProceed(identity.Identity{ID: "bob", Tier: identity.TierFree}, "203.0.113.8", 10)
	assert.True(t, ok)

	// Quota returns at UTC midnight.
	s.now = func() time.Time { return time.Date(2026, 3, 15, 0, 0, 1, 0, time.UTC) }
	ok, _ = ft.CanProceed(id, "203.0.113.7", 10)
	assert.True(t, ok)
	assert.Equal(t, 10, ft.Remaining(id, 10))
}

func TestFreeTierIPLimitIndependentOfIdentity(t *testing.T) {
	s := storeAt(t, t.TempDir())
	ft := NewFreeTier(s, 20)

	// Twenty fresh identities from one address burn the IP quota.
	for i := 0; i < 20; i++ {
		id := identity.Identity{ID: fmt.Sprintf("sock-%d", i), Tier: identity.TierFree}
		ok, _ := ft.CanProceed(id, "198.51.100.1", 10)
		require.True(t, ok)
		ft.Record(id, "198.51.100.1")
	}

	ok, reason := ft.CanProceed(identity.Identity{ID: "sock-20", Tier: identity.TierFree}, "198.51.100.1", 10)
	assert.False(t, ok)
	assert.Contains(t, reason, "IP daily limit")

	// Same identity from another address is still inside its own quota.
	ok, _ = ft.CanProceed(identity.Identity{ID: "sock-20", Tier: identity.TierFree}, "198.51.100.2", 10)
	assert.True(t, ok)
}

func TestFreeTierUnknownIPSkipsIPQuota(t *testing.T) {
	s := storeAt(t, t.TempDir())
	ft := NewFreeTier(s, 20)
	id := identity.Identity{ID: "alice", Tier: identity.TierFree}

	ok, _ := ft.CanProceed(id, "", 10)
	assert.True(t, ok)
	ft.Record(id, "")
	e, found := s.Peek(BucketDID, "alice")
	require.True(t, found)
	assert.Equal(t, 1, e.Count)
}

func TestFreeTierRemainingNeverNegative(t *testing.T) {
	s := storeAt(t, t.TempDir())
	ft := NewFreeTier(s, 20)
	id := identity.Identity{ID: "alice", Tier: identity.TierFree}
	for i := 0; i < 7; i++ {
		ft.Record(id, "")
	}
	// The limit can shrink between days when trust is recomputed.
	assert.Equal(t, 0, ft.Remaining(id, 5))
	assert.Equal(t, 3, ft.Remaining(id, 10))
}

func TestFreeTierResetAt(t *testing.T) {
	s := storeAt(t, t.TempDir())
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	ft := NewFreeTier(s, 20)
	id := identity.Identity{ID: "alice", Tier: identity.TierFree}

	midnight := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC).Unix()
	assert.Equal(t, midnight, ft.ResetAt(id))
	ft.Record(id, "")
	assert.Equal(t, midnight, ft.ResetAt(id))
}
