package breaker

import (
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("connection refused")

func newTestBreaker(t *testing.T) (*Breaker, *time.Time) {
	t.Helper()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	b := New(Config{
		Name:      "node",
		MaxProbes: 2,
		Interval:  time.Minute,
		Cooldown:  30 * time.Second,
		TripAfter: 3,
	}, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	b.now = func() time.Time { return now }
	return b, &now
}

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Do(func() error { return errUpstream }), errUpstream)
	}
	assert.Equal(t, StateOpen, b.State())

	// Further calls are refused without invoking the function.
	called := false
	err := b.Do(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	b, _ := newTestBreaker(t)

	require.Error(t, b.Do(func() error { return errUpstream }))
	require.Error(t, b.Do(func() error { return errUpstream }))
	require.NoError(t, b.Do(func() error { return nil }))
	require.Error(t, b.Do(func() error { return errUpstream }))
	require.Error(t, b.Do(func() error { return errUpstream }))

	assert.Equal(t, StateClosed, b.State(), "interleaved success keeps the circuit closed")
}

func TestHalfOpenProbesThenCloses(t *testing.T) {
	b, now := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		b.Do(func() error { return errUpstream })
	}
	require.Equal(t, StateOpen, b.State())

	*now = now.Add(31 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	// MaxProbes successful probes close the circuit again.
	require.NoError(t, b.Do(func() error { return nil }))
	require.NoError(t, b.Do(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		b.Do(func() error { return errUpstream })
	}
	*now = now.Add(31 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	require.Error(t, b.Do(func() error { return errUpstream }))
	assert.Equal(t, StateOpen, b.State())

	// The cooldown restarts from the reopen.
	*now = now.Add(29 * time.Second)
	assert.Equal(t, StateOpen, b.State())
	*now = now.Add(2 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestHalfOpenBoundsConcurrentProbes(t *testing.T) {
	b, now := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		b.Do(func() error { return errUpstream })
	}
	*now = now.Add(31 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	// Claim both probe slots without completing them.
	g1, err := b.before()
	require.NoError(t, err)
	_, err = b.before()
	require.NoError(t, err)
	_, err = b.before()
	assert.ErrorIs(t, err, ErrOpen, "probe budget exhausted")

	b.after(g1, true)
}

func TestStaleGenerationOutcomeDiscarded(t *testing.T) {
	b, now := newTestBreaker(t)

	gen, err := b.before()
	require.NoError(t, err)

	// The circuit trips while the slow call is still in flight.
	for i := 0; i < 3; i++ {
		b.Do(func() error { return errUpstream })
	}
	require.Equal(t, StateOpen, b.State())

	// The stale success must not disturb the open state.
	b.after(gen, true)
	assert.Equal(t, StateOpen, b.State())

	_ = now
}
