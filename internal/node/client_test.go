package node

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestForwardRelaysSuccessAndNotFound(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/agents":
			assert.Equal(t, "plan", r.URL.Query().Get("skill"))
			w.Write([]byte(`{"agents":[]}`))
		case "/agents/did:key:zGone":
			http.Error(w, `{"error":"unknown agent"}`, http.StatusNotFound)
		default:
			t.Errorf("unexpected upstream path %s", r.URL.Path)
		}
	}))
	defer upstream.Close()

	c := New(upstream.URL, testLogger())

	reply, err := c.Forward(context.Background(), http.MethodGet, "/agents",
		map[string][]string{"skill": {"plan"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, reply.Status)
	assert.JSONEq(t, `{"agents":[]}`, string(reply.Body))

	reply, err = c.Forward(context.Background(), http.MethodGet, "/agents/did:key:zGone", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, reply.Status)
}

func TestForwardMapsUpstreamErrors(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer upstream.Close()

	c := New(upstream.URL, testLogger())
	_, err := c.Forward(context.Background(), http.MethodGet, "/agents", nil, nil)
	assert.ErrorIs(t, err, ErrBadGateway)
}

func TestForwardMapsNetworkErrors(t *testing.T) {
	// A closed server: connections are refused.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close()

	c := New(upstream.URL, testLogger())
	_, err := c.Forward(context.Background(), http.MethodGet, "/agents", nil, nil)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestForwardTripsBreakerOnRepeatedFailures(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close()

	c := New(upstream.URL, testLogger())
	for i := 0; i < 6; i++ {
		c.Forward(context.Background(), http.MethodGet, "/agents", nil, nil)
	}

	// The circuit is now open: calls fail fast without dialing.
	_, err := c.Forward(context.Background(), http.MethodGet, "/agents", nil, nil)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestForwardPostsBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var q map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&q))
		assert.Equal(t, "code review", q["query"])
		w.Write([]byte(`{"results":[]}`))
	}))
	defer upstream.Close()

	c := New(upstream.URL, testLogger())
	reply, err := c.Forward(context.Background(), http.MethodPost, "/search", nil,
		strings.NewReader(`{"query":"code review"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, reply.Status)
}

func TestTrustViewReturnsNilOnAnyFailure(t *testing.T) {
	calls := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		switch calls {
		case 1:
			assert.Equal(t, "/trust/did:key:zAlice", r.URL.Path)
			w.Write([]byte(`{"tier":"established","score":41}`))
		case 2:
			http.Error(w, "nope", http.StatusBadGateway)
		default:
			w.Write([]byte(`not json`))
		}
	}))
	defer upstream.Close()

	c := New(upstream.URL, testLogger())

	view := c.TrustView(context.Background(), "did:key:zAlice")
	require.NotNil(t, view)
	assert.JSONEq(t, `{"tier":"established","score":41}`, string(view))

	assert.Nil(t, c.TrustView(context.Background(), "did:key:zAlice"), "upstream error")
	assert.Nil(t, c.TrustView(context.Background(), "did:key:zAlice"), "invalid json")
}
