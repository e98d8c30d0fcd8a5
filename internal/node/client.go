// Package node is the client for the operator's upstream P2P discovery
// node. The bridge reverse-proxies discovery and network-trust lookups to
// it; all calls run behind a circuit breaker so a dead node costs callers
// milliseconds, not sockets.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ocx/bridge/internal/breaker"
)

const (
	// proxyTimeout bounds one forwarded discovery call.
	proxyTimeout = 5 * time.Second

	// trustTimeout bounds the network-trust side lookup; the local view
	// never waits on it.
	trustTimeout = 3 * time.Second

	// maxRelayBytes caps how much upstream body the bridge will relay.
	maxRelayBytes = 4 << 20
)

var (
	// ErrUnavailable means the node could not be reached (or the circuit
	// is open). The wire layer maps it to 503.
	ErrUnavailable = errors.New("upstream node unavailable")

	// ErrBadGateway means the node answered with something other than a
	// success or a not-found. The wire layer maps it to 502.
	ErrBadGateway = errors.New("upstream node returned an error")
)

// Reply is a relayed upstream response.
type Reply struct {
	Status int
	Body   []byte
}

// Client forwards requests to the upstream node.
type Client struct {
	base    string
	http    *http.Client
	breaker *breaker.Breaker
	logger  *slog.Logger
}

// New builds a client for the node at baseURL.
func New(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		base:    strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: proxyTimeout},
		breaker: breaker.New(breaker.DefaultConfig("node"), logger),
		logger:  logger,
	}
}

// Forward relays one discovery call. Replies carrying 2xx or 404 come back
// verbatim for the caller to serve; anything else is ErrBadGateway, and an
// unreachable node (including an open circuit) is ErrUnavailable.
func (c *Client) Forward(ctx context.Context, method, path string, query url.Values, body io.Reader) (Reply, error) {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reply Reply
	err := c.breaker.Do(func() error {
		ctx, cancel := context.WithTimeout(ctx, proxyTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return fmt.Errorf("build upstream request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(io.LimitReader(resp.Body, maxRelayBytes))
		if err != nil {
			return err
		}
		reply = Reply{Status: resp.StatusCode, Body: payload}

		// A 5xx is the node failing; count it against the circuit. A 404
		// or any other 4xx is the node answering.
		if resp.StatusCode >= 500 {
			return fmt.Errorf("upstream status %d", resp.StatusCode)
		}
		return nil
	})

	switch {
	case err == nil:
	case errors.Is(err, breaker.ErrOpen):
		return Reply{}, ErrUnavailable
	case reply.Status >= 500:
		return Reply{}, ErrBadGateway
	default:
		c.logger.Warn("upstream node unreachable", "path", path, "error", err)
		return Reply{}, ErrUnavailable
	}

	if reply.Status >= 200 && reply.Status < 300 || reply.Status == http.StatusNotFound {
		return reply, nil
	}
	return Reply{}, ErrBadGateway
}

// TrustView fetches the network's reputation view of did. Any failure,
// including timeout, yields nil: the caller serves the local view with a
// null network side.
func (c *Client) TrustView(ctx context.Context, did string) json.RawMessage {
	ctx, cancel := context.WithTimeout(ctx, trustTimeout)
	defer cancel()

	var view json.RawMessage
	err := c.breaker.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/trust/"+url.PathEscape(did), nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("upstream status %d", resp.StatusCode)
		}
		payload, err := io.ReadAll(io.LimitReader(resp.Body, maxRelayBytes))
		if err != nil {
			return err
		}
		if !json.Valid(payload) {
			return errors.New("upstream returned invalid json")
		}
		view = payload
		return nil
	})
	if err != nil {
		c.logger.Debug("network trust view unavailable", "did", did, "error", err)
		return nil
	}
	return view
}
