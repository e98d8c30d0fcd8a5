// Package auth implements the layered request authenticator shared by the
// REST and WebSocket surfaces. Stages run in a fixed order and the first
// match wins: static token, on-chain payment receipt, signed DID header,
// anonymous free-tier identifier. When nothing matches the caller gets a
// 401, or a 402 challenge when a receipt validator is configured.
package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ocx/bridge/internal/identity"
)

// Method identifies which stage authenticated the caller.
type Method string

const (
	MethodToken     Method = "token"
	MethodPayment   Method = "payment"
	MethodDID       Method = "did"
	MethodFreeTier  Method = "free-tier"
	MethodAnonymous Method = "anonymous"
)

// Signature timestamp window, in seconds. Past skew absorbs clock drift and
// slow proxies; future skew is kept tight.
const (
	maxPastSkew   = 300
	maxFutureSkew = 30
)

// Result couples the resolved identity with the stage that produced it.
type Result struct {
	Identity identity.Identity
	Method   Method
}

// Error is an authentication failure the wire layer can map directly to a
// response. Challenge is non-nil only for payment-required failures.
type Error struct {
	Status    int
	Code      string
	Message   string
	Challenge map[string]any
}

func (e *Error) Error() string { return e.Message }

func unauthorized(msg string) *Error {
	return &Error{Status: http.StatusUnauthorized, Code: "UNAUTHORIZED", Message: msg}
}

// ReceiptValidator checks an opaque payment receipt from the x-payment
// header and resolves the paying identity.
type ReceiptValidator interface {
	Validate(receipt string) (identity.Identity, error)
	// Challenge builds the 402 body advertising how to pay for resource.
	Challenge(resource string) map[string]any
}

// Options selects which stages are active.
type Options struct {
	// APIToken enables the static-token stage when non-empty.
	APIToken string
	// WSToken is the dedicated WebSocket handshake token. When set, socket
	// upgrades must present it or pass one of the other stages.
	WSToken string
	// RequireAuth rejects requests that match no stage. When false such
	// requests proceed with the anonymous identity.
	RequireAuth bool
	// Receipts enables the payment stage when non-nil.
	Receipts ReceiptValidator
}

// Authenticator evaluates the stages against incoming requests.
type Authenticator struct {
	opts Options
	now  func() time.Time
}

// New builds an authenticator with the given stage configuration.
func New(opts Options) *Authenticator {
	return &Authenticator{opts: opts, now: time.Now}
}

// FromRequest authenticates a plain HTTP request.
func (a *Authenticator) FromRequest(r *http.Request) (Result, error) {
	header := r.Header.Get("Authorization")

	// 1. Static token (Authorization: Bearer or x-api-key).
	if tokenEqual(bearerValue(header), a.opts.APIToken) ||
		tokenEqual(r.Header.Get("x-api-key"), a.opts.APIToken) {
		return Result{Identity: identity.Identity{ID: identity.Anonymous, Tier: identity.TierPaid}, Method: MethodToken}, nil
	}

	// 2. On-chain payment receipt.
	if receipt := r.Header.Get("x-payment"); receipt != "" && a.opts.Receipts != nil {
		id, err := a.opts.Receipts.Validate(receipt)
		if err != nil {
			return Result{}, &Error{
				Status:    http.StatusPaymentRequired,
				Code:      "PAYMENT_REQUIRED",
				Message:   "payment receipt rejected: " + err.Error(),
				Challenge: a.opts.Receipts.Challenge(r.URL.Path),
			}
		}
		return Result{Identity: id, Method: MethodPayment}, nil
	}

	// 3. Signed DID header.
	if value, ok := strings.CutPrefix(header, "DID "); ok {
		return a.verifySigned(value, r.Method, r.URL.Path)
	}

	// 4. Anonymous free-tier identifier.
	if value, ok := strings.CutPrefix(header, "FreeTier "); ok {
		id := strings.TrimSpace(value)
		if !identity.ValidFreeTierID(id) {
			return Result{}, unauthorized("free-tier identifier must be 1-128 chars of [A-Za-z0-9._-]")
		}
		return Result{Identity: identity.Identity{ID: id, Tier: identity.TierFree}, Method: MethodFreeTier}, nil
	}

	// 5. Nothing matched.
	if !a.opts.RequireAuth {
		return Result{Identity: identity.AnonymousIdentity(), Method: MethodAnonymous}, nil
	}
	if a.opts.Receipts != nil {
		return Result{}, &Error{
			Status:    http.StatusPaymentRequired,
			Code:      "PAYMENT_REQUIRED",
			Message:   "authentication or payment required",
			Challenge: a.opts.Receipts.Challenge(r.URL.Path),
		}
	}
	return Result{}, unauthorized("authentication required")
}

// AtHandshake authenticates a WebSocket upgrade request. The dedicated
// socket token may arrive as ?token= or as a Bearer header; failing that
// the regular stages apply, except that a configured socket token makes
// anonymous connections unacceptable.
func (a *Authenticator) AtHandshake(r *http.Request) (Result, error) {
	if a.opts.WSToken != "" {
		if tokenEqual(r.URL.Query().Get("token"), a.opts.WSToken) ||
			tokenEqual(bearerValue(r.Header.Get("Authorization")), a.opts.WSToken) {
			return Result{Identity: identity.Identity{ID: identity.Anonymous, Tier: identity.TierPaid}, Method: MethodToken}, nil
		}
	}
	res, err := a.FromRequest(r)
	if err != nil {
		return Result{}, err
	}
	if a.opts.WSToken != "" && res.Method == MethodAnonymous {
		return Result{}, unauthorized("websocket token required")
	}
	return res, nil
}

// verifySigned checks a "<did>:<unix_ts>:<base64url_sig>" value. The DID
// itself contains colons, so the split scans from the right.
func (a *Authenticator) verifySigned(value, httpMethod, path string) (Result, error) {
	i := strings.LastIndex(value, ":")
	if i < 0 {
		return Result{}, unauthorized("malformed DID authorization header")
	}
	j := strings.LastIndex(value[:i], ":")
	if j < 0 {
		return Result{}, unauthorized("malformed DID authorization header")
	}
	did, tsStr, sigStr := value[:j], value[j+1:i], value[i+1:]

	if !identity.ValidDID(did) {
		return Result{}, unauthorized("malformed DID")
	}
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return Result{}, unauthorized("malformed signature timestamp")
	}
	now := a.now().Unix()
	if now-ts > maxPastSkew {
		return Result{}, unauthorized("signature timestamp expired")
	}
	if ts-now > maxFutureSkew {
		return Result{}, unauthorized("signature timestamp in the future")
	}

	pub, err := identity.ParseDIDKey(did)
	if err != nil {
		return Result{}, unauthorized("unsupported DID key")
	}
	sig, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(sigStr, "="))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return Result{}, unauthorized("malformed signature")
	}
	msg := tsStr + ":" + httpMethod + ":" + path
	if !ed25519.Verify(pub, []byte(msg), sig) {
		return Result{}, unauthorized("signature verification failed")
	}
	return Result{Identity: identity.Identity{ID: did, Tier: identity.TierFree}, Method: MethodDID}, nil
}

// AcceptedSchemes lists the authentication forms this instance accepts,
// for the help block on 401 responses.
func (a *Authenticator) AcceptedSchemes() []string {
	schemes := []string{"Authorization: DID <did>:<unix_ts>:<base64url_sig>", "Authorization: FreeTier <identifier>"}
	if a.opts.APIToken != "" {
		schemes = append([]string{"Authorization: Bearer <token>", "x-api-key: <token>"}, schemes...)
	}
	if a.opts.Receipts != nil {
		schemes = append(schemes, "x-payment: <receipt>")
	}
	return schemes
}

func bearerValue(header string) string {
	value, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

// tokenEqual compares in constant time and never matches an unconfigured
// or empty token.
func tokenEqual(got, want string) bool {
	if got == "" || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

type ctxKey struct{}

// WithResult stores the authentication result on the request context.
func WithResult(ctx context.Context, res Result) context.Context {
	return context.WithValue(ctx, ctxKey{}, res)
}

// ResultFrom retrieves the authentication result; absence means the route
// ran without the auth middleware.
func ResultFrom(ctx context.Context) (Result, bool) {
	res, ok := ctx.Value(ctxKey{}).(Result)
	return res, ok
}
