// Package escrow talks to the marketplace escrow contract: a read-side
// validation gate before a paid task runs, and a best-effort delivery
// confirmation after it completes. Amounts stay 256-bit end to end.
package escrow

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"

	"github.com/ocx/bridge/internal/identity"
)

var errNonNumericID = errors.New("escrow id is not a valid number")

// State mirrors the contract's escrow lifecycle enum.
type State uint8

const (
	StateAwaitingDeposit State = iota
	StateFunded
	StateDelivered
	StateDisputed
	StateReleased
	StateRefunded
)

func (s State) String() string {
	switch s {
	case StateAwaitingDeposit:
		return "AWAITING_DEPOSIT"
	case StateFunded:
		return "FUNDED"
	case StateDelivered:
		return "DELIVERED"
	case StateDisputed:
		return "DISPUTED"
	case StateReleased:
		return "RELEASED"
	case StateRefunded:
		return "REFUNDED"
	default:
		return "UNKNOWN"
	}
}

// Escrow is the on-chain descriptor for one funded task.
type Escrow struct {
	ID              *big.Int
	ClientDIDHash   string
	ProviderDIDHash string
	ClientAddr      common.Address
	ProviderAddr    common.Address
	Amount          *big.Int
	Token           common.Address
	TaskHash        string
	OutputHash      string
	Deadline        int64
	State           State
	CreatedAt       int64
	DeliveredAt     int64
}

// ValidationResult is the outcome of the pre-execution gate. Error is a
// client-safe reason, never raw RPC detail.
type ValidationResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

const defaultMaxAttempts = 5

// Options configures a chain-backed client.
type Options struct {
	RPCURL       string
	ContractAddr string
	ChainID      int64
	ProviderDID  string
	WalletKey    string
}

// Client validates and settles escrows. Chain calls retry with exponential
// backoff before giving up.
type Client struct {
	backend         chainBackend
	providerDIDHash string
	logger          *slog.Logger

	maxAttempts uint64
	baseDelay   time.Duration
	now         func() time.Time
}

// Dial connects the client to the configured chain.
func Dial(opts Options, logger *slog.Logger) (*Client, error) {
	backend, err := newBoundBackend(opts.RPCURL, opts.ContractAddr, opts.WalletKey, opts.ChainID)
	if err != nil {
		return nil, err
	}
	return newClient(backend, opts.ProviderDID, logger), nil
}

func newClient(backend chainBackend, providerDID string, logger *slog.Logger) *Client {
	return &Client{
		backend:         backend,
		providerDIDHash: identity.HashDID(providerDID),
		logger:          logger,
		maxAttempts:     defaultMaxAttempts,
		baseDelay:       time.Second,
		now:             time.Now,
	}
}

// Validate runs the pre-execution gate for escrowID. RPC trouble after all
// retries surfaces as an invalid result, not an internal error.
func (c *Client) Validate(ctx context.Context, escrowID string) ValidationResult {
	id, ok := new(big.Int).SetString(escrowID, 10)
	if !ok || id.Sign() < 0 {
		return ValidationResult{Error: "escrow id is not a valid number"}
	}

	var esc Escrow
	err := c.retry(ctx, func() error {
		var ferr error
		esc, ferr = c.backend.fetch(ctx, id)
		return ferr
	})
	if err != nil {
		c.logger.Error("escrow lookup failed", "escrow_id", escrowID, "error", err)
		return ValidationResult{Error: "escrow lookup failed"}
	}

	switch {
	case esc.ID.Sign() == 0:
		return ValidationResult{Error: "escrow not found on chain"}
	case esc.State != StateFunded:
		return ValidationResult{Error: "escrow is " + esc.State.String() + ", expected FUNDED"}
	case !identity.EqualHex(esc.ProviderDIDHash, c.providerDIDHash):
		return ValidationResult{Error: "escrow provider does not match this agent"}
	case esc.Deadline <= c.now().Unix():
		return ValidationResult{Error: "escrow deadline has passed"}
	}
	return ValidationResult{Valid: true}
}

// ConfirmDelivery commits keccak256(output) on chain for escrowID. Callers
// treat failure as best-effort: the task result already stands.
func (c *Client) ConfirmDelivery(ctx context.Context, escrowID, output string) error {
	id, ok := new(big.Int).SetString(escrowID, 10)
	if !ok {
		return errNonNumericID
	}
	hash := OutputHash(output)

	var txHash string
	err := c.retry(ctx, func() error {
		var terr error
		txHash, terr = c.backend.confirm(ctx, id, hash)
		return terr
	})
	if err != nil {
		return err
	}
	c.logger.Info("delivery confirmed", "escrow_id", escrowID, "tx", txHash)
	return nil
}

func (c *Client) retry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.baseDelay
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, c.maxAttempts-1), ctx))
}
