package escrow

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/bridge/internal/identity"
)

const providerDID = "did:key:zProvider"

type fakeBackend struct {
	escrow       Escrow
	fetchErr     error
	failFetches  int
	fetchCalls   int
	confirmErr   error
	confirmCalls int
	confirmedID  *big.Int
	confirmedSum [32]byte
}

func (f *fakeBackend) fetch(_ context.Context, id *big.Int) (Escrow, error) {
	f.fetchCalls++
	if f.failFetches >= f.fetchCalls {
		return Escrow{}, errors.New("connection refused")
	}
	if f.fetchErr != nil {
		return Escrow{}, f.fetchErr
	}
	return f.escrow, nil
}

func (f *fakeBackend) confirm(_ context.Context, id *big.Int, sum [32]byte) (string, error) {
	f.confirmCalls++
	if f.confirmErr != nil {
		return "", f.confirmErr
	}
	f.confirmedID = id
	f.confirmedSum = sum
	return "0xtxhash", nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fundedEscrow(now time.Time) Escrow {
	return Escrow{
		ID:              big.NewInt(42),
		ProviderDIDHash: identity.HashDID(providerDID),
		Amount:          new(big.Int).Lsh(big.NewInt(1), 128), // larger than uint64
		Deadline:        now.Add(time.Hour).Unix(),
		State:           StateFunded,
	}
}

func clientWith(backend chainBackend) *Client {
	c := newClient(backend, providerDID, testLogger())
	c.baseDelay = time.Millisecond
	return c
}

func TestValidateHappyPath(t *testing.T) {
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	fb := &fakeBackend{escrow: fundedEscrow(now)}
	c := clientWith(fb)
	c.now = func() time.Time { return now }

	res := c.Validate(context.Background(), "42")
	assert.True(t, res.Valid)
	assert.Empty(t, res.Error)
	assert.Equal(t, 1, fb.fetchCalls)
}

func TestValidateProviderHashCaseInsensitive(t *testing.T) {
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	esc := fundedEscrow(now)
	esc.ProviderDIDHash = "0X" + strings.ToUpper(strings.TrimPrefix(identity.HashDID(providerDID), "0x"))
	c := clientWith(&fakeBackend{escrow: esc})
	c.now = func() time.Time { return now }

	assert.True(t, c.Validate(context.Background(), "42").Valid)
}

func TestValidateRejections(t *testing.T) {
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name    string
		mutate  func(*Escrow)
		id      string
		wantErr string
	}{
		{"not numeric", nil, "forty-two", "not a valid number"},
		{"not found", func(e *Escrow) { e.ID = big.NewInt(0) }, "42", "not found"},
		{"not funded", func(e *Escrow) { e.State = StateReleased }, "42", "RELEASED"},
		{"awaiting deposit", func(e *Escrow) { e.State = StateAwaitingDeposit }, "42", "AWAITING_DEPOSIT"},
		{"wrong provider", func(e *Escrow) { e.ProviderDIDHash = identity.HashDID("did:key:zSomeoneElse") }, "42", "does not match"},
		{"deadline passed", func(e *Escrow) { e.Deadline = now.Add(-time.Minute).Unix() }, "42", "deadline"},
		{"deadline exactly now", func(e *Escrow) { e.Deadline = now.Unix() }, "42", "deadline"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			esc := fundedEscrow(now)
			if tc.mutate != nil {
				tc.mutate(&esc)
			}
			c := clientWith(&fakeBackend{escrow: esc})
			c.now = func() time.Time { return now }

			res := c.Validate(context.Background(), tc.id)
			assert.False(t, res.Valid)
			assert.Contains(t, res.Error, tc.wantErr)
		})
	}
}

func TestValidateRetriesTransientRPCFailures(t *testing.T) {
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	fb := &fakeBackend{escrow: fundedEscrow(now), failFetches: 2}
	c := clientWith(fb)
	c.now = func() time.Time { return now }

	res := c.Validate(context.Background(), "42")
	assert.True(t, res.Valid)
	assert.Equal(t, 3, fb.fetchCalls)
}

func TestValidateGivesUpAfterMaxAttempts(t *testing.T) {
	fb := &fakeBackend{failFetches: 1 << 30}
	c := clientWith(fb)

	res := c.Validate(context.Background(), "42")
	assert.False(t, res.Valid)
	assert.Equal(t, "escrow lookup failed", res.Error)
	assert.Equal(t, 5, fb.fetchCalls)
}

func TestConfirmDeliverySubmitsKeccakOfOutput(t *testing.T) {
	fb := &fakeBackend{}
	c := clientWith(fb)

	output := "task output påyload"
	require.NoError(t, c.ConfirmDelivery(context.Background(), "42", output))
	assert.Equal(t, int64(42), fb.confirmedID.Int64())

	// The committed hash matches the identity package's hex form of the
	// same keccak256.
	assert.Equal(t, identity.HashOutput(output), strings.TrimPrefix(hexutil.Encode(fb.confirmedSum[:]), "0x"))
}

func TestConfirmDeliveryPropagatesFinalFailure(t *testing.T) {
	fb := &fakeBackend{confirmErr: errors.New("nonce too low")}
	c := clientWith(fb)

	err := c.ConfirmDelivery(context.Background(), "42", "out")
	assert.Error(t, err)
	assert.Equal(t, 5, fb.confirmCalls)

	err = c.ConfirmDelivery(context.Background(), "not-a-number", "out")
	assert.ErrorIs(t, err, errNonNumericID)
}

func TestWalletAddress(t *testing.T) {
	// Well-known development key pair.
	addr, err := WalletAddress("ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	require.NoError(t, err)
	assert.True(t, strings.EqualFold("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", addr))

	addr2, err := WalletAddress("0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	require.NoError(t, err)
	assert.Equal(t, addr, addr2)

	_, err = WalletAddress("not-hex")
	assert.Error(t, err)
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "FUNDED", StateFunded.String())
	assert.Equal(t, "AWAITING_DEPOSIT", StateAwaitingDeposit.String())
	assert.Equal(t, "REFUNDED", StateRefunded.String())
	assert.Equal(t, "UNKNOWN", State(99).String())
}
