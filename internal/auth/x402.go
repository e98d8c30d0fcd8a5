package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ocx/bridge/internal/identity"
)

// X402Options configures receipt validation for the exact-payment scheme.
// Price is in the asset's atomic units.
type X402Options struct {
	PayTo          string
	Asset          string
	Price          *big.Int
	Network        string
	ValidityPeriod time.Duration
	Description    string
}

// X402Validator validates x-payment receipts: a base64 JSON envelope
// carrying a signed transfer authorization. Settlement of the transfer is
// the facilitator's business; the bridge checks that the authorization is
// addressed to it, covers the price, and is inside its validity window.
type X402Validator struct {
	opts X402Options
	now  func() time.Time
}

// NewX402 builds a validator. Price must be non-nil.
func NewX402(opts X402Options) *X402Validator {
	return &X402Validator{opts: opts, now: time.Now}
}

type paymentEnvelope struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
	Payload     struct {
		Signature     string `json:"signature"`
		Authorization struct {
			From        string `json:"from"`
			To          string `json:"to"`
			Value       string `json:"value"`
			ValidAfter  string `json:"validAfter"`
			ValidBefore string `json:"validBefore"`
			Nonce       string `json:"nonce"`
		} `json:"authorization"`
	} `json:"payload"`
}

var (
	errReceiptEncoding = errors.New("receipt is not base64 JSON")
	errReceiptScheme   = errors.New("unsupported payment scheme")
	errReceiptNetwork  = errors.New("wrong payment network")
	errReceiptPayee    = errors.New("authorization is not addressed to this agent")
	errReceiptAmount   = errors.New("authorized amount below price")
	errReceiptWindow   = errors.New("authorization outside its validity window")
	errReceiptSig      = errors.New("authorization is unsigned")
)

// Validate implements ReceiptValidator.
func (v *X402Validator) Validate(receipt string) (identity.Identity, error) {
	raw, err := base64.StdEncoding.DecodeString(receipt)
	if err != nil {
		return identity.Identity{}, errReceiptEncoding
	}
	var env paymentEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return identity.Identity{}, errReceiptEncoding
	}
	if env.Scheme != "exact" {
		return identity.Identity{}, errReceiptScheme
	}
	if !strings.EqualFold(env.Network, v.opts.Network) {
		return identity.Identity{}, errReceiptNetwork
	}
	authz := env.Payload.Authorization
	if !strings.EqualFold(authz.To, v.opts.PayTo) {
		return identity.Identity{}, errReceiptPayee
	}
	value, ok := new(big.Int).SetString(authz.Value, 10)
	if !ok || value.Cmp(v.opts.Price) < 0 {
		return identity.Identity{}, errReceiptAmount
	}
	now := v.now().Unix()
	validAfter, err1 := strconv.ParseInt(authz.ValidAfter, 10, 64)
	validBefore, err2 := strconv.ParseInt(authz.ValidBefore, 10, 64)
	if err1 != nil || err2 != nil || validAfter > now || validBefore <= now {
		return identity.Identity{}, errReceiptWindow
	}
	if env.Payload.Signature == "" || authz.From == "" {
		return identity.Identity{}, errReceiptSig
	}
	return identity.Identity{ID: strings.ToLower(authz.From), Tier: identity.TierPaid}, nil
}

// Challenge implements ReceiptValidator.
func (v *X402Validator) Challenge(resource string) map[string]any {
	description := v.opts.Description
	if description == "" {
		description = fmt.Sprintf("Task execution at %s", resource)
	}
	return map[string]any{
		"x402Version": 1,
		"error":       "X-PAYMENT header is required",
		"accepts": []map[string]any{{
			"scheme":            "exact",
			"network":           v.opts.Network,
			"maxAmountRequired": v.opts.Price.String(),
			"resource":          resource,
			"description":       description,
			"mimeType":          "application/json",
			"payTo":             v.opts.PayTo,
			"maxTimeoutSeconds": int(v.opts.ValidityPeriod / time.Second),
			"asset":             v.opts.Asset,
		}},
	}
}
