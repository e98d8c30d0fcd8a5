// Package identity defines the caller-identity model shared by the auth
// pipeline, the trust store and the rate limiter: DIDs, anonymous free-tier
// identifiers, did:key public-key extraction and keccak256 content hashes.
package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/sha3"
)

// Tier classifies an identity for accounting purposes.
type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

// Anonymous is the sentinel identity attached when auth is not required
// and no credentials were presented.
const Anonymous = "anonymous"

// Identity is an authenticated caller.
type Identity struct {
	ID   string
	Tier Tier
}

// IsAnonymous reports whether this is the sentinel identity.
func (id Identity) IsAnonymous() bool { return id.ID == Anonymous }

// AnonymousIdentity returns the sentinel free-tier identity.
func AnonymousIdentity() Identity {
	return Identity{ID: Anonymous, Tier: TierFree}
}

var (
	didPattern      = regexp.MustCompile(`^did:[a-z]+:[A-Za-z0-9._:-]+$`)
	freeTierPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)
)

// ValidDID reports whether s is a structurally valid DID.
func ValidDID(s string) bool { return didPattern.MatchString(s) }

// ValidFreeTierID reports whether s is an acceptable anonymous free-tier
// identifier (1-128 chars of [A-Za-z0-9._-]).
func ValidFreeTierID(s string) bool { return freeTierPattern.MatchString(s) }

// ValidKey reports whether s may be used as a persisted counter/profile key.
// Load paths use this to drop keys a hostile state file could have injected.
func ValidKey(s string) bool {
	return ValidDID(s) || ValidFreeTierID(s)
}

// did:key suffixes are multibase base58btc ('z' prefix) over the multicodec
// ed25519-pub header 0xED 0x01 followed by the 32-byte key.
const (
	didKeyPrefix  = "did:key:z"
	multicodecLen = 2
)

var (
	errNotDIDKey  = errors.New("not a did:key identifier")
	errNotEd25519 = errors.New("did:key does not encode an ed25519 public key")
	errKeyLength  = errors.New("did:key payload has wrong length")

	multicodecEd25519 = []byte{0xED, 0x01}
)

// ParseDIDKey extracts the Ed25519 public key from a did:key identifier.
func ParseDIDKey(did string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(did, didKeyPrefix) {
		return nil, errNotDIDKey
	}
	raw, err := base58.Decode(strings.TrimPrefix(did, didKeyPrefix))
	if err != nil {
		return nil, fmt.Errorf("decode did:key multibase: %w", err)
	}
	if len(raw) != multicodecLen+ed25519.PublicKeySize {
		return nil, errKeyLength
	}
	if raw[0] != multicodecEd25519[0] || raw[1] != multicodecEd25519[1] {
		return nil, errNotEd25519
	}
	return ed25519.PublicKey(raw[multicodecLen:]), nil
}

// EncodeDIDKey renders an Ed25519 public key as a did:key identifier.
func EncodeDIDKey(pub ed25519.PublicKey) string {
	raw := make([]byte, 0, multicodecLen+len(pub))
	raw = append(raw, multicodecEd25519...)
	raw = append(raw, pub...)
	return didKeyPrefix + base58.Encode(raw)
}

// HashDID returns hex(keccak256(utf8(did))), the 32-byte commitment used to
// match identities against on-chain escrow parties.
func HashDID(did string) string {
	return hashHex([]byte(did))
}

// HashOutput returns hex(keccak256(utf8(output))), submitted with delivery
// confirmations.
func HashOutput(output string) string {
	return hashHex([]byte(output))
}

func hashHex(data []byte) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// EqualHex compares two hex strings case-insensitively, tolerating an
// optional 0x prefix on either side.
func EqualHex(a, b string) bool {
	return strings.EqualFold(trim0x(a), trim0x(b))
}

func trim0x(s string) string {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}
