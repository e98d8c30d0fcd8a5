package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDIDKeyRoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	did := EncodeDIDKey(pub)
	assert.True(t, strings.HasPrefix(did, "did:key:z"))
	assert.True(t, ValidDID(did))

	recovered, err := ParseDIDKey(did)
	require.NoError(t, err)
	assert.Equal(t, []byte(pub), []byte(recovered))
	assert.Len(t, []byte(recovered), 32)
}

func TestParseDIDKeyRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		did  string
	}{
		{"wrong method", "did:web:example.com"},
		{"missing multibase prefix", "did:key:abc"},
		{"truncated payload", "did:key:z6Mk"},
		{"not base58", "did:key:z0OIl"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseDIDKey(tc.did)
			assert.Error(t, err)
		})
	}
}

func TestParseDIDKeyRejectsWrongMulticodec(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	// secp256k1-pub multicodec header instead of ed25519-pub
	raw := append([]byte{0xE7, 0x01}, pub...)
	_, err = ParseDIDKey("did:key:z" + base58.Encode(raw))
	assert.ErrorIs(t, err, errNotEd25519)
}

func TestValidFreeTierIDBounds(t *testing.T) {
	assert.True(t, ValidFreeTierID("a"))
	assert.True(t, ValidFreeTierID(strings.Repeat("x", 128)))
	assert.False(t, ValidFreeTierID(strings.Repeat("x", 129)))
	assert.False(t, ValidFreeTierID(""))
	assert.False(t, ValidFreeTierID("has space"))
	assert.False(t, ValidFreeTierID("semi;colon"))
}

func TestValidDID(t *testing.T) {
	assert.True(t, ValidDID("did:key:z6MkhaXgBZDvotDkL5257faiztiGiC2QtKLGpbnnEGta2doK"))
	assert.True(t, ValidDID("did:web:example.com:user:alice"))
	assert.False(t, ValidDID("DID:key:abc"))
	assert.False(t, ValidDID("did:KEY:abc"))
	assert.False(t, ValidDID("did:key"))
	assert.False(t, ValidDID("key:z123"))
}

func TestValidKeyAcceptsBothForms(t *testing.T) {
	assert.True(t, ValidKey("did:key:z123"))
	assert.True(t, ValidKey("anon-caller_01"))
	assert.False(t, ValidKey("__proto__!"))
}

func TestHashDIDIsKeccak256(t *testing.T) {
	// keccak256("") is a well-known vector; guards against the hash being
	// swapped for standard SHA3.
	assert.Equal(t,
		"c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470",
		hashHex(nil))

	h := HashDID("did:key:zabc")
	assert.Len(t, h, 64)
	assert.Equal(t, h, HashOutput("did:key:zabc"))
}

func TestEqualHex(t *testing.T) {
	assert.True(t, EqualHex("0xABCD", "abcd"))
	assert.True(t, EqualHex("ABCD", "0xabcd"))
	assert.False(t, EqualHex("abcd", "abce"))
}
