package payment

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "BACKEND_PREMIER_OPS_TEST"

func TestSignVerify(t *testing.T) {
	s := NewSigner(testSecret, "http://localhost:8080")
	sig := s.Sign(CallbackPath, 2, 9)

	assert.Len(t, sig, 64)
	assert.True(t, s.Verify(CallbackPath, 2, 9, sig))
}

func TestSignatureVaries(t *testing.T) {
	s := NewSigner(testSecret, "")
	sig := s.Sign(CallbackPath, 2, 9)

	assert.False(t, NewSigner("124", "").Verify(CallbackPath, 2, 9, sig), "secret")
	assert.False(t, s.Verify("/callback2", 2, 9, sig), "path")
	assert.False(t, s.Verify(CallbackPath, 3, 9, sig), "tx id")
	assert.False(t, s.Verify(CallbackPath, 2, 8, sig), "owner id")
}

func TestVerifyRejectsMalformed(t *testing.T) {
	s := NewSigner(testSecret, "")
	sig := s.Sign(CallbackPath, 2, 9)

	assert.False(t, s.Verify(CallbackPath, 2, 9, ""))
	assert.False(t, s.Verify(CallbackPath, 2, 9, "zz"))
	assert.False(t, s.Verify(CallbackPath, 2, 9, sig[:63]))
	assert.False(t, s.Verify(CallbackPath, 2, 9, sig[:62]), "prefix of a valid signature")

	// only the last character differs
	tampered := sig[:63] + string("0123456789abcdef"[(indexHex(sig[63])+1)%16])
	assert.False(t, s.Verify(CallbackPath, 2, 9, tampered))
}

func indexHex(c byte) int {
	if c >= 'a' {
		return int(c-'a') + 10
	}
	return int(c - '0')
}

func TestCallbackURL(t *testing.T) {
	s := NewSigner(testSecret, "https://shop.example/")

	u, err := url.Parse(s.CallbackURL(2, 9, ResolutionVoid))
	require.NoError(t, err)

	assert.Equal(t, "shop.example", u.Host)
	assert.Equal(t, CallbackPath, u.Path)
	q := u.Query()
	assert.Equal(t, "2", q.Get("tx_id"))
	assert.Equal(t, "9", q.Get("owner_id"))
	assert.Equal(t, ResolutionVoid, q.Get("resolution"))
	assert.True(t, s.Verify(CallbackPath, 2, 9, q.Get("sig")))

	u, err = url.Parse(s.CallbackURL(2, 9, ""))
	require.NoError(t, err)
	assert.False(t, u.Query().Has("resolution"))
}
