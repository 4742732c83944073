package keyvault

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = strings.Repeat("11", 32)

func TestSealOpen(t *testing.T) {
	v, err := New(testKey)
	require.NoError(t, err)

	env, err := v.Seal([]byte("secret-key"), "0xabc")
	require.NoError(t, err)

	plain, err := v.Open(env, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "secret-key", string(plain))

	t.Run("wrong_binding", func(t *testing.T) {
		_, err := v.Open(env, "0xdef")
		assert.Error(t, err)
	})

	t.Run("nonces_differ", func(t *testing.T) {
		env2, err := v.Seal([]byte("secret-key"), "0xabc")
		require.NoError(t, err)
		assert.NotEqual(t, env, env2)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := v.Open("!!not-base64", "0xabc")
		assert.True(t, errors.Is(err, ErrMalformedEnvelope))
		_, err = v.Open("AAAA", "0xabc")
		assert.True(t, errors.Is(err, ErrMalformedEnvelope))
	})
}

func TestNewRejectsBadKey(t *testing.T) {
	_, err := New("abcd")
	assert.True(t, errors.Is(err, ErrInvalidKey))
	_, err = New("zz")
	assert.True(t, errors.Is(err, ErrInvalidKey))
}
