package interactor

import (
	"testing"

	"github.com/esogbengastephen/sendapp-offramp/pkg/hdwallet"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyRingIssueAndUnlock(t *testing.T) {
	h := newHarness(t)

	user := h.create(t, "user-42")
	assert.Equal(t, string(hdwallet.SchemeUser), user.DerivationScheme)
	assert.Equal(t, "user-42", user.DerivationIdentifier)

	guest := h.create(t, "")
	assert.Equal(t, string(hdwallet.SchemeTransaction), guest.DerivationScheme)
	assert.Equal(t, guest.TransactionID, guest.DerivationIdentifier)
	assert.NotEqual(t, user.DepositAddress, guest.DepositAddress)

	for _, tx := range []string{user.TransactionID, guest.TransactionID} {
		row := h.get(t, tx)
		key, err := h.keys.Unlock(row)
		require.NoError(t, err)
		assert.Equal(t, addr(row), gethcrypto.PubkeyToAddress(key.PublicKey))
	}
}

func TestKeyRingIssueIsDeterministic(t *testing.T) {
	h := newHarness(t)
	a, err := h.keys.Issue("user-42", "tx-1")
	require.NoError(t, err)
	b, err := h.keys.Issue("user-42", "tx-2")
	require.NoError(t, err)
	assert.Equal(t, a.Address, b.Address)
	assert.Equal(t, a.Path, b.Path)
	assert.NotEqual(t, a.SealedKey, b.SealedKey, "fresh nonce per seal")
}

func TestKeyRingUnlockMismatch(t *testing.T) {
	h := newHarness(t)
	a := h.get(t, h.create(t, "").TransactionID)
	b := h.get(t, h.create(t, "").TransactionID)

	t.Run("address", func(t *testing.T) {
		tampered := a.Clone()
		tampered.DepositAddress = b.DepositAddress
		_, err := h.keys.Unlock(tampered)
		assert.ErrorIs(t, err, errCustodyMismatch)
	})

	t.Run("sealed key", func(t *testing.T) {
		tampered := a.Clone()
		tampered.EncryptedPrivateKey = b.EncryptedPrivateKey
		_, err := h.keys.Unlock(tampered)
		assert.Error(t, err)
	})

	t.Run("scheme", func(t *testing.T) {
		tampered := a.Clone()
		tampered.DerivationScheme = "unknown_v9"
		_, err := h.keys.Unlock(tampered)
		assert.ErrorIs(t, err, hdwallet.ErrUnknownScheme)
	})
}
