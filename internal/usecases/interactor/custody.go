package interactor

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/esogbengastephen/sendapp-offramp/internal/domain/models"
	"github.com/esogbengastephen/sendapp-offramp/pkg/hdwallet"
	"github.com/esogbengastephen/sendapp-offramp/pkg/keyvault"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var errCustodyMismatch = errors.New("custody key does not match deposit address")

// Custody is the key material issued for a new deposit address.
type Custody struct {
	Address    common.Address
	SealedKey  string
	Scheme     hdwallet.Scheme
	Identifier string
	Path       string
}

// KeyRing issues deposit keys and unlocks them again for signing.
type KeyRing struct {
	deriver *hdwallet.Deriver
	vault   *keyvault.Vault
}

func NewKeyRing(deriver *hdwallet.Deriver, vault *keyvault.Vault) *KeyRing {
	return &KeyRing{deriver: deriver, vault: vault}
}

// Issue derives the deposit key for a request and seals a copy bound to its address.
func (k *KeyRing) Issue(userID, transactionID string) (*Custody, error) {
	scheme, identifier := hdwallet.Identifier(userID, transactionID)
	key, err := k.deriver.DeriveScheme(scheme, identifier)
	if err != nil {
		return nil, err
	}
	sealed, err := k.vault.Seal(gethcrypto.FromECDSA(key.PrivateKey), models.NormalizeAddress(key.Address.Hex()))
	if err != nil {
		return nil, err
	}
	return &Custody{
		Address:    key.Address,
		SealedKey:  sealed,
		Scheme:     scheme,
		Identifier: identifier,
		Path:       key.Path,
	}, nil
}

// Unlock re-derives the row's key and cross-checks it against the address and the sealed copy.
func (k *KeyRing) Unlock(tx *models.Transaction) (*ecdsa.PrivateKey, error) {
	key, err := k.deriver.DeriveScheme(hdwallet.Scheme(tx.DerivationScheme), tx.DerivationIdentifier)
	if err != nil {
		return nil, fmt.Errorf("unlock %s: %w", tx.TransactionID, err)
	}
	address := models.NormalizeAddress(tx.DepositAddress)
	if models.NormalizeAddress(key.Address.Hex()) != address {
		return nil, fmt.Errorf("unlock %s: %w", tx.TransactionID, errCustodyMismatch)
	}
	if tx.EncryptedPrivateKey != "" {
		sealed, err := k.vault.Open(tx.EncryptedPrivateKey, address)
		if err != nil {
			return nil, fmt.Errorf("unlock %s: %w", tx.TransactionID, err)
		}
		if !bytes.Equal(sealed, gethcrypto.FromECDSA(key.PrivateKey)) {
			return nil, fmt.Errorf("unlock %s: sealed key: %w", tx.TransactionID, errCustodyMismatch)
		}
	}
	return key.PrivateKey, nil
}
