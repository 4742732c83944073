package hdwallet

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcutil/hdkeychain"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Scheme records which identifier a deposit key was derived from.
type Scheme string

const (
	// SchemeUser derives from the owning user's identifier.
	SchemeUser Scheme = "user_v1"
	// SchemeTransaction derives from the transaction id (guest flows).
	SchemeTransaction Scheme = "transaction_v1"
)

// BasePath is the account-level path every deposit key hangs off.
const BasePath = "m/44'/60'/0'/0"

var (
	ErrInvalidSeed       = errors.New("hdwallet: invalid master seed")
	ErrEmptyIdentifier   = errors.New("hdwallet: identifier required")
	ErrUnknownScheme     = errors.New("hdwallet: unknown derivation scheme")
	ErrDerivationFailure = errors.New("hdwallet: derivation failed")
)

// Key is a derived custodial keypair.
type Key struct {
	Address    common.Address
	PrivateKey *ecdsa.PrivateKey
	Path       string
	Index      uint32
}

// Deriver derives deposit keys from a single master seed. It holds no other secret
// and is safe for concurrent use.
type Deriver struct {
	master *hdkeychain.ExtendedKey
}

// NewDeriver parses a hex encoded master seed. A malformed seed is a configuration
// error and callers are expected to abort startup on it.
func NewDeriver(seedHex string) (*Deriver, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(seedHex), "0x")
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidSeed)
	}
	seed, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	if len(seed) < hdkeychain.MinSeedBytes || len(seed) > hdkeychain.MaxSeedBytes {
		return nil, fmt.Errorf("%w: length %d outside [%d,%d]", ErrInvalidSeed, len(seed), hdkeychain.MinSeedBytes, hdkeychain.MaxSeedBytes)
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	return &Deriver{master: master}, nil
}

// IndexFor maps an identifier onto a non-hardened child index.
func IndexFor(identifier string) uint32 {
	sum := sha256.Sum256([]byte(identifier))
	return binary.BigEndian.Uint32(sum[:4]) & 0x7fffffff
}

// PathFor returns the full derivation path used for identifier.
func PathFor(identifier string) string {
	return fmt.Sprintf("%s/%d", BasePath, IndexFor(identifier))
}

// Identifier picks the derivation identifier for a new deposit address. The user id is
// preferred so refunds and later sweeps only need the user; guests fall back to the
// transaction id.
func Identifier(userID, transactionID string) (Scheme, string) {
	if id := strings.TrimSpace(userID); id != "" {
		return SchemeUser, id
	}
	return SchemeTransaction, strings.TrimSpace(transactionID)
}

// Derive returns the keypair for identifier.
func (d *Deriver) Derive(identifier string) (*Key, error) {
	id := strings.TrimSpace(identifier)
	if id == "" {
		return nil, ErrEmptyIdentifier
	}
	key, err := d.DerivePath(PathFor(id))
	if err != nil {
		return nil, err
	}
	key.Index = IndexFor(id)
	return key, nil
}

// DeriveScheme re-derives a key recorded on a ledger row.
func (d *Deriver) DeriveScheme(scheme Scheme, identifier string) (*Key, error) {
	switch scheme {
	case SchemeUser, SchemeTransaction:
		return d.Derive(identifier)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}
}

// DerivePath walks an arbitrary BIP32 path from the master key.
func (d *Deriver) DerivePath(path string) (*Key, error) {
	parsed, err := accounts.ParseDerivationPath(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDerivationFailure, err)
	}
	node := d.master
	for _, n := range parsed {
		node, err = node.Child(n)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDerivationFailure, err)
		}
	}
	btcPriv, err := node.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDerivationFailure, err)
	}
	priv, err := gethcrypto.ToECDSA(btcPriv.Serialize())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDerivationFailure, err)
	}
	return &Key{
		Address:    gethcrypto.PubkeyToAddress(priv.PublicKey),
		PrivateKey: priv,
		Path:       parsed.String(),
	}, nil
}
