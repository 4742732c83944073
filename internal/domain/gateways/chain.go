package gateways

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// NativeToken is the sentinel address aggregators use for the chain's gas currency.
var NativeToken = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")

var (
	// ErrTxReverted is returned when a mined transaction has a failed status.
	ErrTxReverted = errors.New("transaction reverted")
	// ErrTxNotConfirmed is returned when the bounded receipt wait runs out. The transaction
	// may still land; recovery re-checks it by hash.
	ErrTxNotConfirmed = errors.New("transaction not confirmed within wait budget")
)

// TokenInfo is immutable ERC-20 metadata.
type TokenInfo struct {
	Address  common.Address
	Symbol   string
	Decimals int32
}

// ContractCall is an arbitrary signed call from a custodial key.
type ContractCall struct {
	To    common.Address
	Data  []byte
	Value *big.Int
	Gas   uint64
}

// Chain is everything the pipeline needs from the EVM network.
type Chain interface {
	ChainID() *big.Int
	NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	TokenInfo(ctx context.Context, token common.Address) (TokenInfo, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)

	TransferNative(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount *big.Int) (common.Hash, error)
	TransferToken(ctx context.Context, key *ecdsa.PrivateKey, token, to common.Address, amount *big.Int) (common.Hash, error)
	Approve(ctx context.Context, key *ecdsa.PrivateKey, token, spender common.Address, amount *big.Int) (common.Hash, error)
	SendCall(ctx context.Context, key *ecdsa.PrivateKey, call ContractCall) (common.Hash, error)
	// SignTokenTransfer signs an ERC-20 transfer without sending it, so its hash can be
	// recorded first. Broadcast sends it.
	SignTokenTransfer(ctx context.Context, key *ecdsa.PrivateKey, token, to common.Address, amount *big.Int) (*types.Transaction, error)
	Broadcast(ctx context.Context, signed *types.Transaction) error

	// WaitForReceipt polls a bounded number of times. A reverted receipt is returned
	// together with ErrTxReverted.
	WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	// Receipt returns (nil, nil) when the transaction is unknown or still pending.
	Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}
