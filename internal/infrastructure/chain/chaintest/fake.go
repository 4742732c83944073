// Package chaintest provides an in-memory gateways.Chain for tests.
package chaintest

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/esogbengastephen/sendapp-offramp/internal/domain/gateways"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Sent is one broadcast recorded by the fake.
type Sent struct {
	Kind   string
	From   common.Address
	To     common.Address
	Token  common.Address
	Amount *big.Int
	Data   []byte
	Hash   common.Hash
}

// Chain keeps balances in memory and mines every broadcast instantly.
type Chain struct {
	mu         sync.Mutex
	chainID    *big.Int
	gasPrice   *big.Int
	balances   map[common.Address]map[common.Address]*big.Int
	tokens     map[common.Address]gateways.TokenInfo
	allowances map[[3]common.Address]*big.Int
	receipts   map[common.Hash]*types.Receipt
	signed     map[common.Hash]Sent
	sent       []Sent
	seq        uint64

	// OnCall runs for SendCall broadcasts, with the lock released, and may move balances
	// to simulate contract effects. A returned error fails the broadcast.
	OnCall func(from common.Address, call gateways.ContractCall) error
	// OnRead answers Call; without it Call fails.
	OnRead func(to common.Address, data []byte) ([]byte, error)
	// RevertCalls makes every SendCall receipt a failed one.
	RevertCalls bool
	// SendErr fails every signature and broadcast from the given address.
	SendErr map[common.Address]error
	// BroadcastErr fails Broadcast after signing succeeded.
	BroadcastErr error
	// Pending leaves receipts unmined.
	Pending bool
}

var _ gateways.Chain = (*Chain)(nil)

func New() *Chain {
	return &Chain{
		chainID:    big.NewInt(8453),
		gasPrice:   big.NewInt(1_000_000_000),
		balances:   make(map[common.Address]map[common.Address]*big.Int),
		tokens:     make(map[common.Address]gateways.TokenInfo),
		allowances: make(map[[3]common.Address]*big.Int),
		receipts:   make(map[common.Hash]*types.Receipt),
		signed:     make(map[common.Hash]Sent),
		SendErr:    make(map[common.Address]error),
	}
}

// AddToken registers ERC-20 metadata.
func (c *Chain) AddToken(address common.Address, symbol string, decimals int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[address] = gateways.TokenInfo{Address: address, Symbol: symbol, Decimals: decimals}
}

// SetBalance sets owner's balance of token; gateways.NativeToken is the gas currency.
func (c *Chain) SetBalance(token, owner common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(token, owner, amount)
}

// Balance returns owner's balance of token.
func (c *Chain) Balance(token, owner common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(token, owner)
}

// Move transfers amount of token between owners, failing on insufficient balance.
func (c *Chain) Move(token, from, to common.Address, amount *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.moveLocked(token, from, to, amount)
}

// Mint credits owner with amount of token.
func (c *Chain) Mint(token, owner common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(token, owner, new(big.Int).Add(c.getLocked(token, owner), amount))
}

func (c *Chain) SetGasPrice(price *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gasPrice = new(big.Int).Set(price)
}

// Sent returns a copy of every recorded broadcast.
func (c *Chain) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Sent, len(c.sent))
	copy(out, c.sent)
	return out
}

// CountSent counts broadcasts of kind.
func (c *Chain) CountSent(kind string) int {
	n := 0
	for _, s := range c.Sent() {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

func (c *Chain) getLocked(token, owner common.Address) *big.Int {
	if m, ok := c.balances[token]; ok {
		if b, ok := m[owner]; ok {
			return new(big.Int).Set(b)
		}
	}
	return new(big.Int)
}

func (c *Chain) setLocked(token, owner common.Address, amount *big.Int) {
	m, ok := c.balances[token]
	if !ok {
		m = make(map[common.Address]*big.Int)
		c.balances[token] = m
	}
	m[owner] = new(big.Int).Set(amount)
}

func (c *Chain) moveLocked(token, from, to common.Address, amount *big.Int) error {
	have := c.getLocked(token, from)
	if have.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient balance: have %s want %s", have, amount)
	}
	c.setLocked(token, from, new(big.Int).Sub(have, amount))
	c.setLocked(token, to, new(big.Int).Add(c.getLocked(token, to), amount))
	return nil
}

func (c *Chain) record(s Sent, failed bool) common.Hash {
	c.seq++
	if s.Hash == (common.Hash{}) {
		s.Hash = common.BigToHash(new(big.Int).SetUint64(c.seq))
	}
	c.sent = append(c.sent, s)
	status := types.ReceiptStatusSuccessful
	if failed {
		status = types.ReceiptStatusFailed
	}
	if !c.Pending {
		c.receipts[s.Hash] = &types.Receipt{Status: status, TxHash: s.Hash, BlockNumber: big.NewInt(int64(c.seq))}
	}
	return s.Hash
}

// Mine marks a pending hash as mined with the given success flag.
func (c *Chain) Mine(hash common.Hash, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := types.ReceiptStatusSuccessful
	if !success {
		status = types.ReceiptStatusFailed
	}
	c.receipts[hash] = &types.Receipt{Status: status, TxHash: hash, BlockNumber: big.NewInt(1)}
}

func (c *Chain) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

func (c *Chain) NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	return c.Balance(gateways.NativeToken, owner), nil
}

func (c *Chain) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return c.Balance(token, owner), nil
}

func (c *Chain) TokenInfo(ctx context.Context, token common.Address) (gateways.TokenInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.tokens[token]
	if !ok {
		return gateways.TokenInfo{}, fmt.Errorf("unknown token %s", token.Hex())
	}
	return info, nil
}

func (c *Chain) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.allowances[[3]common.Address{token, owner, spender}]; ok {
		return new(big.Int).Set(a), nil
	}
	return new(big.Int), nil
}

func (c *Chain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.gasPrice), nil
}

func (c *Chain) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	c.mu.Lock()
	read := c.OnRead
	c.mu.Unlock()
	if read == nil {
		return nil, errors.New("chaintest: Call not supported")
	}
	return read(to, data)
}

func (c *Chain) TransferNative(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount *big.Int) (common.Hash, error) {
	from := gethcrypto.PubkeyToAddress(key.PublicKey)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.SendErr[from]; err != nil {
		return common.Hash{}, err
	}
	if err := c.moveLocked(gateways.NativeToken, from, to, amount); err != nil {
		return common.Hash{}, err
	}
	return c.record(Sent{Kind: "native", From: from, To: to, Token: gateways.NativeToken, Amount: new(big.Int).Set(amount)}, false), nil
}

func (c *Chain) TransferToken(ctx context.Context, key *ecdsa.PrivateKey, token, to common.Address, amount *big.Int) (common.Hash, error) {
	from := gethcrypto.PubkeyToAddress(key.PublicKey)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.SendErr[from]; err != nil {
		return common.Hash{}, err
	}
	if err := c.moveLocked(token, from, to, amount); err != nil {
		return common.Hash{}, err
	}
	return c.record(Sent{Kind: "token", From: from, To: to, Token: token, Amount: new(big.Int).Set(amount)}, false), nil
}

func (c *Chain) Approve(ctx context.Context, key *ecdsa.PrivateKey, token, spender common.Address, amount *big.Int) (common.Hash, error) {
	from := gethcrypto.PubkeyToAddress(key.PublicKey)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.SendErr[from]; err != nil {
		return common.Hash{}, err
	}
	c.allowances[[3]common.Address{token, from, spender}] = new(big.Int).Set(amount)
	return c.record(Sent{Kind: "approve", From: from, To: spender, Token: token, Amount: new(big.Int).Set(amount)}, false), nil
}

func (c *Chain) SendCall(ctx context.Context, key *ecdsa.PrivateKey, call gateways.ContractCall) (common.Hash, error) {
	from := gethcrypto.PubkeyToAddress(key.PublicKey)
	c.mu.Lock()
	sendErr := c.SendErr[from]
	hook := c.OnCall
	revert := c.RevertCalls
	c.mu.Unlock()
	if sendErr != nil {
		return common.Hash{}, sendErr
	}
	if hook != nil && !revert {
		if err := hook(from, call); err != nil {
			return common.Hash{}, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	amount := new(big.Int)
	if call.Value != nil {
		amount.Set(call.Value)
	}
	data := make([]byte, len(call.Data))
	copy(data, call.Data)
	return c.record(Sent{Kind: "call", From: from, To: call.To, Amount: amount, Data: data}, revert), nil
}

// SignTokenTransfer signs a real transaction so the hash is unique, and holds the transfer
// until Broadcast.
func (c *Chain) SignTokenTransfer(ctx context.Context, key *ecdsa.PrivateKey, token, to common.Address, amount *big.Int) (*types.Transaction, error) {
	from := gethcrypto.PubkeyToAddress(key.PublicKey)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.SendErr[from]; err != nil {
		return nil, err
	}
	c.seq++
	tx := types.NewTx(&types.LegacyTx{Nonce: c.seq, GasPrice: c.gasPrice, Gas: 65000, To: &token, Value: new(big.Int)})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), key)
	if err != nil {
		return nil, err
	}
	c.signed[signed.Hash()] = Sent{Kind: "token", From: from, To: to, Token: token, Amount: new(big.Int).Set(amount), Hash: signed.Hash()}
	return signed, nil
}

func (c *Chain) Broadcast(ctx context.Context, signed *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.signed[signed.Hash()]
	if !ok {
		return fmt.Errorf("chaintest: unknown transaction %s", signed.Hash().Hex())
	}
	if err := c.SendErr[s.From]; err != nil {
		return err
	}
	if c.BroadcastErr != nil {
		return c.BroadcastErr
	}
	if err := c.moveLocked(s.Token, s.From, s.To, s.Amount); err != nil {
		return err
	}
	delete(c.signed, s.Hash)
	c.record(s, false)
	return nil
}

func (c *Chain) WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	receipt, _ := c.Receipt(ctx, hash)
	if receipt == nil {
		return nil, fmt.Errorf("%w: %s", gateways.ErrTxNotConfirmed, hash.Hex())
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s", gateways.ErrTxReverted, hash.Hex())
	}
	return receipt, nil
}

func (c *Chain) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.receipts[hash]; ok {
		return r, nil
	}
	return nil, nil
}
