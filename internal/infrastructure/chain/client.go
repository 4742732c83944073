package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/esogbengastephen/sendapp-offramp/internal/config"
	"github.com/esogbengastephen/sendapp-offramp/internal/domain/gateways"
	"github.com/esogbengastephen/sendapp-offramp/pkg/log"
	"github.com/esogbengastephen/sendapp-offramp/pkg/util/repeat"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
)

const (
	// gasHeadroom is added on top of node estimates, in percent.
	gasHeadroom = 20
	// senderCacheSize bounds the broadcast hashes remembered for nonce resets.
	senderCacheSize = 4096
)

var errPending = errors.New("receipt pending")

// Backend is the subset of the Ethereum RPC the client drives. *ethclient.Client satisfies it.
type Backend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Dial opens an RPC connection to the configured endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("chain rpc endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// Client implements gateways.Chain on top of a Backend.
type Client struct {
	backend Backend
	chainID *big.Int
	signer  types.Signer

	confirmations   uint64
	receiptAttempts int
	receiptInterval time.Duration
	callTimeout     time.Duration

	tokens  *lru.Cache
	senders *lru.Cache

	nonceMu sync.Mutex
	nonces  map[common.Address]uint64

	logger *zerolog.Logger
}

var _ gateways.Chain = (*Client)(nil)

// NewClient wraps backend with the confirmation and timeout policy from cfg.
func NewClient(backend Backend, cfg config.Chain) (*Client, error) {
	capacity := cfg.TokenCacheCapacity
	if capacity <= 0 {
		capacity = 256
	}
	cache, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("token cache: %w", err)
	}
	senders, err := lru.New(senderCacheSize)
	if err != nil {
		return nil, fmt.Errorf("sender cache: %w", err)
	}
	chainID := big.NewInt(cfg.ChainID)
	l := log.GetLogger()
	return &Client{
		backend:         backend,
		chainID:         chainID,
		signer:          types.LatestSignerForChainID(chainID),
		confirmations:   uint64(max(cfg.Confirmations, 0)),
		receiptAttempts: max(cfg.ReceiptAttempts, 1),
		receiptInterval: cfg.ReceiptInterval,
		callTimeout:     cfg.CallTimeout,
		tokens:          cache,
		senders:         senders,
		nonces:          make(map[common.Address]uint64),
		logger:          &l,
	}, nil
}

func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.callTimeout)
}

func (c *Client) NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	balance, err := c.backend.BalanceAt(ctx, owner, nil)
	if err != nil {
		return nil, fmt.Errorf("native balance %s: %w", owner.Hex(), err)
	}
	return balance, nil
}

func (c *Client) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	var balance *big.Int
	if err := c.callERC20(ctx, token, &balance, "balanceOf", owner); err != nil {
		return nil, fmt.Errorf("token balance %s of %s: %w", token.Hex(), owner.Hex(), err)
	}
	return balance, nil
}

// TokenInfo reads symbol and decimals once per token; the metadata never changes.
func (c *Client) TokenInfo(ctx context.Context, token common.Address) (gateways.TokenInfo, error) {
	if cached, ok := c.tokens.Get(token); ok {
		return cached.(gateways.TokenInfo), nil
	}

	var decimals uint8
	if err := c.callERC20(ctx, token, &decimals, "decimals"); err != nil {
		return gateways.TokenInfo{}, fmt.Errorf("token decimals %s: %w", token.Hex(), err)
	}
	var symbol string
	if err := c.callERC20(ctx, token, &symbol, "symbol"); err != nil {
		c.logger.Warn().Err(err).Str("token", token.Hex()).Msg("token symbol unavailable")
		symbol = ""
	}

	info := gateways.TokenInfo{Address: token, Symbol: symbol, Decimals: int32(decimals)}
	c.tokens.Add(token, info)
	return info, nil
}

func (c *Client) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	var allowance *big.Int
	if err := c.callERC20(ctx, token, &allowance, "allowance", owner, spender); err != nil {
		return nil, fmt.Errorf("allowance %s: %w", token.Hex(), err)
	}
	return allowance, nil
}

func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.backend.SuggestGasPrice(ctx)
}

// Call performs a read-only eth_call against the latest block.
func (c *Client) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

func (c *Client) callERC20(ctx context.Context, token common.Address, out interface{}, method string, args ...interface{}) error {
	data, err := ERC20.Pack(method, args...)
	if err != nil {
		return err
	}
	raw, err := c.Call(ctx, token, data)
	if err != nil {
		return err
	}
	values, err := ERC20.Unpack(method, raw)
	if err != nil {
		return err
	}
	if len(values) != 1 {
		return fmt.Errorf("%s: unexpected output length %d", method, len(values))
	}
	switch dst := out.(type) {
	case **big.Int:
		v, ok := values[0].(*big.Int)
		if !ok {
			return fmt.Errorf("%s: unexpected output type %T", method, values[0])
		}
		*dst = v
	case *uint8:
		v, ok := values[0].(uint8)
		if !ok {
			return fmt.Errorf("%s: unexpected output type %T", method, values[0])
		}
		*dst = v
	case *string:
		v, ok := values[0].(string)
		if !ok {
			return fmt.Errorf("%s: unexpected output type %T", method, values[0])
		}
		*dst = v
	default:
		return fmt.Errorf("%s: unsupported output %T", method, out)
	}
	return nil
}

func (c *Client) TransferNative(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount *big.Int) (common.Hash, error) {
	return c.SendCall(ctx, key, gateways.ContractCall{To: to, Value: amount, Gas: 21000})
}

func (c *Client) TransferToken(ctx context.Context, key *ecdsa.PrivateKey, token, to common.Address, amount *big.Int) (common.Hash, error) {
	data, err := ERC20.Pack("transfer", to, amount)
	if err != nil {
		return common.Hash{}, err
	}
	return c.SendCall(ctx, key, gateways.ContractCall{To: token, Data: data})
}

func (c *Client) Approve(ctx context.Context, key *ecdsa.PrivateKey, token, spender common.Address, amount *big.Int) (common.Hash, error) {
	data, err := ERC20.Pack("approve", spender, amount)
	if err != nil {
		return common.Hash{}, err
	}
	return c.SendCall(ctx, key, gateways.ContractCall{To: token, Data: data})
}

func (c *Client) SignTokenTransfer(ctx context.Context, key *ecdsa.PrivateKey, token, to common.Address, amount *big.Int) (*types.Transaction, error) {
	data, err := ERC20.Pack("transfer", to, amount)
	if err != nil {
		return nil, err
	}
	return c.sign(ctx, key, gateways.ContractCall{To: token, Data: data})
}

// SendCall signs and broadcasts call from key. The nonce lock is held across both so
// back-to-back sends from one key do not collide before the node sees the first one.
func (c *Client) SendCall(ctx context.Context, key *ecdsa.PrivateKey, call gateways.ContractCall) (common.Hash, error) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	signed, err := c.signLocked(ctx, key, call)
	if err != nil {
		return common.Hash{}, err
	}
	if err = c.broadcastLocked(ctx, signed); err != nil {
		return common.Hash{}, err
	}
	return signed.Hash(), nil
}

// Broadcast sends a transaction from SignTokenTransfer.
func (c *Client) Broadcast(ctx context.Context, signed *types.Transaction) error {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	return c.broadcastLocked(ctx, signed)
}

func (c *Client) sign(ctx context.Context, key *ecdsa.PrivateKey, call gateways.ContractCall) (*types.Transaction, error) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	return c.signLocked(ctx, key, call)
}

// signLocked must be called with nonceMu held. The local nonce only moves once the
// transaction is broadcast, so a signed transaction that is never sent leaves no gap.
func (c *Client) signLocked(ctx context.Context, key *ecdsa.PrivateKey, call gateways.ContractCall) (*types.Transaction, error) {
	from := gethcrypto.PubkeyToAddress(key.PublicKey)
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}

	gasPrice, err := c.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}

	gas := call.Gas
	if gas == 0 {
		estimateCtx, cancel := c.withTimeout(ctx)
		to := call.To
		gas, err = c.backend.EstimateGas(estimateCtx, ethereum.CallMsg{From: from, To: &to, Value: value, Data: call.Data})
		cancel()
		if err != nil {
			return nil, fmt.Errorf("estimate gas: %w", err)
		}
		gas += gas * gasHeadroom / 100
	}

	nonce, err := c.nextNonce(ctx, from)
	if err != nil {
		return nil, err
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &call.To,
		Value:    value,
		Data:     call.Data,
	})
	signed, err := types.SignTx(tx, c.signer, key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	return signed, nil
}

// broadcastLocked must be called with nonceMu held.
func (c *Client) broadcastLocked(ctx context.Context, signed *types.Transaction) error {
	from, err := types.Sender(c.signer, signed)
	if err != nil {
		return fmt.Errorf("tx sender: %w", err)
	}
	sendCtx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err = c.backend.SendTransaction(sendCtx, signed); err != nil {
		return fmt.Errorf("send tx: %w", err)
	}
	if next := signed.Nonce() + 1; next > c.nonces[from] {
		c.nonces[from] = next
	}
	c.senders.Add(signed.Hash(), from)

	c.logger.Debug().
		Str("from", from.Hex()).
		Str("to", signed.To().Hex()).
		Str("tx_hash", signed.Hash().Hex()).
		Uint64("nonce", signed.Nonce()).
		Msg("transaction broadcast")
	return nil
}

// nextNonce must be called with nonceMu held.
func (c *Client) nextNonce(ctx context.Context, from common.Address) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	pending, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return 0, fmt.Errorf("pending nonce: %w", err)
	}
	if local, ok := c.nonces[from]; ok && local > pending {
		return local, nil
	}
	return pending, nil
}

// forgetNonce drops the local nonce of the key that sent hash, so the next send starts
// from the node's pending nonce again. A dropped transaction would otherwise gap every
// later send from that key. The node's pending nonce already counts anything still pooled.
func (c *Client) forgetNonce(hash common.Hash) {
	sender, ok := c.senders.Get(hash)
	if !ok {
		return
	}
	from := sender.(common.Address)
	c.nonceMu.Lock()
	delete(c.nonces, from)
	c.nonceMu.Unlock()
	c.logger.Warn().Str("from", from.Hex()).Str("tx_hash", hash.Hex()).Msg("transaction unconfirmed, nonce reset")
}

func (c *Client) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch receipt: %w", err)
	}
	return receipt, nil
}

// WaitForReceipt polls for a mined receipt with the configured confirmations. It gives up
// after a fixed number of attempts with ErrTxNotConfirmed.
func (c *Client) WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := repeat.RepeatContext(ctx, func(ctx context.Context) error {
		r, err := c.Receipt(ctx, hash)
		if err != nil {
			return err
		}
		if r == nil {
			return errPending
		}
		if r.Status == types.ReceiptStatusSuccessful && c.confirmations > 1 {
			if err = c.checkConfirmations(ctx, r); err != nil {
				return err
			}
		}
		receipt = r
		return nil
	}, c.receiptAttempts, c.receiptInterval)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.forgetNonce(hash)
		return nil, fmt.Errorf("%w: %s: %v", gateways.ErrTxNotConfirmed, hash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s", gateways.ErrTxReverted, hash.Hex())
	}
	return receipt, nil
}

func (c *Client) checkConfirmations(ctx context.Context, receipt *types.Receipt) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	header, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return fmt.Errorf("fetch head: %w", err)
	}
	if header == nil || header.Number == nil || receipt.BlockNumber == nil {
		return fmt.Errorf("block metadata unavailable")
	}
	confirmed := new(big.Int).Sub(header.Number, receipt.BlockNumber)
	confirmed.Add(confirmed, big.NewInt(1))
	if confirmed.Cmp(new(big.Int).SetUint64(c.confirmations)) < 0 {
		return fmt.Errorf("insufficient confirmations: have %s want %d", confirmed.String(), c.confirmations)
	}
	return nil
}
