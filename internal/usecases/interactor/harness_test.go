package interactor

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/esogbengastephen/sendapp-offramp/internal/config"
	"github.com/esogbengastephen/sendapp-offramp/internal/domain/gateways"
	"github.com/esogbengastephen/sendapp-offramp/internal/domain/models"
	apperrors "github.com/esogbengastephen/sendapp-offramp/internal/errors"
	"github.com/esogbengastephen/sendapp-offramp/internal/infrastructure/chain/chaintest"
	"github.com/esogbengastephen/sendapp-offramp/internal/infrastructure/database/memory"
	"github.com/esogbengastephen/sendapp-offramp/internal/usecases/dtos"
	"github.com/esogbengastephen/sendapp-offramp/pkg/hdwallet"
	"github.com/esogbengastephen/sendapp-offramp/pkg/keyvault"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const (
	testSeed     = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	testVaultKey = "7f1c3a9e5b2d4f60819aabbccddeeff00112233445566778899aabbccddeeff0"
)

var (
	usdc      = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	sendToken = common.HexToAddress("0xEab49138BA2Ea6dd776220fE26b7b8E446638956")
	treasury  = common.HexToAddress("0x00000000000000000000000000000000000000Aa")
	swapSink  = common.HexToAddress("0x00000000000000000000000000000000000000Bb")

	tenSend = new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18))
	oneEth  = big.NewInt(1e18)
)

// fakeSwap sells at a fixed output and moves balances like a real swap would.
type fakeSwap struct {
	name     string
	chain    *chaintest.Chain
	out      *big.Int
	quoteErr error
	execErr  error

	mu       sync.Mutex
	executed int
}

func (f *fakeSwap) Name() string { return f.name }

func (f *fakeSwap) Quote(ctx context.Context, req gateways.SwapQuoteRequest) (*gateways.SwapQuote, error) {
	if f.quoteErr != nil {
		return nil, f.quoteErr
	}
	ops := 2
	if req.Native() {
		ops = 1
	}
	return &gateways.SwapQuote{
		Provider:     f.name,
		SellToken:    req.SellToken,
		BuyToken:     req.BuyToken,
		SellAmount:   new(big.Int).Set(req.SellAmount),
		BuyAmount:    new(big.Int).Set(f.out),
		MinBuyAmount: new(big.Int).Set(f.out),
		Taker:        req.Taker,
		SlippageBps:  req.SlippageBps,
		EstimatedOps: ops,
	}, nil
}

func (f *fakeSwap) Execute(ctx context.Context, key *ecdsa.PrivateKey, quote *gateways.SwapQuote) (common.Hash, error) {
	if f.execErr != nil {
		return common.Hash{}, f.execErr
	}
	owner := gethcrypto.PubkeyToAddress(key.PublicKey)
	if err := f.chain.Move(quote.SellToken, owner, swapSink, quote.SellAmount); err != nil {
		return common.Hash{}, err
	}
	f.chain.Mint(quote.BuyToken, owner, quote.BuyAmount)
	f.mu.Lock()
	f.executed++
	f.mu.Unlock()
	return f.chain.SendCall(ctx, key, gateways.ContractCall{To: swapSink, Data: []byte{0x5a}})
}

func (f *fakeSwap) Executed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.executed
}

// fakePayout is an idempotent-by-reference transfer rail.
type fakePayout struct {
	mu          sync.Mutex
	transfers   map[string]gateways.TransferRequest
	status      gateways.TransferStatus
	transferErr error
	// lostReply records the transfer but answers with a transport error.
	lostReply   error
	resolveErr  error
	paid        map[string]bool
	calls       int
}

func newFakePayout() *fakePayout {
	return &fakePayout{
		transfers: make(map[string]gateways.TransferRequest),
		status:    gateways.TransferSuccess,
		paid:      make(map[string]bool),
	}
}

func (f *fakePayout) ResolveAccount(ctx context.Context, accountNumber, bankCode string) (*gateways.AccountDetails, error) {
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	return &gateways.AccountDetails{AccountNumber: accountNumber, AccountName: "ADA OBI", BankCode: bankCode}, nil
}

func (f *fakePayout) Transfer(ctx context.Context, req gateways.TransferRequest) (*gateways.TransferResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.transferErr != nil {
		return nil, apperrors.NewPayoutError(req.Reference, "transfer rejected", f.transferErr)
	}
	if _, exists := f.transfers[req.Reference]; !exists {
		f.transfers[req.Reference] = req
	}
	if f.lostReply != nil {
		return nil, f.lostReply
	}
	return &gateways.TransferResult{Reference: req.Reference, ProviderReference: "TRF_" + req.Reference[:8], Status: f.status}, nil
}

func (f *fakePayout) VerifyTransfer(ctx context.Context, reference string) (*gateways.TransferResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.transfers[reference]; !exists {
		return &gateways.TransferResult{Reference: reference, Status: gateways.TransferUnknown}, nil
	}
	return &gateways.TransferResult{Reference: reference, ProviderReference: "TRF_" + reference[:8], Status: f.status}, nil
}

func (f *fakePayout) VerifyPayment(ctx context.Context, reference string) (*gateways.PaymentStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &gateways.PaymentStatus{Reference: reference, Paid: f.paid[reference]}, nil
}

func (f *fakePayout) Transfers() map[string]gateways.TransferRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]gateways.TransferRequest, len(f.transfers))
	for k, v := range f.transfers {
		out[k] = v
	}
	return out
}

type harness struct {
	chain      *chaintest.Chain
	repo       *memory.TransactionRepository
	keys       *KeyRing
	funding    *ecdsa.PrivateKey
	gas        *GasSponsor
	scanner    *DepositScanner
	aggregator *fakeSwap
	dex        *fakeSwap
	swaps      *SwapRouter
	payout     *fakePayout
	settlement *SettlementEngine
	pipeline   *Pipeline
	offramp    *OfframpInteractor
	monitor    *DepositMonitor
	recovery   *Recovery
}

func testGasConfig() config.Gas {
	return config.Gas{
		MinBalanceWei: "20000000000000",
		GasPerOp:      250000,
		Margin:        0.2,
		ReserveOps:    2,
		MaxTopUpWei:   "5000000000000000",
		NativeDustWei: "1000000000000000",
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	deriver, err := hdwallet.NewDeriver(testSeed)
	require.NoError(t, err)
	vault, err := keyvault.New(testVaultKey)
	require.NoError(t, err)
	funding, err := gethcrypto.GenerateKey()
	require.NoError(t, err)

	h := &harness{
		chain:   chaintest.New(),
		repo:    memory.NewTransactionRepository(),
		keys:    NewKeyRing(deriver, vault),
		funding: funding,
		payout:  newFakePayout(),
	}
	h.chain.AddToken(usdc, "USDC", 6)
	h.chain.AddToken(sendToken, "SEND", 18)
	h.chain.SetBalance(gateways.NativeToken, gethcrypto.PubkeyToAddress(funding.PublicKey), oneEth)

	h.gas = NewGasSponsor(h.chain, funding, testGasConfig())
	h.scanner = NewDepositScanner(h.chain, usdc, []common.Address{sendToken}, config.BigWei(testGasConfig().NativeDustWei))
	h.aggregator = &fakeSwap{name: "aggregator", chain: h.chain, out: big.NewInt(2_100_000)}
	h.dex = &fakeSwap{name: "dex_router", chain: h.chain, out: big.NewInt(2_050_000)}
	h.swaps = NewSwapRouter(h.chain, h.scanner, h.gas, config.Swap{SlippageBps: 100, DiscrepancyBps: 300}, h.aggregator, h.dex)
	h.settlement = NewSettlementEngine(h.payout, decimal.NewFromInt(1500), models.DefaultFeeSchedule(), "NGN")
	h.pipeline = NewPipeline(h.repo, h.chain, h.keys, h.scanner, h.swaps, h.gas, h.settlement, PipelineOptions{
		Treasury:          treasury,
		MaxSwapAttempts:   3,
		MaxPayoutAttempts: 3,
		SweepOnSettled:    true,
	})
	h.offramp = NewOfframpInteractor(h.repo, h.payout, h.keys, time.Hour)
	h.monitor = NewDepositMonitor(h.repo, h.scanner, h.pipeline, 50, 4, time.Minute)
	h.recovery = NewRecovery(h.repo, h.chain, h.scanner, h.pipeline, h.payout, config.Recovery{
		PendingExpiry:   time.Hour,
		StallThreshold:  30 * time.Minute,
		DuplicateWindow: 10 * time.Minute,
	}, 100)
	t.Cleanup(h.monitor.Close)
	return h
}

// create opens an off-ramp for userID and returns the stored row.
func (h *harness) create(t *testing.T, userID string) *models.Transaction {
	t.Helper()
	view, err := h.offramp.CreateOfframp(context.Background(), &dtos.CreateOfframpDTO{
		UserID:        userID,
		AccountNumber: "0123456789",
		BankCode:      "058",
	})
	require.NoError(t, err)
	tx, err := h.repo.GetByTransactionID(context.Background(), view.TransactionID)
	require.NoError(t, err)
	require.NotNil(t, tx)
	return tx
}

func (h *harness) get(t *testing.T, transactionID string) *models.Transaction {
	t.Helper()
	tx, err := h.repo.GetByTransactionID(context.Background(), transactionID)
	require.NoError(t, err)
	require.NotNil(t, tx)
	return tx
}

func addr(tx *models.Transaction) common.Address {
	return common.HexToAddress(tx.DepositAddress)
}

func countTo(sent []chaintest.Sent, kind string, to common.Address) int {
	n := 0
	for _, s := range sent {
		if s.Kind == kind && strings.EqualFold(s.To.Hex(), to.Hex()) {
			n++
		}
	}
	return n
}
