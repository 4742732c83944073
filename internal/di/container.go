package di

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/esogbengastephen/sendapp-offramp/internal/config"
	"github.com/esogbengastephen/sendapp-offramp/internal/domain/gateways"
	domainrepos "github.com/esogbengastephen/sendapp-offramp/internal/domain/repositories"
	"github.com/esogbengastephen/sendapp-offramp/internal/infrastructure/api/handlers"
	"github.com/esogbengastephen/sendapp-offramp/internal/infrastructure/chain"
	"github.com/esogbengastephen/sendapp-offramp/internal/infrastructure/database/db_client"
	"github.com/esogbengastephen/sendapp-offramp/internal/infrastructure/database/memory"
	"github.com/esogbengastephen/sendapp-offramp/internal/infrastructure/database/repositories"
	"github.com/esogbengastephen/sendapp-offramp/internal/infrastructure/dex"
	"github.com/esogbengastephen/sendapp-offramp/internal/infrastructure/payout"
	"github.com/esogbengastephen/sendapp-offramp/internal/infrastructure/swapapi"
	"github.com/esogbengastephen/sendapp-offramp/internal/usecases/interactor"
	"github.com/esogbengastephen/sendapp-offramp/pkg/hdwallet"
	"github.com/esogbengastephen/sendapp-offramp/pkg/keyvault"
	"github.com/esogbengastephen/sendapp-offramp/pkg/log"
	"github.com/esogbengastephen/sendapp-offramp/pkg/signature"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// webhookFutureSkew tolerates sender clocks running slightly ahead.
const webhookFutureSkew = 30 * time.Second

// Infrastructure is everything the container needs from the outside world.
type Infrastructure struct {
	Repository domainrepos.TransactionRepository
	Chain      gateways.Chain
	Payout     gateways.PayoutProvider
	// Ping backs the health endpoint. Nil reports healthy.
	Ping  func(ctx context.Context) error
	close []func()
}

// Close releases connections opened by Connect.
func (i *Infrastructure) Close() {
	for j := len(i.close) - 1; j >= 0; j-- {
		i.close[j]()
	}
}

// Connect opens the ledger store, the RPC connection and the payout client from cfg.
func Connect(ctx context.Context, cfg *config.Config) (*Infrastructure, error) {
	logger := log.GetLogger()
	infra := &Infrastructure{}

	if cfg.PostgreSQL.InMemory() {
		logger.Warn().Msg("using the in-memory ledger, rows are lost on restart")
		infra.Repository = memory.NewTransactionRepository()
	} else {
		db, err := db_client.NewPGClient(cfg.PostgreSQL).Connect(ctx)
		if err != nil {
			return nil, err
		}
		infra.Repository = repositories.NewTransactionRepositoryImpl(db)
		infra.Ping = db.Ping
		infra.close = append(infra.close, db.Close)
	}

	rpc, err := chain.Dial(cfg.Chain.RPCURL)
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("chain.Dial: %w", err)
	}
	infra.close = append(infra.close, rpc.Close)
	client, err := chain.NewClient(rpc, cfg.Chain)
	if err != nil {
		infra.Close()
		return nil, err
	}
	infra.Chain = client

	infra.Payout = payout.NewClient(cfg.Payout.BaseURL, cfg.Payout.SecretKey, cfg.Payout.Timeout, cfg.Payout.RPS)
	return infra, nil
}

type Container struct {
	OfframpHandler        *handlers.OfframpHandler
	DepositWebhookHandler *handlers.DepositWebhookHandler
	AdminHandler          *handlers.AdminHandler
	HealthHandler         *handlers.HealthHandler

	Verifier        *signature.Verifier
	SignatureHeader string
	AdminToken      string

	OfframpInteractor *interactor.OfframpInteractor
	Pipeline          *interactor.Pipeline
	DepositMonitor    *interactor.DepositMonitor
	Recovery          *interactor.Recovery
	GasSponsor        *interactor.GasSponsor

	PollJob     *interactor.PollJob
	AdvanceJob  *interactor.AdvanceJob
	RecoveryJob *interactor.RecoveryJob
}

// NewContainer wires the interactors and handlers on top of infra.
func NewContainer(cfg *config.Config, infra *Infrastructure) (*Container, error) {
	deriver, err := hdwallet.NewDeriver(cfg.Wallet.MasterSeed)
	if err != nil {
		return nil, fmt.Errorf("wallet master seed: %w", err)
	}
	vault, err := keyvault.New(cfg.Wallet.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("wallet encryption key: %w", err)
	}
	funding, err := gethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.Wallet.FundingKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("wallet funding key: %w", err)
	}
	schedule, err := cfg.Settlement.FeeSchedule()
	if err != nil {
		return nil, err
	}
	rate, err := cfg.Settlement.Rate()
	if err != nil {
		return nil, err
	}
	routes, err := cfg.Swap.Routes()
	if err != nil {
		return nil, err
	}

	tokens := make([]common.Address, 0, len(cfg.Chain.Tokens))
	for _, token := range cfg.Chain.Tokens {
		tokens = append(tokens, common.HexToAddress(token))
	}

	keys := interactor.NewKeyRing(deriver, vault)
	scanner := interactor.NewDepositScanner(infra.Chain, common.HexToAddress(cfg.Chain.StableToken), tokens, config.BigWei(cfg.Gas.NativeDustWei))
	gas := interactor.NewGasSponsor(infra.Chain, funding, cfg.Gas)

	providers := []gateways.SwapProvider{
		swapapi.NewProvider(swapapi.NewClient(cfg.Swap.AggregatorURL, cfg.Swap.AggregatorAPIKey, cfg.Swap.Timeout, cfg.Swap.AggregatorRPS), infra.Chain),
	}
	if cfg.Swap.DexRouter != "" {
		providers = append(providers, dex.NewRouter(infra.Chain, common.HexToAddress(cfg.Swap.DexRouter), common.HexToAddress(cfg.Swap.WrappedNative), routes))
	}
	swaps := interactor.NewSwapRouter(infra.Chain, scanner, gas, cfg.Swap, providers...)

	settlement := interactor.NewSettlementEngine(infra.Payout, rate, schedule, cfg.Settlement.Currency)
	pipeline := interactor.NewPipeline(infra.Repository, infra.Chain, keys, scanner, swaps, gas, settlement, interactor.PipelineOptions{
		Treasury:          common.HexToAddress(cfg.Wallet.TreasuryAddress),
		MaxSwapAttempts:   cfg.Swap.MaxAttempts,
		MaxPayoutAttempts: cfg.Settlement.MaxPayoutTries,
		SettleDelay:       cfg.Process.SettleDelay,
		SweepOnSettled:    cfg.Gas.SweepOnSettled,
	})

	offramp := interactor.NewOfframpInteractor(infra.Repository, infra.Payout, keys, cfg.Recovery.PendingExpiry)
	monitor := interactor.NewDepositMonitor(infra.Repository, scanner, pipeline, cfg.Process.BatchSize, cfg.Process.WebhookWorkers, cfg.Process.AdvanceTimeout)
	recovery := interactor.NewRecovery(infra.Repository, infra.Chain, scanner, pipeline, infra.Payout, cfg.Recovery, cfg.Process.BatchSize)

	verifier := signature.NewVerifier(cfg.Webhook.Secret,
		signature.WithMaxAge(cfg.Webhook.MaxAge),
		signature.WithFutureSkew(webhookFutureSkew),
	)

	return &Container{
		OfframpHandler:        handlers.NewOfframpHandler(offramp),
		DepositWebhookHandler: handlers.NewDepositWebhookHandler(monitor),
		AdminHandler:          handlers.NewAdminHandler(pipeline, recovery),
		HealthHandler:         handlers.NewHealthHandler(infra.Ping),

		Verifier:        verifier,
		SignatureHeader: cfg.Webhook.SignatureHeader,
		AdminToken:      cfg.Server.AdminToken,

		OfframpInteractor: offramp,
		Pipeline:          pipeline,
		DepositMonitor:    monitor,
		Recovery:          recovery,
		GasSponsor:        gas,

		PollJob:     interactor.NewPollJob(monitor),
		AdvanceJob:  interactor.NewAdvanceJob(infra.Repository, pipeline, cfg.Process.BatchSize, cfg.Process.WebhookWorkers),
		RecoveryJob: interactor.NewRecoveryJob(recovery, interactor.JobAll),
	}, nil
}
