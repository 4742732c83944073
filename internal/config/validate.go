package config

import (
	"fmt"
	"math/big"
	"strings"

	apperrors "github.com/esogbengastephen/sendapp-offramp/internal/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Validate reports missing or malformed settings. Every failure here is fatal at startup.
func (c *Config) Validate() error {
	var problems []string
	require := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	require(strings.TrimSpace(c.Wallet.MasterSeed) != "", "WALLET_MASTER_SEED is required")
	require(strings.TrimSpace(c.Wallet.EncryptionKey) != "", "WALLET_ENCRYPTION_KEY is required")
	require(strings.TrimSpace(c.Wallet.FundingKey) != "", "WALLET_FUNDING_KEY is required")
	require(common.IsHexAddress(c.Wallet.TreasuryAddress), "WALLET_TREASURY_ADDRESS must be a hex address")
	require(strings.TrimSpace(c.Chain.RPCURL) != "", "CHAIN_RPC_URL is required")
	require(c.Chain.ChainID > 0, "CHAIN_ID must be positive")
	require(common.IsHexAddress(c.Chain.StableToken), "CHAIN_STABLE_TOKEN must be a hex address")
	for _, token := range c.Chain.Tokens {
		require(common.IsHexAddress(token), fmt.Sprintf("CHAIN_TOKENS entry %q is not an address", token))
	}
	require(strings.TrimSpace(c.Swap.AggregatorAPIKey) != "", "SWAP_AGGREGATOR_API_KEY is required")
	require(c.Swap.MaxAttempts > 0, "SWAP_MAX_ATTEMPTS must be positive")
	require(c.Swap.SlippageBps >= 0 && c.Swap.SlippageBps < 10000, "SWAP_SLIPPAGE_BPS must be in [0,10000)")
	if c.Swap.DexRouter != "" {
		require(common.IsHexAddress(c.Swap.DexRouter), "SWAP_DEX_ROUTER must be a hex address")
	}
	if _, err := c.Swap.Routes(); err != nil {
		problems = append(problems, err.Error())
	}
	require(strings.TrimSpace(c.Payout.SecretKey) != "", "PAYOUT_SECRET_KEY is required")
	require(strings.TrimSpace(c.Webhook.Secret) != "", "WEBHOOK_SECRET is required")
	if _, err := c.Settlement.Rate(); err != nil {
		problems = append(problems, err.Error())
	}
	require(c.Settlement.MaxPayoutTries > 0, "SETTLEMENT_MAX_PAYOUT_ATTEMPTS must be positive")
	for name, raw := range map[string]string{
		"GAS_MIN_BALANCE_WEI": c.Gas.MinBalanceWei,
		"GAS_MAX_TOPUP_WEI":   c.Gas.MaxTopUpWei,
		"GAS_NATIVE_DUST_WEI": c.Gas.NativeDustWei,
	} {
		_, ok := new(big.Int).SetString(raw, 10)
		require(ok, name+" must be an integer amount of wei")
	}

	if len(problems) > 0 {
		return apperrors.NewConfigurationError(strings.Join(problems, "; "))
	}
	return nil
}

// Rate parses the configured stable→fiat exchange rate.
func (s Settlement) Rate() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(s.ExchangeRate))
	if err != nil || !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("SETTLEMENT_EXCHANGE_RATE must be a positive decimal")
	}
	return rate, nil
}

// Routes parses SWAP_DEX_ROUTES. Each entry is "token" or "token>hop>hop"; the stable
// token is appended by the caller.
func (s Swap) Routes() (map[common.Address][]common.Address, error) {
	routes := make(map[common.Address][]common.Address, len(s.DexRoutes))
	for _, entry := range s.DexRoutes {
		hops := strings.Split(entry, ">")
		path := make([]common.Address, 0, len(hops))
		for _, hop := range hops {
			hop = strings.TrimSpace(hop)
			if !common.IsHexAddress(hop) {
				return nil, fmt.Errorf("SWAP_DEX_ROUTES entry %q has invalid hop %q", entry, hop)
			}
			path = append(path, common.HexToAddress(hop))
		}
		routes[path[0]] = path
	}
	return routes, nil
}

// BigWei parses a wei amount already checked by Validate.
func BigWei(raw string) *big.Int {
	n, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return new(big.Int)
	}
	return n
}
