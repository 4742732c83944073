package interactor

import (
	"context"
	"math/big"

	"github.com/esogbengastephen/sendapp-offramp/internal/domain/gateways"
	"github.com/esogbengastephen/sendapp-offramp/internal/domain/models"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const (
	nativeSymbol   = "ETH"
	nativeDecimals = 18
)

// Detection is a positive balance found at a deposit address.
type Detection struct {
	Token    common.Address
	Symbol   string
	Decimals int32
	Amount   *big.Int
}

func (d Detection) Native() bool {
	return d.Token == gateways.NativeToken
}

// Patch records the detection on the ledger row.
func (d Detection) Patch() models.Patch {
	address := ""
	if !d.Native() {
		address = d.Token.Hex()
	}
	return models.Patch{
		TokenAddress:   models.String(address),
		TokenSymbol:    models.String(d.Symbol),
		TokenDecimals:  models.Int32(d.Decimals),
		TokenAmountRaw: models.Decimal(decimal.NewFromBigInt(d.Amount, 0)),
		TokenAmount:    models.Decimal(decimal.NewFromBigInt(d.Amount, -d.Decimals)),
	}
}

// DepositScanner reads the balances a deposit address may hold.
type DepositScanner struct {
	chain      gateways.Chain
	stable     common.Address
	tokens     []common.Address
	nativeDust *big.Int
}

// NewDepositScanner watches tokens plus the stable asset and the native currency.
func NewDepositScanner(chain gateways.Chain, stable common.Address, tokens []common.Address, nativeDust *big.Int) *DepositScanner {
	watched := make([]common.Address, 0, len(tokens))
	seen := map[common.Address]bool{stable: true}
	for _, t := range tokens {
		if !seen[t] {
			seen[t] = true
			watched = append(watched, t)
		}
	}
	if nativeDust == nil {
		nativeDust = new(big.Int)
	}
	return &DepositScanner{chain: chain, stable: stable, tokens: watched, nativeDust: nativeDust}
}

func (s *DepositScanner) Stable() common.Address {
	return s.stable
}

// Inspect returns the first deposit found at owner, preferring configured tokens, then
// the stable asset, then native currency above dust. It returns nil when nothing arrived.
func (s *DepositScanner) Inspect(ctx context.Context, owner common.Address) (*Detection, error) {
	for _, token := range append(append([]common.Address{}, s.tokens...), s.stable) {
		balance, err := s.chain.TokenBalance(ctx, token, owner)
		if err != nil {
			return nil, err
		}
		if balance.Sign() <= 0 {
			continue
		}
		info, err := s.chain.TokenInfo(ctx, token)
		if err != nil {
			return nil, err
		}
		return &Detection{Token: token, Symbol: info.Symbol, Decimals: info.Decimals, Amount: balance}, nil
	}

	native, err := s.chain.NativeBalance(ctx, owner)
	if err != nil {
		return nil, err
	}
	if native.Cmp(s.nativeDust) > 0 {
		return &Detection{Token: gateways.NativeToken, Symbol: nativeSymbol, Decimals: nativeDecimals, Amount: native}, nil
	}
	return nil, nil
}

// Tokens lists every ERC-20 that may sit at tx's address, stable last.
func (s *DepositScanner) Tokens(tx *models.Transaction) []common.Address {
	out := append([]common.Address{}, s.tokens...)
	if !tx.IsNativeToken() {
		token := common.HexToAddress(tx.TokenAddress)
		found := token == s.stable
		for _, t := range out {
			found = found || t == token
		}
		if !found {
			out = append(out, token)
		}
	}
	return append(out, s.stable)
}
