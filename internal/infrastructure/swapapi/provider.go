package swapapi

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/esogbengastephen/sendapp-offramp/internal/domain/gateways"
	"github.com/esogbengastephen/sendapp-offramp/pkg/log"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/rs/zerolog"
)

// ProviderName is recorded on rows swapped through the aggregator.
const ProviderName = "aggregator"

// Provider adapts Client to gateways.SwapProvider.
type Provider struct {
	client *Client
	chain  gateways.Chain
	logger *zerolog.Logger
}

var _ gateways.SwapProvider = (*Provider)(nil)

func NewProvider(client *Client, chain gateways.Chain) *Provider {
	l := log.GetLogger()
	return &Provider{client: client, chain: chain, logger: &l}
}

func (p *Provider) Name() string {
	return ProviderName
}

func (p *Provider) request(sellToken, buyToken common.Address, sellAmount *big.Int, taker common.Address, slippageBps int) Request {
	return Request{
		ChainID:     p.chain.ChainID().Int64(),
		SellToken:   sellToken,
		BuyToken:    buyToken,
		SellAmount:  sellAmount,
		Taker:       taker,
		SlippageBps: slippageBps,
	}
}

// Quote returns an indicative price; Execute fetches the firm quote.
func (p *Provider) Quote(ctx context.Context, req gateways.SwapQuoteRequest) (*gateways.SwapQuote, error) {
	price, err := p.client.Price(ctx, p.request(req.SellToken, req.BuyToken, req.SellAmount, req.Taker, req.SlippageBps))
	if err != nil {
		return nil, err
	}

	ops := 1
	if price.Issues.Allowance != nil && !req.Native() {
		ops++
	}
	minBuy := price.MinBuyAmount.Value()
	if minBuy.Sign() == 0 {
		minBuy = applySlippage(price.BuyAmount.Value(), req.SlippageBps)
	}
	return &gateways.SwapQuote{
		Provider:     ProviderName,
		SellToken:    req.SellToken,
		BuyToken:     req.BuyToken,
		SellAmount:   new(big.Int).Set(req.SellAmount),
		BuyAmount:    price.BuyAmount.Value(),
		MinBuyAmount: minBuy,
		Taker:        req.Taker,
		SlippageBps:  req.SlippageBps,
		EstimatedOps: ops,
	}, nil
}

// Execute approves the Permit2 spender when needed, signs the permit and broadcasts the
// swap. It returns once the swap is broadcast.
func (p *Provider) Execute(ctx context.Context, key *ecdsa.PrivateKey, quote *gateways.SwapQuote) (common.Hash, error) {
	req := p.request(quote.SellToken, quote.BuyToken, quote.SellAmount, quote.Taker, quote.SlippageBps)
	native := quote.SellToken == gateways.NativeToken

	if !native {
		price, err := p.client.Price(ctx, req)
		if err != nil {
			return common.Hash{}, err
		}
		if issue := price.Issues.Allowance; issue != nil {
			if err = p.approve(ctx, key, quote.SellToken, issue.Spender); err != nil {
				return common.Hash{}, err
			}
		}
	}

	firm, err := p.client.Quote(ctx, req)
	if err != nil {
		return common.Hash{}, err
	}

	data, err := hexutil.Decode(firm.Transaction.Data)
	if err != nil {
		return common.Hash{}, fmt.Errorf("decode swap calldata: %w", err)
	}
	if firm.Permit2 != nil && len(firm.Permit2.EIP712) > 0 {
		sig, err := SignPermit(key, firm.Permit2.EIP712)
		if err != nil {
			return common.Hash{}, err
		}
		data = AppendSignature(data, sig)
	}

	call := gateways.ContractCall{
		To:    firm.Transaction.To,
		Data:  data,
		Value: firm.Transaction.Value.Value(),
	}
	if gas := firm.Transaction.Gas.Value(); gas.IsUint64() && gas.Sign() > 0 {
		call.Gas = gas.Uint64() + gas.Uint64()/5
	}

	hash, err := p.chain.SendCall(ctx, key, call)
	if err != nil {
		return common.Hash{}, fmt.Errorf("broadcast aggregator swap: %w", err)
	}
	p.logger.Info().
		Str("provider", ProviderName).
		Str("tx_hash", hash.Hex()).
		Str("buy_amount", firm.BuyAmount.Value().String()).
		Msg("swap broadcast")
	return hash, nil
}

func (p *Provider) approve(ctx context.Context, key *ecdsa.PrivateKey, token, spender common.Address) error {
	hash, err := p.chain.Approve(ctx, key, token, spender, math.MaxBig256)
	if err != nil {
		return fmt.Errorf("approve %s: %w", spender.Hex(), err)
	}
	if _, err = p.chain.WaitForReceipt(ctx, hash); err != nil {
		return fmt.Errorf("approve %s: %w", spender.Hex(), err)
	}
	return nil
}

// SignPermit signs a Permit2 EIP-712 payload and returns a 65 byte r||s||v signature with
// v in {27,28}.
func SignPermit(key *ecdsa.PrivateKey, payload json.RawMessage) ([]byte, error) {
	var typed apitypes.TypedData
	if err := json.Unmarshal(payload, &typed); err != nil {
		return nil, fmt.Errorf("decode permit2 payload: %w", err)
	}
	digest, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return nil, fmt.Errorf("hash permit2 payload: %w", err)
	}
	sig, err := gethcrypto.Sign(digest, key)
	if err != nil {
		return nil, fmt.Errorf("sign permit2 payload: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// AppendSignature appends the 32 byte signature length and the signature to calldata.
func AppendSignature(data, sig []byte) []byte {
	out := make([]byte, 0, len(data)+32+len(sig))
	out = append(out, data...)
	out = append(out, common.LeftPadBytes(big.NewInt(int64(len(sig))).Bytes(), 32)...)
	return append(out, sig...)
}

func applySlippage(amount *big.Int, bps int) *big.Int {
	out := new(big.Int).Mul(amount, big.NewInt(int64(10_000-bps)))
	return out.Div(out, big.NewInt(10_000))
}
