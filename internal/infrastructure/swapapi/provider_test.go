package swapapi

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/esogbengastephen/sendapp-offramp/internal/domain/gateways"
	"github.com/esogbengastephen/sendapp-offramp/internal/infrastructure/chain/chaintest"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	sendToken = common.HexToAddress("0xEab49138BA2Ea6dd776220fE26b7b8E446638956")
	usdc      = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	permit2   = common.HexToAddress("0x000000000022D473030F116dDEE9F6B43aC78BA3")
	settler   = common.HexToAddress("0x0000000000000000000000000000000000005e77")
)

const permitPayload = `{
  "types": {
    "EIP712Domain": [
      {"name": "name", "type": "string"},
      {"name": "chainId", "type": "uint256"},
      {"name": "verifyingContract", "type": "address"}
    ],
    "TokenPermissions": [
      {"name": "token", "type": "address"},
      {"name": "amount", "type": "uint256"}
    ],
    "PermitTransferFrom": [
      {"name": "permitted", "type": "TokenPermissions"},
      {"name": "spender", "type": "address"},
      {"name": "nonce", "type": "uint256"},
      {"name": "deadline", "type": "uint256"}
    ]
  },
  "domain": {
    "name": "Permit2",
    "chainId": "8453",
    "verifyingContract": "0x000000000022d473030f116ddee9f6b43ac78ba3"
  },
  "primaryType": "PermitTransferFrom",
  "message": {
    "permitted": {"token": "0xeab49138ba2ea6dd776220fe26b7b8e446638956", "amount": "10000000000000000000"},
    "spender": "0x0000000000000000000000000000000000005e77",
    "nonce": "1",
    "deadline": "1893456000"
  }
}`

type apiStub struct {
	priceHits int32
	quoteHits int32
	noRoute   bool
	allowance bool
}

func (s *apiStub) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(pricePath, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.priceHits, 1)
		assert.Equal(t, "v2", r.Header.Get("0x-version"))
		assert.Equal(t, "key", r.Header.Get("0x-api-key"))
		assert.Equal(t, "8453", r.URL.Query().Get("chainId"))
		if s.noRoute {
			_, _ = w.Write([]byte(`{"liquidityAvailable": false}`))
			return
		}
		resp := map[string]interface{}{
			"liquidityAvailable": true,
			"buyAmount":          "2100000",
			"minBuyAmount":       "2079000",
			"sellAmount":         r.URL.Query().Get("sellAmount"),
			"issues":             map[string]interface{}{"allowance": nil},
		}
		if s.allowance {
			resp["issues"] = map[string]interface{}{
				"allowance": map[string]string{"actual": "0", "spender": permit2.Hex()},
			}
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc(quotePath, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.quoteHits, 1)
		_, _ = w.Write([]byte(`{
			"liquidityAvailable": true,
			"buyAmount": "2100000",
			"minBuyAmount": "2079000",
			"permit2": {"type": "Permit2", "hash": "0x00", "eip712": ` + permitPayload + `},
			"transaction": {"to": "` + settler.Hex() + `", "data": "0xdeadbeef", "gas": "300000", "gasPrice": "1", "value": "0"}
		}`))
	})
	return mux
}

func newProvider(t *testing.T, stub *apiStub) (*Provider, *chaintest.Chain) {
	srv := httptest.NewServer(stub.handler(t))
	t.Cleanup(srv.Close)
	chain := chaintest.New()
	return NewProvider(NewClient(srv.URL, "key", 5*time.Second, 0), chain), chain
}

func TestQuote(t *testing.T) {
	stub := &apiStub{}
	p, _ := newProvider(t, stub)

	quote, err := p.Quote(context.Background(), gateways.SwapQuoteRequest{
		SellToken:   sendToken,
		BuyToken:    usdc,
		SellAmount:  big.NewInt(10),
		Taker:       common.Address{1},
		SlippageBps: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, ProviderName, quote.Provider)
	assert.Equal(t, int64(2_100_000), quote.BuyAmount.Int64())
	assert.Equal(t, int64(2_079_000), quote.MinBuyAmount.Int64())
	assert.Equal(t, 1, quote.EstimatedOps)
}

func TestQuoteNoRoute(t *testing.T) {
	p, _ := newProvider(t, &apiStub{noRoute: true})
	_, err := p.Quote(context.Background(), gateways.SwapQuoteRequest{
		SellToken: sendToken, BuyToken: usdc, SellAmount: big.NewInt(10),
	})
	assert.ErrorIs(t, err, gateways.ErrNoRoute)
}

func TestClientMapsNotFoundToNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"name":"TOKEN_NOT_SUPPORTED","message":"nope"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", time.Second, 0).Price(context.Background(), Request{
		ChainID: 8453, SellToken: sendToken, BuyToken: usdc, SellAmount: big.NewInt(1),
	})
	assert.ErrorIs(t, err, gateways.ErrNoRoute)
}

func TestExecuteApprovesAndAppendsPermitSignature(t *testing.T) {
	stub := &apiStub{allowance: true}
	p, chain := newProvider(t, stub)
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	taker := gethcrypto.PubkeyToAddress(key.PublicKey)

	quote, err := p.Quote(context.Background(), gateways.SwapQuoteRequest{
		SellToken: sendToken, BuyToken: usdc, SellAmount: big.NewInt(10), Taker: taker, SlippageBps: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, quote.EstimatedOps)

	hash, err := p.Execute(context.Background(), key, quote)
	require.NoError(t, err)

	sent := chain.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "approve", sent[0].Kind)
	assert.Equal(t, permit2, sent[0].To)
	assert.Equal(t, "call", sent[1].Kind)
	assert.Equal(t, settler, sent[1].To)
	assert.Equal(t, hash, sent[1].Hash)

	// calldata || uint256(65) || r || s || v
	data := sent[1].Data
	require.Len(t, data, 4+32+65)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, data[:4])
	assert.Equal(t, int64(65), new(big.Int).SetBytes(data[4:36]).Int64())

	var typed apitypes.TypedData
	require.NoError(t, json.Unmarshal([]byte(permitPayload), &typed))
	digest, _, err := apitypes.TypedDataAndHash(typed)
	require.NoError(t, err)
	sig := append([]byte{}, data[36:]...)
	sig[64] -= 27
	pub, err := gethcrypto.SigToPub(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, taker, gethcrypto.PubkeyToAddress(*pub))
}

func TestAppendSignature(t *testing.T) {
	out := AppendSignature([]byte{1, 2}, []byte{9, 9, 9})
	require.Len(t, out, 2+32+3)
	assert.Equal(t, byte(3), out[33])
	assert.Equal(t, []byte{9, 9, 9}, out[34:])
}
