package swapapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/esogbengastephen/sendapp-offramp/internal/domain/gateways"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"
)

const (
	pricePath = "/swap/permit2/price"
	quotePath = "/swap/permit2/quote"
	// maxErrorBody bounds how much of a failed response ends up in an error string.
	maxErrorBody = 512
)

// Request is the query shared by the price and quote endpoints.
type Request struct {
	ChainID     int64
	SellToken   common.Address
	BuyToken    common.Address
	SellAmount  *big.Int
	Taker       common.Address
	SlippageBps int
}

func (r Request) values() url.Values {
	q := url.Values{}
	q.Set("chainId", strconv.FormatInt(r.ChainID, 10))
	q.Set("sellToken", r.SellToken.Hex())
	q.Set("buyToken", r.BuyToken.Hex())
	q.Set("sellAmount", r.SellAmount.String())
	q.Set("taker", r.Taker.Hex())
	if r.SlippageBps > 0 {
		q.Set("slippageBps", strconv.Itoa(r.SlippageBps))
	}
	return q
}

// Amount is a decimal integer string in the API payloads.
type Amount struct {
	*big.Int
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	raw := strings.Trim(string(b), `"`)
	if raw == "" || raw == "null" {
		a.Int = nil
		return nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return fmt.Errorf("invalid amount %q", raw)
	}
	a.Int = v
	return nil
}

// Value returns the amount or zero.
func (a Amount) Value() *big.Int {
	if a.Int == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a.Int)
}

type AllowanceIssue struct {
	Actual  Amount         `json:"actual"`
	Spender common.Address `json:"spender"`
}

type Issues struct {
	Allowance *AllowanceIssue `json:"allowance"`
}

// Price is the indicative response.
type Price struct {
	LiquidityAvailable bool   `json:"liquidityAvailable"`
	BuyAmount          Amount `json:"buyAmount"`
	MinBuyAmount       Amount `json:"minBuyAmount"`
	SellAmount         Amount `json:"sellAmount"`
	Issues             Issues `json:"issues"`
}

// Permit2 carries the EIP-712 payload the taker must sign.
type Permit2 struct {
	Type   string          `json:"type"`
	Hash   string          `json:"hash"`
	EIP712 json.RawMessage `json:"eip712"`
}

type Transaction struct {
	To       common.Address `json:"to"`
	Data     string         `json:"data"`
	Gas      Amount         `json:"gas"`
	GasPrice Amount         `json:"gasPrice"`
	Value    Amount         `json:"value"`
}

// Quote is the firm response with executable transaction data.
type Quote struct {
	Price
	Permit2     *Permit2    `json:"permit2"`
	Transaction Transaction `json:"transaction"`
}

type apiError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// Client talks to a 0x v2 compatible swap API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient builds a client. rps <= 0 disables client-side rate limiting.
func NewClient(baseURL, apiKey string, timeout time.Duration, rps float64) *Client {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Price asks for an indicative price. No route maps to gateways.ErrNoRoute.
func (c *Client) Price(ctx context.Context, req Request) (*Price, error) {
	var out Price
	if err := c.get(ctx, pricePath, req, &out); err != nil {
		return nil, err
	}
	if !out.LiquidityAvailable || out.BuyAmount.Int == nil || out.BuyAmount.Sign() <= 0 {
		return nil, gateways.ErrNoRoute
	}
	return &out, nil
}

// Quote asks for a firm quote including transaction data.
func (c *Client) Quote(ctx context.Context, req Request) (*Quote, error) {
	var out Quote
	if err := c.get(ctx, quotePath, req, &out); err != nil {
		return nil, err
	}
	if !out.LiquidityAvailable || out.BuyAmount.Int == nil || out.BuyAmount.Sign() <= 0 {
		return nil, gateways.ErrNoRoute
	}
	if out.Transaction.Data == "" || (out.Transaction.To == common.Address{}) {
		return nil, errors.New("swap api: quote without transaction data")
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, req Request, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+req.values().Encode(), nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("0x-version", "v2")
	if strings.TrimSpace(c.apiKey) != "" {
		httpReq.Header.Set("0x-api-key", c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("swap api %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("swap api %s: read body: %w", path, err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		_ = json.Unmarshal(body, &apiErr)
		if isNoRoute(resp.StatusCode, apiErr) {
			return fmt.Errorf("%w: %s", gateways.ErrNoRoute, apiErr.Name)
		}
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return fmt.Errorf("swap api %s: status=%d body=%s", path, resp.StatusCode, string(body))
	}

	if err = json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("swap api %s: decode: %w", path, err)
	}
	return nil
}

func isNoRoute(status int, e apiError) bool {
	if status == http.StatusNotFound {
		return true
	}
	if status != http.StatusBadRequest && status != http.StatusUnprocessableEntity {
		return false
	}
	switch e.Name {
	case "TOKEN_NOT_SUPPORTED", "INSUFFICIENT_ASSET_LIQUIDITY", "NO_ROUTE", "SWAP_VALIDATION_FAILED":
		return true
	}
	return false
}
