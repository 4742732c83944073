package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/esogbengastephen/sendapp-offramp/internal/domain/gateways"
	apperrors "github.com/esogbengastephen/sendapp-offramp/internal/errors"
	"github.com/esogbengastephen/sendapp-offramp/pkg/log"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// minorUnits converts major currency units to the integer amount the API expects.
var minorUnits = decimal.NewFromInt(100)

var errNotFound = errors.New("payout: reference not found")

// rejectedError is a definite answer from the provider: a 4xx or a false status flag.
// Transport failures, 5xx and unreadable bodies leave the outcome unknown and are not one.
type rejectedError struct {
	code    int
	message string
}

func (e *rejectedError) Error() string {
	return fmt.Sprintf("status=%d: %s", e.code, e.message)
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type resolveData struct {
	AccountNumber string `json:"account_number"`
	AccountName   string `json:"account_name"`
}

type recipientData struct {
	RecipientCode string `json:"recipient_code"`
}

type transferData struct {
	Reference    string `json:"reference"`
	TransferCode string `json:"transfer_code"`
	Status       string `json:"status"`
	Reason       string `json:"reason"`
}

type paymentData struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
}

// Client is a Paystack-compatible transfer API client.
type Client struct {
	baseURL   string
	secretKey string
	http      *http.Client
	limiter   *rate.Limiter
	logger    *zerolog.Logger
}

var _ gateways.PayoutProvider = (*Client)(nil)

// NewClient builds a client. rps <= 0 disables client-side rate limiting.
func NewClient(baseURL, secretKey string, timeout time.Duration, rps float64) *Client {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	l := log.GetLogger()
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		secretKey: secretKey,
		http:      &http.Client{Timeout: timeout},
		limiter:   rate.NewLimiter(limit, 1),
		logger:    &l,
	}
}

// ResolveAccount runs a name enquiry. Any failure is a verification error.
func (c *Client) ResolveAccount(ctx context.Context, accountNumber, bankCode string) (*gateways.AccountDetails, error) {
	q := url.Values{}
	q.Set("account_number", accountNumber)
	q.Set("bank_code", bankCode)

	var data resolveData
	if err := c.do(ctx, http.MethodGet, "/bank/resolve?"+q.Encode(), nil, &data); err != nil {
		return nil, apperrors.NewVerificationError("bank account could not be resolved", err)
	}
	if strings.TrimSpace(data.AccountName) == "" {
		return nil, apperrors.NewVerificationError("bank account has no holder name", nil)
	}
	return &gateways.AccountDetails{
		AccountNumber: accountNumber,
		AccountName:   data.AccountName,
		BankCode:      bankCode,
	}, nil
}

// Transfer creates a recipient and initiates a transfer keyed by req.Reference. A duplicate
// reference is resolved by verifying the existing transfer instead of sending again.
func (c *Client) Transfer(ctx context.Context, req gateways.TransferRequest) (*gateways.TransferResult, error) {
	if !req.Amount.IsPositive() {
		return nil, apperrors.NewPayoutError(req.Reference, "amount must be positive", nil)
	}

	var recipient recipientData
	err := c.do(ctx, http.MethodPost, "/transferrecipient", map[string]interface{}{
		"type":           "nuban",
		"name":           req.AccountName,
		"account_number": req.AccountNumber,
		"bank_code":      req.BankCode,
		"currency":       req.Currency,
	}, &recipient)
	if err != nil {
		var rejected *rejectedError
		if errors.As(err, &rejected) {
			return nil, apperrors.NewPayoutError(req.Reference, "recipient rejected", err)
		}
		return nil, fmt.Errorf("create recipient for %s: %w", req.Reference, err)
	}

	var data transferData
	err = c.do(ctx, http.MethodPost, "/transfer", map[string]interface{}{
		"source":    "balance",
		"amount":    req.Amount.Mul(minorUnits).Round(0).IntPart(),
		"recipient": recipient.RecipientCode,
		"reference": req.Reference,
		"reason":    req.Narration,
		"currency":  req.Currency,
	}, &data)
	var rejected *rejectedError
	switch {
	case err == nil:
	case errors.As(err, &rejected) && strings.Contains(strings.ToLower(rejected.message), "duplicate"):
		c.logger.Warn().Str("reference", req.Reference).Msg("duplicate transfer reference, verifying existing transfer")
		return c.VerifyTransfer(ctx, req.Reference)
	case errors.As(err, &rejected):
		return nil, apperrors.NewPayoutError(req.Reference, "transfer rejected", err)
	default:
		// The provider may hold the transfer; the caller verifies by reference before retrying.
		c.logger.Warn().Err(err).Str("reference", req.Reference).Msg("transfer outcome unknown")
		return nil, fmt.Errorf("transfer %s: %w", req.Reference, err)
	}

	return &gateways.TransferResult{
		Reference:         req.Reference,
		ProviderReference: data.TransferCode,
		Status:            mapTransferStatus(data.Status),
		Message:           data.Reason,
	}, nil
}

// VerifyTransfer looks a transfer up by our reference.
func (c *Client) VerifyTransfer(ctx context.Context, reference string) (*gateways.TransferResult, error) {
	var data transferData
	err := c.do(ctx, http.MethodGet, "/transfer/verify/"+url.PathEscape(reference), nil, &data)
	if err != nil {
		if errors.Is(err, errNotFound) {
			return &gateways.TransferResult{Reference: reference, Status: gateways.TransferUnknown}, nil
		}
		return nil, err
	}
	return &gateways.TransferResult{
		Reference:         reference,
		ProviderReference: data.TransferCode,
		Status:            mapTransferStatus(data.Status),
		Message:           data.Reason,
	}, nil
}

// VerifyPayment checks an inbound payment by reference.
func (c *Client) VerifyPayment(ctx context.Context, reference string) (*gateways.PaymentStatus, error) {
	var data paymentData
	err := c.do(ctx, http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil, &data)
	if err != nil {
		if errors.Is(err, errNotFound) {
			return &gateways.PaymentStatus{Reference: reference}, nil
		}
		return nil, err
	}
	return &gateways.PaymentStatus{
		Reference: reference,
		Paid:      strings.EqualFold(data.Status, "success"),
		Amount:    decimal.NewFromInt(data.Amount).Div(minorUnits),
	}, nil
}

func mapTransferStatus(raw string) gateways.TransferStatus {
	switch strings.ToLower(raw) {
	case "success":
		return gateways.TransferSuccess
	case "pending", "otp", "received", "processing", "queued":
		return gateways.TransferPending
	case "failed", "reversed", "abandoned", "blocked", "rejected":
		return gateways.TransferFailed
	default:
		return gateways.TransferUnknown
	}
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("payout %s %s: %w", method, pathOnly(path), err)
	}
	defer resp.Body.Close()

	var env envelope
	if err = json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("payout %s %s: status=%d: decode: %w", method, pathOnly(path), resp.StatusCode, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", errNotFound, env.Message)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("payout %s %s: status=%d: %s", method, pathOnly(path), resp.StatusCode, env.Message)
	}
	if resp.StatusCode >= 300 || !env.Status {
		return fmt.Errorf("payout %s %s: %w", method, pathOnly(path), &rejectedError{code: resp.StatusCode, message: env.Message})
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

// pathOnly keeps account numbers out of error strings.
func pathOnly(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}
