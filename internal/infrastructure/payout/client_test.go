package payout

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/esogbengastephen/sendapp-offramp/internal/domain/gateways"
	apperrors "github.com/esogbengastephen/sendapp-offramp/internal/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type providerStub struct {
	mu        sync.Mutex
	transfers map[string]map[string]interface{}
	status    string
}

func (s *providerStub) handler(t *testing.T) http.Handler {
	write := func(w http.ResponseWriter, code int, ok bool, msg string, data interface{}) {
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": ok, "message": msg, "data": data})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/bank/resolve", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		if r.URL.Query().Get("account_number") != "0123456789" {
			write(w, http.StatusUnprocessableEntity, false, "Could not resolve account name", nil)
			return
		}
		write(w, http.StatusOK, true, "Account number resolved", map[string]string{
			"account_number": "0123456789", "account_name": "ADA OBI",
		})
	})
	mux.HandleFunc("/transferrecipient", func(w http.ResponseWriter, r *http.Request) {
		write(w, http.StatusCreated, true, "Transfer recipient created", map[string]string{"recipient_code": "RCP_1"})
	})
	mux.HandleFunc("/transfer", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		ref := body["reference"].(string)

		s.mu.Lock()
		defer s.mu.Unlock()
		if _, exists := s.transfers[ref]; exists {
			write(w, http.StatusBadRequest, false, "Duplicate Transfer Reference", nil)
			return
		}
		s.transfers[ref] = body
		write(w, http.StatusOK, true, "Transfer has been queued", map[string]string{
			"reference": ref, "transfer_code": "TRF_1", "status": s.status,
		})
	})
	mux.HandleFunc("/transfer/verify/", func(w http.ResponseWriter, r *http.Request) {
		ref := r.URL.Path[len("/transfer/verify/"):]
		s.mu.Lock()
		_, exists := s.transfers[ref]
		s.mu.Unlock()
		if !exists {
			write(w, http.StatusNotFound, false, "Transfer not found", nil)
			return
		}
		write(w, http.StatusOK, true, "Transfer retrieved", map[string]string{
			"reference": ref, "transfer_code": "TRF_1", "status": "success",
		})
	})
	mux.HandleFunc("/transaction/verify/", func(w http.ResponseWriter, r *http.Request) {
		ref := r.URL.Path[len("/transaction/verify/"):]
		if ref != "paid-ref" {
			write(w, http.StatusNotFound, false, "Transaction reference not found", nil)
			return
		}
		write(w, http.StatusOK, true, "Verification successful", map[string]interface{}{
			"reference": ref, "status": "success", "amount": 250000,
		})
	})
	return mux
}

func newTestClient(t *testing.T, status string) (*Client, *providerStub) {
	stub := &providerStub{transfers: make(map[string]map[string]interface{}), status: status}
	srv := httptest.NewServer(stub.handler(t))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "sk_test", 5*time.Second, 0), stub
}

func TestResolveAccount(t *testing.T) {
	c, _ := newTestClient(t, "success")

	details, err := c.ResolveAccount(context.Background(), "0123456789", "058")
	require.NoError(t, err)
	assert.Equal(t, "ADA OBI", details.AccountName)

	_, err = c.ResolveAccount(context.Background(), "9999999999", "058")
	var verr *apperrors.VerificationError
	assert.ErrorAs(t, err, &verr)
}

func TestTransfer(t *testing.T) {
	c, stub := newTestClient(t, "pending")
	req := gateways.TransferRequest{
		Reference:     "4f7d9b3e-1111-4c3a-9a57-3f3e2b1a0c9d",
		AccountNumber: "0123456789",
		AccountName:   "ADA OBI",
		BankCode:      "058",
		Amount:        decimal.RequireFromString("3100.50"),
		Currency:      "NGN",
	}

	result, err := c.Transfer(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, gateways.TransferPending, result.Status)
	assert.Equal(t, "TRF_1", result.ProviderReference)

	body := stub.transfers[req.Reference]
	assert.Equal(t, float64(310050), body["amount"])
	assert.Equal(t, "RCP_1", body["recipient"])

	t.Run("duplicate reference verifies instead of resending", func(t *testing.T) {
		result, err := c.Transfer(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, gateways.TransferSuccess, result.Status)
		assert.Len(t, stub.transfers, 1)
	})

	t.Run("non positive amount", func(t *testing.T) {
		bad := req
		bad.Amount = decimal.Zero
		_, err := c.Transfer(context.Background(), bad)
		var perr *apperrors.PayoutError
		assert.ErrorAs(t, err, &perr)
	})
}

func TestTransferFailureKinds(t *testing.T) {
	tests := []struct {
		name     string
		transfer http.HandlerFunc
		rejected bool
	}{
		{
			name: "timeout",
			transfer: func(w http.ResponseWriter, r *http.Request) {
				time.Sleep(300 * time.Millisecond)
				w.WriteHeader(http.StatusOK)
			},
		},
		{
			name: "bad gateway",
			transfer: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
				_, _ = w.Write([]byte("<html>upstream down</html>"))
			},
		},
		{
			name: "server error envelope",
			transfer: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"status":false,"message":"internal error"}`))
			},
		},
		{
			name: "unreadable body",
			transfer: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("not json"))
			},
		},
		{
			name: "rejected",
			transfer: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"status":false,"message":"Your balance is not enough to fulfil this request"}`))
			},
			rejected: true,
		},
		{
			name: "declined with ok status",
			transfer: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"status":false,"message":"Transfer declined"}`))
			},
			rejected: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/transferrecipient", func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"status":true,"data":{"recipient_code":"RCP_1"}}`))
			})
			mux.HandleFunc("/transfer", tc.transfer)
			srv := httptest.NewServer(mux)
			t.Cleanup(srv.Close)
			c := NewClient(srv.URL, "sk_test", 100*time.Millisecond, 0)

			_, err := c.Transfer(context.Background(), gateways.TransferRequest{
				Reference:     "4f7d9b3e-2222-4c3a-9a57-3f3e2b1a0c9d",
				AccountNumber: "0123456789",
				BankCode:      "058",
				Amount:        decimal.NewFromInt(100),
				Currency:      "NGN",
			})
			require.Error(t, err)
			var perr *apperrors.PayoutError
			assert.Equal(t, tc.rejected, errors.As(err, &perr), err.Error())
		})
	}
}

func TestVerifyTransferUnknown(t *testing.T) {
	c, _ := newTestClient(t, "success")
	result, err := c.VerifyTransfer(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, gateways.TransferUnknown, result.Status)
}

func TestVerifyPayment(t *testing.T) {
	c, _ := newTestClient(t, "success")

	status, err := c.VerifyPayment(context.Background(), "paid-ref")
	require.NoError(t, err)
	assert.True(t, status.Paid)
	assert.True(t, decimal.NewFromInt(2500).Equal(status.Amount))

	status, err = c.VerifyPayment(context.Background(), "other")
	require.NoError(t, err)
	assert.False(t, status.Paid)
}

func TestMapTransferStatus(t *testing.T) {
	tests := map[string]gateways.TransferStatus{
		"success":  gateways.TransferSuccess,
		"otp":      gateways.TransferPending,
		"reversed": gateways.TransferFailed,
		"weird":    gateways.TransferUnknown,
	}
	for raw, want := range tests {
		assert.Equal(t, want, mapTransferStatus(raw), raw)
	}
}
