package signature

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const secret = "whsec_test"

func fixture() (http.Header, []byte) {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("X-Event-Id", "evt_1")
	return headers, []byte(`{"to":"0xabc","value":"10"}`)
}

func TestVerify(t *testing.T) {
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	v := NewVerifier(secret, WithClock(func() time.Time { return now }))
	names := []string{"content-type", "x-event-id"}

	t.Run("one_minute_old", func(t *testing.T) {
		headers, body := fixture()
		sig := Sign(secret, now.Add(-time.Minute), names, headers, body)
		assert.NoError(t, v.Verify(sig, headers, body))
	})

	t.Run("ten_minutes_old", func(t *testing.T) {
		headers, body := fixture()
		sig := Sign(secret, now.Add(-10*time.Minute), names, headers, body)
		assert.ErrorIs(t, v.Verify(sig, headers, body), ErrExpired)
	})

	t.Run("future", func(t *testing.T) {
		headers, body := fixture()
		sig := Sign(secret, now.Add(time.Minute), names, headers, body)
		assert.ErrorIs(t, v.Verify(sig, headers, body), ErrFuture)
	})

	t.Run("every_flipped_signature_byte", func(t *testing.T) {
		headers, body := fixture()
		sig := Sign(secret, now.Add(-time.Minute), names, headers, body)
		idx := strings.Index(sig, "v1=") + 3
		for i := idx; i < len(sig); i++ {
			b := []byte(sig)
			if b[i] == '0' {
				b[i] = '1'
			} else {
				b[i] = '0'
			}
			assert.Error(t, v.Verify(string(b), headers, body), "position %d", i)
		}
	})

	t.Run("body_tampered", func(t *testing.T) {
		headers, body := fixture()
		sig := Sign(secret, now.Add(-time.Minute), names, headers, body)
		assert.ErrorIs(t, v.Verify(sig, headers, []byte(`{"to":"0xabc","value":"11"}`)), ErrMismatch)
	})

	t.Run("bound_header_changed", func(t *testing.T) {
		headers, body := fixture()
		sig := Sign(secret, now.Add(-time.Minute), names, headers, body)
		headers.Set("X-Event-Id", "evt_2")
		assert.ErrorIs(t, v.Verify(sig, headers, body), ErrMismatch)
	})

	t.Run("wrong_secret", func(t *testing.T) {
		headers, body := fixture()
		sig := Sign("other", now.Add(-time.Minute), names, headers, body)
		assert.ErrorIs(t, v.Verify(sig, headers, body), ErrMismatch)
	})

	t.Run("malformed", func(t *testing.T) {
		headers, body := fixture()
		assert.ErrorIs(t, v.Verify("", headers, body), ErrMissing)
		assert.ErrorIs(t, v.Verify("t=1,h=a", headers, body), ErrMalformed)
		assert.ErrorIs(t, v.Verify("garbage", headers, body), ErrMalformed)
		assert.ErrorIs(t, v.Verify("t=1,h=a,v1=zz", headers, body), ErrMalformed)
	})
}
