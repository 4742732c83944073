package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxAge is how old a signing timestamp may be before the request is refused.
const DefaultMaxAge = 5 * time.Minute

var (
	ErrMissing   = errors.New("signature: header missing")
	ErrMalformed = errors.New("signature: malformed header")
	ErrMismatch  = errors.New("signature: mismatch")
	ErrExpired   = errors.New("signature: timestamp too old")
	ErrFuture    = errors.New("signature: timestamp in the future")
)

// Verifier checks `t=<unix>,h=<header names>,v1=<hex hmac>` signatures computed over
// "t.h.headerValues.body", header values joined with ".".
type Verifier struct {
	secret     []byte
	maxAge     time.Duration
	futureSkew time.Duration
	now        func() time.Time
}

type Option func(*Verifier)

func WithMaxAge(d time.Duration) Option {
	return func(v *Verifier) { v.maxAge = d }
}

// WithFutureSkew tolerates small clock drift on the sender. Zero rejects any future timestamp.
func WithFutureSkew(d time.Duration) Option {
	return func(v *Verifier) { v.futureSkew = d }
}

func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

func NewVerifier(secret string, opts ...Option) *Verifier {
	v := &Verifier{
		secret: []byte(secret),
		maxAge: DefaultMaxAge,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

type parsed struct {
	timestamp string
	names     string
	mac       []byte
}

func parse(header string) (*parsed, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, ErrMissing
	}
	p := &parsed{}
	var haveT, haveH, haveV bool
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return nil, ErrMalformed
		}
		switch key {
		case "t":
			p.timestamp, haveT = value, true
		case "h":
			p.names, haveH = value, true
		case "v1":
			mac, err := hex.DecodeString(value)
			if err != nil || len(mac) != sha256.Size {
				return nil, ErrMalformed
			}
			p.mac, haveV = mac, true
		}
	}
	if !haveT || !haveH || !haveV {
		return nil, ErrMalformed
	}
	return p, nil
}

func compute(secret []byte, timestamp, names string, headers http.Header, body []byte) []byte {
	values := make([]string, 0)
	for _, name := range strings.Fields(names) {
		values = append(values, headers.Get(name))
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write([]byte(names))
	mac.Write([]byte("."))
	mac.Write([]byte(strings.Join(values, ".")))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}

// Verify recomputes the signature in constant time, then checks timestamp freshness.
func (v *Verifier) Verify(header string, headers http.Header, body []byte) error {
	p, err := parse(header)
	if err != nil {
		return err
	}
	expected := compute(v.secret, p.timestamp, p.names, headers, body)
	if !hmac.Equal(expected, p.mac) {
		return ErrMismatch
	}
	ts, err := strconv.ParseInt(p.timestamp, 10, 64)
	if err != nil {
		return ErrMalformed
	}
	signedAt := time.Unix(ts, 0)
	now := v.now()
	if signedAt.After(now.Add(v.futureSkew)) {
		return ErrFuture
	}
	if now.Sub(signedAt) > v.maxAge {
		return ErrExpired
	}
	return nil
}

// Sign builds a header value for body. The listed header names must already be set on headers.
func Sign(secret string, at time.Time, names []string, headers http.Header, body []byte) string {
	timestamp := strconv.FormatInt(at.Unix(), 10)
	joined := strings.Join(names, " ")
	mac := compute([]byte(secret), timestamp, joined, headers, body)
	return "t=" + timestamp + ",h=" + joined + ",v1=" + hex.EncodeToString(mac)
}
