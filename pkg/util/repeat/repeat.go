package repeat

import (
	"context"
	"errors"
	"time"
)

// ErrAttemptsExhausted is wrapped around the last error when every attempt failed.
var ErrAttemptsExhausted = errors.New("repeat: attempts exhausted")

// Repeat calls f up to attempts times, sleeping delay between failures.
func Repeat(f func() error, attempts int, delay time.Duration) error {
	return RepeatContext(context.Background(), func(context.Context) error { return f() }, attempts, delay)
}

// RepeatContext is Repeat bounded by ctx. A nil error from f stops early; ctx
// cancellation aborts the wait between attempts.
func RepeatContext(ctx context.Context, f func(ctx context.Context) error, attempts int, delay time.Duration) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = f(ctx); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ctx.Err(), err)
		case <-timer.C:
		}
	}
	return errors.Join(ErrAttemptsExhausted, err)
}
