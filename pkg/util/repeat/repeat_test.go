package repeat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRepeatContext(t *testing.T) {
	t.Run("succeeds_after_retries", func(t *testing.T) {
		calls := 0
		err := RepeatContext(context.Background(), func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("not yet")
			}
			return nil
		}, 5, time.Millisecond)
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("exhausted", func(t *testing.T) {
		calls := 0
		boom := errors.New("boom")
		err := Repeat(func() error {
			calls++
			return boom
		}, 3, time.Millisecond)
		assert.ErrorIs(t, err, ErrAttemptsExhausted)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 3, calls)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := RepeatContext(ctx, func(context.Context) error { return errors.New("boom") }, 10, time.Hour)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
