package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_Do_SucceedsAfterRetries(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Multiplier: 2.0, MaxBackoff: 5 * time.Millisecond}

	attempts := 0
	err := p.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	}, func(error) bool { return true })

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestPolicy_Do_NonRetryableReturnsImmediately(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Multiplier: 2.0}
	permanent := errors.New("bad request")

	attempts := 0
	err := p.Do(context.Background(), func() error {
		attempts++
		return permanent
	}, func(err error) bool { return !errors.Is(err, permanent) })

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, attempts)
}

func TestPolicy_Do_BudgetExceeded(t *testing.T) {
	p := Policy{Initial: 20 * time.Millisecond, Multiplier: 2.0, Budget: 10 * time.Millisecond}

	err := p.Do(context.Background(), func() error {
		return errors.New("still failing")
	}, func(error) bool { return true })

	assert.ErrorIs(t, err, ErrBudgetExceeded)
}

func TestPolicy_Do_ContextCancelledDuringBackoff(t *testing.T) {
	p := Policy{Initial: time.Second, Multiplier: 2.0}
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := p.Do(ctx, func() error { return errors.New("transient") }, func(error) bool { return true })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDefault(t *testing.T) {
	p := Default()
	assert.Equal(t, 2*time.Second, p.Initial)
	assert.Equal(t, 2.0, p.Multiplier)
	assert.Equal(t, 60*time.Second, p.MaxBackoff)
	assert.Equal(t, 30*time.Minute, p.Budget)
}
