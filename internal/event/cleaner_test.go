package event

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanerRunsInOrderOnce(t *testing.T) {
	cleaner := NewCleaner(time.Second)
	var order []int
	for i := 1; i <= 3; i++ {
		cleaner.Add(CallableFunc(func(context.Context) error {
			order = append(order, i)
			return nil
		}))
	}

	require.NoError(t, cleaner.Clean(context.Background()))
	assert.Equal(t, []int{1, 2, 3}, order)

	cleaner.Add(CallableFunc(func(context.Context) error {
		order = append(order, 4)
		return nil
	}))
	require.NoError(t, cleaner.Clean(context.Background()))
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestCleanerCollectsErrorsAndContinues(t *testing.T) {
	cleaner := NewCleaner(0)
	boom := errors.New("boom")
	called := false
	cleaner.Add(CallableFunc(func(context.Context) error { return boom }))
	cleaner.Add(CallableFunc(func(context.Context) error {
		called = true
		return nil
	}))

	err := cleaner.Clean(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.True(t, called)
}

func TestCleanerAppliesTimeout(t *testing.T) {
	cleaner := NewCleaner(20 * time.Millisecond)
	cleaner.Add(CallableFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	assert.ErrorIs(t, cleaner.Clean(context.Background()), context.DeadlineExceeded)
}
