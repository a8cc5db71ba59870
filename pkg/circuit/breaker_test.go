package circuit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/treasury/pkg/circuit"
)

var errDownstream = errors.New("downstream failed")

func TestBreaker(t *testing.T) {
	ctx := context.Background()

	t.Run("should pass through while closed", func(t *testing.T) {
		b := circuit.NewBreaker(circuit.Config{MaxFailures: 3, Timeout: time.Minute})

		err := b.Execute(ctx, func() error { return nil })
		assert.NoError(t, err)
		assert.Equal(t, circuit.StateClosed, b.State())
	})

	t.Run("should open after max consecutive failures", func(t *testing.T) {
		b := circuit.NewBreaker(circuit.Config{MaxFailures: 2, Timeout: time.Minute})

		for i := 0; i < 2; i++ {
			err := b.Execute(ctx, func() error { return errDownstream })
			assert.ErrorIs(t, err, errDownstream)
		}
		assert.Equal(t, circuit.StateOpen, b.State())

		err := b.Execute(ctx, func() error { return nil })
		assert.ErrorIs(t, err, circuit.ErrCircuitOpen)
	})

	t.Run("should reset the failure count on success", func(t *testing.T) {
		b := circuit.NewBreaker(circuit.Config{MaxFailures: 2, Timeout: time.Minute})

		require.Error(t, b.Execute(ctx, func() error { return errDownstream }))
		require.NoError(t, b.Execute(ctx, func() error { return nil }))
		require.Error(t, b.Execute(ctx, func() error { return errDownstream }))

		assert.Equal(t, circuit.StateClosed, b.State())
	})

	t.Run("should let a probe through after the timeout", func(t *testing.T) {
		b := circuit.NewBreaker(circuit.Config{MaxFailures: 1, Timeout: 10 * time.Millisecond})

		require.Error(t, b.Execute(ctx, func() error { return errDownstream }))
		require.Equal(t, circuit.StateOpen, b.State())

		time.Sleep(20 * time.Millisecond)

		err := b.Execute(ctx, func() error { return nil })
		assert.NoError(t, err)
		assert.Equal(t, circuit.StateClosed, b.State())
	})

	t.Run("should re-open on a failed probe", func(t *testing.T) {
		b := circuit.NewBreaker(circuit.Config{MaxFailures: 1, Timeout: 10 * time.Millisecond})

		require.Error(t, b.Execute(ctx, func() error { return errDownstream }))
		time.Sleep(20 * time.Millisecond)

		require.Error(t, b.Execute(ctx, func() error { return errDownstream }))
		assert.Equal(t, circuit.StateOpen, b.State())
	})

	t.Run("should respect context cancellation", func(t *testing.T) {
		b := circuit.NewBreaker(circuit.Config{MaxFailures: 1, Timeout: time.Minute})

		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		err := b.Execute(cancelled, func() error { return nil })
		assert.ErrorIs(t, err, context.Canceled)
	})
}
