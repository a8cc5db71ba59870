package vault_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/treasury/internal/vault"
)

func TestVaultDeposit(t *testing.T) {
	t.Run("should start empty", func(t *testing.T) {
		v := vault.New()
		assert.True(t, v.Balance().IsZero())
	})

	t.Run("should accumulate deposits", func(t *testing.T) {
		v := vault.New()
		require.NoError(t, v.Deposit(decimal.NewFromInt(600)))
		require.NoError(t, v.Deposit(decimal.NewFromInt(400)))
		assert.True(t, v.Balance().Equal(decimal.NewFromInt(1000)))
	})

	t.Run("should reject non-positive deposits", func(t *testing.T) {
		v := vault.New()
		assert.ErrorIs(t, v.Deposit(decimal.Zero), vault.ErrInvalidAmount)
		assert.ErrorIs(t, v.Deposit(decimal.NewFromInt(-5)), vault.ErrInvalidAmount)
	})
}

func TestVaultDebit(t *testing.T) {
	t.Run("should debit within balance", func(t *testing.T) {
		v := vault.New()
		require.NoError(t, v.Deposit(decimal.NewFromInt(100)))
		require.NoError(t, v.Debit(decimal.NewFromInt(60)))
		assert.True(t, v.Balance().Equal(decimal.NewFromInt(40)))
	})

	t.Run("should never go negative", func(t *testing.T) {
		v := vault.New()
		require.NoError(t, v.Deposit(decimal.NewFromInt(50)))

		err := v.Debit(decimal.NewFromInt(51))
		assert.ErrorIs(t, err, vault.ErrInsufficientFunds)
		assert.True(t, v.Balance().Equal(decimal.NewFromInt(50)))
	})

	t.Run("should allow debiting the exact balance", func(t *testing.T) {
		v := vault.New()
		require.NoError(t, v.Deposit(decimal.NewFromInt(50)))
		require.NoError(t, v.Debit(decimal.NewFromInt(50)))
		assert.True(t, v.Balance().IsZero())
	})

	t.Run("should reject non-positive debits", func(t *testing.T) {
		v := vault.New()
		require.NoError(t, v.Deposit(decimal.NewFromInt(50)))
		assert.ErrorIs(t, v.Debit(decimal.Zero), vault.ErrInvalidAmount)
	})
}

func TestVaultCovers(t *testing.T) {
	t.Run("should report coverage", func(t *testing.T) {
		v := vault.New()
		require.NoError(t, v.Deposit(decimal.NewFromInt(100)))

		assert.True(t, v.Covers(decimal.NewFromInt(100)))
		assert.True(t, v.Covers(decimal.NewFromInt(99)))
		assert.False(t, v.Covers(decimal.NewFromInt(101)))
	})
}
