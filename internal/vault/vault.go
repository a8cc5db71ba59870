package vault

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds = errors.New("insufficient treasury funds")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

// Vault is the single source of truth for available treasury funds. Every
// movement in the system debits through it.
//
// The vault does no locking of its own: all mutating calls are serialized
// through the treasury facade, which owns the single-writer boundary.
type Vault struct {
	balance decimal.Decimal
}

// New creates an empty vault.
func New() *Vault {
	return &Vault{balance: decimal.Zero}
}

// Balance returns the current available balance.
func (v *Vault) Balance() decimal.Decimal {
	return v.balance
}

// Deposit adds funds to the treasury.
func (v *Vault) Deposit(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("deposit %s: %w", amount, ErrInvalidAmount)
	}
	v.balance = v.balance.Add(amount)
	return nil
}

// Debit withdraws funds from the treasury. The balance never goes negative.
func (v *Vault) Debit(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("debit %s: %w", amount, ErrInvalidAmount)
	}
	if v.balance.LessThan(amount) {
		return fmt.Errorf("debit %s from balance %s: %w", amount, v.balance, ErrInsufficientFunds)
	}
	v.balance = v.balance.Sub(amount)
	return nil
}

// Covers reports whether the current balance covers amount.
func (v *Vault) Covers(amount decimal.Decimal) bool {
	return v.balance.GreaterThanOrEqual(amount)
}
