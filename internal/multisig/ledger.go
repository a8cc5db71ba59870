package multisig

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/treasury/internal/compliance"
	"github.com/terminal-bench/treasury/internal/vault"
)

var (
	ErrNotSigner            = errors.New("caller is not a signer")
	ErrNotAuthority         = errors.New("caller is not the configuring authority")
	ErrTxNotFound           = errors.New("transaction not found")
	ErrAlreadyConfirmed     = errors.New("transaction already confirmed by caller")
	ErrNotConfirmed         = errors.New("transaction not confirmed by caller")
	ErrAlreadyExecuted      = errors.New("transaction already executed")
	ErrThresholdNotMet      = errors.New("confirmation threshold not met")
	ErrInvalidThreshold     = errors.New("threshold must be between 1 and the signer count")
	ErrSignerExists         = errors.New("signer already registered")
	ErrUnknownSigner        = errors.New("unknown signer")
	ErrInvalidRecipient     = errors.New("malformed recipient address")
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrThresholdUnreachable = errors.New("removal would leave threshold above signer count")
)

// PendingTransaction is an ad-hoc treasury movement awaiting confirmations.
// Executed is write-once: once set, the transaction is terminal.
type PendingTransaction struct {
	ID            uint64
	Recipient     string
	Amount        decimal.Decimal
	Payload       []byte
	Confirmations map[string]bool
	Executed      bool
	CreatedAt     time.Time
	ExecutedAt    time.Time
	RecordID      string
}

// Ledger is the multisignature propose/confirm/execute state machine.
//
// State table: PROPOSED --confirm(threshold met)--> EXECUTED,
// PROPOSED --confirm(below threshold)--> PROPOSED,
// PROPOSED --revoke--> PROPOSED, EXECUTED is terminal.
type Ledger struct {
	vault      *vault.Vault
	compliance *compliance.Ledger

	authority string
	signers   map[string]bool
	threshold int

	txs    map[uint64]*PendingTransaction
	nextID uint64
	now    func() time.Time
}

// Config holds signer-set configuration.
type Config struct {
	Authority string
	Signers   []string
	Threshold int
	Clock     func() time.Time
}

// NewLedger creates an authorization ledger over the given vault and
// compliance ledger.
func NewLedger(v *vault.Vault, cl *compliance.Ledger, cfg Config) (*Ledger, error) {
	if cfg.Threshold < 1 || cfg.Threshold > len(cfg.Signers) {
		return nil, fmt.Errorf("new ledger: %w", ErrInvalidThreshold)
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	signers := make(map[string]bool, len(cfg.Signers))
	for _, s := range cfg.Signers {
		signers[s] = true
	}
	return &Ledger{
		vault:      v,
		compliance: cl,
		authority:  cfg.Authority,
		signers:    signers,
		threshold:  cfg.Threshold,
		txs:        make(map[uint64]*PendingTransaction),
		now:        now,
	}, nil
}

// Propose submits a new pending transaction. The proposer does not
// implicitly confirm it.
func (l *Ledger) Propose(caller, recipient string, amount decimal.Decimal, payload []byte) (uint64, error) {
	if !l.signers[caller] {
		return 0, fmt.Errorf("propose by %q: %w", caller, ErrNotSigner)
	}
	if !compliance.ValidRecipient(recipient) {
		return 0, fmt.Errorf("propose to %q: %w", recipient, ErrInvalidRecipient)
	}
	if !amount.IsPositive() {
		return 0, fmt.Errorf("propose %s: %w", amount, ErrInvalidAmount)
	}

	l.nextID++
	tx := &PendingTransaction{
		ID:            l.nextID,
		Recipient:     recipient,
		Amount:        amount,
		Payload:       payload,
		Confirmations: make(map[string]bool),
		CreatedAt:     l.now(),
	}
	l.txs[tx.ID] = tx
	return tx.ID, nil
}

// Confirm records the caller's confirmation. If the confirmation count
// reaches the threshold, the transaction executes inside this call: the
// debit, the compliance record and the executed flag land atomically with
// the confirmation, or the confirmation is rolled back.
func (l *Ledger) Confirm(caller string, txID uint64) (*compliance.Record, error) {
	if !l.signers[caller] {
		return nil, fmt.Errorf("confirm by %q: %w", caller, ErrNotSigner)
	}
	tx, ok := l.txs[txID]
	if !ok {
		return nil, fmt.Errorf("confirm tx %d: %w", txID, ErrTxNotFound)
	}
	if tx.Executed {
		return nil, fmt.Errorf("confirm tx %d: %w", txID, ErrAlreadyExecuted)
	}
	if tx.Confirmations[caller] {
		return nil, fmt.Errorf("confirm tx %d by %q: %w", txID, caller, ErrAlreadyConfirmed)
	}

	tx.Confirmations[caller] = true
	if len(tx.Confirmations) < l.threshold {
		return nil, nil
	}

	rec, err := l.executeTx(tx, caller)
	if err != nil {
		delete(tx.Confirmations, caller)
		return nil, err
	}
	return rec, nil
}

// Revoke removes the caller's confirmation from a not-yet-executed
// transaction.
func (l *Ledger) Revoke(caller string, txID uint64) error {
	if !l.signers[caller] {
		return fmt.Errorf("revoke by %q: %w", caller, ErrNotSigner)
	}
	tx, ok := l.txs[txID]
	if !ok {
		return fmt.Errorf("revoke tx %d: %w", txID, ErrTxNotFound)
	}
	if tx.Executed {
		return fmt.Errorf("revoke tx %d: %w", txID, ErrAlreadyExecuted)
	}
	if !tx.Confirmations[caller] {
		return fmt.Errorf("revoke tx %d by %q: %w", txID, caller, ErrNotConfirmed)
	}
	delete(tx.Confirmations, caller)
	return nil
}

// Execute runs a transaction whose threshold is already met, for callers who
// want an explicit execute step.
func (l *Ledger) Execute(caller string, txID uint64) (*compliance.Record, error) {
	if !l.signers[caller] {
		return nil, fmt.Errorf("execute by %q: %w", caller, ErrNotSigner)
	}
	tx, ok := l.txs[txID]
	if !ok {
		return nil, fmt.Errorf("execute tx %d: %w", txID, ErrTxNotFound)
	}
	if tx.Executed {
		return nil, fmt.Errorf("execute tx %d: %w", txID, ErrAlreadyExecuted)
	}
	if len(tx.Confirmations) < l.threshold {
		return nil, fmt.Errorf("execute tx %d with %d of %d confirmations: %w",
			txID, len(tx.Confirmations), l.threshold, ErrThresholdNotMet)
	}
	return l.executeTx(tx, caller)
}

func (l *Ledger) executeTx(tx *PendingTransaction, executor string) (*compliance.Record, error) {
	if err := l.vault.Debit(tx.Amount); err != nil {
		return nil, fmt.Errorf("execute tx %d: %w", tx.ID, err)
	}
	rec, err := l.compliance.RecordMovement("", uuid.New().String(), 0,
		compliance.SourceMultisig, tx.Recipient, tx.Amount, executor)
	if err != nil {
		// Undo the debit so the call has no partial effect.
		l.vault.Deposit(tx.Amount)
		return nil, fmt.Errorf("execute tx %d: %w", tx.ID, err)
	}
	tx.Executed = true
	tx.ExecutedAt = l.now()
	tx.RecordID = rec.RecordID
	return rec, nil
}

// AddSigner registers a new signer. Restricted to the configuring authority.
// In-flight proposals are not re-evaluated.
func (l *Ledger) AddSigner(caller, id string) error {
	if caller != l.authority {
		return fmt.Errorf("add signer by %q: %w", caller, ErrNotAuthority)
	}
	if id == "" {
		return fmt.Errorf("add signer: %w", ErrUnknownSigner)
	}
	if l.signers[id] {
		return fmt.Errorf("add signer %q: %w", id, ErrSignerExists)
	}
	l.signers[id] = true
	return nil
}

// RemoveSigner drops a signer and prunes that signer's confirmations from
// every pending transaction, keeping confirmations a subset of current
// signers. Proposals are not re-evaluated: one may sit below threshold until
// new confirmations arrive or the threshold is lowered. Removal that would
// push the threshold above the signer count is rejected.
func (l *Ledger) RemoveSigner(caller, id string) error {
	if caller != l.authority {
		return fmt.Errorf("remove signer by %q: %w", caller, ErrNotAuthority)
	}
	if !l.signers[id] {
		return fmt.Errorf("remove signer %q: %w", id, ErrUnknownSigner)
	}
	if l.threshold > len(l.signers)-1 {
		return fmt.Errorf("remove signer %q: %w", id, ErrThresholdUnreachable)
	}
	delete(l.signers, id)
	for _, tx := range l.txs {
		if !tx.Executed {
			delete(tx.Confirmations, id)
		}
	}
	return nil
}

// SetThreshold changes the required confirmation count. Restricted to the
// configuring authority.
func (l *Ledger) SetThreshold(caller string, n int) error {
	if caller != l.authority {
		return fmt.Errorf("set threshold by %q: %w", caller, ErrNotAuthority)
	}
	if n < 1 || n > len(l.signers) {
		return fmt.Errorf("set threshold %d with %d signers: %w", n, len(l.signers), ErrInvalidThreshold)
	}
	l.threshold = n
	return nil
}

// Transaction returns a pending transaction by id.
func (l *Ledger) Transaction(txID uint64) (*PendingTransaction, error) {
	tx, ok := l.txs[txID]
	if !ok {
		return nil, fmt.Errorf("tx %d: %w", txID, ErrTxNotFound)
	}
	return tx, nil
}

// ConfirmationCount returns the number of live confirmations on a
// transaction.
func (l *Ledger) ConfirmationCount(txID uint64) (int, error) {
	tx, ok := l.txs[txID]
	if !ok {
		return 0, fmt.Errorf("tx %d: %w", txID, ErrTxNotFound)
	}
	return len(tx.Confirmations), nil
}

// IsSigner reports whether id is a current signer.
func (l *Ledger) IsSigner(id string) bool {
	return l.signers[id]
}

// Threshold returns the current confirmation threshold.
func (l *Ledger) Threshold() int {
	return l.threshold
}

// SignerCount returns the size of the current signer set.
func (l *Ledger) SignerCount() int {
	return len(l.signers)
}
