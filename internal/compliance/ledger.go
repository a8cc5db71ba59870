package compliance

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("compliance record not found")
	ErrNotApprover       = errors.New("caller is not an authorized approver")
	ErrAlreadyReconciled = errors.New("record already reconciled")
	ErrInvalidStatus     = errors.New("invalid compliance status")
	ErrInvalidRecipient  = errors.New("malformed recipient address")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

// Source identifies which engine produced a movement.
type Source string

const (
	SourceMultisig     Source = "MULTISIG_TRANSACTION"
	SourceScheduled    Source = "SCHEDULED_DISTRIBUTION"
	SourceAllocation   Source = "ALLOCATION_RULE"
	SourceDistribution Source = "DISTRIBUTION_RULE"
)

// Status is a KYC/AML verification state.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusVerified Status = "VERIFIED"
	StatusRejected Status = "REJECTED"
	StatusExempt   Status = "EXEMPT"
	StatusUnknown  Status = "UNKNOWN"
)

func validStatus(s Status) bool {
	switch s {
	case StatusPending, StatusVerified, StatusRejected, StatusExempt, StatusUnknown:
		return true
	}
	return false
}

var recipientPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ValidRecipient reports whether addr is a well-formed recipient address.
func ValidRecipient(addr string) bool {
	return recipientPattern.MatchString(addr)
}

// Record is one audited treasury movement. Everything except the compliance
// statuses, the external system ids and the reconciliation fields is
// immutable after creation.
type Record struct {
	RecordID      string
	ExternalTxRef string
	InternalTxRef string
	RuleID        uint64 // 0 for manual movements
	Source        Source
	Recipient     string
	Amount        decimal.Decimal
	KYCStatus     Status
	AMLStatus     Status
	Timestamp     time.Time
	Sequence      uint64
	Executor      string

	GatewayTxID    string
	TransparencyID string

	Reconciled   bool
	ReconciledAt time.Time
}

// Ledger is the append-only compliance ledger. Records live in an ordered
// arena with an O(1) id index plus recipient and rule multimaps maintained at
// write time. Records are never removed.
type Ledger struct {
	records     []*Record
	byID        map[string]*Record
	byRecipient map[string][]*Record
	byRule      map[uint64][]*Record
	approvers   map[string]bool
	seq         uint64
	now         func() time.Time
}

// Config holds ledger configuration.
type Config struct {
	Approvers []string
	Clock     func() time.Time
}

// NewLedger creates an empty compliance ledger.
func NewLedger(cfg Config) *Ledger {
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	approvers := make(map[string]bool, len(cfg.Approvers))
	for _, a := range cfg.Approvers {
		approvers[a] = true
	}
	return &Ledger{
		byID:        make(map[string]*Record),
		byRecipient: make(map[string][]*Record),
		byRule:      make(map[uint64][]*Record),
		approvers:   approvers,
		now:         now,
	}
}

// AddApprover authorizes an identity to update compliance statuses.
func (l *Ledger) AddApprover(id string) {
	l.approvers[id] = true
}

// RemoveApprover revokes an approver.
func (l *Ledger) RemoveApprover(id string) {
	delete(l.approvers, id)
}

// IsApprover reports whether id may update statuses and reconcile records.
func (l *Ledger) IsApprover(id string) bool {
	return l.approvers[id]
}

// RecordMovement appends one movement record. The record id is derived from
// the transaction references and a monotonic sequence counter, so identical
// inputs at different points in the ledger still get distinct ids.
func (l *Ledger) RecordMovement(externalTxRef, internalTxRef string, ruleID uint64, source Source, recipient string, amount decimal.Decimal, executor string) (*Record, error) {
	if !ValidRecipient(recipient) {
		return nil, fmt.Errorf("record movement to %q: %w", recipient, ErrInvalidRecipient)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("record movement of %s: %w", amount, ErrInvalidAmount)
	}

	l.seq++
	rec := &Record{
		RecordID:      deriveRecordID(externalTxRef, internalTxRef, recipient, l.seq),
		ExternalTxRef: externalTxRef,
		InternalTxRef: internalTxRef,
		RuleID:        ruleID,
		Source:        source,
		Recipient:     recipient,
		Amount:        amount,
		KYCStatus:     StatusUnknown,
		AMLStatus:     StatusUnknown,
		Timestamp:     l.now(),
		Sequence:      l.seq,
		Executor:      executor,
	}

	l.records = append(l.records, rec)
	l.byID[rec.RecordID] = rec
	l.byRecipient[recipient] = append(l.byRecipient[recipient], rec)
	l.byRule[ruleID] = append(l.byRule[ruleID], rec)

	return rec, nil
}

func deriveRecordID(externalTxRef, internalTxRef, recipient string, seq uint64) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d", externalTxRef, internalTxRef, recipient, seq)
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// UpdateStatus overwrites the KYC/AML statuses of a record. External system
// ids are written only when a non-empty value is supplied; an empty value
// preserves whatever is already stored. Restricted to approvers.
func (l *Ledger) UpdateStatus(caller, recordID string, kyc, aml Status, gatewayTxID, transparencyID string) error {
	if !l.approvers[caller] {
		return fmt.Errorf("update status by %q: %w", caller, ErrNotApprover)
	}
	rec, ok := l.byID[recordID]
	if !ok {
		return fmt.Errorf("update status %s: %w", recordID, ErrNotFound)
	}
	if !validStatus(kyc) || !validStatus(aml) {
		return fmt.Errorf("update status %s: %w", recordID, ErrInvalidStatus)
	}

	rec.KYCStatus = kyc
	rec.AMLStatus = aml
	if gatewayTxID != "" {
		rec.GatewayTxID = gatewayTxID
	}
	if transparencyID != "" {
		rec.TransparencyID = transparencyID
	}
	return nil
}

// Reconcile marks a record as confirmed against external settlement.
// Reconciliation is one-directional; reconciling twice is rejected.
func (l *Ledger) Reconcile(caller, recordID string) error {
	if !l.approvers[caller] {
		return fmt.Errorf("reconcile by %q: %w", caller, ErrNotApprover)
	}
	rec, ok := l.byID[recordID]
	if !ok {
		return fmt.Errorf("reconcile %s: %w", recordID, ErrNotFound)
	}
	if rec.Reconciled {
		return fmt.Errorf("reconcile %s: %w", recordID, ErrAlreadyReconciled)
	}
	rec.Reconciled = true
	rec.ReconciledAt = l.now()
	return nil
}

// Record returns a record by id.
func (l *Ledger) Record(recordID string) (*Record, error) {
	rec, ok := l.byID[recordID]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", recordID, ErrNotFound)
	}
	return rec, nil
}

// ByRecipient returns all records for a recipient in append order.
func (l *Ledger) ByRecipient(recipient string) []*Record {
	recs := l.byRecipient[recipient]
	out := make([]*Record, len(recs))
	copy(out, recs)
	return out
}

// ByRule returns all records produced by a rule in append order.
func (l *Ledger) ByRule(ruleID uint64) []*Record {
	recs := l.byRule[ruleID]
	out := make([]*Record, len(recs))
	copy(out, recs)
	return out
}

// ByReconciliation returns records filtered by reconciliation state. Unlike
// the id/recipient/rule lookups this walks the arena: reconciliation flips
// records between the two sets, so a write-time index would need removal
// while the arena itself is already the ordered backing for both answers.
func (l *Ledger) ByReconciliation(reconciled bool) []*Record {
	var out []*Record
	for _, rec := range l.records {
		if rec.Reconciled == reconciled {
			out = append(out, rec)
		}
	}
	return out
}

// InRange returns records with start <= timestamp < end. The arena is
// append-ordered by timestamp (timestamps come from the ledger clock at
// append time), so it doubles as the time index and the scan returns records
// already sorted.
func (l *Ledger) InRange(start, end time.Time) []*Record {
	var out []*Record
	for _, rec := range l.records {
		if !rec.Timestamp.Before(start) && rec.Timestamp.Before(end) {
			out = append(out, rec)
		}
	}
	return out
}

// Len returns the number of records in the ledger.
func (l *Ledger) Len() int {
	return len(l.records)
}
