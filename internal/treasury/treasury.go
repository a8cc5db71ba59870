package treasury

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/treasury/internal/allocation"
	"github.com/terminal-bench/treasury/internal/compliance"
	"github.com/terminal-bench/treasury/internal/distribution"
	"github.com/terminal-bench/treasury/internal/multisig"
	"github.com/terminal-bench/treasury/internal/schedule"
	"github.com/terminal-bench/treasury/internal/vault"
	"github.com/terminal-bench/treasury/pkg/messaging"
)

// Publisher is the event surface for external listeners. A nil publisher
// disables events.
type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
}

// MovementRecorder receives every executed movement, e.g. for metrics. A nil
// recorder disables it.
type MovementRecorder interface {
	Movement(rec *compliance.Record)
}

// Treasury is the single-writer boundary around the shared balance and the
// rule engines. Every mutating entry point runs to completion under one
// mutex, so engine state never sees interleaved writers and the engines
// themselves stay lock-free.
type Treasury struct {
	mu sync.Mutex

	vault         *vault.Vault
	compliance    *compliance.Ledger
	multisig      *multisig.Ledger
	allocations   *allocation.Engine
	distributions *distribution.Engine
	schedules     *schedule.Engine

	events  Publisher
	metrics MovementRecorder
}

// Config wires a treasury instance.
type Config struct {
	Authority string
	Signers   []string
	Threshold int
	Approvers []string
	Clock     func() time.Time
	Events    Publisher
	Metrics   MovementRecorder
}

// New builds a treasury with all engines sharing one vault and one
// compliance ledger.
func New(cfg Config) (*Treasury, error) {
	v := vault.New()
	cl := compliance.NewLedger(compliance.Config{Approvers: cfg.Approvers, Clock: cfg.Clock})

	ms, err := multisig.NewLedger(v, cl, multisig.Config{
		Authority: cfg.Authority,
		Signers:   cfg.Signers,
		Threshold: cfg.Threshold,
		Clock:     cfg.Clock,
	})
	if err != nil {
		return nil, err
	}

	return &Treasury{
		vault:         v,
		compliance:    cl,
		multisig:      ms,
		allocations:   allocation.NewEngine(v, cl, allocation.Config{Clock: cfg.Clock}),
		distributions: distribution.NewEngine(v, cl, distribution.Config{Clock: cfg.Clock}),
		schedules:     schedule.NewEngine(v, cl, schedule.Config{Clock: cfg.Clock}),
		events:        cfg.Events,
		metrics:       cfg.Metrics,
	}, nil
}

func (t *Treasury) publish(ctx context.Context, subject string, data interface{}) {
	if t.events != nil {
		t.events.Publish(ctx, subject, data)
	}
}

func (t *Treasury) surfaceMovements(ctx context.Context, records []*compliance.Record) {
	for _, rec := range records {
		if t.metrics != nil {
			t.metrics.Movement(rec)
		}
		t.publish(ctx, messaging.SubjectMovementExecuted, messaging.MovementEvent{
			RecordID:  rec.RecordID,
			Source:    string(rec.Source),
			RuleID:    rec.RuleID,
			Recipient: rec.Recipient,
			Amount:    rec.Amount.String(),
			Executor:  rec.Executor,
			Sequence:  rec.Sequence,
			Timestamp: rec.Timestamp,
		})
	}
}

// Deposit funds the treasury.
func (t *Treasury) Deposit(ctx context.Context, amount decimal.Decimal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.vault.Deposit(amount)
}

// Balance returns the current available balance.
func (t *Treasury) Balance() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.vault.Balance()
}

// Multisig entry points.

// Propose submits a pending transaction.
func (t *Treasury) Propose(ctx context.Context, caller, recipient string, amount decimal.Decimal, payload []byte) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	txID, err := t.multisig.Propose(caller, recipient, amount, payload)
	if err != nil {
		return 0, err
	}
	t.publish(ctx, messaging.SubjectMultisigProposed, messaging.MultisigEvent{
		TxID:      txID,
		Recipient: recipient,
		Amount:    amount.String(),
		Signer:    caller,
		Threshold: t.multisig.Threshold(),
	})
	return txID, nil
}

// Confirm adds the caller's confirmation; execution happens inside this call
// when the threshold is reached. Returns true if the transaction executed.
func (t *Treasury) Confirm(ctx context.Context, caller string, txID uint64) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.multisig.Confirm(caller, txID)
	if err != nil {
		return false, err
	}
	count, _ := t.multisig.ConfirmationCount(txID)
	ev := messaging.MultisigEvent{
		TxID:          txID,
		Signer:        caller,
		Confirmations: count,
		Threshold:     t.multisig.Threshold(),
		Executed:      rec != nil,
	}
	t.publish(ctx, messaging.SubjectMultisigConfirmed, ev)
	if rec != nil {
		t.publish(ctx, messaging.SubjectMultisigExecuted, ev)
		t.surfaceMovements(ctx, []*compliance.Record{rec})
	}
	return rec != nil, nil
}

// Revoke removes the caller's confirmation.
func (t *Treasury) Revoke(ctx context.Context, caller string, txID uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.multisig.Revoke(caller, txID); err != nil {
		return err
	}
	count, _ := t.multisig.ConfirmationCount(txID)
	t.publish(ctx, messaging.SubjectMultisigRevoked, messaging.MultisigEvent{
		TxID:          txID,
		Signer:        caller,
		Confirmations: count,
		Threshold:     t.multisig.Threshold(),
	})
	return nil
}

// Execute runs a transaction whose threshold is already met.
func (t *Treasury) Execute(ctx context.Context, caller string, txID uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.multisig.Execute(caller, txID)
	if err != nil {
		return err
	}
	t.publish(ctx, messaging.SubjectMultisigExecuted, messaging.MultisigEvent{
		TxID:     txID,
		Signer:   caller,
		Executed: true,
	})
	t.surfaceMovements(ctx, []*compliance.Record{rec})
	return nil
}

// AddSigner registers a signer. Authority only.
func (t *Treasury) AddSigner(ctx context.Context, caller, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.multisig.AddSigner(caller, id)
}

// RemoveSigner drops a signer. Authority only.
func (t *Treasury) RemoveSigner(ctx context.Context, caller, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.multisig.RemoveSigner(caller, id)
}

// SetThreshold changes the confirmation threshold. Authority only.
func (t *Treasury) SetThreshold(ctx context.Context, caller string, n int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.multisig.SetThreshold(caller, n)
}

// Transaction returns a pending transaction.
func (t *Treasury) Transaction(txID uint64) (*multisig.PendingTransaction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.multisig.Transaction(txID)
}

// Allocation entry points.

// CreateAllocationRule registers an allocation rule.
func (t *Treasury) CreateAllocationRule(ctx context.Context, recipient string, kind allocation.Kind, value, budgetLimit decimal.Decimal, priority int, cooldown time.Duration) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, err := t.allocations.Create(recipient, kind, value, budgetLimit, priority, cooldown)
	if err != nil {
		return 0, err
	}
	t.publish(ctx, messaging.SubjectRuleCreated, messaging.RuleEvent{
		RuleID:   id,
		Category: "allocation",
		Kind:     string(kind),
		Priority: priority,
	})
	return id, nil
}

// SetAllocationRuleActive toggles an allocation rule.
func (t *Treasury) SetAllocationRuleActive(ctx context.Context, id uint64, active bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allocations.SetActive(id, active)
}

// ExecuteAllocations runs the given allocation rules in caller order.
func (t *Treasury) ExecuteAllocations(ctx context.Context, caller string, ids []uint64) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	executed, records, err := t.allocations.Execute(caller, ids)
	if err != nil {
		return 0, err
	}
	t.surfaceMovements(ctx, records)
	return executed, nil
}

// ExecuteAllEligibleAllocations runs every eligible allocation rule in
// priority order.
func (t *Treasury) ExecuteAllEligibleAllocations(ctx context.Context, caller string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	executed, records, err := t.allocations.ExecuteAllEligible(caller)
	if err != nil {
		return 0, err
	}
	t.surfaceMovements(ctx, records)
	return executed, nil
}

// AllocationRule returns an allocation rule.
func (t *Treasury) AllocationRule(id uint64) (*allocation.Rule, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allocations.Rule(id)
}

// EligibleAllocationRules returns currently eligible allocation rule ids in
// execution order.
func (t *Treasury) EligibleAllocationRules() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allocations.EligibleIDs()
}

// Distribution entry points.

// CreateTimeBasedDistributionRule registers a TIME_BASED rule.
func (t *Treasury) CreateTimeBasedDistributionRule(ctx context.Context, recipient string, amount decimal.Decimal, interval time.Duration, maxTotal decimal.Decimal, priority int, cooldown time.Duration) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, err := t.distributions.CreateTimeBased(recipient, amount, interval, maxTotal, priority, cooldown)
	if err != nil {
		return 0, err
	}
	t.publishRule(ctx, id, distribution.KindTimeBased, priority)
	return id, nil
}

// CreateBalanceConditionDistributionRule registers a BALANCE_CONDITION rule.
func (t *Treasury) CreateBalanceConditionDistributionRule(ctx context.Context, recipient string, amount decimal.Decimal, cmp distribution.Comparator, threshold, maxTotal decimal.Decimal, priority int, cooldown time.Duration) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, err := t.distributions.CreateBalanceCondition(recipient, amount, cmp, threshold, maxTotal, priority, cooldown)
	if err != nil {
		return 0, err
	}
	t.publishRule(ctx, id, distribution.KindBalanceCondition, priority)
	return id, nil
}

// CreatePercentageBasedDistributionRule registers a PERCENTAGE_BASED rule.
func (t *Treasury) CreatePercentageBasedDistributionRule(ctx context.Context, recipient string, basisPoints, maxTotal decimal.Decimal, priority int, cooldown time.Duration) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, err := t.distributions.CreatePercentageBased(recipient, basisPoints, maxTotal, priority, cooldown)
	if err != nil {
		return 0, err
	}
	t.publishRule(ctx, id, distribution.KindPercentageBased, priority)
	return id, nil
}

// CreateBatchDistributionRule registers a BATCH rule.
func (t *Treasury) CreateBatchDistributionRule(ctx context.Context, recipients []string, amounts, shares []decimal.Decimal, maxTotal decimal.Decimal, priority int, cooldown time.Duration) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, err := t.distributions.CreateBatch(recipients, amounts, shares, maxTotal, priority, cooldown)
	if err != nil {
		return 0, err
	}
	t.publishRule(ctx, id, distribution.KindBatch, priority)
	return id, nil
}

func (t *Treasury) publishRule(ctx context.Context, id uint64, kind distribution.Kind, priority int) {
	t.publish(ctx, messaging.SubjectRuleCreated, messaging.RuleEvent{
		RuleID:   id,
		Category: "distribution",
		Kind:     string(kind),
		Priority: priority,
	})
}

// SetDistributionRuleActive toggles a distribution rule.
func (t *Treasury) SetDistributionRuleActive(ctx context.Context, id uint64, active bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.distributions.SetActive(id, active)
}

// ExecuteDistributionRules runs the given distribution rules in caller order.
func (t *Treasury) ExecuteDistributionRules(ctx context.Context, caller string, ids []uint64) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	executed, records, err := t.distributions.Execute(caller, ids)
	if err != nil {
		return 0, err
	}
	t.surfaceMovements(ctx, records)
	return executed, nil
}

// ExecuteAllEligibleDistributionRules runs every eligible distribution rule
// in priority order.
func (t *Treasury) ExecuteAllEligibleDistributionRules(ctx context.Context, caller string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	executed, records, err := t.distributions.ExecuteAllEligible(caller)
	if err != nil {
		return 0, err
	}
	t.surfaceMovements(ctx, records)
	return executed, nil
}

// DistributionRule returns a distribution rule.
func (t *Treasury) DistributionRule(id uint64) (*distribution.Rule, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.distributions.Rule(id)
}

// EligibleDistributionRules returns currently eligible distribution rule ids
// in execution order.
func (t *Treasury) EligibleDistributionRules() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.distributions.EligibleIDs()
}

// Schedule entry points.

// CreateScheduledDistribution registers a recurring distribution.
func (t *Treasury) CreateScheduledDistribution(ctx context.Context, recipient string, amount decimal.Decimal, interval time.Duration) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, err := t.schedules.Create(recipient, amount, interval)
	if err != nil {
		return 0, err
	}
	sched, _ := t.schedules.Distribution(id)
	t.publish(ctx, messaging.SubjectScheduleCreated, messaging.ScheduleEvent{
		ScheduleID: id,
		Recipient:  recipient,
		Amount:     amount.String(),
		Interval:   interval.String(),
		NextDue:    sched.NextDue,
	})
	return id, nil
}

// DueScheduledDistributions returns active schedule ids whose due time has
// passed.
func (t *Treasury) DueScheduledDistributions() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.schedules.DueIDs()
}

// ExecuteScheduledDistributions runs the given schedules, re-validating
// due-ness per id.
func (t *Treasury) ExecuteScheduledDistributions(ctx context.Context, caller string, ids []uint64) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	executed, records, err := t.schedules.Execute(caller, ids)
	if err != nil {
		return 0, err
	}
	t.surfaceMovements(ctx, records)
	return executed, nil
}

// UpdateScheduledDistribution toggles a schedule without touching its due
// time.
func (t *Treasury) UpdateScheduledDistribution(ctx context.Context, id uint64, active bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.schedules.SetActive(id, active)
}

// ScheduledDistribution returns a schedule.
func (t *Treasury) ScheduledDistribution(id uint64) (*schedule.Distribution, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.schedules.Distribution(id)
}

// Compliance entry points.

// UpdateComplianceStatus overwrites KYC/AML statuses on a record. Approvers
// only.
func (t *Treasury) UpdateComplianceStatus(ctx context.Context, caller, recordID string, kyc, aml compliance.Status, gatewayTxID, transparencyID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.compliance.UpdateStatus(caller, recordID, kyc, aml, gatewayTxID, transparencyID); err != nil {
		return err
	}
	t.publish(ctx, messaging.SubjectComplianceUpdated, messaging.ComplianceEvent{
		RecordID:  recordID,
		KYCStatus: string(kyc),
		AMLStatus: string(aml),
		Approver:  caller,
	})
	return nil
}

// ReconcileComplianceRecord marks a record reconciled. Approvers only;
// reconciling twice is rejected.
func (t *Treasury) ReconcileComplianceRecord(ctx context.Context, caller, recordID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.compliance.Reconcile(caller, recordID); err != nil {
		return err
	}
	t.publish(ctx, messaging.SubjectComplianceReconciled, messaging.ComplianceEvent{
		RecordID: recordID,
		Approver: caller,
	})
	return nil
}

// ComplianceRecord returns a record by id.
func (t *Treasury) ComplianceRecord(recordID string) (*compliance.Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.compliance.Record(recordID)
}

// RecipientComplianceRecords returns all records for a recipient.
func (t *Treasury) RecipientComplianceRecords(recipient string) []*compliance.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.compliance.ByRecipient(recipient)
}

// RuleComplianceRecords returns all records produced by a rule.
func (t *Treasury) RuleComplianceRecords(ruleID uint64) []*compliance.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.compliance.ByRule(ruleID)
}

// ComplianceRecordsByReconciliation filters records by reconciliation state.
func (t *Treasury) ComplianceRecordsByReconciliation(reconciled bool) []*compliance.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.compliance.ByReconciliation(reconciled)
}

// ComplianceRecordsInRange returns records with start <= timestamp < end.
func (t *Treasury) ComplianceRecordsInRange(start, end time.Time) []*compliance.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.compliance.InRange(start, end)
}
