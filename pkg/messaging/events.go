package messaging

import (
	"time"
)

// Subjects published by the treasury.
const (
	SubjectMovementExecuted = "treasury.movement.executed"

	SubjectMultisigProposed  = "treasury.multisig.proposed"
	SubjectMultisigConfirmed = "treasury.multisig.confirmed"
	SubjectMultisigRevoked   = "treasury.multisig.revoked"
	SubjectMultisigExecuted  = "treasury.multisig.executed"

	SubjectRuleCreated     = "treasury.rule.created"
	SubjectScheduleCreated = "treasury.schedule.created"

	SubjectComplianceUpdated    = "treasury.compliance.updated"
	SubjectComplianceReconciled = "treasury.compliance.reconciled"

	SubjectAutomationRun = "treasury.automation.run"
)

// MovementEvent is emitted once per compliance record, i.e. once per
// recipient actually paid.
type MovementEvent struct {
	RecordID  string    `json:"record_id"`
	Source    string    `json:"source"`
	RuleID    uint64    `json:"rule_id"`
	Recipient string    `json:"recipient"`
	Amount    string    `json:"amount"`
	Executor  string    `json:"executor"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

// MultisigEvent describes a pending-transaction state change.
type MultisigEvent struct {
	TxID          uint64 `json:"tx_id"`
	Recipient     string `json:"recipient,omitempty"`
	Amount        string `json:"amount,omitempty"`
	Signer        string `json:"signer,omitempty"`
	Confirmations int    `json:"confirmations"`
	Threshold     int    `json:"threshold"`
	Executed      bool   `json:"executed"`
}

// RuleEvent announces a newly created allocation or distribution rule.
type RuleEvent struct {
	RuleID   uint64 `json:"rule_id"`
	Category string `json:"category"` // "allocation" or "distribution"
	Kind     string `json:"kind"`
	Priority int    `json:"priority"`
}

// ScheduleEvent announces a newly created scheduled distribution.
type ScheduleEvent struct {
	ScheduleID uint64    `json:"schedule_id"`
	Recipient  string    `json:"recipient"`
	Amount     string    `json:"amount"`
	Interval   string    `json:"interval"`
	NextDue    time.Time `json:"next_due"`
}

// ComplianceEvent describes a status update or reconciliation on a record.
type ComplianceEvent struct {
	RecordID  string `json:"record_id"`
	KYCStatus string `json:"kyc_status,omitempty"`
	AMLStatus string `json:"aml_status,omitempty"`
	Approver  string `json:"approver"`
}

// AutomationRunEvent summarizes one poller pass over the batch entry points.
type AutomationRunEvent struct {
	Allocations   int       `json:"allocations"`
	Distributions int       `json:"distributions"`
	Scheduled     int       `json:"scheduled"`
	Screened      int       `json:"screened"`
	RanAt         time.Time `json:"ran_at"`
}
