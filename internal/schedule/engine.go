package schedule

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
	ErrNotFound         = errors.New("scheduled distribution not found")
	ErrInvalidRecipient = errors.New("malformed recipient address")
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrInvalidInterval  = errors.New("interval must be positive")
	ErrEmptyBatch       = errors.New("empty schedule id batch")
)

// Distribution is a recurring, interval-based payout.
type Distribution struct {
	ID               uint64
	Recipient        string
	Amount           decimal.Decimal
	Interval         time.Duration
	NextDue          time.Time
	TotalDistributed decimal.Decimal
	Active           bool
	CreatedAt        time.Time
}

// Engine manages scheduled distributions. Callers serialize access through
// the treasury facade.
type Engine struct {
	vault      *vault.Vault
	compliance *compliance.Ledger
	schedules  map[uint64]*Distribution
	order      []uint64
	nextID     uint64
	now        func() time.Time
}

// Config holds engine configuration.
type Config struct {
	Clock func() time.Time
}

// NewEngine creates a schedule engine.
func NewEngine(v *vault.Vault, cl *compliance.Ledger, cfg Config) *Engine {
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Engine{
		vault:      v,
		compliance: cl,
		schedules:  make(map[uint64]*Distribution),
		now:        now,
	}
}

// Create registers a recurring distribution first due one interval from now.
func (e *Engine) Create(recipient string, amount decimal.Decimal, interval time.Duration) (uint64, error) {
	if !compliance.ValidRecipient(recipient) {
		return 0, fmt.Errorf("create schedule for %q: %w", recipient, ErrInvalidRecipient)
	}
	if !amount.IsPositive() {
		return 0, fmt.Errorf("create schedule amount %s: %w", amount, ErrInvalidAmount)
	}
	if interval <= 0 {
		return 0, fmt.Errorf("create schedule interval %s: %w", interval, ErrInvalidInterval)
	}

	e.nextID++
	sched := &Distribution{
		ID:               e.nextID,
		Recipient:        recipient,
		Amount:           amount,
		Interval:         interval,
		NextDue:          e.now().Add(interval),
		TotalDistributed: decimal.Zero,
		Active:           true,
		CreatedAt:        e.now(),
	}
	e.schedules[sched.ID] = sched
	e.order = append(e.order, sched.ID)
	return sched.ID, nil
}

// SetActive toggles a schedule without touching its due time.
func (e *Engine) SetActive(id uint64, active bool) error {
	sched, ok := e.schedules[id]
	if !ok {
		return fmt.Errorf("schedule %d: %w", id, ErrNotFound)
	}
	sched.Active = active
	return nil
}

// Distribution returns a schedule by id.
func (e *Engine) Distribution(id uint64) (*Distribution, error) {
	sched, ok := e.schedules[id]
	if !ok {
		return nil, fmt.Errorf("schedule %d: %w", id, ErrNotFound)
	}
	return sched, nil
}

func (e *Engine) due(sched *Distribution) bool {
	return sched.Active && !e.now().Before(sched.NextDue)
}

// DueIDs returns active schedules whose due time has passed, in id order.
func (e *Engine) DueIDs() []uint64 {
	var ids []uint64
	for _, id := range e.order {
		if e.due(e.schedules[id]) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Execute runs the given schedule ids. Due-ness and active status are
// re-validated per id, so stale caller-supplied lists degrade to silent
// skips. The due time advances by one interval from the previous due time,
// not from now, so missed executions never accumulate drift. Returns the
// executed count and the movement records produced.
func (e *Engine) Execute(executor string, ids []uint64) (int, []*compliance.Record, error) {
	if len(ids) == 0 {
		return 0, nil, fmt.Errorf("execute schedules: %w", ErrEmptyBatch)
	}
	var records []*compliance.Record
	executed := 0
	for _, id := range ids {
		sched, ok := e.schedules[id]
		if !ok || !e.due(sched) {
			continue
		}
		if err := e.vault.Debit(sched.Amount); err != nil {
			continue
		}
		rec, err := e.compliance.RecordMovement("", uuid.New().String(), sched.ID,
			compliance.SourceScheduled, sched.Recipient, sched.Amount, executor)
		if err != nil {
			e.vault.Deposit(sched.Amount)
			continue
		}
		sched.NextDue = sched.NextDue.Add(sched.Interval)
		sched.TotalDistributed = sched.TotalDistributed.Add(sched.Amount)
		executed++
		records = append(records, rec)
	}
	return executed, records, nil
}
