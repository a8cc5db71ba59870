package allocation

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/treasury/internal/compliance"
	"github.com/terminal-bench/treasury/internal/vault"
)

var (
	ErrRuleNotFound     = errors.New("allocation rule not found")
	ErrInvalidKind      = errors.New("unknown allocation kind")
	ErrInvalidRecipient = errors.New("malformed recipient address")
	ErrInvalidValue     = errors.New("rule value must be positive")
	ErrInvalidBasisPts  = errors.New("basis points out of range")
	ErrNegativeLimit    = errors.New("budget limit must not be negative")
	ErrEmptyBatch       = errors.New("empty rule id batch")
)

// Kind selects the eligibility predicate and amount formula of a rule.
type Kind string

const (
	KindPercentage       Kind = "PERCENTAGE"
	KindFixedAmount      Kind = "FIXED_AMOUNT"
	KindBalanceThreshold Kind = "BALANCE_THRESHOLD"
)

var bpsDenominator = decimal.NewFromInt(10000)

// Rule is a periodic allocation. Value is basis points for PERCENTAGE, the
// amount for FIXED_AMOUNT and the floor to skim above for BALANCE_THRESHOLD.
// A zero BudgetLimit means unlimited. Rules are never deleted; deactivation
// is the only removal mechanism.
type Rule struct {
	ID           uint64
	Kind         Kind
	Recipient    string
	Value        decimal.Decimal
	BudgetLimit  decimal.Decimal
	Spent        decimal.Decimal
	Priority     int
	Cooldown     time.Duration
	LastExecuted time.Time
	Active       bool
	CreatedAt    time.Time
}

// Engine executes allocation rules against the shared vault and routes every
// movement through the compliance ledger. Callers serialize access through
// the treasury facade.
type Engine struct {
	vault      *vault.Vault
	compliance *compliance.Ledger
	rules      map[uint64]*Rule
	order      []uint64
	nextID     uint64
	now        func() time.Time
}

// Config holds engine configuration.
type Config struct {
	Clock func() time.Time
}

// NewEngine creates an allocation engine.
func NewEngine(v *vault.Vault, cl *compliance.Ledger, cfg Config) *Engine {
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Engine{
		vault:      v,
		compliance: cl,
		rules:      make(map[uint64]*Rule),
		now:        now,
	}
}

// Create registers a new allocation rule and returns its id.
func (e *Engine) Create(recipient string, kind Kind, value, budgetLimit decimal.Decimal, priority int, cooldown time.Duration) (uint64, error) {
	if !compliance.ValidRecipient(recipient) {
		return 0, fmt.Errorf("create rule for %q: %w", recipient, ErrInvalidRecipient)
	}
	if !value.IsPositive() {
		return 0, fmt.Errorf("create rule value %s: %w", value, ErrInvalidValue)
	}
	switch kind {
	case KindPercentage:
		if value.GreaterThan(bpsDenominator) {
			return 0, fmt.Errorf("create rule with %s bps: %w", value, ErrInvalidBasisPts)
		}
	case KindFixedAmount, KindBalanceThreshold:
	default:
		return 0, fmt.Errorf("create rule kind %q: %w", kind, ErrInvalidKind)
	}
	if budgetLimit.IsNegative() {
		return 0, fmt.Errorf("create rule budget %s: %w", budgetLimit, ErrNegativeLimit)
	}

	e.nextID++
	rule := &Rule{
		ID:          e.nextID,
		Kind:        kind,
		Recipient:   recipient,
		Value:       value,
		BudgetLimit: budgetLimit,
		Spent:       decimal.Zero,
		Priority:    priority,
		Cooldown:    cooldown,
		Active:      true,
		CreatedAt:   e.now(),
	}
	e.rules[rule.ID] = rule
	e.order = append(e.order, rule.ID)
	return rule.ID, nil
}

// SetActive toggles a rule. Deactivated rules keep their history.
func (e *Engine) SetActive(id uint64, active bool) error {
	rule, ok := e.rules[id]
	if !ok {
		return fmt.Errorf("rule %d: %w", id, ErrRuleNotFound)
	}
	rule.Active = active
	return nil
}

// Rule returns a rule by id.
func (e *Engine) Rule(id uint64) (*Rule, error) {
	rule, ok := e.rules[id]
	if !ok {
		return nil, fmt.Errorf("rule %d: %w", id, ErrRuleNotFound)
	}
	return rule, nil
}

// amount computes the kind-specific allocation amount against the current
// balance, before the budget clamp. A zero result means not eligible.
func (e *Engine) amount(rule *Rule, balance decimal.Decimal) decimal.Decimal {
	switch rule.Kind {
	case KindPercentage:
		if !balance.IsPositive() {
			return decimal.Zero
		}
		return balance.Mul(rule.Value).Div(bpsDenominator)
	case KindFixedAmount:
		if balance.LessThan(rule.Value) {
			return decimal.Zero
		}
		return rule.Value
	case KindBalanceThreshold:
		if !balance.GreaterThan(rule.Value) {
			return decimal.Zero
		}
		return balance.Sub(rule.Value)
	}
	return decimal.Zero
}

func (e *Engine) cooldownElapsed(rule *Rule) bool {
	if rule.LastExecuted.IsZero() || rule.Cooldown == 0 {
		return true
	}
	return !e.now().Before(rule.LastExecuted.Add(rule.Cooldown))
}

// eligible evaluates a rule against the current vault balance.
func (e *Engine) eligible(rule *Rule) bool {
	if !rule.Active || !e.cooldownElapsed(rule) {
		return false
	}
	amt := e.amount(rule, e.vault.Balance())
	if !amt.IsPositive() {
		return false
	}
	return e.clamp(rule, amt).IsPositive()
}

// clamp limits amount to the rule's remaining budget.
func (e *Engine) clamp(rule *Rule, amount decimal.Decimal) decimal.Decimal {
	if rule.BudgetLimit.IsZero() {
		return amount
	}
	remaining := rule.BudgetLimit.Sub(rule.Spent)
	if remaining.LessThan(amount) {
		return remaining
	}
	return amount
}

// executeOne runs a single rule against the current balance. A false return
// is a soft skip: cooldown unelapsed, budget exhausted, ineligible or
// insufficient balance.
func (e *Engine) executeOne(rule *Rule, executor string) (*compliance.Record, bool) {
	if !rule.Active || !e.cooldownElapsed(rule) {
		return nil, false
	}
	balance := e.vault.Balance()
	amt := e.clamp(rule, e.amount(rule, balance))
	if !amt.IsPositive() || balance.LessThan(amt) {
		return nil, false
	}
	if err := e.vault.Debit(amt); err != nil {
		return nil, false
	}
	rec, err := e.compliance.RecordMovement("", uuid.New().String(), rule.ID,
		compliance.SourceAllocation, rule.Recipient, amt, executor)
	if err != nil {
		e.vault.Deposit(amt)
		return nil, false
	}
	rule.Spent = rule.Spent.Add(amt)
	rule.LastExecuted = e.now()
	return rec, true
}

// Execute runs the given rule ids in the given order. Ineligible or unknown
// ids are skipped, never failing the batch; each step sees the balance as
// mutated by earlier steps in the same call. Returns the executed count and
// the movement records produced.
func (e *Engine) Execute(executor string, ids []uint64) (int, []*compliance.Record, error) {
	if len(ids) == 0 {
		return 0, nil, fmt.Errorf("execute allocations: %w", ErrEmptyBatch)
	}
	var records []*compliance.Record
	executed := 0
	for _, id := range ids {
		rule, ok := e.rules[id]
		if !ok {
			continue
		}
		if rec, ran := e.executeOne(rule, executor); ran {
			executed++
			records = append(records, rec)
		}
	}
	return executed, records, nil
}

// ExecuteAllEligible collects eligible ids, orders them by priority
// descending with id ascending as the tie-break, and executes sequentially.
// Eligibility is re-checked per step against the moving balance.
func (e *Engine) ExecuteAllEligible(executor string) (int, []*compliance.Record, error) {
	ids := e.EligibleIDs()
	if len(ids) == 0 {
		return 0, nil, nil
	}
	return e.Execute(executor, ids)
}

// EligibleIDs returns the ids of currently eligible rules in execution order.
func (e *Engine) EligibleIDs() []uint64 {
	var ids []uint64
	for _, id := range e.order {
		if e.eligible(e.rules[id]) {
			ids = append(ids, id)
		}
	}
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := e.rules[ids[i]], e.rules[ids[j]]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ID < b.ID
	})
	return ids
}
