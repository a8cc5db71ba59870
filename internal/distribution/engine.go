package distribution

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
	ErrRuleNotFound     = errors.New("distribution rule not found")
	ErrInvalidRecipient = errors.New("malformed recipient address")
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrInvalidInterval  = errors.New("interval must be positive")
	ErrInvalidCmp       = errors.New("unknown comparator")
	ErrInvalidBasisPts  = errors.New("basis points out of range")
	ErrNegativeLimit    = errors.New("max total must not be negative")
	ErrEmptyRecipients  = errors.New("batch rule needs at least one recipient")
	ErrLengthMismatch   = errors.New("recipients and amounts length mismatch")
	ErrAmbiguousMode    = errors.New("batch rule takes amounts or shares, not both")
	ErrEmptyBatch       = errors.New("empty rule id batch")
)

// Kind selects the eligibility predicate and payout computation of a rule.
type Kind string

const (
	KindTimeBased        Kind = "TIME_BASED"
	KindBalanceCondition Kind = "BALANCE_CONDITION"
	KindPercentageBased  Kind = "PERCENTAGE_BASED"
	KindBatch            Kind = "BATCH"
)

// Comparator relates the treasury balance to a threshold.
type Comparator string

const (
	CmpGT  Comparator = ">"
	CmpLT  Comparator = "<"
	CmpEQ  Comparator = "="
	CmpGTE Comparator = ">="
	CmpLTE Comparator = "<="
)

func (c Comparator) eval(balance, threshold decimal.Decimal) bool {
	switch c {
	case CmpGT:
		return balance.GreaterThan(threshold)
	case CmpLT:
		return balance.LessThan(threshold)
	case CmpEQ:
		return balance.Equal(threshold)
	case CmpGTE:
		return balance.GreaterThanOrEqual(threshold)
	case CmpLTE:
		return balance.LessThanOrEqual(threshold)
	}
	return false
}

func validComparator(c Comparator) bool {
	switch c {
	case CmpGT, CmpLT, CmpEQ, CmpGTE, CmpLTE:
		return true
	}
	return false
}

var bpsDenominator = decimal.NewFromInt(10000)

// Rule is a distribution rule. The envelope fields are shared across kinds;
// the remaining fields are kind-specific. A zero MaxTotal means unlimited.
// BATCH rules carry either fixed Amounts or basis-point Shares, never both.
type Rule struct {
	ID               uint64
	Kind             Kind
	MaxTotal         decimal.Decimal
	DistributedTotal decimal.Decimal
	Priority         int
	Cooldown         time.Duration
	LastExecuted     time.Time
	Active           bool
	CreatedAt        time.Time

	Recipient   string          // TIME_BASED, BALANCE_CONDITION, PERCENTAGE_BASED
	Amount      decimal.Decimal // TIME_BASED, BALANCE_CONDITION
	Interval    time.Duration   // TIME_BASED
	Comparator  Comparator      // BALANCE_CONDITION
	Threshold   decimal.Decimal // BALANCE_CONDITION
	BasisPoints decimal.Decimal // PERCENTAGE_BASED

	Recipients []string          // BATCH
	Amounts    []decimal.Decimal // BATCH fixed mode
	Shares     []decimal.Decimal // BATCH percentage mode, basis points
}

type payout struct {
	recipient string
	amount    decimal.Decimal
}

// Engine executes distribution rules against the shared vault, writing one
// compliance record per recipient. Callers serialize access through the
// treasury facade.
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

// NewEngine creates a distribution engine.
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

func (e *Engine) register(rule *Rule) uint64 {
	e.nextID++
	rule.ID = e.nextID
	rule.DistributedTotal = decimal.Zero
	rule.Active = true
	rule.CreatedAt = e.now()
	e.rules[rule.ID] = rule
	e.order = append(e.order, rule.ID)
	return rule.ID
}

func validateCommon(maxTotal decimal.Decimal) error {
	if maxTotal.IsNegative() {
		return fmt.Errorf("max total %s: %w", maxTotal, ErrNegativeLimit)
	}
	return nil
}

// CreateTimeBased registers a rule paying a fixed amount once per interval.
func (e *Engine) CreateTimeBased(recipient string, amount decimal.Decimal, interval time.Duration, maxTotal decimal.Decimal, priority int, cooldown time.Duration) (uint64, error) {
	if !compliance.ValidRecipient(recipient) {
		return 0, fmt.Errorf("time-based rule for %q: %w", recipient, ErrInvalidRecipient)
	}
	if !amount.IsPositive() {
		return 0, fmt.Errorf("time-based rule amount %s: %w", amount, ErrInvalidAmount)
	}
	if interval <= 0 {
		return 0, fmt.Errorf("time-based rule interval %s: %w", interval, ErrInvalidInterval)
	}
	if err := validateCommon(maxTotal); err != nil {
		return 0, err
	}
	return e.register(&Rule{
		Kind:      KindTimeBased,
		Recipient: recipient,
		Amount:    amount,
		Interval:  interval,
		MaxTotal:  maxTotal,
		Priority:  priority,
		Cooldown:  cooldown,
	}), nil
}

// CreateBalanceCondition registers a rule paying a fixed amount whenever the
// balance satisfies the comparator against the threshold.
func (e *Engine) CreateBalanceCondition(recipient string, amount decimal.Decimal, cmp Comparator, threshold decimal.Decimal, maxTotal decimal.Decimal, priority int, cooldown time.Duration) (uint64, error) {
	if !compliance.ValidRecipient(recipient) {
		return 0, fmt.Errorf("condition rule for %q: %w", recipient, ErrInvalidRecipient)
	}
	if !amount.IsPositive() {
		return 0, fmt.Errorf("condition rule amount %s: %w", amount, ErrInvalidAmount)
	}
	if !validComparator(cmp) {
		return 0, fmt.Errorf("condition rule comparator %q: %w", cmp, ErrInvalidCmp)
	}
	if err := validateCommon(maxTotal); err != nil {
		return 0, err
	}
	return e.register(&Rule{
		Kind:       KindBalanceCondition,
		Recipient:  recipient,
		Amount:     amount,
		Comparator: cmp,
		Threshold:  threshold,
		MaxTotal:   maxTotal,
		Priority:   priority,
		Cooldown:   cooldown,
	}), nil
}

// CreatePercentageBased registers a rule paying a basis-point share of the
// balance at execution time.
func (e *Engine) CreatePercentageBased(recipient string, basisPoints decimal.Decimal, maxTotal decimal.Decimal, priority int, cooldown time.Duration) (uint64, error) {
	if !compliance.ValidRecipient(recipient) {
		return 0, fmt.Errorf("percentage rule for %q: %w", recipient, ErrInvalidRecipient)
	}
	if !basisPoints.IsPositive() || basisPoints.GreaterThan(bpsDenominator) {
		return 0, fmt.Errorf("percentage rule %s bps: %w", basisPoints, ErrInvalidBasisPts)
	}
	if err := validateCommon(maxTotal); err != nil {
		return 0, err
	}
	return e.register(&Rule{
		Kind:        KindPercentageBased,
		Recipient:   recipient,
		BasisPoints: basisPoints,
		MaxTotal:    maxTotal,
		Priority:    priority,
		Cooldown:    cooldown,
	}), nil
}

// CreateBatch registers a multi-recipient rule. Exactly one of amounts
// (fixed per recipient) or shares (basis points of the balance per
// recipient) must be supplied, with the same length as recipients. Length
// mismatches fail here rather than truncating at execution time.
func (e *Engine) CreateBatch(recipients []string, amounts, shares []decimal.Decimal, maxTotal decimal.Decimal, priority int, cooldown time.Duration) (uint64, error) {
	if len(recipients) == 0 {
		return 0, fmt.Errorf("batch rule: %w", ErrEmptyRecipients)
	}
	if (amounts == nil) == (shares == nil) {
		return 0, fmt.Errorf("batch rule: %w", ErrAmbiguousMode)
	}
	if amounts != nil && len(amounts) != len(recipients) {
		return 0, fmt.Errorf("batch rule %d recipients, %d amounts: %w", len(recipients), len(amounts), ErrLengthMismatch)
	}
	if shares != nil && len(shares) != len(recipients) {
		return 0, fmt.Errorf("batch rule %d recipients, %d shares: %w", len(recipients), len(shares), ErrLengthMismatch)
	}
	for _, r := range recipients {
		if !compliance.ValidRecipient(r) {
			return 0, fmt.Errorf("batch rule recipient %q: %w", r, ErrInvalidRecipient)
		}
	}
	for _, a := range amounts {
		if !a.IsPositive() {
			return 0, fmt.Errorf("batch rule amount %s: %w", a, ErrInvalidAmount)
		}
	}
	total := decimal.Zero
	for _, s := range shares {
		if !s.IsPositive() {
			return 0, fmt.Errorf("batch rule share %s bps: %w", s, ErrInvalidBasisPts)
		}
		total = total.Add(s)
	}
	if total.GreaterThan(bpsDenominator) {
		return 0, fmt.Errorf("batch rule shares sum to %s bps: %w", total, ErrInvalidBasisPts)
	}
	if err := validateCommon(maxTotal); err != nil {
		return 0, err
	}
	return e.register(&Rule{
		Kind:       KindBatch,
		Recipients: append([]string(nil), recipients...),
		Amounts:    append([]decimal.Decimal(nil), amounts...),
		Shares:     append([]decimal.Decimal(nil), shares...),
		MaxTotal:   maxTotal,
		Priority:   priority,
		Cooldown:   cooldown,
	}), nil
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

func (e *Engine) cooldownElapsed(rule *Rule) bool {
	if rule.LastExecuted.IsZero() || rule.Cooldown == 0 {
		return true
	}
	return !e.now().Before(rule.LastExecuted.Add(rule.Cooldown))
}

// payouts computes the per-recipient amounts for a rule against the given
// balance. ok is false when the kind-specific predicate fails or the balance
// does not cover the total.
func (e *Engine) payouts(rule *Rule, balance decimal.Decimal) ([]payout, decimal.Decimal, bool) {
	var outs []payout

	switch rule.Kind {
	case KindTimeBased:
		if !rule.LastExecuted.IsZero() && e.now().Before(rule.LastExecuted.Add(rule.Interval)) {
			return nil, decimal.Zero, false
		}
		outs = []payout{{rule.Recipient, rule.Amount}}

	case KindBalanceCondition:
		if !rule.Comparator.eval(balance, rule.Threshold) {
			return nil, decimal.Zero, false
		}
		outs = []payout{{rule.Recipient, rule.Amount}}

	case KindPercentageBased:
		if !balance.IsPositive() {
			return nil, decimal.Zero, false
		}
		outs = []payout{{rule.Recipient, balance.Mul(rule.BasisPoints).Div(bpsDenominator)}}

	case KindBatch:
		for i, r := range rule.Recipients {
			var amt decimal.Decimal
			if rule.Amounts != nil {
				amt = rule.Amounts[i]
			} else {
				amt = balance.Mul(rule.Shares[i]).Div(bpsDenominator)
			}
			outs = append(outs, payout{r, amt})
		}
	}

	total := decimal.Zero
	for _, p := range outs {
		total = total.Add(p.amount)
	}
	if !total.IsPositive() || balance.LessThan(total) {
		return nil, decimal.Zero, false
	}
	return outs, total, true
}

// eligible evaluates a rule against the current vault balance.
func (e *Engine) eligible(rule *Rule) bool {
	if !rule.Active || !e.cooldownElapsed(rule) {
		return false
	}
	_, total, ok := e.payouts(rule, e.vault.Balance())
	if !ok {
		return false
	}
	if !rule.MaxTotal.IsZero() && rule.DistributedTotal.Add(total).GreaterThan(rule.MaxTotal) {
		return false
	}
	return true
}

// executeOne runs a single rule. A false return is a soft skip: cooldown
// unelapsed, max total would be exceeded, predicate false or balance
// insufficient. On success the balance is debited by the total and one
// compliance record is written per recipient, all sharing the rule id.
func (e *Engine) executeOne(rule *Rule, executor string) ([]*compliance.Record, bool) {
	if !rule.Active || !e.cooldownElapsed(rule) {
		return nil, false
	}
	outs, total, ok := e.payouts(rule, e.vault.Balance())
	if !ok {
		return nil, false
	}
	if !rule.MaxTotal.IsZero() && rule.DistributedTotal.Add(total).GreaterThan(rule.MaxTotal) {
		return nil, false
	}
	if err := e.vault.Debit(total); err != nil {
		return nil, false
	}

	records := make([]*compliance.Record, 0, len(outs))
	written := decimal.Zero
	for _, p := range outs {
		rec, err := e.compliance.RecordMovement("", uuid.New().String(), rule.ID,
			compliance.SourceDistribution, p.recipient, p.amount, executor)
		if err != nil {
			// Recipients were validated at creation, so this is unreachable
			// in practice; restore the undistributed remainder regardless.
			e.vault.Deposit(p.amount)
			continue
		}
		written = written.Add(p.amount)
		records = append(records, rec)
	}

	// Only what was actually recorded counts against the cap.
	rule.DistributedTotal = rule.DistributedTotal.Add(written)
	rule.LastExecuted = e.now()
	return records, true
}

// Execute runs the given rule ids in the given order. Ineligible or unknown
// ids are skipped, never failing the batch; each step sees the balance as
// mutated by earlier steps in the same call. Returns the number of rules
// executed and the movement records produced.
func (e *Engine) Execute(executor string, ids []uint64) (int, []*compliance.Record, error) {
	if len(ids) == 0 {
		return 0, nil, fmt.Errorf("execute distributions: %w", ErrEmptyBatch)
	}
	var records []*compliance.Record
	executed := 0
	for _, id := range ids {
		rule, ok := e.rules[id]
		if !ok {
			continue
		}
		if recs, ran := e.executeOne(rule, executor); ran {
			executed++
			records = append(records, recs...)
		}
	}
	return executed, records, nil
}

// ExecuteAllEligible collects eligible ids, orders them by priority
// descending with id ascending as the tie-break, and executes sequentially
// with per-step balance re-reads.
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
