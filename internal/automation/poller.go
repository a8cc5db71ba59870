package automation

import (
	"context"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/treasury/internal/compliance"
	"github.com/terminal-bench/treasury/internal/distribution"
	"github.com/terminal-bench/treasury/internal/treasury"
	"github.com/terminal-bench/treasury/internal/verify"
	"github.com/terminal-bench/treasury/pkg/messaging"
)

// Screener is the verification provider surface the poller needs. A nil
// screener skips screening entirely.
type Screener interface {
	Screen(ctx context.Context, recipient string, amount decimal.Decimal, source compliance.Source) (*verify.Result, error)
}

// Poller periodically drives the eligible/due views into the batch entry
// points, screening every recipient through the verification provider first.
// The core re-validates every id per call, so overlapping or stale runs
// degrade to silent skips.
type Poller struct {
	treasury *treasury.Treasury
	screener Screener
	events   treasury.Publisher
	interval time.Duration
	executor string
	stopCh   chan struct{}
}

// Config holds poller configuration.
type Config struct {
	Interval time.Duration
	Executor string
	Screener Screener
	Events   treasury.Publisher
}

// NewPoller creates a poller over a treasury instance.
func NewPoller(t *treasury.Treasury, cfg Config) *Poller {
	interval := cfg.Interval
	if interval == 0 {
		interval = time.Minute
	}
	executor := cfg.Executor
	if executor == "" {
		executor = "automation"
	}
	return &Poller{
		treasury: t,
		screener: cfg.Screener,
		events:   cfg.Events,
		interval: interval,
		executor: executor,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the poll loop until the context is cancelled or Stop is called.
func (p *Poller) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// Stop terminates the poll loop.
func (p *Poller) Stop() {
	close(p.stopCh)
}

// screen asks the provider to clear one prospective recipient. Provider
// errors block the recipient for this run; the candidate stays eligible and
// is retried on the next pass.
func (p *Poller) screen(ctx context.Context, run *messaging.AutomationRunEvent, recipient string, amount decimal.Decimal, source compliance.Source) bool {
	if p.screener == nil {
		return true
	}
	run.Screened++
	res, err := p.screener.Screen(ctx, recipient, amount, source)
	if err != nil {
		log.Printf("screening %s: %v", recipient, err)
		return false
	}
	return res.Cleared()
}

// distributionTargets returns the recipients of a rule together with the
// configured per-recipient figure to screen against. The exact payout is
// computed by the engine at execution time.
func distributionTargets(rule *distribution.Rule) ([]string, []decimal.Decimal) {
	if rule.Kind == distribution.KindBatch {
		amounts := rule.Amounts
		if amounts == nil {
			amounts = rule.Shares
		}
		return rule.Recipients, amounts
	}
	amount := rule.Amount
	if rule.Kind == distribution.KindPercentageBased {
		amount = rule.BasisPoints
	}
	return []string{rule.Recipient}, []decimal.Decimal{amount}
}

// RunOnce performs one pass: screen the recipients behind every due schedule
// and eligible rule, then drive the cleared ids through the batch entry
// points.
func (p *Poller) RunOnce(ctx context.Context) messaging.AutomationRunEvent {
	run := messaging.AutomationRunEvent{RanAt: time.Now()}

	var schedIDs []uint64
	for _, id := range p.treasury.DueScheduledDistributions() {
		sched, err := p.treasury.ScheduledDistribution(id)
		if err != nil {
			continue
		}
		if !p.screen(ctx, &run, sched.Recipient, sched.Amount, compliance.SourceScheduled) {
			continue
		}
		schedIDs = append(schedIDs, id)
	}
	if len(schedIDs) > 0 {
		if n, err := p.treasury.ExecuteScheduledDistributions(ctx, p.executor, schedIDs); err == nil {
			run.Scheduled = n
		}
	}

	var allocIDs []uint64
	for _, id := range p.treasury.EligibleAllocationRules() {
		rule, err := p.treasury.AllocationRule(id)
		if err != nil {
			continue
		}
		if !p.screen(ctx, &run, rule.Recipient, rule.Value, compliance.SourceAllocation) {
			continue
		}
		allocIDs = append(allocIDs, id)
	}
	if len(allocIDs) > 0 {
		if n, err := p.treasury.ExecuteAllocations(ctx, p.executor, allocIDs); err == nil {
			run.Allocations = n
		}
	}

	var distIDs []uint64
	for _, id := range p.treasury.EligibleDistributionRules() {
		rule, err := p.treasury.DistributionRule(id)
		if err != nil {
			continue
		}
		recipients, amounts := distributionTargets(rule)
		cleared := true
		for i, recipient := range recipients {
			if !p.screen(ctx, &run, recipient, amounts[i], compliance.SourceDistribution) {
				cleared = false
				break
			}
		}
		if cleared {
			distIDs = append(distIDs, id)
		}
	}
	if len(distIDs) > 0 {
		if n, err := p.treasury.ExecuteDistributionRules(ctx, p.executor, distIDs); err == nil {
			run.Distributions = n
		}
	}

	if p.events != nil {
		p.events.Publish(ctx, messaging.SubjectAutomationRun, run)
	}
	return run
}
