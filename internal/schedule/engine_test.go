package schedule_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/treasury/internal/compliance"
	"github.com/terminal-bench/treasury/internal/schedule"
	"github.com/terminal-bench/treasury/internal/vault"
)

const (
	recipientA = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	recipientB = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

type fixture struct {
	engine *schedule.Engine
	vault  *vault.Vault
	ledger *compliance.Ledger
	now    time.Time
}

func newFixture(t *testing.T, balance int64) *fixture {
	t.Helper()
	f := &fixture{
		vault:  vault.New(),
		ledger: compliance.NewLedger(compliance.Config{}),
		now:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	f.engine = schedule.NewEngine(f.vault, f.ledger, schedule.Config{
		Clock: func() time.Time { return f.now },
	})
	if balance > 0 {
		require.NoError(t, f.vault.Deposit(decimal.NewFromInt(balance)))
	}
	return f
}

const month = 30 * 24 * time.Hour

func TestCreateSchedule(t *testing.T) {
	t.Run("should set the first due time one interval out", func(t *testing.T) {
		f := newFixture(t, 0)

		id, err := f.engine.Create(recipientA, decimal.NewFromInt(100), month)
		require.NoError(t, err)

		sched, err := f.engine.Distribution(id)
		require.NoError(t, err)
		assert.Equal(t, f.now.Add(month), sched.NextDue)
		assert.True(t, sched.Active)
		assert.True(t, sched.TotalDistributed.IsZero())
	})

	t.Run("should validate parameters", func(t *testing.T) {
		f := newFixture(t, 0)

		_, err := f.engine.Create("bogus", decimal.NewFromInt(100), month)
		assert.ErrorIs(t, err, schedule.ErrInvalidRecipient)

		_, err = f.engine.Create(recipientA, decimal.Zero, month)
		assert.ErrorIs(t, err, schedule.ErrInvalidAmount)

		_, err = f.engine.Create(recipientA, decimal.NewFromInt(100), 0)
		assert.ErrorIs(t, err, schedule.ErrInvalidInterval)
	})
}

func TestDueIDs(t *testing.T) {
	t.Run("should report only elapsed active schedules", func(t *testing.T) {
		f := newFixture(t, 0)

		due, err := f.engine.Create(recipientA, decimal.NewFromInt(100), time.Hour)
		require.NoError(t, err)
		_, err = f.engine.Create(recipientB, decimal.NewFromInt(100), 48*time.Hour)
		require.NoError(t, err)

		assert.Empty(t, f.engine.DueIDs(), "nothing due at creation")

		f.now = f.now.Add(time.Hour)
		assert.Equal(t, []uint64{due}, f.engine.DueIDs())
	})

	t.Run("should exclude deactivated schedules", func(t *testing.T) {
		f := newFixture(t, 0)

		id, err := f.engine.Create(recipientA, decimal.NewFromInt(100), time.Hour)
		require.NoError(t, err)
		f.now = f.now.Add(2 * time.Hour)

		require.NoError(t, f.engine.SetActive(id, false))
		assert.Empty(t, f.engine.DueIDs())

		// Reactivation leaves the overdue due time in place.
		require.NoError(t, f.engine.SetActive(id, true))
		assert.Equal(t, []uint64{id}, f.engine.DueIDs())
	})
}

func TestExecuteSchedules(t *testing.T) {
	t.Run("should advance the due time by the interval without drift", func(t *testing.T) {
		f := newFixture(t, 1000)
		start := f.now

		id, err := f.engine.Create(recipientA, decimal.NewFromInt(100), month)
		require.NoError(t, err)

		// Execute five days late; the next due time is still anchored to the
		// original schedule.
		f.now = start.Add(month + 5*24*time.Hour)
		executed, records, err := f.engine.Execute("ops", []uint64{id})
		require.NoError(t, err)
		assert.Equal(t, 1, executed)
		require.Len(t, records, 1)

		sched, err := f.engine.Distribution(id)
		require.NoError(t, err)
		assert.Equal(t, start.Add(2*month), sched.NextDue)
		assert.True(t, sched.TotalDistributed.Equal(decimal.NewFromInt(100)))
		assert.True(t, f.vault.Balance().Equal(decimal.NewFromInt(900)))
	})

	t.Run("should skip schedules that are not due", func(t *testing.T) {
		f := newFixture(t, 1000)

		id, err := f.engine.Create(recipientA, decimal.NewFromInt(100), month)
		require.NoError(t, err)

		executed, _, err := f.engine.Execute("ops", []uint64{id})
		require.NoError(t, err)
		assert.Equal(t, 0, executed)
		assert.True(t, f.vault.Balance().Equal(decimal.NewFromInt(1000)))
	})

	t.Run("should skip on insufficient balance without losing due-ness", func(t *testing.T) {
		f := newFixture(t, 50)

		id, err := f.engine.Create(recipientA, decimal.NewFromInt(100), time.Hour)
		require.NoError(t, err)
		f.now = f.now.Add(time.Hour)

		executed, _, err := f.engine.Execute("ops", []uint64{id})
		require.NoError(t, err)
		assert.Equal(t, 0, executed)

		// Still due; funding the vault lets the retry succeed.
		require.NoError(t, f.vault.Deposit(decimal.NewFromInt(100)))
		executed, _, err = f.engine.Execute("ops", []uint64{id})
		require.NoError(t, err)
		assert.Equal(t, 1, executed)
	})

	t.Run("should skip unknown ids and reject empty batches", func(t *testing.T) {
		f := newFixture(t, 1000)

		_, _, err := f.engine.Execute("ops", nil)
		assert.ErrorIs(t, err, schedule.ErrEmptyBatch)

		executed, _, err := f.engine.Execute("ops", []uint64{404})
		require.NoError(t, err)
		assert.Equal(t, 0, executed)
	})

	t.Run("should write scheduled-source compliance records", func(t *testing.T) {
		f := newFixture(t, 1000)

		id, err := f.engine.Create(recipientA, decimal.NewFromInt(100), time.Hour)
		require.NoError(t, err)
		f.now = f.now.Add(time.Hour)

		_, records, err := f.engine.Execute("ops", []uint64{id})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, compliance.SourceScheduled, records[0].Source)
		assert.Equal(t, id, records[0].RuleID)
		assert.Equal(t, "ops", records[0].Executor)
	})

	t.Run("should catch up one interval per execution", func(t *testing.T) {
		f := newFixture(t, 1000)
		start := f.now

		id, err := f.engine.Create(recipientA, decimal.NewFromInt(100), time.Hour)
		require.NoError(t, err)

		// Three intervals pass unexecuted.
		f.now = start.Add(3 * time.Hour)

		for i := 1; i <= 3; i++ {
			executed, _, err := f.engine.Execute("ops", []uint64{id})
			require.NoError(t, err)
			assert.Equal(t, 1, executed)
		}

		sched, err := f.engine.Distribution(id)
		require.NoError(t, err)
		assert.Equal(t, start.Add(4*time.Hour), sched.NextDue)
		assert.Empty(t, f.engine.DueIDs(), "caught up")
	})
}
