package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"tradecore/internal/backtest"
	"tradecore/internal/store"
	"tradecore/internal/store/model"
	"tradecore/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SqliteStore {
	t.Helper()
	st, err := NewSqliteStore(filepath.Join(t.TempDir(), "signals.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func decision(runID, symbol string, at time.Time, accepted bool, reason string) backtest.SignalDecision {
	return backtest.SignalDecision{
		RunID:    runID,
		Strategy: "confluence",
		Symbol:   symbol,
		At:       at,
		Signal: strategy.RankedSignal{
			Signal: strategy.Signal{Symbol: symbol, Direction: strategy.Long, Strength: 0.8, Entry: 4500, Origin: strategy.OriginHiddenGap, Rationale: "gap fill"},
			Score:  0.75,
		},
		Levels:   strategy.Levels{Entry: 4500, Stop: 4490, Target: 4530, ATRApplied: true},
		Size:     2,
		Accepted: accepted,
		Reason:   reason,
	}
}

func TestRecordAndListSignals(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	t0 := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

	require.NoError(t, st.RecordSignals(ctx, []backtest.SignalDecision{
		decision("run-1", "ES", t0.Add(time.Hour), true, ""),
		decision("run-1", "NQ", t0, false, "max_positions"),
		decision("run-1", "YM", t0, false, "max_positions"),
		decision("run-2", "ES", t0, false, "drawdown_limit"),
	}))
	require.NoError(t, st.RecordSignals(ctx, nil))

	list, err := st.ListSignals(ctx, "run-1", "", 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "NQ", list[0].Symbol)
	assert.Equal(t, "ES", list[2].Symbol)

	es := list[2]
	assert.True(t, es.Accepted)
	assert.Equal(t, t0.Add(time.Hour), es.At)
	assert.Equal(t, strategy.OriginHiddenGap, es.Signal.Origin)
	assert.Equal(t, "gap fill", es.Signal.Rationale)
	assert.Equal(t, 0.75, es.Signal.Score)
	assert.Equal(t, strategy.Levels{Entry: 4500, Stop: 4490, Target: 4530, ATRApplied: true}, es.Levels)

	list, err = st.ListSignals(ctx, "run-1", "NQ", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "max_positions", list[0].Reason)

	counts, err := st.RejectionCounts(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"max_positions": 2}, counts)
}

func TestUnitOfWorkRollback(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	row, err := toModel(decision("run-1", "ES", time.Now(), true, ""))
	require.NoError(t, err)

	uow, err := st.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, uow.Signals().InsertBatch(ctx, []model.SignalDecisionModel{row}))
	require.NoError(t, uow.Rollback())

	rows, err := NewSignalRepo(st.db).List(ctx, store.SignalFilter{RunID: "run-1"})
	require.NoError(t, err)
	assert.Empty(t, rows)

	rows, err = NewSignalRepo(st.db).List(ctx, store.SignalFilter{AcceptedOnly: true})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestNewSqliteStoreRequiresPath(t *testing.T) {
	_, err := NewSqliteStore(" ")
	assert.Error(t, err)
	_, err = NewSqliteStoreFromDB(nil)
	assert.Error(t, err)
}
