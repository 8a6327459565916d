package backtest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tradecore/internal/market"
	"tradecore/internal/risk"
	"tradecore/internal/strategy"

	_ "modernc.org/sqlite"
)

// ResultStore 在 root/runs.db 保存运行记录、平仓与资金曲线。运行按 config_key
// 归组，便于比较同一组策略与风控参数在不同品种或区间上的表现。
type ResultStore struct {
	mu sync.Mutex
	db *sql.DB
}

func NewResultStore(root string) (*ResultStore, error) {
	if root == "" {
		return nil, fmt.Errorf("result store root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
		filepath.Join(root, "runs.db"))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := migrateResults(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("初始化结果库失败: %w", err)
	}
	return &ResultStore{db: db}, nil
}

func (s *ResultStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func migrateResults(db *sql.DB) error {
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id               TEXT PRIMARY KEY,
			config_key       TEXT    NOT NULL,
			strategy         TEXT    NOT NULL,
			symbols_json     TEXT    NOT NULL,
			status           TEXT    NOT NULL,
			timeframe        TEXT    NOT NULL,
			start_ts         INTEGER NOT NULL,
			end_ts           INTEGER NOT NULL,
			initial_capital  REAL    NOT NULL,
			final_equity     REAL    NOT NULL DEFAULT 0,
			return_pct       REAL    NOT NULL DEFAULT 0,
			max_drawdown_pct REAL    NOT NULL DEFAULT 0,
			trades           INTEGER NOT NULL DEFAULT 0,
			signals          INTEGER NOT NULL DEFAULT 0,
			halted           INTEGER NOT NULL DEFAULT 0,
			config_json      TEXT    NOT NULL,
			stats_json       TEXT,
			message          TEXT,
			created_at       INTEGER NOT NULL,
			updated_at       INTEGER NOT NULL,
			completed_at     INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_config ON runs(config_key, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_strategy ON runs(strategy, created_at);`,
		`CREATE TABLE IF NOT EXISTS run_trades (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id      TEXT    NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			symbol      TEXT    NOT NULL,
			category    TEXT    NOT NULL,
			direction   TEXT    NOT NULL,
			origin      TEXT    NOT NULL DEFAULT '',
			score       REAL    NOT NULL DEFAULT 0,
			size        REAL    NOT NULL,
			entry       REAL    NOT NULL,
			stop        REAL    NOT NULL,
			target      REAL    NOT NULL,
			exit        REAL    NOT NULL,
			pnl         REAL    NOT NULL,
			mfe         REAL    NOT NULL DEFAULT 0,
			mae         REAL    NOT NULL DEFAULT 0,
			exit_reason TEXT    NOT NULL,
			opened_at   INTEGER NOT NULL,
			closed_at   INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_run_trades ON run_trades(run_id);`,
		`CREATE TABLE IF NOT EXISTS run_equity (
			run_id         TEXT    NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			ts             INTEGER NOT NULL,
			equity         REAL    NOT NULL,
			capital        REAL    NOT NULL,
			unrealized     REAL    NOT NULL,
			open_positions INTEGER NOT NULL,
			drawdown       REAL    NOT NULL,
			halted         INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (run_id, ts)
		);`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// InsertRun 写入一条运行记录；ConfigKey 为空时按 Config 计算。
func (s *ResultStore) InsertRun(ctx context.Context, run Run) error {
	if run.ConfigKey == "" {
		run.ConfigKey = run.Config.Key()
	}
	cfgJSON, err := run.MarshalConfig()
	if err != nil {
		return err
	}
	statsJSON, err := run.MarshalStats()
	if err != nil {
		return err
	}
	symbolsJSON, err := json.Marshal(run.Symbols)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, config_key, strategy, symbols_json, status, timeframe, start_ts, end_ts,
			initial_capital, final_equity, return_pct, max_drawdown_pct, trades, signals, halted,
			config_json, stats_json, message, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ConfigKey, strings.ToLower(run.Strategy), string(symbolsJSON), run.Status, run.Timeframe,
		run.StartTS, run.EndTS, run.InitialCapital, run.FinalEquity, run.ReturnPct, run.MaxDrawdownPct,
		run.Trades, run.Signals, boolInt(run.Halted), string(cfgJSON), string(statsJSON), run.Message,
		now, now, millisOrNil(run.CompletedAt))
	return err
}

// UpdateRunSummary 写入最终指标并更新状态。
func (s *ResultStore) UpdateRunSummary(ctx context.Context, id, status string, stats RunStats, message string) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
		UPDATE runs SET status=?, final_equity=?, return_pct=?, max_drawdown_pct=?, trades=?,
			signals=?, halted=?, stats_json=?, message=?, updated_at=?,
			completed_at=COALESCE(?, completed_at)
		WHERE id=?`,
		status, stats.FinalEquity, stats.ReturnPct, stats.MaxDrawdownPct, stats.Trades,
		stats.Signals, boolInt(stats.Halted), string(statsJSON), message, now, terminalAt(status, now), id)
	return err
}

// UpdateRunStatus 只更新状态与提示。
func (s *ResultStore) UpdateRunStatus(ctx context.Context, id, status, message string) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status=?, message=?, updated_at=?, completed_at=COALESCE(?, completed_at)
		WHERE id=?`, status, message, now, terminalAt(status, now), id)
	return err
}

// InsertTrades 在一个事务内写入平仓记录。
func (s *ResultStore) InsertTrades(ctx context.Context, runID string, trades []risk.Trade) error {
	return s.batch(ctx, `
		INSERT INTO run_trades (run_id, symbol, category, direction, origin, score, size, entry, stop,
			target, exit, pnl, mfe, mae, exit_reason, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, len(trades), func(i int) []any {
		t := trades[i]
		return []any{runID, t.Symbol, string(t.Category), string(t.Direction), t.Origin, t.Score,
			t.Size, t.Entry, t.Stop, t.Target, t.Exit, t.RealizedPnL, t.MaxFavorable, t.MaxAdverse,
			string(t.ExitReason), t.EntryTime.UnixMilli(), t.ExitTime.UnixMilli()}
	})
}

// InsertSnapshots 在一个事务内写入资金曲线；同一时间点重复写入时覆盖。
func (s *ResultStore) InsertSnapshots(ctx context.Context, runID string, snaps []Snapshot) error {
	return s.batch(ctx, `
		INSERT OR REPLACE INTO run_equity (run_id, ts, equity, capital, unrealized, open_positions, drawdown, halted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, len(snaps), func(i int) []any {
		p := snaps[i]
		return []any{runID, p.TS, p.Equity, p.Capital, p.Unrealized, p.OpenPositions, p.Drawdown, boolInt(p.Halted)}
	})
}

func (s *ResultStore) batch(ctx context.Context, query string, n int, args func(int) []any) error {
	if n == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i := 0; i < n; i++ {
		if _, err := stmt.ExecContext(ctx, args(i)...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const runColumns = `id, config_key, strategy, symbols_json, status, timeframe, start_ts, end_ts,
	initial_capital, final_equity, return_pct, max_drawdown_pct, trades, signals, halted,
	config_json, stats_json, message, created_at, updated_at, completed_at`

// ListRuns 按创建时间倒序返回符合 filter 的运行。
func (s *ResultStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var where []string
	var args []any
	if filter.Strategy != "" {
		where = append(where, "strategy = ?")
		args = append(args, strings.ToLower(filter.Strategy))
	}
	if filter.ConfigKey != "" {
		where = append(where, "config_key = ?")
		args = append(args, filter.ConfigKey)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Symbol != "" {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(runs.symbols_json) WHERE value = ?)")
		args = append(args, normSymbol(filter.Symbol))
	}
	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id LIMIT ?"
	rows, err := s.db.QueryContext(ctx, query, append(args, limit)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// ListConfigs 按 config_key 汇总已完成的运行，收益率均值高者在前。
func (s *ResultStore) ListConfigs(ctx context.Context, strategyName string) ([]ConfigStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT config_key, MIN(strategy), MIN(timeframe), COUNT(1), AVG(return_pct), MAX(return_pct),
			MIN(return_pct), MAX(max_drawdown_pct), SUM(trades), SUM(halted), MAX(created_at)
		FROM runs
		WHERE status = ? AND (? = '' OR strategy = ?)
		GROUP BY config_key
		ORDER BY AVG(return_pct) DESC, config_key`,
		RunStatusDone, strings.ToLower(strategyName), strings.ToLower(strategyName))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ConfigStats
	for rows.Next() {
		var cs ConfigStats
		var last int64
		if err := rows.Scan(&cs.ConfigKey, &cs.Strategy, &cs.Timeframe, &cs.Runs, &cs.AvgReturnPct,
			&cs.BestReturnPct, &cs.WorstReturnPct, &cs.MaxDrawdownPct, &cs.Trades, &cs.HaltedRuns, &last); err != nil {
			return nil, err
		}
		cs.LastRunAt = timeFromMillis(last)
		out = append(out, cs)
	}
	return out, rows.Err()
}

func (s *ResultStore) GetRun(ctx context.Context, id string) (Run, error) {
	return scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
}

func (s *ResultStore) ListTrades(ctx context.Context, runID string, limit int) ([]TradeRecord, error) {
	if limit <= 0 || limit > 2000 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, category, direction, origin, score, size, entry, stop, target, exit, pnl,
			mfe, mae, exit_reason, opened_at, closed_at
		FROM run_trades WHERE run_id = ? ORDER BY id LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TradeRecord
	for rows.Next() {
		rec := TradeRecord{RunID: runID}
		var category, direction, reason string
		var opened, closed int64
		if err := rows.Scan(&rec.ID, &rec.Symbol, &category, &direction, &rec.Origin, &rec.Score,
			&rec.Size, &rec.Entry, &rec.Stop, &rec.Target, &rec.Exit, &rec.RealizedPnL,
			&rec.MaxFavorable, &rec.MaxAdverse, &reason, &opened, &closed); err != nil {
			return nil, err
		}
		rec.Category = market.Category(category)
		rec.Direction = strategy.Direction(direction)
		rec.ExitReason = risk.ExitReason(reason)
		rec.EntryTime = timeFromMillis(opened)
		rec.ExitTime = timeFromMillis(closed)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *ResultStore) ListSnapshots(ctx context.Context, runID string, limit int) ([]Snapshot, error) {
	if limit <= 0 || limit > 20000 {
		limit = 5000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT rowid, ts, equity, capital, unrealized, open_positions, drawdown, halted
		FROM run_equity WHERE run_id = ? ORDER BY ts LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Snapshot
	for rows.Next() {
		snap := Snapshot{RunID: runID}
		var halted int
		if err := rows.Scan(&snap.ID, &snap.TS, &snap.Equity, &snap.Capital, &snap.Unrealized,
			&snap.OpenPositions, &snap.Drawdown, &halted); err != nil {
			return nil, err
		}
		snap.Halted = halted != 0
		out = append(out, snap)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var run Run
	var symbols, cfg string
	var stats, message sql.NullString
	var halted int
	var created, updated int64
	var completed sql.NullInt64
	if err := row.Scan(&run.ID, &run.ConfigKey, &run.Strategy, &symbols, &run.Status, &run.Timeframe,
		&run.StartTS, &run.EndTS, &run.InitialCapital, &run.FinalEquity, &run.ReturnPct,
		&run.MaxDrawdownPct, &run.Trades, &run.Signals, &halted, &cfg, &stats, &message,
		&created, &updated, &completed); err != nil {
		return Run{}, err
	}
	run.Halted = halted != 0
	run.Message = message.String
	run.CreatedAt = timeFromMillis(created)
	run.UpdatedAt = timeFromMillis(updated)
	run.CompletedAt = timeFromMillis(completed.Int64)
	if err := json.Unmarshal([]byte(symbols), &run.Symbols); err != nil {
		return Run{}, err
	}
	if err := json.Unmarshal([]byte(cfg), &run.Config); err != nil {
		return Run{}, err
	}
	if stats.String != "" {
		if err := json.Unmarshal([]byte(stats.String), &run.Stats); err != nil {
			return Run{}, err
		}
	}
	return run, nil
}

func terminalAt(status string, now int64) any {
	switch status {
	case RunStatusDone, RunStatusFailed, RunStatusCanceled:
		return now
	}
	return nil
}

func millisOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeFromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
