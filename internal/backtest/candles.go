package backtest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tradecore/internal/logger"
	"tradecore/internal/market"

	_ "modernc.org/sqlite"
)

// SeriesInfo 是某品种某周期在本地库里的覆盖情况。
type SeriesInfo struct {
	Symbol    string          `json:"symbol"`
	Category  market.Category `json:"category"`
	Calendar  string          `json:"calendar"`
	Timeframe string          `json:"timeframe"`
	FirstOpen int64           `json:"first_open"`
	LastOpen  int64           `json:"last_open"`
	Bars      int64           `json:"bars"`
	Rejected  int64           `json:"rejected"`
	SyncedAt  time.Time       `json:"synced_at"`
}

// CandleStore 每个品种一个 sqlite 文件（root/<category>/<SYMBOL>.db），
// 所有周期共用 bars 表，series 表按周期记录覆盖范围与被拒绝的异常 K 线数。
// 品种的大类与交易日历从 catalog 解析，未登记的品种按 24x7 处理。
type CandleStore struct {
	root    string
	catalog market.Catalog

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

// NewCandleStore 在 root 下打开 K 线库。
func NewCandleStore(root string, catalog market.Catalog) (*CandleStore, error) {
	if root == "" {
		return nil, fmt.Errorf("candle root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	if catalog == nil {
		catalog = market.DefaultCatalog()
	}
	return &CandleStore{root: root, catalog: catalog, dbs: make(map[string]*sql.DB)}, nil
}

func (s *CandleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for sym, db := range s.dbs {
		errs = append(errs, db.Close())
		delete(s.dbs, sym)
	}
	return errors.Join(errs...)
}

// Instrument 返回 symbol 的规格；未登记时返回 crypto 类的占位规格（全周开放）。
func (s *CandleStore) Instrument(symbol string) market.Instrument {
	symbol = normSymbol(symbol)
	if inst, err := s.catalog.Lookup(symbol); err == nil {
		return inst
	}
	return market.Instrument{Symbol: symbol, Category: market.CategoryCrypto}
}

func normSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func (s *CandleStore) open(symbol string) (*sql.DB, error) {
	symbol = normSymbol(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("symbol 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[symbol]; ok {
		return db, nil
	}
	inst := s.Instrument(symbol)
	path := filepath.Join(s.root, string(inst.Category), symbol+".db")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := migrateCandles(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("初始化 %s K 线库失败: %w", symbol, err)
	}
	s.dbs[symbol] = db
	return db, nil
}

func migrateCandles(db *sql.DB) error {
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS bars (
			timeframe  TEXT    NOT NULL,
			open_time  INTEGER NOT NULL,
			close_time INTEGER NOT NULL,
			open       REAL    NOT NULL,
			high       REAL    NOT NULL,
			low        REAL    NOT NULL,
			close      REAL    NOT NULL,
			volume     REAL    NOT NULL,
			trades     INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (timeframe, open_time)
		) WITHOUT ROWID;`,
		`CREATE TABLE IF NOT EXISTS series (
			timeframe  TEXT PRIMARY KEY,
			category   TEXT    NOT NULL,
			calendar   TEXT    NOT NULL,
			first_open INTEGER NOT NULL DEFAULT 0,
			last_open  INTEGER NOT NULL DEFAULT 0,
			bars       INTEGER NOT NULL DEFAULT 0,
			rejected   INTEGER NOT NULL DEFAULT 0,
			synced_at  INTEGER NOT NULL DEFAULT 0
		);`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// InsertBars 写入（或覆盖同一 open_time 的）K 线，返回写入条数。
// 不合法的 K 线不落库，计入 series.rejected。
func (s *CandleStore) InsertBars(ctx context.Context, symbol, timeframe string, bars []market.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	db, err := s.open(symbol)
	if err != nil {
		return 0, err
	}
	tf := strings.ToLower(timeframe)
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bars (timeframe, open_time, close_time, open, high, low, close, volume, trades)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(timeframe, open_time) DO UPDATE SET
			close_time=excluded.close_time, open=excluded.open, high=excluded.high,
			low=excluded.low, close=excluded.close, volume=excluded.volume, trades=excluded.trades`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	written, rejected := 0, 0
	for _, b := range bars {
		if err := b.Validate(); err != nil {
			rejected++
			logger.Debugf("[candles] %s %s 跳过异常 K 线: %v", symbol, tf, err)
			continue
		}
		if _, err := stmt.ExecContext(ctx, tf, b.OpenTime, b.CloseTime, b.Open, b.High, b.Low, b.Close, b.Volume, b.Trades); err != nil {
			return 0, err
		}
		written++
	}
	if err := s.touchSeries(ctx, tx, symbol, tf, rejected); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return written, nil
}

func (s *CandleStore) touchSeries(ctx context.Context, tx *sql.Tx, symbol, tf string, rejected int) error {
	inst := s.Instrument(symbol)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO series (timeframe, category, calendar, first_open, last_open, bars, rejected, synced_at)
		SELECT ?, ?, ?, COALESCE(MIN(open_time), 0), COALESCE(MAX(open_time), 0), COUNT(1), ?, ?
		FROM bars WHERE timeframe = ?
		ON CONFLICT(timeframe) DO UPDATE SET
			category=excluded.category, calendar=excluded.calendar,
			first_open=excluded.first_open, last_open=excluded.last_open, bars=excluded.bars,
			rejected=series.rejected + excluded.rejected, synced_at=excluded.synced_at`,
		tf, string(inst.Category), inst.Calendar().Name, rejected, time.Now().UnixMilli(), tf)
	return err
}

// Series 返回覆盖信息；从未写入过的周期返回 Bars=0 的记录。
func (s *CandleStore) Series(ctx context.Context, symbol, timeframe string) (SeriesInfo, error) {
	db, err := s.open(symbol)
	if err != nil {
		return SeriesInfo{}, err
	}
	inst := s.Instrument(symbol)
	info := SeriesInfo{
		Symbol:    inst.Symbol,
		Category:  inst.Category,
		Calendar:  inst.Calendar().Name,
		Timeframe: strings.ToLower(timeframe),
	}
	var synced int64
	err = db.QueryRowContext(ctx, `SELECT first_open, last_open, bars, rejected, synced_at FROM series WHERE timeframe = ?`, info.Timeframe).
		Scan(&info.FirstOpen, &info.LastOpen, &info.Bars, &info.Rejected, &synced)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return info, nil
	case err != nil:
		return SeriesInfo{}, err
	}
	info.SyncedAt = timeFromMillis(synced)
	return info, nil
}

// Bars 按 open_time 升序返回 [start, end] 内的 K 线；start/end <= 0 表示该端不限。
func (s *CandleStore) Bars(ctx context.Context, symbol, timeframe string, start, end int64) ([]market.Bar, error) {
	lo, hi := bounds(start, end)
	return s.queryBars(ctx, symbol, `
		SELECT open_time, close_time, open, high, low, close, volume, trades
		FROM bars WHERE timeframe = ? AND open_time BETWEEN ? AND ?
		ORDER BY open_time`, strings.ToLower(timeframe), lo, hi)
}

// Tail 返回 end（<=0 为最新）及之前最近的 n 根 K 线，升序。
func (s *CandleStore) Tail(ctx context.Context, symbol, timeframe string, end int64, n int) ([]market.Bar, error) {
	if n <= 0 {
		n = 200
	}
	_, hi := bounds(0, end)
	bars, err := s.queryBars(ctx, symbol, `
		SELECT open_time, close_time, open, high, low, close, volume, trades
		FROM bars WHERE timeframe = ? AND open_time <= ?
		ORDER BY open_time DESC LIMIT ?`, strings.ToLower(timeframe), hi, n)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

func bounds(start, end int64) (int64, int64) {
	lo, hi := max(start, 0), end
	if hi <= 0 {
		hi = math.MaxInt64
	}
	if hi < lo {
		lo, hi = hi, lo
	}
	return lo, hi
}

func (s *CandleStore) queryBars(ctx context.Context, symbol, query string, args ...any) ([]market.Bar, error) {
	db, err := s.open(symbol)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []market.Bar
	for rows.Next() {
		var b market.Bar
		if err := rows.Scan(&b.OpenTime, &b.CloseTime, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.Trades); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *CandleStore) openTimes(ctx context.Context, symbol, timeframe string, start, end int64) (map[int64]struct{}, error) {
	db, err := s.open(symbol)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT open_time FROM bars WHERE timeframe = ? AND open_time BETWEEN ? AND ?`,
		strings.ToLower(timeframe), start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	have := make(map[int64]struct{})
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		have[ts] = struct{}{}
	}
	return have, rows.Err()
}
