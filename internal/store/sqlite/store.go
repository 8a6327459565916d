package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tradecore/internal/backtest"
	"tradecore/internal/store"
	"tradecore/internal/store/model"
	"tradecore/internal/strategy"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SqliteStore 保存每次回测的信号决策，实现 backtest.SignalJournal。
type SqliteStore struct {
	db *gorm.DB
}

func NewSqliteStore(path string) (*SqliteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}

	return newSqliteStore(db)
}

func NewSqliteStoreFromDB(db *gorm.DB) (*SqliteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db 不能为空")
	}
	return newSqliteStore(db)
}

func newSqliteStore(db *gorm.DB) (*SqliteStore, error) {
	if err := db.AutoMigrate(&model.SignalDecisionModel{}); err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
	}
	return &SqliteStore{db: db}, nil
}

func (s *SqliteStore) Begin(ctx context.Context) (store.UnitOfWork, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	return &gormUnitOfWork{tx: tx}, nil
}

func (s *SqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordSignals 在一个事务内写入一个时间点的全部信号决策。
func (s *SqliteStore) RecordSignals(ctx context.Context, decisions []backtest.SignalDecision) error {
	if len(decisions) == 0 {
		return nil
	}
	rows := make([]model.SignalDecisionModel, 0, len(decisions))
	for _, d := range decisions {
		row, err := toModel(d)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	uow, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	if err := uow.Signals().InsertBatch(ctx, rows); err != nil {
		_ = uow.Rollback()
		return err
	}
	return uow.Commit()
}

// ListSignals 按时间顺序返回某次回测的信号决策；symbol 为空时不过滤。
func (s *SqliteStore) ListSignals(ctx context.Context, runID, symbol string, limit int) ([]backtest.SignalDecision, error) {
	rows, err := NewSignalRepo(s.db).List(ctx, store.SignalFilter{RunID: runID, Symbol: symbol, Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]backtest.SignalDecision, 0, len(rows))
	for _, row := range rows {
		d, err := fromModel(row)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// RejectionCounts 统计某次回测被风控拒绝的原因。
func (s *SqliteStore) RejectionCounts(ctx context.Context, runID string) (map[string]int, error) {
	return NewSignalRepo(s.db).CountByReason(ctx, runID)
}

type gormUnitOfWork struct {
	tx *gorm.DB
}

func (u *gormUnitOfWork) Signals() store.SignalRepository {
	return NewSignalRepo(u.tx)
}

func (u *gormUnitOfWork) Commit() error {
	return u.tx.Commit().Error
}

func (u *gormUnitOfWork) Rollback() error {
	return u.tx.Rollback().Error
}

func toModel(d backtest.SignalDecision) (model.SignalDecisionModel, error) {
	raw, err := json.Marshal(d.Signal)
	if err != nil {
		return model.SignalDecisionModel{}, fmt.Errorf("marshal signal: %w", err)
	}
	return model.SignalDecisionModel{
		RunID:      d.RunID,
		Strategy:   d.Strategy,
		Symbol:     d.Symbol,
		Direction:  string(d.Signal.Direction),
		Origin:     string(d.Signal.Origin),
		Score:      d.Signal.Score,
		Entry:      d.Levels.Entry,
		Stop:       d.Levels.Stop,
		Target:     d.Levels.Target,
		ATRApplied: d.Levels.ATRApplied,
		Size:       d.Size,
		Accepted:   d.Accepted,
		Reason:     d.Reason,
		Signal:     datatypes.JSON(raw),
		At:         d.At.UnixMilli(),
	}, nil
}

func fromModel(row model.SignalDecisionModel) (backtest.SignalDecision, error) {
	var sig strategy.RankedSignal
	if len(row.Signal) > 0 {
		if err := json.Unmarshal(row.Signal, &sig); err != nil {
			return backtest.SignalDecision{}, fmt.Errorf("decode signal %d: %w", row.ID, err)
		}
	}
	return backtest.SignalDecision{
		RunID:    row.RunID,
		Strategy: row.Strategy,
		Symbol:   row.Symbol,
		At:       time.UnixMilli(row.At).UTC(),
		Signal:   sig,
		Levels: strategy.Levels{
			Entry:      row.Entry,
			Stop:       row.Stop,
			Target:     row.Target,
			ATRApplied: row.ATRApplied,
		},
		Size:     row.Size,
		Accepted: row.Accepted,
		Reason:   row.Reason,
	}, nil
}
