// Package store persists trades, strategies, learner insights, and cycle
// traces behind gorm: sqlite at a file path by default, postgres when a DSN
// is configured. Persistence is advisory for the trading flow — callers log
// write failures and keep going.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"hyperliquid-trader/internal/config"
)

// Store wraps the database handle. All methods are safe for concurrent use;
// gorm pools connections underneath.
type Store struct {
	db *gorm.DB
}

// TradeRow is one executed order. TradeID carries the venue/engine trade id;
// the surrogate key keeps inserts cheap on sqlite.
type TradeRow struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	TradeID    string    `gorm:"uniqueIndex;size:64"`
	StrategyID string    `gorm:"index"`
	Symbol     string    `gorm:"index"`
	Side       string
	Size       float64
	Price      float64
	Fee        float64
	PnL        float64 `gorm:"column:pnl"`
	OrderType  string
	Status     string
	EntryExit  string    `gorm:"index"`
	ExecutedAt time.Time `gorm:"index"`
	CreatedAt  time.Time
}

// StrategyRow registers a rule family and the symbols it runs on. Params and
// Symbols are JSON blobs so the schema survives parameter changes.
type StrategyRow struct {
	Name      string `gorm:"primaryKey;size:64"`
	Params    string
	Symbols   string
	Active    bool `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// InsightRow is the learner's pattern memory: one row per executed cycle,
// keyed by the market fingerprint it traded under. Outcome is the replay
// return of the chosen idea, signed from the long side.
type InsightRow struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	CycleID    string `gorm:"index;size:40"`
	Symbol     string `gorm:"index"`
	PatternKey string `gorm:"index;size:64"`
	Kind       string
	Action     string
	Confidence float64
	Score      float64
	Outcome    float64
	Notes      string
	CreatedAt  time.Time `gorm:"index"`
}

// MarketDataRow keeps the candle tail a cycle traded on, for offline replay.
type MarketDataRow struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	CycleID   string `gorm:"index;size:40"`
	Symbol    string `gorm:"index"`
	Timeframe string
	Candles   string
	LastClose float64
	CreatedAt time.Time
}

// CycleTraceRow is the compact audit record written at the end of every
// cycle, successful or not.
type CycleTraceRow struct {
	CycleID    string `gorm:"primaryKey;size:40"`
	Symbol     string `gorm:"index"`
	Timeframe  string
	Step       string
	Regime     string
	PatternKey string `gorm:"index;size:64"`
	Filled     bool
	Summary    string
	CreatedAt  time.Time `gorm:"index"`
}

// Open connects per the config: postgres when DSN is set, sqlite at Path
// otherwise (parent directory created on demand). Migrations run eagerly so
// a schema problem surfaces at startup, not mid-cycle.
func Open(cfg config.StoreConfig) (*Store, error) {
	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	var (
		db  *gorm.DB
		err error
	)
	switch {
	case cfg.DSN != "":
		db, err = gorm.Open(postgres.Open(cfg.DSN), gormCfg)
	default:
		path := cfg.Path
		if path == "" {
			path = "data/trader.db"
		}
		if dir := filepath.Dir(path); dir != "." && !strings.Contains(path, ":memory:") {
			if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
				return nil, fmt.Errorf("create store dir: %w", mkErr)
			}
		}
		db, err = gorm.Open(sqlite.Open(path), gormCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(
		&TradeRow{},
		&StrategyRow{},
		&InsightRow{},
		&MarketDataRow{},
		&CycleTraceRow{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
