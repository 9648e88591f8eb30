// Package config defines all configuration for the trading platform.
// Config is loaded from an optional YAML file with every field overridable
// via HL_* environment variables; venue credentials come from
// HYPERLIQUID_PRIVATE_KEY / HYPERLIQUID_MAIN_ADDRESS.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Wallet    WalletConfig    `mapstructure:"wallet"`
	Venue     VenueConfig     `mapstructure:"venue"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"`
	Bus       BusConfig       `mapstructure:"bus"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// WalletConfig holds the key that signs exchange actions and the account
// address whose state is traded. MainAddress may differ from the signer when
// an agent wallet is used.
type WalletConfig struct {
	PrivateKey  string `mapstructure:"private_key"`
	MainAddress string `mapstructure:"main_address"`
}

// VenueConfig points the client at the perp DEX deployment.
type VenueConfig struct {
	APIURL  string `mapstructure:"api_url"`
	WSURL   string `mapstructure:"ws_url"`
	Testnet bool   `mapstructure:"testnet"`
}

// PairConfig is one (symbol, timeframe) the orchestrator drives.
type PairConfig struct {
	Symbol    string `mapstructure:"symbol"`
	Timeframe string `mapstructure:"timeframe"` // venue candle interval, e.g. "15m"
}

// TradingConfig controls the orchestrator scheduler and cycle breaker.
type TradingConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	Pairs                []PairConfig  `mapstructure:"pairs"`
	CycleInterval        time.Duration `mapstructure:"cycle_interval"`
	CycleTimeout         time.Duration `mapstructure:"cycle_timeout"`
	MinCandles           int           `mapstructure:"min_candles"`
	CandleLookback       int           `mapstructure:"candle_lookback"`
	MaxConsecutiveErrors int           `mapstructure:"max_consecutive_errors"`
	BreakerThreshold     int           `mapstructure:"breaker_threshold"`
	BreakerOpenFor       time.Duration `mapstructure:"breaker_open_for"`
	BreakerHalfOpenProbe int           `mapstructure:"breaker_half_open_probes"`
}

// StrategyConfig tunes the deterministic idea pipeline: regime
// classification, backtest scoring, and the risk gate's sizing.
type StrategyConfig struct {
	MinScore        float64 `mapstructure:"min_score"`        // selector floor on backtest score
	FeeRate         float64 `mapstructure:"fee_rate"`         // per-side taker fee for replay
	SlippageRate    float64 `mapstructure:"slippage_rate"`    // per-side assumed slippage for replay
	RiskFraction    float64 `mapstructure:"risk_fraction"`    // account fraction sized per entry
	MaxLeverage     int     `mapstructure:"max_leverage"`     // risk-gate leverage cap
	MinConfidence   float64 `mapstructure:"min_confidence"`   // risk-gate confidence floor
	VolatileATR     float64 `mapstructure:"volatile_atr"`     // ATR/close above this is VOLATILE
	PatternLookback int     `mapstructure:"pattern_lookback"` // traces consulted per recall
}

// ExecutionConfig tunes the engine's signal admission gates and the
// managed-exit monitor.
//
//   - MinConfidence: entries below this are rejected outright.
//   - DedupWindow / DedupPriceTolerance / DedupConfidenceTolerance: a signal
//     repeating the previous one within the window is a duplicate when the
//     action matches and the price moved less than the tolerance (or the
//     confidence delta is small and the reason identical).
//   - MaxSignalsPerMinute: rolling 60s admission cap per symbol.
//   - MinOrderInterval / OrderCooldown: per-symbol pacing between entries.
//   - ExitMonitorInterval: managed stop-loss/take-profit sweep cadence.
//   - StopLossEarlyFactor (<1) fires the stop slightly before the configured
//     distance; TakeProfitLateFactor (>1) demands slightly more than the
//     configured gain. Both compensate for trigger-to-fill latency.
type ExecutionConfig struct {
	MinConfidence            float64       `mapstructure:"min_confidence"`
	DedupWindow              time.Duration `mapstructure:"dedup_window"`
	DedupPriceTolerance      float64       `mapstructure:"dedup_price_tolerance"`
	DedupConfidenceTolerance float64       `mapstructure:"dedup_confidence_tolerance"`
	MaxSignalsPerMinute      int           `mapstructure:"max_signals_per_minute"`
	MinOrderInterval         time.Duration `mapstructure:"min_order_interval"`
	OrderCooldown            time.Duration `mapstructure:"order_cooldown"`
	ExitMonitorInterval      time.Duration `mapstructure:"exit_monitor_interval"`
	StopLossEarlyFactor      float64       `mapstructure:"stop_loss_early_factor"`
	TakeProfitLateFactor     float64       `mapstructure:"take_profit_late_factor"`
	StopLossFloor            float64       `mapstructure:"stop_loss_floor"`
	MaxDailyLoss             float64       `mapstructure:"max_daily_loss"`
	MaxConsecutiveLosses     int           `mapstructure:"max_consecutive_losses"`
}

// ExchangeConfig tunes the venue client: rate buckets, churn guards, book
// validation, the placement retry path, and the stale-order watchdog.
type ExchangeConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	InfoCapacity      float64       `mapstructure:"info_capacity"`
	InfoRefillPerSec  float64       `mapstructure:"info_refill_per_sec"`
	ExchCapacity      float64       `mapstructure:"exch_capacity"`
	ExchRefillPerSec  float64       `mapstructure:"exch_refill_per_sec"`
	ThrottleMaxWait   time.Duration `mapstructure:"throttle_max_wait"`
	MetaTTL           time.Duration `mapstructure:"meta_ttl"`
	MidsTTL           time.Duration `mapstructure:"mids_ttl"`
	AccountTTL        time.Duration `mapstructure:"account_ttl"`
	OpenOrdersTTL     time.Duration `mapstructure:"open_orders_ttl"`

	SlippagePct    float64 `mapstructure:"slippage_pct"`
	MaxSpreadRatio float64 `mapstructure:"max_spread_ratio"`
	MinDepthLevels int     `mapstructure:"min_depth_levels"`
	MinDepthUSD    float64 `mapstructure:"min_depth_usd"`

	MinOrderInterval      time.Duration `mapstructure:"min_order_interval"`
	OrderCooldown         time.Duration `mapstructure:"order_cooldown"`
	ExtendedCooldown      time.Duration `mapstructure:"extended_cooldown"`
	ExtendedCooldownCap   time.Duration `mapstructure:"extended_cooldown_cap"`
	ChurnFailureThreshold int           `mapstructure:"churn_failure_threshold"`
	MinConfidence         float64       `mapstructure:"min_confidence"`
	MinFillRate           float64       `mapstructure:"min_fill_rate"`
	FillRateWarmup        int           `mapstructure:"fill_rate_warmup"`

	EntryAttempts  int           `mapstructure:"entry_attempts"`
	ExitAttempts   int           `mapstructure:"exit_attempts"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffCap     time.Duration `mapstructure:"backoff_cap"`

	WatchdogInterval time.Duration `mapstructure:"watchdog_interval"`
	StaleWarnAge     time.Duration `mapstructure:"stale_warn_age"`
	StaleCancelAge   time.Duration `mapstructure:"stale_cancel_age"`
}

// RecoveryConfig tunes the position-recovery monitor's classification
// thresholds and batching.
type RecoveryConfig struct {
	Interval           time.Duration `mapstructure:"interval"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	LossThreshold      float64       `mapstructure:"loss_threshold"`  // fractional, negative side
	StuckPriceRange    float64       `mapstructure:"stuck_price_range"`
	StuckMinTrades     int           `mapstructure:"stuck_min_trades"`
	MaxLeverage        float64       `mapstructure:"max_leverage"`
	StaleTradeAge      time.Duration `mapstructure:"stale_trade_age"`
	BatchInterval      time.Duration `mapstructure:"batch_interval"`
	AlertDedupInterval time.Duration `mapstructure:"alert_dedup_interval"`
	DataCacheTTL       time.Duration `mapstructure:"data_cache_ttl"`
}

// BusConfig selects the event-bus broker. With an empty RedisAddr the bus
// runs in process-local mode.
type BusConfig struct {
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	PoolWorkers   int    `mapstructure:"pool_workers"`
	PoolQueueSize int    `mapstructure:"pool_queue_size"`
}

// StoreConfig selects the persistence backend: sqlite at Path by default,
// postgres when DSN is set.
type StoreConfig struct {
	Path string `mapstructure:"path"`
	DSN  string `mapstructure:"dsn"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the operator HTTP/WebSocket server.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	PollMs         int      `mapstructure:"poll_ms"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from an optional YAML file with env var overrides.
// Secrets use bare env names operators already set: HYPERLIQUID_PRIVATE_KEY,
// HYPERLIQUID_MAIN_ADDRESS, DASHBOARD_PORT, MAX_RECOVERY_ATTEMPTS,
// NEWS_DASHBOARD_POLL_MS.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, statErr := os.Stat(path); statErr == nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
			// Missing file is fine; defaults + env carry the config.
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive and operator-facing fields from env
	if key := os.Getenv("HYPERLIQUID_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if addr := os.Getenv("HYPERLIQUID_MAIN_ADDRESS"); addr != "" {
		cfg.Wallet.MainAddress = addr
	}
	if port := os.Getenv("DASHBOARD_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Dashboard.Port = p
		}
	}
	if attempts := os.Getenv("MAX_RECOVERY_ATTEMPTS"); attempts != "" {
		if n, err := strconv.Atoi(attempts); err == nil {
			cfg.Recovery.MaxAttempts = n
		}
	}
	if poll := os.Getenv("NEWS_DASHBOARD_POLL_MS"); poll != "" {
		if n, err := strconv.Atoi(poll); err == nil {
			cfg.Dashboard.PollMs = n
		}
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("venue.api_url", "https://api.hyperliquid.xyz")
	v.SetDefault("venue.ws_url", "wss://api.hyperliquid.xyz/ws")
	v.SetDefault("venue.testnet", false)

	v.SetDefault("trading.enabled", false)
	v.SetDefault("trading.cycle_interval", "1m")
	v.SetDefault("trading.cycle_timeout", "45s")
	v.SetDefault("trading.min_candles", 50)
	v.SetDefault("trading.candle_lookback", 200)
	v.SetDefault("trading.max_consecutive_errors", 5)
	v.SetDefault("trading.breaker_threshold", 5)
	v.SetDefault("trading.breaker_open_for", "60s")
	v.SetDefault("trading.breaker_half_open_probes", 1)

	v.SetDefault("strategy.min_score", 0.55)
	v.SetDefault("strategy.fee_rate", 0.00035)
	v.SetDefault("strategy.slippage_rate", 0.0005)
	v.SetDefault("strategy.risk_fraction", 0.02)
	v.SetDefault("strategy.max_leverage", 5)
	v.SetDefault("strategy.min_confidence", 0.80)
	v.SetDefault("strategy.volatile_atr", 0.03)
	v.SetDefault("strategy.pattern_lookback", 50)

	v.SetDefault("execution.min_confidence", 0.80)
	v.SetDefault("execution.dedup_window", "5m")
	v.SetDefault("execution.dedup_price_tolerance", 0.005)
	v.SetDefault("execution.dedup_confidence_tolerance", 0.1)
	v.SetDefault("execution.max_signals_per_minute", 3)
	v.SetDefault("execution.min_order_interval", "30s")
	v.SetDefault("execution.order_cooldown", "10m")
	v.SetDefault("execution.exit_monitor_interval", "5s")
	v.SetDefault("execution.stop_loss_early_factor", 0.9)
	v.SetDefault("execution.take_profit_late_factor", 1.15)
	v.SetDefault("execution.stop_loss_floor", 0.001)
	v.SetDefault("execution.max_daily_loss", 500.0)
	v.SetDefault("execution.max_consecutive_losses", 4)

	v.SetDefault("exchange.request_timeout", "30s")
	v.SetDefault("exchange.info_capacity", 1200)
	v.SetDefault("exchange.info_refill_per_sec", 20)
	v.SetDefault("exchange.exch_capacity", 60)
	v.SetDefault("exchange.exch_refill_per_sec", 1)
	v.SetDefault("exchange.throttle_max_wait", "10s")
	v.SetDefault("exchange.meta_ttl", "1h")
	v.SetDefault("exchange.mids_ttl", "500ms")
	v.SetDefault("exchange.account_ttl", "2s")
	v.SetDefault("exchange.open_orders_ttl", "1s")
	v.SetDefault("exchange.slippage_pct", 0.005)
	v.SetDefault("exchange.max_spread_ratio", 0.001)
	v.SetDefault("exchange.min_depth_levels", 5)
	v.SetDefault("exchange.min_depth_usd", 10000.0)
	v.SetDefault("exchange.min_order_interval", "30s")
	v.SetDefault("exchange.order_cooldown", "10m")
	v.SetDefault("exchange.extended_cooldown", "5m")
	v.SetDefault("exchange.extended_cooldown_cap", "30m")
	v.SetDefault("exchange.churn_failure_threshold", 3)
	v.SetDefault("exchange.min_confidence", 0.80)
	v.SetDefault("exchange.min_fill_rate", 0.05)
	v.SetDefault("exchange.fill_rate_warmup", 5)
	v.SetDefault("exchange.entry_attempts", 1)
	v.SetDefault("exchange.exit_attempts", 3)
	v.SetDefault("exchange.backoff_initial", "1s")
	v.SetDefault("exchange.backoff_cap", "10s")
	v.SetDefault("exchange.watchdog_interval", "5s")
	v.SetDefault("exchange.stale_warn_age", "30s")
	v.SetDefault("exchange.stale_cancel_age", "60s")

	v.SetDefault("recovery.interval", "30s")
	v.SetDefault("recovery.max_attempts", 3)
	v.SetDefault("recovery.loss_threshold", -0.15)
	v.SetDefault("recovery.stuck_price_range", 0.005)
	v.SetDefault("recovery.stuck_min_trades", 5)
	v.SetDefault("recovery.max_leverage", 50)
	v.SetDefault("recovery.stale_trade_age", "24h")
	v.SetDefault("recovery.batch_interval", "2s")
	v.SetDefault("recovery.alert_dedup_interval", "5m")
	v.SetDefault("recovery.data_cache_ttl", "5s")

	v.SetDefault("bus.pool_workers", 8)
	v.SetDefault("bus.pool_queue_size", 256)

	v.SetDefault("store.path", "data/trader.db")
	v.SetDefault("store.dsn", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("dashboard.enabled", true)
	v.SetDefault("dashboard.port", 3001)
	v.SetDefault("dashboard.poll_ms", 10000)
}

// Validate checks required fields and value ranges. A missing private key is
// fatal only when live trading is enabled.
func (c *Config) Validate() error {
	if c.Trading.Enabled {
		if c.Wallet.PrivateKey == "" {
			return fmt.Errorf("wallet.private_key is required when trading is enabled (set HYPERLIQUID_PRIVATE_KEY)")
		}
		if len(c.Trading.Pairs) == 0 {
			return fmt.Errorf("trading.pairs must list at least one symbol/timeframe when trading is enabled")
		}
	}
	for _, p := range c.Trading.Pairs {
		if p.Symbol == "" || p.Timeframe == "" {
			return fmt.Errorf("trading.pairs entries need both symbol and timeframe")
		}
	}
	if c.Venue.APIURL == "" {
		return fmt.Errorf("venue.api_url is required")
	}
	if c.Execution.MinConfidence < 0 || c.Execution.MinConfidence > 1 {
		return fmt.Errorf("execution.min_confidence must be in [0,1]")
	}
	if c.Strategy.RiskFraction <= 0 || c.Strategy.RiskFraction > 0.5 {
		return fmt.Errorf("strategy.risk_fraction must be in (0, 0.5]")
	}
	if c.Strategy.MaxLeverage <= 0 {
		return fmt.Errorf("strategy.max_leverage must be > 0")
	}
	if c.Execution.MaxSignalsPerMinute <= 0 {
		return fmt.Errorf("execution.max_signals_per_minute must be > 0")
	}
	if c.Exchange.MaxSpreadRatio <= 0 {
		return fmt.Errorf("exchange.max_spread_ratio must be > 0")
	}
	if c.Exchange.MinDepthLevels <= 0 {
		return fmt.Errorf("exchange.min_depth_levels must be > 0")
	}
	if c.Recovery.MaxAttempts <= 0 {
		return fmt.Errorf("recovery.max_attempts must be > 0")
	}
	if c.Recovery.LossThreshold >= 0 {
		return fmt.Errorf("recovery.loss_threshold must be negative")
	}
	if c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port must be a valid TCP port")
	}
	return nil
}
