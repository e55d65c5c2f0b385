package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Chain     ChainConfig     `yaml:"chain"`
	Signer    SignerConfig    `yaml:"signer"`
	Batch     BatchConfig     `yaml:"batch"`
	Gas       GasConfig       `yaml:"gas"`
	Fees      FeesConfig      `yaml:"fees"`
	Retry     RetryConfig     `yaml:"retry"`
	Confirm   ConfirmConfig   `yaml:"confirm"`
	Cycle     CycleConfig     `yaml:"cycle"`
	State     StateConfig     `yaml:"state"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Telegram  TelegramConfig  `yaml:"telegram"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ChainConfig names one deployment target: a ledger contract on one network.
type ChainConfig struct {
	Name          string        `yaml:"name"`
	ChainID       int64         `yaml:"chain_id"`
	RPCURLs       []string      `yaml:"rpc_urls"`
	WSURL         string        `yaml:"ws_url"`
	LedgerAddress string        `yaml:"ledger_address"`
	Timeout       time.Duration `yaml:"timeout"`
}

type SignerConfig struct {
	PrivateKey string `yaml:"private_key"`
}

type BatchConfig struct {
	FundingSize     int           `yaml:"funding_size"`
	LiquidationSize int           `yaml:"liquidation_size"`
	Pacing          time.Duration `yaml:"pacing"`
}

type GasConfig struct {
	BufferPct     int    `yaml:"buffer_pct"`
	FallbackLimit uint64 `yaml:"fallback_limit"`
}

type FeesConfig struct {
	FundingMultiplier     float64 `yaml:"funding_multiplier"`
	LiquidationMultiplier float64 `yaml:"liquidation_multiplier"`
	UnderpricedBump       float64 `yaml:"underpriced_bump"`
	FallbackGasPriceGwei  float64 `yaml:"fallback_gas_price_gwei"`
	MaxFeeGwei            float64 `yaml:"max_fee_gwei"`
}

type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	StalePause   time.Duration `yaml:"stale_pause"`
}

type ConfirmConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxPolls     int           `yaml:"max_polls"`
}

type CycleConfig struct {
	Interval     time.Duration `yaml:"interval"`
	PhasePacing  time.Duration `yaml:"phase_pacing"`
	ReadAttempts int           `yaml:"read_attempts"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled != nil && *m.Enabled
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Chain.Timeout == 0 {
		cfg.Chain.Timeout = 15 * time.Second
	}
	if cfg.Batch.FundingSize == 0 {
		cfg.Batch.FundingSize = 400
	}
	if cfg.Batch.LiquidationSize == 0 {
		cfg.Batch.LiquidationSize = 5
	}
	if cfg.Batch.Pacing == 0 {
		cfg.Batch.Pacing = time.Second
	}
	if cfg.Gas.BufferPct == 0 {
		cfg.Gas.BufferPct = 10
	}
	if cfg.Gas.FallbackLimit == 0 {
		cfg.Gas.FallbackLimit = 30_000_000
	}
	if cfg.Fees.FundingMultiplier == 0 {
		cfg.Fees.FundingMultiplier = 2
	}
	if cfg.Fees.LiquidationMultiplier == 0 {
		cfg.Fees.LiquidationMultiplier = 2
	}
	if cfg.Fees.UnderpricedBump == 0 {
		cfg.Fees.UnderpricedBump = 1.25
	}
	if cfg.Fees.FallbackGasPriceGwei == 0 {
		cfg.Fees.FallbackGasPriceGwei = 5
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 5
	}
	if cfg.Retry.InitialDelay == 0 {
		cfg.Retry.InitialDelay = 2 * time.Second
	}
	if cfg.Retry.StalePause == 0 {
		cfg.Retry.StalePause = 500 * time.Millisecond
	}
	if cfg.Confirm.PollInterval == 0 {
		cfg.Confirm.PollInterval = 5 * time.Second
	}
	if cfg.Confirm.MaxPolls == 0 {
		cfg.Confirm.MaxPolls = 30
	}
	if cfg.Cycle.Interval == 0 {
		cfg.Cycle.Interval = 30 * time.Second
	}
	if cfg.Cycle.PhasePacing == 0 {
		cfg.Cycle.PhasePacing = 2 * time.Second
	}
	if cfg.Cycle.ReadAttempts == 0 {
		cfg.Cycle.ReadAttempts = 3
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/pm-keeper.db"
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9101"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func applyEnvOverrides(cfg *Config) {
	if key := strings.TrimSpace(os.Getenv("KEEPER_PRIVATE_KEY")); key != "" {
		cfg.Signer.PrivateKey = key
	}
	if addr := strings.TrimSpace(os.Getenv("KEEPER_LEDGER_ADDRESS")); addr != "" {
		cfg.Chain.LedgerAddress = addr
	}
	if urls := strings.TrimSpace(os.Getenv("KEEPER_RPC_URLS")); urls != "" {
		cfg.Chain.RPCURLs = splitList(urls)
	}
	if token := strings.TrimSpace(os.Getenv("KEEPER_TELEGRAM_TOKEN")); token != "" {
		cfg.Telegram.Token = token
	}
	if chatID := strings.TrimSpace(os.Getenv("KEEPER_TELEGRAM_CHAT_ID")); chatID != "" {
		cfg.Telegram.ChatID = chatID
	}
	if dsn := strings.TrimSpace(os.Getenv("KEEPER_TIMESCALE_DSN")); dsn != "" {
		cfg.Timescale.DSN = dsn
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validate(cfg *Config) error {
	if len(cfg.Chain.RPCURLs) == 0 {
		return errors.New("chain.rpc_urls requires at least one endpoint")
	}
	for i, url := range cfg.Chain.RPCURLs {
		if strings.TrimSpace(url) == "" {
			return fmt.Errorf("chain.rpc_urls[%d] is empty", i)
		}
	}
	if !common.IsHexAddress(strings.TrimSpace(cfg.Chain.LedgerAddress)) {
		return errors.New("chain.ledger_address must be a hex address")
	}
	if cfg.Chain.ChainID < 0 {
		return errors.New("chain.chain_id must be >= 0")
	}
	if strings.TrimSpace(cfg.Signer.PrivateKey) == "" {
		return errors.New("signer.private_key (or KEEPER_PRIVATE_KEY) is required")
	}
	if cfg.Batch.FundingSize <= 0 || cfg.Batch.LiquidationSize <= 0 {
		return errors.New("batch sizes must be > 0")
	}
	if cfg.Batch.Pacing < 0 || cfg.Cycle.PhasePacing < 0 || cfg.Cycle.Interval < 0 {
		return errors.New("pacing and interval durations must be >= 0")
	}
	if cfg.Gas.BufferPct < 0 {
		return errors.New("gas.buffer_pct must be >= 0")
	}
	if cfg.Fees.FundingMultiplier < 1 || cfg.Fees.LiquidationMultiplier < 1 {
		return errors.New("fee multipliers must be >= 1")
	}
	if cfg.Fees.UnderpricedBump < 1 {
		return errors.New("fees.underpriced_bump must be >= 1")
	}
	if cfg.Fees.FallbackGasPriceGwei < 0 || cfg.Fees.MaxFeeGwei < 0 {
		return errors.New("fee gwei values must be >= 0")
	}
	if cfg.Retry.MaxAttempts < 0 || cfg.Retry.InitialDelay < 0 || cfg.Retry.StalePause < 0 {
		return errors.New("retry settings must be >= 0")
	}
	if cfg.Confirm.PollInterval < 0 || cfg.Confirm.MaxPolls < 0 {
		return errors.New("confirm settings must be >= 0")
	}
	if cfg.Metrics.Path != "" && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	if cfg.Telegram.Enabled && (strings.TrimSpace(cfg.Telegram.Token) == "" || strings.TrimSpace(cfg.Telegram.ChatID) == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	return nil
}
