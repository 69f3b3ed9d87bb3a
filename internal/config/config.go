package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/holiman/uint256"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"yield-guard/internal/logging"
	"yield-guard/internal/source"
)

const envPrefix = "YIELDGUARD"

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Ethereum  EthereumConfig  `mapstructure:"ethereum"`
	Sources   []SourceConfig  `mapstructure:"sources"`
	Fallback  FallbackConfig  `mapstructure:"fallback"`
	Decision  DecisionConfig  `mapstructure:"decision"`
	History   HistoryConfig   `mapstructure:"history"`
	Approval  ApprovalConfig  `mapstructure:"approval"`
	Custody   CustodyConfig   `mapstructure:"custody"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Server    ServerConfig    `mapstructure:"server"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN runs the
// agent without persistence.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
	// SampleRetention bounds persisted rate samples; zero keeps everything.
	SampleRetention time.Duration `mapstructure:"sample_retention"`
}

// SchedulerConfig governs the decision cycle cadence.
type SchedulerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	AlignToBucket bool          `mapstructure:"align_to_bucket"`
	StartupDelay  time.Duration `mapstructure:"startup_delay"`
	CycleTimeout  time.Duration `mapstructure:"cycle_timeout"`
}

// EthereumConfig covers on-chain data access.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	ChainID        uint64        `mapstructure:"chain_id"`
	VaultAddress   string        `mapstructure:"vault_address"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Vault returns the parsed vault address.
func (e EthereumConfig) Vault() common.Address {
	return common.HexToAddress(e.VaultAddress)
}

// SourceConfig describes one tracked lending source.
type SourceConfig struct {
	ID           string `mapstructure:"id"`
	Kind         string `mapstructure:"kind"`
	Name         string `mapstructure:"name"`
	Contract     string `mapstructure:"contract"`
	Asset        string `mapstructure:"asset"`
	FallbackPool string `mapstructure:"fallback_pool"`
}

// FallbackConfig points at the DefiLlama yields API.
type FallbackConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	BaseURL           string        `mapstructure:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	UserAgent         string        `mapstructure:"user_agent"`
}

// DecisionConfig tunes the rebalance rule.
type DecisionConfig struct {
	MinDifferentialBps decimal.Decimal `mapstructure:"min_differential_bps"`
	UseTimeWeighted    bool            `mapstructure:"use_time_weighted"`
	TWAPWindow         time.Duration   `mapstructure:"twap_window"`
	DetectAnomalies    bool            `mapstructure:"detect_anomalies"`
	// Fraction of the held balance moved per proposal, in (0, 1].
	MoveFraction decimal.Decimal `mapstructure:"move_fraction"`
	EstimatedFee string          `mapstructure:"estimated_fee"`
}

// HistoryConfig bounds the rate history and anomaly thresholds.
type HistoryConfig struct {
	Retention          time.Duration   `mapstructure:"retention"`
	MaxSamples         int             `mapstructure:"max_samples"`
	VelocityThreshold  decimal.Decimal `mapstructure:"velocity_threshold"`
	VelocityHigh       decimal.Decimal `mapstructure:"velocity_high"`
	DeviationThreshold decimal.Decimal `mapstructure:"deviation_threshold"`
	DeviationHigh      decimal.Decimal `mapstructure:"deviation_high"`
	StaleAfter         time.Duration   `mapstructure:"stale_after"`
}

// ApprovalConfig configures the approval workflow.
type ApprovalConfig struct {
	Timeout              time.Duration `mapstructure:"timeout"`
	AutoExecuteThreshold string        `mapstructure:"auto_execute_threshold"`
	BaseURL              string        `mapstructure:"base_url"`
	Persist              bool          `mapstructure:"persist"`
	AssetDecimals        int32         `mapstructure:"asset_decimals"`
	AssetSymbol          string        `mapstructure:"asset_symbol"`
}

// CustodyConfig carries the master key material. MasterKey wins over DevSeed;
// DevSeed is refused in production. With neither set the auto lane is off.
type CustodyConfig struct {
	MasterKey   string        `mapstructure:"master_key"`
	DevSeed     string        `mapstructure:"dev_seed"`
	KeyValidity time.Duration `mapstructure:"key_validity"`
	SpendLimit  string        `mapstructure:"spend_limit"`
}

// ExecutionConfig points at the instruction relay.
type ExecutionConfig struct {
	RelayURL       string        `mapstructure:"relay_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	AwaitTimeout   time.Duration `mapstructure:"await_timeout"`
	Validity       time.Duration `mapstructure:"validity"`
}

// TelegramConfig 描述 Telegram 审批通知参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ServerConfig exposes the approval callback API.
type ServerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Addr           string        `mapstructure:"addr"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from an optional .env file, environment,
// config file, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv() error {
	file := os.Getenv(envPrefix + "_ENV_FILE")
	if file == "" {
		file = ".env"
	}
	if err := godotenv.Load(file); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", file, err)
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "yieldguard")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.ensure_schema", true)
	v.SetDefault("database.sample_retention", "720h")

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.cycle_timeout", "2m")

	v.SetDefault("ethereum.rpc_url", "")
	v.SetDefault("ethereum.vault_address", "")
	v.SetDefault("ethereum.chain_id", 8453)
	v.SetDefault("ethereum.request_timeout", "10s")

	v.SetDefault("fallback.enabled", true)
	v.SetDefault("fallback.base_url", "https://yields.llama.fi")
	v.SetDefault("fallback.timeout", "15s")
	v.SetDefault("fallback.cache_ttl", "5m")
	v.SetDefault("fallback.requests_per_minute", 10)
	v.SetDefault("fallback.user_agent", "")

	v.SetDefault("decision.min_differential_bps", "50")
	v.SetDefault("decision.use_time_weighted", true)
	v.SetDefault("decision.twap_window", "6h")
	v.SetDefault("decision.detect_anomalies", true)
	v.SetDefault("decision.move_fraction", "1")
	v.SetDefault("decision.estimated_fee", "0")

	v.SetDefault("history.retention", "24h")
	v.SetDefault("history.max_samples", 1440)
	v.SetDefault("history.velocity_threshold", "0.5")
	v.SetDefault("history.velocity_high", "1.0")
	v.SetDefault("history.deviation_threshold", "0.2")
	v.SetDefault("history.deviation_high", "0.5")
	v.SetDefault("history.stale_after", "30m")

	v.SetDefault("approval.timeout", "24h")
	v.SetDefault("approval.auto_execute_threshold", "0")
	v.SetDefault("approval.base_url", "http://localhost:8080/approve")
	v.SetDefault("approval.persist", true)
	v.SetDefault("approval.asset_decimals", 6)
	v.SetDefault("approval.asset_symbol", "USDC")

	v.SetDefault("custody.master_key", "")
	v.SetDefault("custody.dev_seed", "")
	v.SetDefault("custody.key_validity", "168h")
	v.SetDefault("custody.spend_limit", "0")

	v.SetDefault("execution.relay_url", "")
	v.SetDefault("execution.request_timeout", "15s")
	v.SetDefault("execution.poll_interval", "5s")
	v.SetDefault("execution.await_timeout", "5m")
	v.SetDefault("execution.validity", "24h")

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.api_base", "https://api.telegram.org")
	v.SetDefault("telegram.timeout", "10s")

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			decimalHook(),
		)
	}
}

func decimalHook() mapstructure.DecodeHookFuncType {
	decimalType := reflect.TypeOf(decimal.Decimal{})
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return decimal.NewFromString(strings.TrimSpace(v))
		case float64:
			return decimal.NewFromFloat(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		}
		return data, nil
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Decision.MinDifferentialBps.IsNegative() {
		return fmt.Errorf("decision.min_differential_bps cannot be negative")
	}
	if !c.Decision.MoveFraction.IsPositive() || c.Decision.MoveFraction.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("decision.move_fraction must be in (0, 1]")
	}
	if c.History.MaxSamples <= 0 {
		return fmt.Errorf("history.max_samples must be greater than zero")
	}
	if c.Approval.Timeout <= 0 {
		return fmt.Errorf("approval.timeout must be greater than zero")
	}
	if c.Execution.Validity < c.Approval.Timeout {
		return fmt.Errorf("execution.validity (%s) must cover approval.timeout (%s)", c.Execution.Validity, c.Approval.Timeout)
	}
	if _, err := ParseAmount(c.Approval.AutoExecuteThreshold); err != nil {
		return fmt.Errorf("approval.auto_execute_threshold: %w", err)
	}
	if _, err := ParseAmount(c.Custody.SpendLimit); err != nil {
		return fmt.Errorf("custody.spend_limit: %w", err)
	}
	if _, err := ParseAmount(c.Decision.EstimatedFee); err != nil {
		return fmt.Errorf("decision.estimated_fee: %w", err)
	}
	if c.Ethereum.VaultAddress != "" && !common.IsHexAddress(c.Ethereum.VaultAddress) {
		return fmt.Errorf("ethereum.vault_address is not a hex address")
	}
	if c.Custody.DevSeed != "" && strings.EqualFold(c.App.Environment, "production") {
		return fmt.Errorf("custody.dev_seed is not allowed in production")
	}

	seen := make(map[string]struct{}, len(c.Sources))
	for i, s := range c.Sources {
		if s.ID == "" {
			return fmt.Errorf("sources[%d].id is required", i)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("sources[%d].id %q is duplicated", i, s.ID)
		}
		seen[s.ID] = struct{}{}
		if _, err := source.ParseKind(s.Kind); err != nil {
			return fmt.Errorf("sources[%d]: %w", i, err)
		}
		if !common.IsHexAddress(s.Contract) {
			return fmt.Errorf("sources[%d].contract is not a hex address", i)
		}
		if s.Asset != "" && !common.IsHexAddress(s.Asset) {
			return fmt.Errorf("sources[%d].asset is not a hex address", i)
		}
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token 必须配置")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ParseAmount parses a base-unit integer amount. Empty means zero.
func ParseAmount(raw string) (uint256.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return uint256.Int{}, nil
	}
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	return *v, nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
