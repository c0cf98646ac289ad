package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendWAL      = "wal"
)

// Environment overrides, applied after the yaml file.
const (
	EnvPostgresDSN   = "TRADELEDGER_POSTGRES_DSN"
	EnvRedisAddr     = "TRADELEDGER_REDIS_ADDR"
	EnvRedisPassword = "TRADELEDGER_REDIS_PASSWORD"
)

// DefaultPath is where the setup wizard writes its output.
const DefaultPath = "tradeledger.yaml"

type Config struct {
	LedgerBackend   string
	TradeLogBackend string
	DefaultCurrency string
	NotifierBuffer  int

	Retry    RetryConfig
	Seeds    []Seed
	Log      LogConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	WAL      WALConfig
	Web      WebConfig
}

type RetryConfig struct {
	MaxRetries int
	Initial    time.Duration
	Max        time.Duration
}

// Seed is an opening cash balance credited once per account and currency.
type Seed struct {
	AccountID string
	Currency  string
	Amount    decimal.Decimal
}

type LogConfig struct {
	Level  string
	Format string
}

type PostgresConfig struct {
	DSN      string
	MaxConns int32
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// Channel enables the pub/sub commit sink when set.
	Channel string
}

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

type WALConfig struct {
	TradesDir  string
	JournalDir string
}

type WebConfig struct {
	Addr         string
	TLSDomains   []string
	CertCacheDir string
}

// ConfigTmp mirrors the yaml file. Numbers are kept as strings and parsed
// into Config so that decimal amounts never pass through float64.
type ConfigTmp struct {
	Ledger          string      `yaml:"ledger"`
	TradeLog        string      `yaml:"trade_log"`
	DefaultCurrency string      `yaml:"default_currency,omitempty"`
	NotifierBuffer  string      `yaml:"notifier_buffer,omitempty"`
	Retry           RetryTmp    `yaml:"retry,omitempty"`
	Seeds           []SeedTmp   `yaml:"seed_balances,omitempty"`
	Log             LogTmp      `yaml:"log,omitempty"`
	Postgres        PostgresTmp `yaml:"postgres,omitempty"`
	Redis           RedisTmp    `yaml:"redis,omitempty"`
	Kafka           KafkaTmp    `yaml:"kafka,omitempty"`
	WAL             WALTmp      `yaml:"wal,omitempty"`
	Web             WebTmp      `yaml:"web,omitempty"`
}

type RetryTmp struct {
	MaxRetries string        `yaml:"max_retries,omitempty"`
	Initial    time.Duration `yaml:"initial_interval,omitempty"`
	Max        time.Duration `yaml:"max_interval,omitempty"`
}

type SeedTmp struct {
	AccountID string `yaml:"account_id"`
	Currency  string `yaml:"currency,omitempty"`
	Amount    string `yaml:"amount"`
}

type LogTmp struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

type PostgresTmp struct {
	DSN      string `yaml:"dsn,omitempty"`
	MaxConns string `yaml:"max_conns,omitempty"`
}

type RedisTmp struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       string `yaml:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
	Channel  string `yaml:"channel,omitempty"`
}

type KafkaTmp struct {
	Brokers      []string      `yaml:"brokers,omitempty"`
	Topic        string        `yaml:"topic,omitempty"`
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty"`
}

type WALTmp struct {
	TradesDir  string `yaml:"trades_dir,omitempty"`
	JournalDir string `yaml:"journal_dir,omitempty"`
}

type WebTmp struct {
	Addr         string   `yaml:"addr,omitempty"`
	TLSDomains   []string `yaml:"tls_domains,omitempty"`
	CertCacheDir string   `yaml:"cert_cache_dir,omitempty"`
}

// Default returns an in-memory configuration that needs no external services.
func Default() Config {
	return Config{
		LedgerBackend:   BackendMemory,
		TradeLogBackend: BackendMemory,
		DefaultCurrency: "USD",
		NotifierBuffer:  256,
		Retry: RetryConfig{
			MaxRetries: 3,
			Initial:    20 * time.Millisecond,
			Max:        500 * time.Millisecond,
		},
		Log:      LogConfig{Level: "info", Format: "json"},
		Postgres: PostgresConfig{MaxConns: 10},
		Redis:    RedisConfig{Addr: "localhost:6379", Prefix: "tradeledger"},
		Kafka:    KafkaConfig{Topic: "trades.committed", WriteTimeout: 5 * time.Second},
		WAL:      WALConfig{TradesDir: "./wal/trades", JournalDir: "./wal/reconciliation"},
		Web:      WebConfig{Addr: ":8080", CertCacheDir: "cert-cache"},
	}
}

// Get reads command line flags, loads .env and the optional yaml file.
// setup is true when the operator asked for the configuration wizard.
func Get() (cfg Config, setup bool, _ error) {
	path := flag.String("config", "", "path to yaml config")
	runSetup := flag.Bool("setup", false, "run the interactive configuration wizard")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, false, errors.Wrap(err, "load .env")
	}

	if *runSetup {
		return Config{}, true, nil
	}

	if *path == "" {
		cfg = Default()
	} else {
		var err error
		if cfg, err = Load(*path); err != nil {
			return Config{}, false, err
		}
	}

	applyEnv(&cfg, os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, false, err
	}
	return cfg, false, nil
}

// Load parses a yaml file on top of Default.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}
	return Parse(data)
}

// Parse parses yaml config bytes on top of Default.
func Parse(data []byte) (Config, error) {
	var tmp ConfigTmp
	if err := yaml.Unmarshal(data, &tmp); err != nil {
		return Config{}, errors.Wrap(err, "decode yaml config")
	}
	return tmp.toConfig()
}

func (c ConfigTmp) toConfig() (Config, error) {
	cfg := Default()

	setString(&cfg.LedgerBackend, c.Ledger)
	setString(&cfg.TradeLogBackend, c.TradeLog)
	setString(&cfg.DefaultCurrency, strings.ToUpper(c.DefaultCurrency))
	if err := setInt(&cfg.NotifierBuffer, c.NotifierBuffer, "notifier_buffer"); err != nil {
		return Config{}, err
	}

	if err := setInt(&cfg.Retry.MaxRetries, c.Retry.MaxRetries, "retry.max_retries"); err != nil {
		return Config{}, err
	}
	if c.Retry.Initial > 0 {
		cfg.Retry.Initial = c.Retry.Initial
	}
	if c.Retry.Max > 0 {
		cfg.Retry.Max = c.Retry.Max
	}

	for i, s := range c.Seeds {
		amount, err := decimal.NewFromString(s.Amount)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect 'seed_balances[%d].amount' param in yaml config (must be a decimal), error: %w", i, err)
		}
		currency := strings.ToUpper(s.Currency)
		if currency == "" {
			currency = cfg.DefaultCurrency
		}
		cfg.Seeds = append(cfg.Seeds, Seed{AccountID: s.AccountID, Currency: currency, Amount: amount})
	}

	setString(&cfg.Log.Level, c.Log.Level)
	setString(&cfg.Log.Format, c.Log.Format)

	setString(&cfg.Postgres.DSN, c.Postgres.DSN)
	if c.Postgres.MaxConns != "" {
		n, err := strconv.ParseInt(c.Postgres.MaxConns, 10, 32)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect 'postgres.max_conns' param in yaml config (must be an integer), error: %w", err)
		}
		cfg.Postgres.MaxConns = int32(n)
	}

	setString(&cfg.Redis.Addr, c.Redis.Addr)
	setString(&cfg.Redis.Password, c.Redis.Password)
	setString(&cfg.Redis.Prefix, c.Redis.Prefix)
	setString(&cfg.Redis.Channel, c.Redis.Channel)
	if err := setInt(&cfg.Redis.DB, c.Redis.DB, "redis.db"); err != nil {
		return Config{}, err
	}

	if len(c.Kafka.Brokers) > 0 {
		cfg.Kafka.Brokers = c.Kafka.Brokers
	}
	setString(&cfg.Kafka.Topic, c.Kafka.Topic)
	if c.Kafka.WriteTimeout > 0 {
		cfg.Kafka.WriteTimeout = c.Kafka.WriteTimeout
	}

	setString(&cfg.WAL.TradesDir, c.WAL.TradesDir)
	setString(&cfg.WAL.JournalDir, c.WAL.JournalDir)

	setString(&cfg.Web.Addr, c.Web.Addr)
	setString(&cfg.Web.CertCacheDir, c.Web.CertCacheDir)
	cfg.Web.TLSDomains = c.Web.TLSDomains

	return cfg, nil
}

// Validate checks backend names and the settings each backend needs.
func (c Config) Validate() error {
	switch c.LedgerBackend {
	case BackendMemory, BackendPostgres, BackendRedis:
	default:
		return fmt.Errorf("unsupported ledger backend %q (memory, postgres or redis)", c.LedgerBackend)
	}
	switch c.TradeLogBackend {
	case BackendMemory, BackendWAL, BackendPostgres:
	default:
		return fmt.Errorf("unsupported trade_log backend %q (memory, wal or postgres)", c.TradeLogBackend)
	}
	if c.NeedsPostgres() && c.Postgres.DSN == "" {
		return fmt.Errorf("postgres backend selected but no dsn given (yaml postgres.dsn or %s)", EnvPostgresDSN)
	}
	if c.NeedsRedis() && c.Redis.Addr == "" {
		return fmt.Errorf("redis selected but no address given (yaml redis.addr or %s)", EnvRedisAddr)
	}
	if c.Retry.MaxRetries < 0 {
		return errors.New("retry.max_retries must not be negative")
	}
	if c.NotifierBuffer <= 0 {
		return errors.New("notifier_buffer must be positive")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("kafka brokers given without a topic")
	}
	for i, s := range c.Seeds {
		if s.AccountID == "" {
			return fmt.Errorf("seed_balances[%d]: account_id is required", i)
		}
		if s.Amount.IsNegative() {
			return fmt.Errorf("seed_balances[%d]: amount must not be negative", i)
		}
	}
	return nil
}

// NeedsPostgres reports whether any store lives in Postgres.
func (c Config) NeedsPostgres() bool {
	return c.LedgerBackend == BackendPostgres || c.TradeLogBackend == BackendPostgres
}

// NeedsRedis reports whether a Redis client is required.
func (c Config) NeedsRedis() bool {
	return c.LedgerBackend == BackendRedis || c.Redis.Channel != ""
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv(EnvPostgresDSN); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := getenv(EnvRedisAddr); v != "" {
		cfg.Redis.Addr = v
	}
	if v := getenv(EnvRedisPassword); v != "" {
		cfg.Redis.Password = v
	}
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setInt(dst *int, v, name string) error {
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("incorrect '%s' param in yaml config (must be an integer), error: %w", name, err)
	}
	*dst = n
	return nil
}
