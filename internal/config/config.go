// Package config loads the bridge's file-plus-environment configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML documents can use human-readable
// strings like "5m" instead of integer nanoseconds.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	if value.Value == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// Config is the root configuration document. Every option named in
// spec.md §5/§6 is represented here.
type Config struct {
	Database DatabaseConfig `yaml:"database"`

	GatePollInterval     Duration `yaml:"gate_poll"`
	MailPollInterval     Duration `yaml:"mail_poll"`
	SessionRefresh       Duration `yaml:"session_refresh"`
	GateSessionTTL       Duration `yaml:"gate_session_ttl"`
	SessionRetryCeiling  int      `yaml:"session_retry_ceiling"`

	GateRPM   int `yaml:"gate_rpm"`
	BybitRPM  int `yaml:"bybit_rpm"`
	RecvWindow Duration `yaml:"recv_window"`

	MaxAdsPerAccount int `yaml:"max_ads_per_account"`

	TargetBalance   string `yaml:"target_balance"`
	MinBalance      string `yaml:"min_balance"`
	ShutdownBalance string `yaml:"shutdown_balance"`
	FundKeeperEvery Duration `yaml:"fund_keeper_interval"`

	ReferenceZone string `yaml:"reference_zone"`
	SmallLargeThreshold string `yaml:"small_large_threshold"`

	ChatDeadlines   ChatDeadlines `yaml:"chat_deadlines"`
	BankWhitelist   []string      `yaml:"bank_whitelist"`
	SenderWhitelist []string      `yaml:"sender_whitelist"`

	ManualMode bool `yaml:"manual_mode"`

	RetentionDays int `yaml:"retention_days"`

	AuditOutputDir string   `yaml:"audit_output_dir"`
	AuditEvery     Duration `yaml:"audit_interval"`

	Secrets SecretsConfig `yaml:"secrets"`

	ListenAddress string `yaml:"listen"`
}

// DatabaseConfig selects and configures the persistence backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "postgres" or "sqlite"
	DSN    string `yaml:"dsn"`
}

// ChatDeadlines holds per-stage dialogue timeouts (spec §4.7). Load fills
// in its defaults, but cmd/bridged does not pass it to internal/dialogue,
// whose Runner uses DefaultStageDeadlines and DefaultReminderOffsets.
type ChatDeadlines struct {
	Greeting        Duration `yaml:"greeting"`
	BankConfirm     Duration `yaml:"bank_confirm"`
	ReceiptConfirm  Duration `yaml:"receipt_confirm"`
	KycConfirm      Duration `yaml:"kyc_confirm"`
	AwaitingReceipt Duration `yaml:"awaiting_receipt"`
	ReminderOffsets []Duration `yaml:"reminder_offsets"`
}

// SecretsConfig tells internal/secrets which backend to resolve
// credentials from, following the teacher's env/file fallback chain.
type SecretsConfig struct {
	Backend string `yaml:"backend"` // "env" or "filesystem"
	BaseDir string `yaml:"base_dir"`
	Prefix  string `yaml:"prefix"`
}

// Load reads and validates configuration from path, applying defaults for
// anything unset.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.GatePollInterval.Duration == 0 {
		cfg.GatePollInterval.Duration = 5 * time.Minute
	}
	if cfg.MailPollInterval.Duration == 0 {
		cfg.MailPollInterval.Duration = time.Minute
	}
	if cfg.SessionRefresh.Duration == 0 {
		cfg.SessionRefresh.Duration = 25 * time.Minute
	}
	if cfg.GateSessionTTL.Duration == 0 {
		cfg.GateSessionTTL.Duration = 25 * time.Minute
	}
	if cfg.SessionRetryCeiling == 0 {
		cfg.SessionRetryCeiling = 3
	}
	if cfg.GateRPM == 0 {
		cfg.GateRPM = 240
	}
	if cfg.BybitRPM == 0 {
		cfg.BybitRPM = 120
	}
	if cfg.RecvWindow.Duration == 0 {
		cfg.RecvWindow.Duration = 5 * time.Second
	}
	if cfg.MaxAdsPerAccount == 0 {
		cfg.MaxAdsPerAccount = 2
	}
	if cfg.TargetBalance == "" {
		cfg.TargetBalance = "0"
	}
	if cfg.MinBalance == "" {
		cfg.MinBalance = "0"
	}
	if cfg.ShutdownBalance == "" {
		cfg.ShutdownBalance = "0"
	}
	if cfg.FundKeeperEvery.Duration == 0 {
		cfg.FundKeeperEvery.Duration = 4 * time.Hour
	}
	if cfg.ReferenceZone == "" {
		cfg.ReferenceZone = "Europe/Moscow"
	}
	if cfg.SmallLargeThreshold == "" {
		cfg.SmallLargeThreshold = "50000"
	}
	if cfg.ChatDeadlines.Greeting.Duration == 0 {
		cfg.ChatDeadlines.Greeting.Duration = 20 * time.Minute
	}
	if cfg.ChatDeadlines.BankConfirm.Duration == 0 {
		cfg.ChatDeadlines.BankConfirm.Duration = 20 * time.Minute
	}
	if cfg.ChatDeadlines.ReceiptConfirm.Duration == 0 {
		cfg.ChatDeadlines.ReceiptConfirm.Duration = 20 * time.Minute
	}
	if cfg.ChatDeadlines.KycConfirm.Duration == 0 {
		cfg.ChatDeadlines.KycConfirm.Duration = 20 * time.Minute
	}
	if cfg.ChatDeadlines.AwaitingReceipt.Duration == 0 {
		cfg.ChatDeadlines.AwaitingReceipt.Duration = 30 * time.Minute
	}
	if len(cfg.ChatDeadlines.ReminderOffsets) == 0 {
		cfg.ChatDeadlines.ReminderOffsets = []Duration{
			{Duration: 5 * time.Minute},
			{Duration: 10 * time.Minute},
		}
	}
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = 365
	}
	if cfg.AuditOutputDir == "" {
		cfg.AuditOutputDir = "audit"
	}
	if cfg.AuditEvery.Duration == 0 {
		cfg.AuditEvery.Duration = 24 * time.Hour
	}
	if cfg.Secrets.Backend == "" {
		cfg.Secrets.Backend = "env"
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
}

func validate(cfg Config) error {
	switch cfg.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", cfg.Database.Driver)
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database.dsn must be configured")
	}
	if cfg.GateRPM <= 0 || cfg.BybitRPM <= 0 {
		return fmt.Errorf("gate_rpm and bybit_rpm must be positive")
	}
	if cfg.MaxAdsPerAccount <= 0 {
		return fmt.Errorf("max_ads_per_account must be positive")
	}
	return nil
}
