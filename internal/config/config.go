package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/t77yq/crisis-escalation/internal/model"
)

// ErrConfig is the sentinel wrapped by every ConfigError
var ErrConfig = errors.New("invalid configuration")

// ConfigError reports a missing or malformed configuration entry
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfig }

// Config is the full service configuration
type Config struct {
	Server      ServerConfig           `mapstructure:"server"`
	Log         LogConfig              `mapstructure:"log"`
	Store       StoreConfig            `mapstructure:"store"`
	NATS        NATSConfig             `mapstructure:"nats"`
	Escalation  EscalationConfig       `mapstructure:"escalation"`
	Dedup       DedupConfig            `mapstructure:"dedup"`
	Notify      NotifyConfig           `mapstructure:"notify"`
	RiskTypes   map[string]RiskProfile `mapstructure:"risk_types"`
	Training    TrainingConfig         `mapstructure:"training"`
	Maintenance MaintenanceConfig      `mapstructure:"maintenance"`
	Monitor     MonitorConfig          `mapstructure:"monitor"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig configures logging
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

type NATSConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URL            string        `mapstructure:"url"`
	Stream         string        `mapstructure:"stream"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// EscalationConfig holds the tier table. Tier n fires SLA after tier n-1
// (tier 1 is measured from alert creation).
type EscalationConfig struct {
	InitialRecipients []string     `mapstructure:"initial_recipients"`
	Tiers             []TierConfig `mapstructure:"tiers"`
}

type TierConfig struct {
	SLA        time.Duration `mapstructure:"sla"`
	Recipients []string      `mapstructure:"recipients"`
}

type DedupConfig struct {
	Window time.Duration `mapstructure:"window"`
}

type NotifyConfig struct {
	Transport     string        `mapstructure:"transport"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	ExcerptLength int           `mapstructure:"excerpt_length"`
	PageSubject   string        `mapstructure:"page_subject"`
	SMTP          SMTPConfig    `mapstructure:"smtp"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// RiskProfile controls how a risk type is presented to clinicians
type RiskProfile struct {
	Label   string `mapstructure:"label"`
	Urgency string `mapstructure:"urgency"`
}

type TrainingConfig struct {
	QualityThreshold float64       `mapstructure:"quality_threshold"`
	StaleAfter       time.Duration `mapstructure:"stale_after"`
}

type MaintenanceConfig struct {
	DedupSweep     string        `mapstructure:"dedup_sweep"`
	Prune          string        `mapstructure:"prune"`
	KeywordRefresh string        `mapstructure:"keyword_refresh"`
	Retention      time.Duration `mapstructure:"retention"`
}

type MonitorConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// Load reads configuration from the given file (optional) and the environment.
// An empty path searches ./config and . for config.yaml.
func Load(path string) (*Config, *viper.Viper, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CRISIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// SetDefaults registers every default on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "crisis_alerts.db")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.stream", "CRISIS")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.connect_timeout", "5s")
	v.SetDefault("escalation.initial_recipients", []string{"oncall-clinician@example.org"})
	v.SetDefault("escalation.tiers", []map[string]interface{}{
		{"sla": "5m", "recipients": []string{"oncall-clinician@example.org"}},
		{"sla": "5m", "recipients": []string{"clinical-lead@example.org"}},
		{"sla": "10m", "recipients": []string{"medical-director@example.org"}},
	})
	v.SetDefault("dedup.window", "10m")
	v.SetDefault("notify.transport", "log")
	v.SetDefault("notify.retry_backoff", "2s")
	v.SetDefault("notify.timeout", "10s")
	v.SetDefault("notify.rate_per_second", 20.0)
	v.SetDefault("notify.excerpt_length", 280)
	v.SetDefault("notify.page_subject", "crisis.page")
	v.SetDefault("notify.smtp.port", 587)
	v.SetDefault("risk_types", map[string]interface{}{
		"suicidal":  map[string]interface{}{"label": "Suicidal ideation", "urgency": "immediate"},
		"self_harm": map[string]interface{}{"label": "Self-harm", "urgency": "immediate"},
		"psychosis": map[string]interface{}{"label": "Psychosis indicators", "urgency": "urgent"},
		"violence":  map[string]interface{}{"label": "Risk of violence", "urgency": "immediate"},
	})
	v.SetDefault("training.quality_threshold", 0.5)
	v.SetDefault("training.stale_after", "720h")
	v.SetDefault("maintenance.dedup_sweep", "0 * * * * *")
	v.SetDefault("maintenance.prune", "0 0 * * * *")
	v.SetDefault("maintenance.keyword_refresh", "0 */15 * * * *")
	v.SetDefault("maintenance.retention", "24h")
	v.SetDefault("monitor.interval", "30s")
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration and returns the first ConfigError found
func (c *Config) Validate() error {
	if len(c.Escalation.Tiers) == 0 {
		return &ConfigError{Key: "escalation.tiers", Reason: "at least one tier is required"}
	}
	for i, tier := range c.Escalation.Tiers {
		key := fmt.Sprintf("escalation.tiers[%d]", i)
		if tier.SLA <= 0 {
			return &ConfigError{Key: key + ".sla", Reason: "must be positive"}
		}
		if len(tier.Recipients) == 0 {
			return &ConfigError{Key: key + ".recipients", Reason: "must not be empty"}
		}
	}
	if len(c.Escalation.InitialRecipients) == 0 {
		return &ConfigError{Key: "escalation.initial_recipients", Reason: "must not be empty"}
	}
	if c.Dedup.Window < 0 {
		return &ConfigError{Key: "dedup.window", Reason: "must not be negative"}
	}
	switch c.Notify.Transport {
	case "smtp":
		if c.Notify.SMTP.Host == "" || c.Notify.SMTP.From == "" {
			return &ConfigError{Key: "notify.smtp", Reason: "host and from are required"}
		}
	case "nats":
		if !c.NATS.Enabled {
			return &ConfigError{Key: "notify.transport", Reason: "nats transport requires nats.enabled"}
		}
	case "log":
	default:
		return &ConfigError{Key: "notify.transport", Reason: fmt.Sprintf("unknown transport %q", c.Notify.Transport)}
	}
	if _, err := c.RiskProfiles(); err != nil {
		return err
	}
	switch c.Store.Driver {
	case "memory", "sqlite":
	default:
		return &ConfigError{Key: "store.driver", Reason: fmt.Sprintf("unknown driver %q", c.Store.Driver)}
	}
	if c.Monitor.Interval <= 0 {
		return &ConfigError{Key: "monitor.interval", Reason: "must be positive"}
	}
	if c.Training.QualityThreshold < 0 || c.Training.QualityThreshold > 1 {
		return &ConfigError{Key: "training.quality_threshold", Reason: "must be within [0, 1]"}
	}
	return nil
}

// RiskProfiles builds the risk-type lookup table. Every known risk type
// must have an entry.
func (c *Config) RiskProfiles() (map[model.RiskType]RiskProfile, error) {
	table := make(map[model.RiskType]RiskProfile, len(model.RiskTypes))
	for _, rt := range model.RiskTypes {
		p, ok := c.RiskTypes[string(rt)]
		if !ok {
			return nil, &ConfigError{Key: "risk_types." + string(rt), Reason: "missing profile"}
		}
		if p.Label == "" {
			p.Label = string(rt)
		}
		table[rt] = p
	}
	return table, nil
}

// Watch invokes onChange with the re-validated configuration whenever the
// config file changes. Invalid edits are logged and ignored.
func Watch(v *viper.Viper, logger *zap.Logger, onChange func(*Config)) {
	logger = logger.Named("config")
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			logger.Error("Ignoring invalid config change",
				zap.String("file", e.Name),
				zap.Error(err))
			return
		}
		logger.Info("Config reloaded",
			zap.String("file", e.Name),
			zap.String("op", e.Op.String()))
		onChange(cfg)
	})
	v.WatchConfig()
}

// NewLogger builds the service logger
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, &ConfigError{Key: "log.level", Reason: err.Error()}
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}
