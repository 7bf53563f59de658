package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store  StoreConfig  `yaml:"store" mapstructure:"store"`
	Ledger LedgerConfig `yaml:"ledger" mapstructure:"ledger"`
	Commit CommitConfig `yaml:"commit" mapstructure:"commit"`
	Vision VisionConfig `yaml:"vision" mapstructure:"vision"`
	Media  MediaConfig  `yaml:"media" mapstructure:"media"`
	Server ServerConfig `yaml:"server" mapstructure:"server"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
}

// StoreConfig selects the attribution store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // postgres | sqlite | mongo | memory
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Database    string `yaml:"database" mapstructure:"database"` // mongo database name
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LedgerConfig points at the ProductTraceability contract.
type LedgerConfig struct {
	RPCURL          string `yaml:"rpc_url" mapstructure:"rpc_url"`
	ContractAddress string `yaml:"contract_address" mapstructure:"contract_address"`
	PrivateKey      string `yaml:"private_key" mapstructure:"private_key"`
	ChainID         int64  `yaml:"chain_id" mapstructure:"chain_id"`
	PollIntervalMs  int    `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
}

// Configured reports whether enough is set to dial the ledger.
func (c LedgerConfig) Configured() bool {
	return c.RPCURL != "" && c.ContractAddress != "" && c.PrivateKey != ""
}

// PollInterval is the receipt polling interval.
func (c LedgerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// CommitConfig bounds the confirmation wait per hop kind.
type CommitConfig struct {
	FirstHopDeadlineSecs int `yaml:"first_hop_deadline_secs" mapstructure:"first_hop_deadline_secs"`
	LaterHopDeadlineSecs int `yaml:"later_hop_deadline_secs" mapstructure:"later_hop_deadline_secs"`
}

func (c CommitConfig) FirstHopDeadline() time.Duration {
	return time.Duration(c.FirstHopDeadlineSecs) * time.Second
}

func (c CommitConfig) LaterHopDeadline() time.Duration {
	return time.Duration(c.LaterHopDeadlineSecs) * time.Second
}

// VisionConfig configures the Claude damage classifier.
type VisionConfig struct {
	AnthropicKey      string  `yaml:"anthropic_key" mapstructure:"anthropic_key"`
	BaseURL           string  `yaml:"base_url" mapstructure:"base_url"`
	Model             string  `yaml:"model" mapstructure:"model"`
	MaxTokens         int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	BreakerThreshold  int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs  int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// MediaConfig configures image storage.
type MediaConfig struct {
	Dir     string `yaml:"dir" mapstructure:"dir"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CUSTODY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults. Every key is registered so env-only values unmarshal.
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.database", "custody")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("ledger.rpc_url", "")
	v.SetDefault("ledger.contract_address", "")
	v.SetDefault("ledger.private_key", "")
	v.SetDefault("ledger.chain_id", 0)
	v.SetDefault("ledger.poll_interval_ms", 2000)
	v.SetDefault("commit.first_hop_deadline_secs", 30)
	v.SetDefault("commit.later_hop_deadline_secs", 15)
	v.SetDefault("vision.anthropic_key", "")
	v.SetDefault("vision.base_url", "")
	v.SetDefault("vision.model", "claude-haiku-4-5-20251001")
	v.SetDefault("vision.max_tokens", 512)
	v.SetDefault("vision.requests_per_second", 2.0)
	v.SetDefault("vision.breaker_threshold", 5)
	v.SetDefault("vision.breaker_reset_secs", 60)
	v.SetDefault("media.dir", "uploads")
	v.SetDefault("media.base_url", "/uploads")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	return &cfg, nil
}

// Validate checks the fields a command mode needs: "read" (store only),
// "write" (store, ledger, commit deadlines) or "serve" (write plus server).
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "postgres", "mongo":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for "+c.Store.Driver)
		}
	case "sqlite", "memory":
	default:
		problems = append(problems, "store.driver must be postgres, sqlite, mongo or memory")
	}

	switch mode {
	case "read":
	case "write", "serve":
		if !c.Ledger.Configured() {
			problems = append(problems, "ledger.rpc_url, ledger.contract_address and ledger.private_key are required")
		}
		if c.Commit.FirstHopDeadlineSecs <= 0 || c.Commit.LaterHopDeadlineSecs <= 0 {
			problems = append(problems, "commit deadlines must be > 0")
		}
		if mode == "serve" && c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
