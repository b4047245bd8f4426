package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration.
type Config struct {
	Store  StoreConfig  `yaml:"store" mapstructure:"store"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
	Borme  BormeConfig  `yaml:"borme" mapstructure:"borme"`
	Lock   LockConfig   `yaml:"lock" mapstructure:"lock"`
	Server ServerConfig `yaml:"server" mapstructure:"server"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging. ImportDir receives one info and one error
// file per imported day.
type LogConfig struct {
	Level     string `yaml:"level" mapstructure:"level"`
	Format    string `yaml:"format" mapstructure:"format"`
	ImportDir string `yaml:"import_dir" mapstructure:"import_dir"`
}

// BormeConfig configures where publications come from and how they are
// imported.
type BormeConfig struct {
	SummaryURL    string `yaml:"summary_url" mapstructure:"summary_url"`
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	UserAgent     string `yaml:"user_agent" mapstructure:"user_agent"`
	XMLDir        string `yaml:"xml_dir" mapstructure:"xml_dir"`
	PDFDir        string `yaml:"pdf_dir" mapstructure:"pdf_dir"`
	JSONDir       string `yaml:"json_dir" mapstructure:"json_dir"`
	Section       string `yaml:"section" mapstructure:"section"`
	ParserCommand string `yaml:"parser_command" mapstructure:"parser_command"`
	Workers       int    `yaml:"workers" mapstructure:"workers"`
	Strict        bool   `yaml:"strict" mapstructure:"strict"`
	Snapshots     bool   `yaml:"snapshots" mapstructure:"snapshots"`
}

// ParserArgs splits ParserCommand into the binary and its arguments.
func (b BormeConfig) ParserArgs() (string, []string) {
	fields := strings.Fields(b.ParserCommand)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

// LockConfig configures cross-process entity locking. Without a Redis URL
// locks are held in process.
type LockConfig struct {
	RedisURL string        `yaml:"redis_url" mapstructure:"redis_url"`
	TTL      time.Duration `yaml:"ttl" mapstructure:"ttl"`
}

// ServerConfig configures the ops server. A zero DailyInterval disables the
// daily import loop.
type ServerConfig struct {
	Port          int           `yaml:"port" mapstructure:"port"`
	DailyInterval time.Duration `yaml:"daily_interval" mapstructure:"daily_interval"`
}

// Load reads configuration from file and environment. An empty path looks
// for an optional config.yaml in the working directory; an explicit path must
// exist.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("LIBREBORME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.import_dir", "data/log")
	v.SetDefault("borme.summary_url", "https://www.boe.es/diario_borme/xml.php?id=%s")
	v.SetDefault("borme.base_url", "https://www.boe.es")
	v.SetDefault("borme.user_agent", "libreborme/1.0")
	v.SetDefault("borme.xml_dir", "data/xml")
	v.SetDefault("borme.pdf_dir", "data/pdf")
	v.SetDefault("borme.json_dir", "data/json")
	v.SetDefault("borme.section", "A")
	v.SetDefault("borme.parser_command", "bormeparser-json")
	v.SetDefault("borme.workers", 1)
	v.SetDefault("borme.strict", false)
	v.SetDefault("borme.snapshots", true)
	v.SetDefault("lock.redis_url", "")
	v.SetDefault("lock.ttl", "5m")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.daily_interval", "0s")

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

// Validate checks the settings a command mode relies on. Modes are
// "migrate", "import" and "serve".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	case "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not postgres or sqlite", c.Store.Driver))
	}

	switch mode {
	case "migrate":
	case "import", "serve":
		if c.Borme.Workers < 1 || c.Borme.Workers > 32 {
			errs = append(errs, "borme.workers must be between 1 and 32")
		}
		if c.Borme.Section == "" {
			errs = append(errs, "borme.section is required")
		}
		if c.Lock.RedisURL != "" && c.Lock.TTL <= 0 {
			errs = append(errs, "lock.ttl must be > 0 when lock.redis_url is set")
		}
		if mode == "serve" && c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// YAML renders the effective configuration. The database URL is redacted.
func (c *Config) YAML() ([]byte, error) {
	cp := *c
	if cp.Store.DatabaseURL != "" && cp.Store.Driver == "postgres" {
		cp.Store.DatabaseURL = "<redacted>"
	}
	if cp.Lock.RedisURL != "" {
		cp.Lock.RedisURL = "<redacted>"
	}
	out, err := yaml.Marshal(&cp)
	if err != nil {
		return nil, eris.Wrap(err, "config: marshal yaml")
	}
	return out, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	logger, err := NewLogger(cfg)
	if err != nil {
		return err
	}
	zap.ReplaceGlobals(logger)
	return nil
}

// NewLogger builds a logger from cfg.
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, eris.Wrap(err, "config: build logger")
	}
	return logger, nil
}
