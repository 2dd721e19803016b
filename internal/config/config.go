package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. SOPFORGE_DB_HOST.
const EnvPrefix = "SOPFORGE"

// StageModel holds the model parameters used for one stage.
type StageModel struct {
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// Config holds the configuration for the application.
type Config struct {
	Environment   string `mapstructure:"environment"`
	DevModeBypass bool   `mapstructure:"dev_mode_bypass"`

	Server struct {
		Addr         string        `mapstructure:"addr"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
		CertFile     string        `mapstructure:"cert_file"`
		KeyFile      string        `mapstructure:"key_file"`
		TLSHostnames []string      `mapstructure:"tls_hostnames"`
	} `mapstructure:"server"`

	DB struct {
		Driver   string `mapstructure:"driver"`
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
		Path     string `mapstructure:"path"`
	} `mapstructure:"db"`

	Auth struct {
		OktaDomain      string `mapstructure:"okta_domain"`
		ClientID        string `mapstructure:"client_id"`
		ClientSecret    string `mapstructure:"client_secret"`
		RedirectURL     string `mapstructure:"redirect_url"`
		SwaggerClientID string `mapstructure:"swagger_client_id"`
		DevOrgDomain    string `mapstructure:"dev_org_domain"`
	} `mapstructure:"auth"`

	AI struct {
		Provider      string                `mapstructure:"provider"`
		APIKey        string                `mapstructure:"api_key"`
		BaseURL       string                `mapstructure:"base_url"`
		SidecarURL    string                `mapstructure:"sidecar_url"`
		Timeout       time.Duration         `mapstructure:"timeout"`
		RatePerMinute int                   `mapstructure:"rate_per_minute"`
		Burst         int                   `mapstructure:"burst"`
		Stages        map[string]StageModel `mapstructure:"stages"`
	} `mapstructure:"ai"`

	Pipeline struct {
		MaxAttempts      int     `mapstructure:"max_attempts"`
		QualityThreshold float64 `mapstructure:"quality_threshold"`
		MinConfidence    float64 `mapstructure:"min_confidence"`
		GovernanceStages []int   `mapstructure:"governance_stages"`
		AutoAdvance      bool    `mapstructure:"auto_advance"`
	} `mapstructure:"pipeline"`

	Council struct {
		Quorum        int           `mapstructure:"quorum"`
		GateDeadline  time.Duration `mapstructure:"gate_deadline"`
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
	} `mapstructure:"council"`

	Notifications struct {
		QueueSize int `mapstructure:"queue_size"`
	} `mapstructure:"notifications"`

	Prompts struct {
		CacheTTL time.Duration `mapstructure:"cache_ttl"`
	} `mapstructure:"prompts"`

	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`

	v *viper.Viper
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("environment", "DEV")
	v.SetDefault("dev_mode_bypass", false)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 120*time.Second)

	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.name", "sopforge")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.path", "sopforge.db")

	v.SetDefault("ai.provider", "none")
	v.SetDefault("ai.sidecar_url", "http://localhost:8000")
	v.SetDefault("ai.timeout", 60*time.Second)
	v.SetDefault("ai.rate_per_minute", 60)
	v.SetDefault("ai.burst", 5)
	v.SetDefault("ai.stages", map[string]any{
		"generate-sop":         map[string]any{"model": "gpt-4o-mini", "temperature": 0.2, "max_tokens": 2048},
		"audit-waste":          map[string]any{"model": "gpt-4o-mini", "temperature": 0.2, "max_tokens": 2048},
		"architect-agents":     map[string]any{"model": "gpt-4o", "temperature": 0.4, "max_tokens": 3072},
		"generate-agent-specs": map[string]any{"model": "gpt-4o", "temperature": 0.3, "max_tokens": 4096},
		"judge-quality":        map[string]any{"model": "gpt-4o", "temperature": 0.0, "max_tokens": 1024},
	})

	v.SetDefault("pipeline.max_attempts", 3)
	v.SetDefault("pipeline.quality_threshold", 70.0)
	v.SetDefault("pipeline.min_confidence", 0.5)
	v.SetDefault("pipeline.governance_stages", []int{})
	v.SetDefault("pipeline.auto_advance", false)

	v.SetDefault("council.quorum", 3)
	v.SetDefault("council.gate_deadline", 72*time.Hour)
	v.SetDefault("council.sweep_interval", time.Minute)

	v.SetDefault("notifications.queue_size", 256)
	v.SetDefault("prompts.cache_ttl", 5*time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Default returns a Config populated only from defaults.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := decode(v)
	if err != nil {
		panic(fmt.Sprintf("config defaults do not decode: %v", err))
	}
	return cfg
}

// LoadConfig loads the configuration from a file and the environment. An
// empty path searches for config.yaml in . and ./config; a missing file is
// not an error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// normalize OKTA issuer url (strip trailing slash if any)
	config.Auth.OktaDomain = normalizeOktaIssuer(config.Auth.OktaDomain)
	config.v = v

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks values the rest of the service relies on.
func (c *Config) Validate() error {
	var errs []error
	if c.Pipeline.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("pipeline.max_attempts must be at least 1 (got %d)", c.Pipeline.MaxAttempts))
	}
	if c.Pipeline.QualityThreshold < 0 || c.Pipeline.QualityThreshold > 100 {
		errs = append(errs, fmt.Errorf("pipeline.quality_threshold must be within 0..100 (got %v)", c.Pipeline.QualityThreshold))
	}
	for _, stage := range c.Pipeline.GovernanceStages {
		if stage < 1 || stage > 5 {
			errs = append(errs, fmt.Errorf("pipeline.governance_stages contains unknown stage %d", stage))
		}
	}
	if c.Council.Quorum < 1 {
		errs = append(errs, fmt.Errorf("council.quorum must be at least 1 (got %d)", c.Council.Quorum))
	}
	switch c.DB.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("db.driver must be postgres or sqlite (got %q)", c.DB.Driver))
	}
	switch c.AI.Provider {
	case "openai", "sidecar", "none":
	default:
		errs = append(errs, fmt.Errorf("ai.provider must be openai, sidecar or none (got %q)", c.AI.Provider))
	}
	return errors.Join(errs...)
}

// IsDev reports whether the service runs in the DEV environment.
func (c *Config) IsDev() bool {
	return strings.EqualFold(c.Environment, "DEV")
}

// StageModel returns the model parameters configured for a stage slug.
func (c *Config) StageModel(slug string) StageModel {
	return c.AI.Stages[slug]
}

// PostgresDSN builds the connection string for the Postgres store.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DB.User, c.DB.Password, c.DB.Host, c.DB.Port, c.DB.Name, c.DB.SSLMode)
}

// Watch calls onChange with the reloaded configuration whenever the config
// file changes. It is a no-op for configurations without a backing file.
func (c *Config) Watch(onChange func(*Config, error)) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return
	}
	c.v.OnConfigChange(func(fsnotify.Event) {
		onChange(decode(c.v))
	})
	c.v.WatchConfig()
}

// normalizeOktaIssuer strips surrounding whitespace and any trailing slash
// so the issuer can be pasted straight from the Okta admin console.
func normalizeOktaIssuer(input string) string {
	return strings.TrimRight(strings.TrimSpace(input), "/")
}
