package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/raaihank/pattern-typer/internal/classify"
)

// Loader reads configuration from a YAML file and TYPER_* environment
// variables, and can watch the file for changes.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a loader with its own viper instance
func NewLoader() *Loader {
	return &Loader{v: viper.New()}
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	return NewLoader().Load(configPath)
}

// Load reads the configuration. An empty configPath searches the usual
// locations; a missing file there is not an error.
func (l *Loader) Load(configPath string) (*Config, error) {
	config := GetDefaults()
	v := l.v

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/pattern-typer/")
	v.AddConfigPath("$HOME/.pattern-typer/")

	v.SetEnvPrefix("TYPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	registerEnvKeys(v, config)

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// ConfigFile returns the file the configuration was read from, if any
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Watch re-reads the configuration file whenever it changes. Valid
// configurations are handed to onChange; read or validation failures go to
// onError and the previous configuration stays in force.
func (l *Loader) Watch(onChange func(*Config), onError func(error)) error {
	if l.v.ConfigFileUsed() == "" {
		return errors.New("no configuration file to watch")
	}

	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}

		newConfig := GetDefaults()
		if err := l.v.Unmarshal(newConfig); err != nil {
			onError(fmt.Errorf("failed to unmarshal config after %s: %w", e.Op, err))
			return
		}

		if err := validateConfig(newConfig); err != nil {
			onError(fmt.Errorf("invalid configuration after %s: %w", e.Op, err))
			return
		}

		onChange(newConfig)
	})
	l.v.WatchConfig()

	return nil
}

// registerEnvKeys makes viper aware of the keys most often overridden from
// the environment; AutomaticEnv only applies to keys viper already knows.
func registerEnvKeys(v *viper.Viper, d *Config) {
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("rules.dialect", d.Rules.Dialect)
	v.SetDefault("rules.strict_templates", d.Rules.StrictTemplates)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("rate_limit.enabled", d.RateLimit.Enabled)
	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.redis_url", d.Cache.RedisURL)
	v.SetDefault("database.database_url", d.Database.DatabaseURL)
	v.SetDefault("websocket.username", d.WebSocket.Username)
	v.SetDefault("websocket.password", d.WebSocket.Password)
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("invalid max body size: %d", config.Server.MaxBodyBytes)
	}

	switch config.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	if err := validateRules(&config.Rules); err != nil {
		return err
	}

	if config.RateLimit.Enabled {
		if config.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("invalid rate limit: %v requests per second", config.RateLimit.RequestsPerSecond)
		}
		if config.RateLimit.Burst < 1 {
			return fmt.Errorf("invalid rate limit burst: %d", config.RateLimit.Burst)
		}
	}

	if config.Cache.Enabled && config.Cache.RedisURL == "" {
		return errors.New("cache is enabled but redis_url is empty")
	}

	return nil
}

func validateRules(rules *RulesConfig) error {
	if _, err := classify.ParseDialect(rules.Dialect); err != nil {
		return err
	}

	if rules.MatchTimeout < 0 {
		return fmt.Errorf("invalid match timeout: %s", rules.MatchTimeout)
	}

	for i, entry := range rules.Entries {
		if entry.Pattern == "" {
			return fmt.Errorf("rule %d: empty pattern", i)
		}
		if entry.Flags < 0 {
			return fmt.Errorf("rule %d (%q): negative flags value %d", i, entry.Pattern, entry.Flags)
		}
	}

	return nil
}

// Specs converts the configured entries to rule specs, preserving order
func (r RulesConfig) Specs() []classify.RuleSpec {
	specs := make([]classify.RuleSpec, len(r.Entries))
	for i, entry := range r.Entries {
		specs[i] = classify.RuleSpec{
			Pattern:  entry.Pattern,
			Template: entry.Type,
			Flags:    entry.Flags,
		}
	}
	return specs
}

// BuildTable compiles the configured rules into a rule table
func (r RulesConfig) BuildTable() (*classify.RuleTable, error) {
	dialect, err := classify.ParseDialect(r.Dialect)
	if err != nil {
		return nil, err
	}

	opts := []classify.Option{classify.WithDialect(dialect)}
	if r.MatchTimeout > 0 {
		opts = append(opts, classify.WithMatchTimeout(r.MatchTimeout))
	}
	if r.StrictTemplates {
		opts = append(opts, classify.WithStrictTemplates())
	}

	return classify.NewRuleTable(r.Specs(), opts...)
}
