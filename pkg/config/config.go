// Package config loads the service configuration of the merge queue from a
// TOML file. Every field has a default, so an absent file is a valid
// configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	mqlog "github.com/holon-run/mergequeue/pkg/log"
	"github.com/holon-run/mergequeue/pkg/redact"
)

// Config is the service configuration.
type Config struct {
	Server    Server    `toml:"server"`
	Scheduler Scheduler `toml:"scheduler"`
	Engine    Engine    `toml:"engine"`
	GitHub    GitHub    `toml:"github"`
	Rules     Rules     `toml:"rules"`
	Log       Log       `toml:"log"`
}

type Server struct {
	Port int `toml:"port"`
	// StateDir holds repository states, event streams and audit logs.
	StateDir string `toml:"state_dir"`
}

type Scheduler struct {
	Workers      int    `toml:"workers"`
	SlotSize     int    `toml:"slot_size"`
	TickInterval string `toml:"tick_interval"`
	// RetryAttempts bounds the attempts of an event failing transiently.
	RetryAttempts int `toml:"retry_attempts"`
}

type Engine struct {
	CommandPrefix string `toml:"command_prefix"`
	// Concurrency bounds the parallel pull request fetches of one cycle.
	Concurrency int `toml:"concurrency"`
	// Redact is the redaction mode of posted comments: off, basic or
	// aggressive.
	Redact string `toml:"redact"`
}

type GitHub struct {
	APIURL string `toml:"api_url"`
	// TokenEnv and WebhookSecretEnv name the environment variables holding
	// the credentials; the credentials never live in the file.
	TokenEnv          string  `toml:"token_env"`
	WebhookSecretEnv  string  `toml:"webhook_secret_env"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
	DispatchEvent     string  `toml:"dispatch_event"`
}

type Rules struct {
	// Path is the rule file used for every repository without its own file
	// in Dir.
	Path string `toml:"path"`
	// Dir holds per-repository rule files named <owner>/<name>.yml.
	Dir string `toml:"dir"`
}

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Server: Server{
			Port:     8080,
			StateDir: ".mergequeue",
		},
		Scheduler: Scheduler{
			Workers:       8,
			SlotSize:      64,
			TickInterval:  "1m",
			RetryAttempts: 5,
		},
		Engine: Engine{
			CommandPrefix: "@mergequeue",
			Concurrency:   4,
			Redact:        string(redact.ModeBasic),
		},
		GitHub: GitHub{
			TokenEnv:          "GITHUB_TOKEN",
			WebhookSecretEnv:  "MERGEQUEUE_WEBHOOK_SECRET",
			RequestsPerSecond: 10,
			Burst:             20,
			DispatchEvent:     "mergequeue-checks",
		},
		Rules: Rules{
			Path: ".mergequeue.yml",
		},
		Log: Log{
			Level:  string(mqlog.LevelProgress),
			Format: mqlog.FormatConsole,
		},
	}
}

// Load reads path over the defaults. A missing file is not an error when
// optional is set.
func Load(path string, optional bool) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return Config{}, fmt.Errorf("invalid config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks ranges and formats.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if strings.TrimSpace(c.Server.StateDir) == "" {
		return errors.New("server.state_dir is required")
	}
	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler.workers must be positive, got %d", c.Scheduler.Workers)
	}
	if c.Scheduler.SlotSize < 1 {
		return fmt.Errorf("scheduler.slot_size must be positive, got %d", c.Scheduler.SlotSize)
	}
	if c.Scheduler.RetryAttempts < 1 {
		return fmt.Errorf("scheduler.retry_attempts must be positive, got %d", c.Scheduler.RetryAttempts)
	}
	if _, err := c.TickInterval(); err != nil {
		return err
	}
	if c.Engine.Concurrency < 1 {
		return fmt.Errorf("engine.concurrency must be positive, got %d", c.Engine.Concurrency)
	}
	if strings.ContainsAny(c.Engine.CommandPrefix, " \t\n") || c.Engine.CommandPrefix == "" {
		return fmt.Errorf("engine.command_prefix must be a single word, got %q", c.Engine.CommandPrefix)
	}
	if _, err := redact.ParseMode(c.Engine.Redact); err != nil {
		return fmt.Errorf("engine.redact: %w", err)
	}
	if c.GitHub.RequestsPerSecond < 0 {
		return fmt.Errorf("github.requests_per_second must not be negative, got %v", c.GitHub.RequestsPerSecond)
	}
	if c.Rules.Path == "" && c.Rules.Dir == "" {
		return errors.New("rules.path or rules.dir is required")
	}
	if _, err := mqlog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case mqlog.FormatConsole, mqlog.FormatJSON:
	default:
		return fmt.Errorf("log.format must be %q or %q, got %q", mqlog.FormatConsole, mqlog.FormatJSON, c.Log.Format)
	}
	return nil
}

// TickInterval parses scheduler.tick_interval.
func (c Config) TickInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Scheduler.TickInterval)
	if err != nil {
		return 0, fmt.Errorf("scheduler.tick_interval: %w", err)
	}
	if d < time.Second {
		return 0, fmt.Errorf("scheduler.tick_interval must be at least 1s, got %s", d)
	}
	return d, nil
}

// Token returns the GitHub token from the configured environment variable.
func (c Config) Token() string {
	if c.GitHub.TokenEnv == "" {
		return ""
	}
	return os.Getenv(c.GitHub.TokenEnv)
}

// WebhookSecret returns the webhook secret from the configured environment
// variable.
func (c Config) WebhookSecret() []byte {
	if c.GitHub.WebhookSecretEnv == "" {
		return nil
	}
	if v := os.Getenv(c.GitHub.WebhookSecretEnv); v != "" {
		return []byte(v)
	}
	return nil
}

// Redactor returns the redactor of posted comments. The configured
// credentials are always redacted.
func (c Config) Redactor() *redact.Redactor {
	mode, _ := redact.ParseMode(c.Engine.Redact)
	var secrets []string
	if token := c.Token(); token != "" {
		secrets = append(secrets, token)
	}
	if secret := c.WebhookSecret(); secret != nil {
		secrets = append(secrets, string(secret))
	}
	return redact.New(redact.Config{Mode: mode, Secrets: secrets})
}

// LogConfig returns the logger configuration.
func (c Config) LogConfig() mqlog.Config {
	return mqlog.Config{Level: mqlog.LogLevel(c.Log.Level), Format: c.Log.Format}
}
