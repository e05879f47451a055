package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the service configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	Store        StoreConfig        `yaml:"store"`
	Poll         PollConfig         `yaml:"poll"`
	Channels     []string           `yaml:"channels"`
	SVN          SVNConfig          `yaml:"svn"`
	Git          GitConfig          `yaml:"git"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Commands     CommandsConfig     `yaml:"commands"`
	Notify       NotifyConfig       `yaml:"notify"`
	Repositories []RepositoryConfig `yaml:"repositories" validate:"dive"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port" validate:"gte=0,lte=65535"`
	CommandSecret string `yaml:"command_secret"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Dir           string `yaml:"dir"`
	Level         string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	RetentionDays int    `yaml:"retention_days" validate:"gte=0"`
}

// StoreConfig selects where watermarks are persisted.
type StoreConfig struct {
	Driver string `yaml:"driver" validate:"oneof=file sqlite"`
	Path   string `yaml:"path" validate:"required"`
}

// PollConfig controls the poll cycle.
type PollConfig struct {
	Interval          time.Duration `yaml:"interval" validate:"gte=0"`
	QueryTimeout      time.Duration `yaml:"query_timeout" validate:"gt=0"`
	CollapseThreshold int           `yaml:"collapse_threshold" validate:"gte=2"`
	MaxLineLength     int           `yaml:"max_line_length" validate:"gte=64"`
}

// SVNConfig configures how the svn client is invoked.
type SVNConfig struct {
	Binary      string `yaml:"binary"`
	DockerImage string `yaml:"docker_image"`
}

// GitConfig configures plain git repositories.
type GitConfig struct {
	CacheDir string `yaml:"cache_dir"`
}

// ProvidersConfig holds git hosting API settings.
type ProvidersConfig struct {
	GitHub APIConfig `yaml:"github"`
	GitLab APIConfig `yaml:"gitlab"`
}

// APIConfig holds credentials for a hosting API.
type APIConfig struct {
	Token   string `yaml:"token"`
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`
}

// CommandsConfig controls on-demand chat commands.
type CommandsConfig struct {
	DebounceSeconds int `yaml:"debounce_seconds" validate:"gte=0"`
}

// NotifyConfig controls where report lines are delivered.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url" validate:"omitempty,url"`
}

// envVarPattern matches ${VAR_NAME} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 7070,
		},
		Logging: LoggingConfig{
			Level:         "info",
			RetentionDays: 30,
		},
		Store: StoreConfig{
			Driver: "file",
			Path:   "repos.db",
		},
		Poll: PollConfig{
			Interval:          6 * time.Minute,
			QueryTimeout:      30 * time.Second,
			CollapseThreshold: 3,
			MaxLineLength:     430,
		},
		SVN: SVNConfig{
			Binary: "svn",
		},
		Git: GitConfig{
			CacheDir: "cache",
		},
		Commands: CommandsConfig{
			DebounceSeconds: 10,
		},
	}
}

// Load reads, parses and validates the config file at the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(varName)))
	})

	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	seen := make(map[string]bool, len(c.Repositories))
	for _, r := range c.Repositories {
		if strings.ContainsAny(r.Name, " \t\r\n") {
			return fmt.Errorf("validating config: repository name %q contains whitespace", r.Name)
		}
		if seen[r.Name] {
			return fmt.Errorf("validating config: duplicate repository %q", r.Name)
		}
		seen[r.Name] = true
	}

	return nil
}
