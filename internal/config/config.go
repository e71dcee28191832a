package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// expandTilde expands ~ or ~/ at the start of a path to the user's home directory
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// Config holds all configuration for the sync engine.
type Config struct {
	// Tenant scopes the watermark and the run lock.
	Tenant  string        `yaml:"tenant"`
	Legacy  LegacyConfig  `yaml:"legacy"`
	Store   StoreConfig   `yaml:"store"`
	Sync    SyncConfig    `yaml:"sync"`
	API     APIConfig     `yaml:"api"`
	Slack   SlackConfig   `yaml:"slack"`
	Profile ProfileConfig `yaml:"profile,omitempty"`
}

// ProfileConfig holds optional profile metadata.
type ProfileConfig struct {
	Name        string `yaml:"name,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// SlackConfig holds Slack notification settings
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
	Enabled    bool   `yaml:"enabled"`
}

// LegacyConfig describes the legacy platform data API.
type LegacyConfig struct {
	BaseURL           string        `yaml:"base_url"`
	APIToken          string        `yaml:"api_token"`
	PageSize          int           `yaml:"page_size"`
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

// StoreConfig describes the relational store that receives synced records.
type StoreConfig struct {
	Type            string `yaml:"type"` // postgres, mssql or sqlite
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Database        string `yaml:"database"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	Schema          string `yaml:"schema"`
	SSLMode         string `yaml:"ssl_mode"`
	Encrypt         string `yaml:"encrypt"`
	TrustServerCert bool   `yaml:"trust_server_cert"`
	Path            string `yaml:"path"` // sqlite only
	MaxConnections  int    `yaml:"max_connections"`
}

// SyncConfig controls run behaviour.
type SyncConfig struct {
	DefaultMode    string        `yaml:"default_mode"` // full or incremental
	FallbackWindow time.Duration `yaml:"fallback_window"`
	Workers        int           `yaml:"workers"`
	// SkipDeleted disables the second pass that fetches soft-deleted records.
	SkipDeleted bool          `yaml:"skip_deleted"`
	LockTTL     time.Duration `yaml:"lock_ttl"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	DataDir     string        `yaml:"data_dir"`
}

// APIConfig configures the HTTP trigger surface.
type APIConfig struct {
	Listen string `yaml:"listen"`
	Token  string `yaml:"token"`
}

// LoadOptions controls config loading behavior.
type LoadOptions struct {
	SuppressWarnings bool
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	return LoadWithOptions(path, LoadOptions{})
}

// LoadWithOptions reads configuration from a YAML file with options.
func LoadWithOptions(path string, opts LoadOptions) (*Config, error) {
	if warning := checkFilePermissions(path); warning != "" && !opts.SuppressWarnings {
		fmt.Fprint(os.Stderr, warning)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return LoadBytes(data)
}

// LoadBytes reads configuration from YAML bytes.
func LoadBytes(data []byte) (*Config, error) {
	expanded := expandEnvRefs(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.expandSecrets(); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// DefaultDataDir returns the default data directory for run history and profiles.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".fieldsync")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	if err := os.Chmod(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

var (
	templateRef = regexp.MustCompile(`\$\{([^}]*)\}`)
	envName     = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// expandEnvRefs replaces ${VAR} and ${env:VAR} with environment values.
// ${file:...} and malformed references are left for expandTemplateValue or
// kept literally.
func expandEnvRefs(s string) string {
	return templateRef.ReplaceAllStringFunc(s, func(ref string) string {
		name := ref[2 : len(ref)-1]
		name = strings.TrimPrefix(name, "env:")
		if !envName.MatchString(name) {
			return ref
		}
		return os.Getenv(name)
	})
}

// expandTemplateValue resolves a single secret value. A value of the form
// ${file:/path} is replaced by the trimmed file contents; environment
// references behave like expandEnvRefs.
func expandTemplateValue(v string) (string, error) {
	if strings.HasPrefix(v, "${file:") && strings.HasSuffix(v, "}") {
		path := strings.TrimSpace(v[len("${file:") : len(v)-1])
		if path == "" {
			return v, nil
		}
		data, err := os.ReadFile(expandTilde(path))
		if err != nil {
			return "", fmt.Errorf("reading secret file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return expandEnvRefs(v), nil
}

func (c *Config) expandSecrets() error {
	for name, field := range map[string]*string{
		"store.password":    &c.Store.Password,
		"legacy.api_token":  &c.Legacy.APIToken,
		"api.token":         &c.API.Token,
		"slack.webhook_url": &c.Slack.WebhookURL,
	} {
		v, err := expandTemplateValue(*field)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*field = v
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Tenant == "" {
		c.Tenant = "default"
	}

	// Legacy defaults
	c.Legacy.BaseURL = strings.TrimRight(c.Legacy.BaseURL, "/")
	if c.Legacy.PageSize == 0 {
		c.Legacy.PageSize = 100
	}
	if c.Legacy.MaxAttempts == 0 {
		c.Legacy.MaxAttempts = 4
	}
	if c.Legacy.InitialBackoff == 0 {
		c.Legacy.InitialBackoff = 500 * time.Millisecond
	}
	if c.Legacy.MaxBackoff == 0 {
		c.Legacy.MaxBackoff = 10 * time.Second
	}
	if c.Legacy.Timeout == 0 {
		c.Legacy.Timeout = 30 * time.Second
	}

	// Store defaults
	if c.Store.Type == "" {
		c.Store.Type = "postgres"
	}
	if c.Store.Port == 0 {
		switch c.Store.Type {
		case "postgres":
			c.Store.Port = 5432
		case "mssql":
			c.Store.Port = 1433
		}
	}
	if c.Store.Schema == "" {
		switch c.Store.Type {
		case "postgres":
			c.Store.Schema = "public"
		case "mssql":
			c.Store.Schema = "dbo"
		}
	}
	if c.Store.SSLMode == "" {
		c.Store.SSLMode = "require"
	}
	if c.Store.Encrypt == "" {
		c.Store.Encrypt = "true"
	}
	if c.Store.MaxConnections == 0 {
		c.Store.MaxConnections = 10
	}
	c.Store.Path = expandTilde(c.Store.Path)

	// Sync defaults
	if c.Sync.DefaultMode == "" {
		c.Sync.DefaultMode = "incremental"
	}
	if c.Sync.FallbackWindow == 0 {
		c.Sync.FallbackWindow = 7 * 24 * time.Hour
	}
	if c.Sync.Workers == 0 {
		c.Sync.Workers = 4
	}
	if c.Sync.LockTTL == 0 {
		c.Sync.LockTTL = 2 * time.Hour
	}
	if c.Sync.CacheTTL == 0 {
		c.Sync.CacheTTL = 30 * time.Minute
	}
	c.Sync.DataDir = expandTilde(c.Sync.DataDir)

	if c.API.Listen == "" {
		c.API.Listen = ":8080"
	}

	if c.Slack.Username == "" {
		c.Slack.Username = "fieldsync"
	}
}

func (c *Config) validate() error {
	if c.Legacy.BaseURL == "" {
		return fmt.Errorf("legacy.base_url is required")
	}
	if u, err := url.Parse(c.Legacy.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("legacy.base_url must be an absolute URL, got '%s'", c.Legacy.BaseURL)
	}
	if c.Legacy.APIToken == "" {
		return fmt.Errorf("legacy.api_token is required")
	}
	if c.Legacy.PageSize < 1 || c.Legacy.PageSize > 100 {
		return fmt.Errorf("legacy.page_size must be between 1 and 100, got %d", c.Legacy.PageSize)
	}

	switch c.Store.Type {
	case "postgres", "mssql":
		if c.Store.Host == "" {
			return fmt.Errorf("store.host is required")
		}
		if c.Store.Database == "" {
			return fmt.Errorf("store.database is required")
		}
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for sqlite")
		}
	default:
		return fmt.Errorf("store.type must be 'postgres', 'mssql' or 'sqlite', got '%s'", c.Store.Type)
	}

	if c.Sync.DefaultMode != "full" && c.Sync.DefaultMode != "incremental" {
		return fmt.Errorf("sync.default_mode must be 'full' or 'incremental'")
	}
	if c.Sync.Workers < 1 {
		return fmt.Errorf("sync.workers must be at least 1")
	}
	if c.Sync.FallbackWindow < 0 {
		return fmt.Errorf("sync.fallback_window must not be negative")
	}

	if c.Slack.Enabled && c.Slack.WebhookURL == "" {
		return fmt.Errorf("slack.webhook_url is required when slack is enabled")
	}
	return nil
}

// DSN returns the driver connection string for the configured store.
func (s *StoreConfig) DSN() string {
	switch s.Type {
	case "mssql":
		q := url.Values{}
		q.Set("database", s.Database)
		q.Set("encrypt", s.Encrypt)
		q.Set("TrustServerCertificate", strconv.FormatBool(s.TrustServerCert))
		u := url.URL{
			Scheme:   "sqlserver",
			User:     url.UserPassword(s.User, s.Password),
			Host:     net.JoinHostPort(s.Host, strconv.Itoa(s.Port)),
			RawQuery: q.Encode(),
		}
		return u.String()
	case "sqlite":
		return s.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	default:
		q := url.Values{}
		q.Set("sslmode", s.SSLMode)
		if s.Schema != "" && s.Schema != "public" {
			q.Set("search_path", s.Schema)
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(s.User, s.Password),
			Host:     net.JoinHostPort(s.Host, strconv.Itoa(s.Port)),
			Path:     "/" + s.Database,
			RawQuery: q.Encode(),
		}
		return u.String()
	}
}

// Sanitized returns a copy of the config with sensitive fields redacted
func (c *Config) Sanitized() *Config {
	sanitized := *c // shallow copy

	if sanitized.Store.Password != "" {
		sanitized.Store.Password = "[REDACTED]"
	}
	sanitized.Legacy.APIToken = "[REDACTED]"
	if sanitized.API.Token != "" {
		sanitized.API.Token = "[REDACTED]"
	}
	if sanitized.Slack.WebhookURL != "" {
		sanitized.Slack.WebhookURL = "[REDACTED]"
	}

	return &sanitized
}
