package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models trainline.yml.
type Config struct {
	API struct {
		BaseURL        string `yaml:"base_url"`
		TenantID       string `yaml:"tenant_id"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"api"`
	Auth struct {
		Token     string `yaml:"token"`
		JWTSecret string `yaml:"jwt_secret"`
		Subject   string `yaml:"subject"`
	} `yaml:"auth"`
	Polling struct {
		IntervalSeconds float64 `yaml:"interval_seconds"`
	} `yaml:"polling"`
	Sync struct {
		MaxRetries       int `yaml:"max_retries"`
		InitialBackoffMS int `yaml:"initial_backoff_ms"`
	} `yaml:"sync"`
	Uploads struct {
		AllowedExtensions []string `yaml:"allowed_extensions"`
		MaxBytes          int64    `yaml:"max_bytes"`
	} `yaml:"uploads"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig forwards workspace events to an HTTP endpoint while tl serve
// runs. An empty Events list forwards everything.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Active reports whether the hook should receive deliveries.
func (w WebhookConfig) Active() bool {
	return strings.TrimSpace(w.URL) != "" && (w.Enabled == nil || *w.Enabled)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with tl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return fmt.Errorf("config.api.base_url is required")
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config.api.base_url must be an http(s) URL")
	}
	if strings.TrimSpace(c.API.TenantID) == "" {
		return fmt.Errorf("config.api.tenant_id is required")
	}
	if c.API.TimeoutSeconds < 0 {
		return fmt.Errorf("config.api.timeout_seconds must not be negative")
	}
	if c.Polling.IntervalSeconds < 0 {
		return fmt.Errorf("config.polling.interval_seconds must not be negative")
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("config.sync.max_retries must not be negative")
	}
	if c.Sync.InitialBackoffMS < 0 {
		return fmt.Errorf("config.sync.initial_backoff_ms must not be negative")
	}
	if c.Uploads.MaxBytes < 0 {
		return fmt.Errorf("config.uploads.max_bytes must not be negative")
	}
	for _, ext := range c.Uploads.AllowedExtensions {
		if !strings.HasPrefix(ext, ".") || len(ext) < 2 {
			return fmt.Errorf("upload extension %q must look like .ext", ext)
		}
	}
	for i, hook := range c.Webhooks {
		u, err := url.Parse(hook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config.webhooks[%d].url must be an http(s) URL", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	if c.Auth.Token == "" && c.Auth.JWTSecret != "" && c.Auth.Subject == "" {
		return fmt.Errorf("config.auth.subject is required to mint tokens from jwt_secret")
	}
	return nil
}

// Timeout is the HTTP client timeout.
func (c *Config) Timeout() time.Duration {
	if c.API.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}

// PollInterval is the job polling period.
func (c *Config) PollInterval() time.Duration {
	if c.Polling.IntervalSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.Polling.IntervalSeconds * float64(time.Second))
}

func (c *Config) InitialBackoff() time.Duration {
	if c.Sync.InitialBackoffMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.Sync.InitialBackoffMS) * time.Millisecond
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "trainline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(tenantID string) string {
	return fmt.Sprintf(defaultTemplate, tenantID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a tenant.
func Default(tenantID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(tenantID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `api:
  base_url: http://localhost:8080
  tenant_id: %s
  timeout_seconds: 10

auth:
  # Either a ready bearer token, or a secret and subject to mint one.
  token: ""
  jwt_secret: ""
  subject: admin-dev

polling:
  interval_seconds: 2

sync:
  max_retries: 5
  initial_backoff_ms: 500

uploads:
  allowed_extensions: [".docx", ".pdf"]
  max_bytes: 52428800

# Forward job events to other systems while tl serve runs.
webhooks: []
#  - url: https://hooks.example.com/trainline
#    events: ["job.completed", "job.failed"]
#    secret: ""
`
