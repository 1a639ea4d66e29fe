// Package config loads shopfloor settings from defaults, an optional TOML
// file and SHOPFLOOR_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	BackendLocal   = "local"
	BackendCluster = "cluster"
)

var ErrLocalInCluster = errors.New("local backend selected while running inside a cluster")

type Config struct {
	DataDir        string `toml:"data_dir"`
	DBPath         string `toml:"db_path"`
	UserTeamDir    string `toml:"team_dir"`
	ProjectTeamDir string `toml:"-"`

	// Backend is where tools execute: local directories or cluster sandboxes.
	Backend       string   `toml:"backend"`
	SourceRepo    string   `toml:"source_repo"`
	AutoApprove   []string `toml:"auto_approve"`
	MaxIterations int      `toml:"max_iterations"`
	SystemPrompt  string   `toml:"system_prompt"`

	Sandbox   SandboxConfig   `toml:"sandbox"`
	Model     ModelConfig     `toml:"model"`
	NATS      NATSConfig      `toml:"nats"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Log       LogConfig       `toml:"log"`
	Retry     RetryConfig     `toml:"retry"`

	allowLocalInCluster bool
}

type SandboxConfig struct {
	Kubeconfig          string   `toml:"kubeconfig"`
	Namespace           string   `toml:"namespace"`
	Template            string   `toml:"template"`
	WorkDir             string   `toml:"work_dir"`
	ClaimPrefix         string   `toml:"claim_prefix"`
	CommandTimeout      Duration `toml:"command_timeout"`
	ProvisioningTimeout Duration `toml:"provisioning_timeout"`
	PollInterval        Duration `toml:"poll_interval"`
	IdleTTL             Duration `toml:"idle_ttl"`
	SweepInterval       Duration `toml:"sweep_interval"`
}

type ModelConfig struct {
	Model     string `toml:"model"`
	BaseURL   string `toml:"base_url"`
	APIKey    string `toml:"-"`
	APIKeyEnv string `toml:"api_key_env"`
	MaxTokens int    `toml:"max_tokens"`
}

type NATSConfig struct {
	URL   string `toml:"url"`
	AppID string `toml:"app_id"`
	// InvokeTimeout bounds one remote agent invocation.
	InvokeTimeout Duration `toml:"invoke_timeout"`
}

type TelemetryConfig struct {
	Endpoint string `toml:"endpoint"`
	Insecure bool   `toml:"insecure"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type RetryConfig struct {
	MaxAttempts     int      `toml:"max_attempts"`
	InitialInterval Duration `toml:"initial_interval"`
	MaxInterval     Duration `toml:"max_interval"`
	ActivityTimeout Duration `toml:"activity_timeout"`
}

// Duration reads "30s"-style strings from TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func defaults() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	dataDir := filepath.Join(homeDir, ".shopfloor")

	return &Config{
		DataDir:        dataDir,
		DBPath:         filepath.Join(dataDir, "shopfloor.db"),
		UserTeamDir:    filepath.Join(dataDir, "teams"),
		ProjectTeamDir: ".shopfloor/teams",
		Backend:        BackendCluster,
		MaxIterations:  10,
		Sandbox: SandboxConfig{
			Namespace:           "default",
			Template:            "shopfloor-sandbox",
			WorkDir:             "/workspace",
			ClaimPrefix:         "shopfloor",
			CommandTimeout:      Duration{30 * time.Second},
			ProvisioningTimeout: Duration{180 * time.Second},
			PollInterval:        Duration{time.Second},
			IdleTTL:             Duration{30 * time.Minute},
			SweepInterval:       Duration{time.Minute},
		},
		Model: ModelConfig{
			Model:     "gpt-4o-mini",
			APIKeyEnv: "OPENAI_API_KEY",
			MaxTokens: 4096,
		},
		NATS: NATSConfig{
			InvokeTimeout: Duration{10 * time.Minute},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialInterval: Duration{500 * time.Millisecond},
			MaxInterval:     Duration{10 * time.Second},
			ActivityTimeout: Duration{5 * time.Minute},
		},
	}, nil
}

func New() (*Config, error) {
	return Load("")
}

// Load builds the config. path falls back to SHOPFLOOR_CONFIG; a missing
// path means defaults and environment only.
func Load(path string) (*Config, error) {
	c, err := defaults()
	if err != nil {
		return nil, err
	}

	if path == "" {
		path = getEnv("SHOPFLOOR_CONFIG", "")
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, c); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() error {
	c.DataDir = getEnv("SHOPFLOOR_DATA_DIR", c.DataDir)
	if _, ok := os.LookupEnv("SHOPFLOOR_DATA_DIR"); ok {
		c.DBPath = filepath.Join(c.DataDir, "shopfloor.db")
		c.UserTeamDir = filepath.Join(c.DataDir, "teams")
	}
	c.DBPath = getEnv("SHOPFLOOR_DB_PATH", c.DBPath)
	c.UserTeamDir = getEnv("SHOPFLOOR_TEAM_DIR", c.UserTeamDir)
	c.Backend = getEnv("SHOPFLOOR_BACKEND", c.Backend)
	c.SourceRepo = getEnv("SHOPFLOOR_SOURCE_REPO", c.SourceRepo)
	c.SystemPrompt = getEnv("SHOPFLOOR_SYSTEM_PROMPT", c.SystemPrompt)
	if v := getEnv("SHOPFLOOR_AUTO_APPROVE", ""); v != "" {
		c.AutoApprove = splitList(v)
	}

	c.Sandbox.Kubeconfig = getEnv("KUBECONFIG", c.Sandbox.Kubeconfig)
	c.Sandbox.Namespace = getEnv("SHOPFLOOR_SANDBOX_NAMESPACE", c.Sandbox.Namespace)
	c.Sandbox.Template = getEnv("SHOPFLOOR_SANDBOX_TEMPLATE", c.Sandbox.Template)
	c.Sandbox.WorkDir = getEnv("SHOPFLOOR_SANDBOX_WORKDIR", c.Sandbox.WorkDir)
	c.Sandbox.ClaimPrefix = getEnv("SHOPFLOOR_SANDBOX_CLAIM_PREFIX", c.Sandbox.ClaimPrefix)

	c.Model.Model = getEnv("SHOPFLOOR_MODEL", c.Model.Model)
	c.Model.BaseURL = getEnv("SHOPFLOOR_MODEL_BASE_URL", c.Model.BaseURL)
	c.Model.APIKey = getEnv("SHOPFLOOR_MODEL_API_KEY", getEnv(c.Model.APIKeyEnv, ""))

	c.NATS.URL = getEnv("SHOPFLOOR_NATS_URL", c.NATS.URL)
	c.NATS.AppID = getEnv("SHOPFLOOR_APP_ID", c.NATS.AppID)

	c.Telemetry.Endpoint = getEnv("SHOPFLOOR_OTLP_ENDPOINT", c.Telemetry.Endpoint)

	c.Log.Level = getEnv("SHOPFLOOR_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("SHOPFLOOR_LOG_FORMAT", c.Log.Format)

	durations := []struct {
		key string
		dst *Duration
	}{
		{"SHOPFLOOR_COMMAND_TIMEOUT", &c.Sandbox.CommandTimeout},
		{"SHOPFLOOR_PROVISIONING_TIMEOUT", &c.Sandbox.ProvisioningTimeout},
		{"SHOPFLOOR_POOL_TTL", &c.Sandbox.IdleTTL},
		{"SHOPFLOOR_SWEEP_INTERVAL", &c.Sandbox.SweepInterval},
		{"SHOPFLOOR_INVOKE_TIMEOUT", &c.NATS.InvokeTimeout},
		{"SHOPFLOOR_ACTIVITY_TIMEOUT", &c.Retry.ActivityTimeout},
	}
	for _, d := range durations {
		v, ok := os.LookupEnv(d.key)
		if !ok {
			continue
		}
		if err := d.dst.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("invalid %s: %w", d.key, err)
		}
	}

	if v, ok := os.LookupEnv("SHOPFLOOR_MAX_ITERATIONS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SHOPFLOOR_MAX_ITERATIONS: %w", err)
		}
		c.MaxIterations = n
	}

	c.allowLocalInCluster = getEnv("SHOPFLOOR_ALLOW_LOCAL_IN_CLUSTER", "") == "true"
	return nil
}

// Validate rejects settings the process must not start with.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendLocal:
		if os.Getenv("KUBERNETES_SERVICE_HOST") != "" && !c.allowLocalInCluster {
			return fmt.Errorf("%w: set SHOPFLOOR_BACKEND=cluster or SHOPFLOOR_ALLOW_LOCAL_IN_CLUSTER=true", ErrLocalInCluster)
		}
	case BackendCluster:
		if c.Sandbox.Template == "" {
			return errors.New("sandbox template is required for the cluster backend")
		}
	default:
		return fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, BackendLocal, BackendCluster)
	}

	positive := map[string]time.Duration{
		"command timeout":      c.Sandbox.CommandTimeout.Duration,
		"provisioning timeout": c.Sandbox.ProvisioningTimeout.Duration,
		"activity timeout":     c.Retry.ActivityTimeout.Duration,
		"invoke timeout":       c.NATS.InvokeTimeout.Duration,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("max iterations must be positive, got %d", c.MaxIterations)
	}
	return nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(c.UserTeamDir, 0755); err != nil {
		return err
	}
	return nil
}

func (c *Config) WorkspacesDir() string {
	return filepath.Join(c.DataDir, "workspaces")
}

// TeamDirs lists where team files are searched, project first.
func (c *Config) TeamDirs() []string {
	return []string{c.ProjectTeamDir, c.UserTeamDir}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
