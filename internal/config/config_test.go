package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SHOPFLOOR_CONFIG", "SHOPFLOOR_BACKEND", "SHOPFLOOR_COMMAND_TIMEOUT",
		"KUBERNETES_SERVICE_HOST", "SHOPFLOOR_ALLOW_LOCAL_IN_CLUSTER",
		"SHOPFLOOR_AUTO_APPROVE", "SHOPFLOOR_MODEL_API_KEY", "OPENAI_API_KEY",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	t.Setenv("HOME", t.TempDir())
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	c, err := New()
	if err != nil {
		t.Fatal(err)
	}
	if c.Sandbox.CommandTimeout.Duration != 30*time.Second || c.Sandbox.ProvisioningTimeout.Duration != 180*time.Second {
		t.Fatalf("timeouts %s %s", c.Sandbox.CommandTimeout, c.Sandbox.ProvisioningTimeout)
	}
	if c.Backend != BackendCluster || c.Sandbox.WorkDir != "/workspace" || c.MaxIterations != 10 {
		t.Fatalf("defaults %+v", c)
	}
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestFileThenEnvironment(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "shopfloor.toml")
	err := os.WriteFile(path, []byte(`
backend = "local"
auto_approve = ["run_command"]

[sandbox]
namespace = "agents"
command_timeout = "45s"

[model]
api_key_env = "MY_KEY"
`), 0644)
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv("SHOPFLOOR_CONFIG", path)
	t.Setenv("SHOPFLOOR_COMMAND_TIMEOUT", "1m")
	t.Setenv("MY_KEY", "sk-test")

	c, err := New()
	if err != nil {
		t.Fatal(err)
	}
	if c.Backend != BackendLocal || c.Sandbox.Namespace != "agents" || len(c.AutoApprove) != 1 {
		t.Fatalf("file values not applied: %+v", c)
	}
	if c.Sandbox.CommandTimeout.Duration != time.Minute {
		t.Fatalf("env did not override file: %s", c.Sandbox.CommandTimeout)
	}
	if c.Model.APIKey != "sk-test" {
		t.Fatalf("api key %q", c.Model.APIKey)
	}
}

func TestInvalidDuration(t *testing.T) {
	clearEnv(t)
	t.Setenv("SHOPFLOOR_COMMAND_TIMEOUT", "soon")
	if _, err := New(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLocalBackendInsideCluster(t *testing.T) {
	clearEnv(t)
	t.Setenv("SHOPFLOOR_BACKEND", "local")
	t.Setenv("KUBERNETES_SERVICE_HOST", "10.0.0.1")

	c, err := New()
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Validate(); !errors.Is(err, ErrLocalInCluster) {
		t.Fatalf("expected ErrLocalInCluster, got %v", err)
	}

	t.Setenv("SHOPFLOOR_ALLOW_LOCAL_IN_CLUSTER", "true")
	c, _ = New()
	if err := c.Validate(); err != nil {
		t.Fatalf("override ignored: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	clearEnv(t)
	cases := map[string]func(c *Config){
		"unknown backend":  func(c *Config) { c.Backend = "ec2" },
		"zero timeout":     func(c *Config) { c.Sandbox.CommandTimeout.Duration = 0 },
		"negative timeout": func(c *Config) { c.Sandbox.ProvisioningTimeout.Duration = -time.Second },
		"no iterations":    func(c *Config) { c.MaxIterations = 0 },
		"no invoke budget": func(c *Config) { c.NATS.InvokeTimeout.Duration = 0 },
	}
	for name, mutate := range cases {
		c, err := New()
		if err != nil {
			t.Fatal(err)
		}
		mutate(c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}
