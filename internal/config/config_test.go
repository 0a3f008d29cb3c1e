package config

import (
	"errors"
	"os"
	"testing"
)

func fakeGetenv(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func fakeReadFile(path string, data []byte) func(string) ([]byte, error) {
	return func(p string) ([]byte, error) {
		if p != path {
			return nil, os.ErrNotExist
		}
		return data, nil
	}
}

func TestLoadConfigFromEnv_EnvVar(t *testing.T) {
	getenv := fakeGetenv(map[string]string{
		"RALPH_CONFIG": `{"registry":{"dsn":"/var/ralph/registry.db"},"worker":{"concurrency":5}}`,
	})
	readFile := func(string) ([]byte, error) {
		t.Fatal("readFile should not be called when RALPH_CONFIG is set")
		return nil, nil
	}

	cfg, err := LoadConfigFromEnv(getenv, readFile)
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if cfg.Registry.DSN != "/var/ralph/registry.db" {
		t.Errorf("Registry.DSN = %q, want /var/ralph/registry.db", cfg.Registry.DSN)
	}
	if cfg.Worker.Concurrency != 5 {
		t.Errorf("Worker.Concurrency = %d, want 5", cfg.Worker.Concurrency)
	}
}

func TestLoadConfigFromEnv_File(t *testing.T) {
	const path = "/etc/ralph/custom.yaml"
	yamlDoc := []byte(`
registry:
  dsn: /data/ralph.db
plan_provider:
  binary: planctl
agent:
  binary: claude-code
  timeout_seconds: 900
`)
	getenv := fakeGetenv(map[string]string{"RALPH_CONFIG_PATH": path})
	readFile := fakeReadFile(path, yamlDoc)

	cfg, err := LoadConfigFromEnv(getenv, readFile)
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if cfg.Registry.DSN != "/data/ralph.db" {
		t.Errorf("Registry.DSN = %q, want /data/ralph.db", cfg.Registry.DSN)
	}
	if cfg.PlanProvider.Binary != "planctl" {
		t.Errorf("PlanProvider.Binary = %q, want planctl", cfg.PlanProvider.Binary)
	}
	if cfg.Agent.Binary != "claude-code" {
		t.Errorf("Agent.Binary = %q, want claude-code", cfg.Agent.Binary)
	}
	if cfg.Agent.TimeoutSeconds != 900 {
		t.Errorf("Agent.TimeoutSeconds = %d, want 900", cfg.Agent.TimeoutSeconds)
	}
}

func TestLoadConfigFromEnv_EnvTakesPrecedence(t *testing.T) {
	const path = "/etc/ralph/config.yaml"
	getenv := fakeGetenv(map[string]string{
		"RALPH_CONFIG":      `{"registry":{"dsn":"/from/env.db"}}`,
		"RALPH_CONFIG_PATH": path,
	})
	readFile := func(string) ([]byte, error) {
		t.Fatal("readFile should not be called when RALPH_CONFIG is set")
		return nil, nil
	}

	cfg, err := LoadConfigFromEnv(getenv, readFile)
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if cfg.Registry.DSN != "/from/env.db" {
		t.Errorf("Registry.DSN = %q, want /from/env.db", cfg.Registry.DSN)
	}
}

func TestLoadConfigFromEnv_MissingFileFallsBackToDefaults(t *testing.T) {
	getenv := fakeGetenv(nil)
	readFile := func(string) ([]byte, error) { return nil, os.ErrNotExist }

	cfg, err := LoadConfigFromEnv(getenv, readFile)
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if cfg.Registry.DSN != defaultDSN {
		t.Errorf("Registry.DSN = %q, want default %q", cfg.Registry.DSN, defaultDSN)
	}
	if cfg.Worker.Concurrency != defaultConcurrency {
		t.Errorf("Worker.Concurrency = %d, want default %d", cfg.Worker.Concurrency, defaultConcurrency)
	}
}

func TestLoadConfigFromEnv_FileReadErrorPropagates(t *testing.T) {
	wantErr := errors.New("permission denied")
	getenv := fakeGetenv(nil)
	readFile := func(string) ([]byte, error) { return nil, wantErr }

	_, err := LoadConfigFromEnv(getenv, readFile)
	if err == nil {
		t.Fatal("expected an error, got nil")
	}
}

func TestLoadConfigFromEnv_FullConfig(t *testing.T) {
	const path = "/etc/ralph/config.yaml"
	yamlDoc := []byte(`
registry:
  dsn: /data/ralph.db
worker:
  concurrency: 8
plan_provider:
  binary: planctl
agent:
  binary: claude-code
  validator_binary: lintctl
  timeout_seconds: 600
logging:
  gcp_project_id: my-project
  verbose: true
`)
	getenv := fakeGetenv(map[string]string{"RALPH_CONFIG_PATH": path})
	readFile := fakeReadFile(path, yamlDoc)

	cfg, err := LoadConfigFromEnv(getenv, readFile)
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	want := Config{
		Registry:     RegistryConfig{DSN: "/data/ralph.db"},
		Worker:       WorkerConfig{Concurrency: 8},
		PlanProvider: PlanProviderConfig{Binary: "planctl"},
		Agent: AgentConfig{
			Binary:          "claude-code",
			ValidatorBinary: "lintctl",
			TimeoutSeconds:  600,
		},
		Logging: LoggingConfig{GCPProjectID: "my-project", Verbose: true},
	}
	if cfg != want {
		t.Errorf("cfg = %+v, want %+v", cfg, want)
	}
	if err := cfg.ValidateForDaemon(); err != nil {
		t.Errorf("ValidateForDaemon() unexpected error: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"zero value is valid", Config{}, false},
		{"negative concurrency", Config{Worker: WorkerConfig{Concurrency: -1}}, true},
		{"negative timeout", Config{Agent: AgentConfig{TimeoutSeconds: -1}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected an error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestConfig_ValidateForDaemon(t *testing.T) {
	complete := Config{
		Registry:     RegistryConfig{DSN: "ralph.db"},
		PlanProvider: PlanProviderConfig{Binary: "planctl"},
		Agent:        AgentConfig{Binary: "claude-code"},
	}

	if err := complete.ValidateForDaemon(); err != nil {
		t.Fatalf("unexpected error for complete config: %v", err)
	}

	missingPlanProvider := complete
	missingPlanProvider.PlanProvider.Binary = ""
	if err := missingPlanProvider.ValidateForDaemon(); err == nil {
		t.Fatal("expected an error for missing plan_provider binary")
	}

	missingAgent := complete
	missingAgent.Agent.Binary = ""
	if err := missingAgent.ValidateForDaemon(); err == nil {
		t.Fatal("expected an error for missing agent binary")
	}
}

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	applyDefaults(&cfg)

	if cfg.Registry.DSN != defaultDSN {
		t.Errorf("Registry.DSN = %q, want %q", cfg.Registry.DSN, defaultDSN)
	}
	if cfg.Worker.Concurrency != defaultConcurrency {
		t.Errorf("Worker.Concurrency = %d, want %d", cfg.Worker.Concurrency, defaultConcurrency)
	}
	if cfg.Agent.TimeoutSeconds != defaultTimeoutSeconds {
		t.Errorf("Agent.TimeoutSeconds = %d, want %d", cfg.Agent.TimeoutSeconds, defaultTimeoutSeconds)
	}

	explicit := Config{
		Registry: RegistryConfig{DSN: "/custom.db"},
		Worker:   WorkerConfig{Concurrency: 3},
		Agent:    AgentConfig{TimeoutSeconds: 60},
	}
	applyDefaults(&explicit)
	if explicit.Registry.DSN != "/custom.db" || explicit.Worker.Concurrency != 3 || explicit.Agent.TimeoutSeconds != 60 {
		t.Errorf("applyDefaults overrode explicit values: %+v", explicit)
	}
}
