package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
)

// clearEnv unsets every variable the loader reads so the host environment
// cannot leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"TABULA_CONFIG", "TABULA_PORT", "TABULA_ALLOWED_ORIGINS",
		"TABULA_STORAGE", "TABULA_STORAGE_DIR", "TABULA_STORAGE_SIZE",
		"TABULA_POSTGRES_DSN", "TABULA_REDIS_ADDR", "TABULA_REDIS_PASSWORD",
		"TABULA_SANDBOX_MODE", "TABULA_SANDBOX_URL", "TABULA_INTERPRETER",
		"TABULA_MAX_CONCURRENT", "TABULA_EXEC_TIMEOUT", "TABULA_SCRATCH_DIR",
		"OPENAI_BASE_URL", "TABULA_GENERATOR_URL", "OPENAI_API_KEY",
		"TABULA_API_KEY", "TABULA_MODEL", "TABULA_IDLE_TIMEOUT",
		"TABULA_SWEEP_INTERVAL", "TABULA_LOG_FORMAT",
	} {
		t.Setenv(name, "")
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != 8080 {
		t.Errorf("default server.port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.MaxFileSize != 50<<20 {
		t.Errorf("default server.max_file_size = %d, want 50 MiB", cfg.Server.MaxFileSize)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "http://localhost:5173" {
		t.Errorf("default server.allowed_origins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Storage.Type != "local" {
		t.Errorf("default storage.type = %q, want \"local\"", cfg.Storage.Type)
	}
	if cfg.Sandbox.Mode != "local" || cfg.Sandbox.Interpreter != "python3" {
		t.Errorf("default sandbox = %q/%q", cfg.Sandbox.Mode, cfg.Sandbox.Interpreter)
	}
	if !cfg.Sandbox.Policy.DisableNetwork {
		t.Error("default sandbox.policy.disable_network = false")
	}
	if cfg.Sandbox.Policy.NetworkNamespace != "auto" {
		t.Errorf("default sandbox.policy.network_namespace = %q, want \"auto\"", cfg.Sandbox.Policy.NetworkNamespace)
	}
	if cfg.Session.IdleTimeout != time.Hour {
		t.Errorf("default session.idle_timeout = %v, want 1h", cfg.Session.IdleTimeout)
	}
	if cfg.Session.SweepInterval != 10*time.Minute {
		t.Errorf("default session.sweep_interval = %v, want 10m", cfg.Session.SweepInterval)
	}
	if !cfg.MCP.Enabled || cfg.MCP.Path != "/mcp" {
		t.Errorf("default mcp = %+v", cfg.MCP)
	}

	// Defaults are valid once a generator backend is named.
	cfg.Generator.BaseURL = "http://localhost:8000"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate(defaults) = %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	clearEnv(t)
	yamlContent := `
server:
  port: 9090
  shutdown_timeout: 10s
  allowed_origins: ["https://app.example.com", "https://admin.example.com"]
storage:
  type: redis
  redis:
    addr: redis:6379
    db: 2
sandbox:
  mode: remote
  remote_url: http://sandbox:8080
  max_concurrent: 8
  queue_timeout: 5s
  timeout: 45s
  policy:
    disable_network: false
    blocked_modules: [ctypes, subprocess]
generator:
  base_url: http://vllm:8000/v1
  model: qwen2.5-coder
  temperature: 0.2
  max_tokens: 2048
session:
  idle_timeout: 30m
  sweep_interval: 1m
log:
  level: DEBUG
  format: json
  debug: sandbox,reaper
mcp:
  enabled: false
`
	cfg, err := Load(writeTemp(t, "config-*.yaml", yamlContent))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.ShutdownTimeout != 10*time.Second {
		t.Errorf("server = %+v", cfg.Server)
	}
	if len(cfg.Server.AllowedOrigins) != 2 || cfg.Server.AllowedOrigins[1] != "https://admin.example.com" {
		t.Errorf("server.allowed_origins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Storage.Type != "redis" || cfg.Storage.Redis.Addr != "redis:6379" || cfg.Storage.Redis.DB != 2 {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Storage.Redis.Prefix != "tabula:" {
		t.Errorf("storage.redis.prefix = %q, want default", cfg.Storage.Redis.Prefix)
	}
	if cfg.Sandbox.Mode != "remote" || cfg.Sandbox.RemoteURL != "http://sandbox:8080" {
		t.Errorf("sandbox mode = %q url = %q", cfg.Sandbox.Mode, cfg.Sandbox.RemoteURL)
	}
	if cfg.Sandbox.MaxConcurrent != 8 || cfg.Sandbox.QueueTimeout != 5*time.Second || cfg.Sandbox.Timeout != 45*time.Second {
		t.Errorf("sandbox limits = %d/%v/%v", cfg.Sandbox.MaxConcurrent, cfg.Sandbox.QueueTimeout, cfg.Sandbox.Timeout)
	}
	if cfg.Sandbox.Policy.DisableNetwork {
		t.Error("sandbox.policy.disable_network = true, want YAML false")
	}
	if len(cfg.Sandbox.Policy.BlockedModules) != 2 {
		t.Errorf("sandbox.policy.blocked_modules = %v", cfg.Sandbox.Policy.BlockedModules)
	}
	if cfg.Sandbox.Policy.MaxOpenFiles != 256 {
		t.Errorf("sandbox.policy.max_open_files = %d, want default 256", cfg.Sandbox.Policy.MaxOpenFiles)
	}
	if cfg.Generator.Model != "qwen2.5-coder" || cfg.Generator.MaxTokens != 2048 {
		t.Errorf("generator = %+v", cfg.Generator)
	}
	if cfg.Generator.Temperature == nil || *cfg.Generator.Temperature != 0.2 {
		t.Errorf("generator.temperature = %v, want 0.2", cfg.Generator.Temperature)
	}
	if cfg.Session.IdleTimeout != 30*time.Minute || cfg.Session.SweepInterval != time.Minute {
		t.Errorf("session = %+v", cfg.Session)
	}
	if cfg.Log.Format != "json" || cfg.Log.Debug != "sandbox,reaper" {
		t.Errorf("log = %+v", cfg.Log)
	}
	if cfg.MCP.Enabled {
		t.Error("mcp.enabled = true, want false")
	}
}

func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	tmpFile := writeTemp(t, "config-*.yaml", `
server:
  port: 9090
generator:
  base_url: http://from-yaml:8000
  model: yaml-model
storage:
  type: memory
`)

	t.Setenv("TABULA_PORT", "7070")
	t.Setenv("TABULA_GENERATOR_URL", "http://from-env:8000")
	t.Setenv("TABULA_MODEL", "env-model")
	t.Setenv("TABULA_STORAGE_SIZE", "20")
	t.Setenv("TABULA_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("TABULA_IDLE_TIMEOUT", "90s")
	t.Setenv("TABULA_MAX_CONCURRENT", "2")

	cfg, err := Load(tmpFile)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 7070 {
		t.Errorf("server.port = %d, want env override 7070", cfg.Server.Port)
	}
	if cfg.Generator.BaseURL != "http://from-env:8000" || cfg.Generator.Model != "env-model" {
		t.Errorf("generator = %+v, want env overrides", cfg.Generator)
	}
	if cfg.Storage.Memory.MaxSize != 20 {
		t.Errorf("storage.memory.max_size = %d, want 20", cfg.Storage.Memory.MaxSize)
	}
	if strings.Join(cfg.Server.AllowedOrigins, "|") != "https://a.example|https://b.example" {
		t.Errorf("server.allowed_origins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Session.IdleTimeout != 90*time.Second {
		t.Errorf("session.idle_timeout = %v, want 90s", cfg.Session.IdleTimeout)
	}
	if cfg.Sandbox.MaxConcurrent != 2 {
		t.Errorf("sandbox.max_concurrent = %d, want 2", cfg.Sandbox.MaxConcurrent)
	}
}

func TestEnvOverride_OpenAIFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("TABULA_STORAGE", "memory")
	t.Setenv("OPENAI_BASE_URL", "https://api.openai.com/v1")
	t.Setenv("OPENAI_API_KEY", "sk-openai")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Generator.BaseURL != "https://api.openai.com/v1" || cfg.Generator.APIKey != "sk-openai" {
		t.Errorf("generator = %+v", cfg.Generator)
	}

	// The TABULA_ variants win.
	t.Setenv("TABULA_API_KEY", "sk-tabula")
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Generator.APIKey != "sk-tabula" {
		t.Errorf("generator.api_key = %q, want sk-tabula", cfg.Generator.APIKey)
	}
}

func TestEnvOverride_InvalidValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("TABULA_GENERATOR_URL", "http://localhost:8000")
	t.Setenv("TABULA_PORT", "eighty")
	t.Setenv("TABULA_EXEC_TIMEOUT", "soon")

	_, err := Load("")
	if err == nil {
		t.Fatal("Load() succeeded with malformed env values")
	}
	for _, want := range []string{"TABULA_PORT", "TABULA_EXEC_TIMEOUT"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestFileReference(t *testing.T) {
	clearEnv(t)
	keyFile := writeTemp(t, "key-*", "  sk-from-file\n")
	dsnFile := writeTemp(t, "dsn-*", "postgres://u:p@db/tabula\n")
	tmpFile := writeTemp(t, "config-*.yaml", `
generator:
  base_url: http://localhost:8000
  api_key_file: `+keyFile+`
storage:
  type: postgres
  postgres:
    dsn_file: `+dsnFile+`
`)

	cfg, err := Load(tmpFile)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Generator.APIKey != "sk-from-file" {
		t.Errorf("generator.api_key = %q, want trimmed file content", cfg.Generator.APIKey)
	}
	if cfg.Storage.Postgres.DSN != "postgres://u:p@db/tabula" {
		t.Errorf("storage.postgres.dsn = %q", cfg.Storage.Postgres.DSN)
	}
}

func TestFileReferenceDoesNotOverrideExplicitValue(t *testing.T) {
	clearEnv(t)
	keyFile := writeTemp(t, "key-*", "from-file")
	tmpFile := writeTemp(t, "config-*.yaml", `
generator:
  base_url: http://localhost:8000
  api_key: explicit
  api_key_file: `+keyFile+`
storage:
  type: memory
`)

	cfg, err := Load(tmpFile)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Generator.APIKey != "explicit" {
		t.Errorf("generator.api_key = %q, want explicit value", cfg.Generator.APIKey)
	}
}

func TestFileReferenceMissing(t *testing.T) {
	clearEnv(t)
	tmpFile := writeTemp(t, "config-*.yaml", `
generator:
  base_url: http://localhost:8000
storage:
  type: redis
  redis:
    addr: localhost:6379
    password_file: /nonexistent/tabula/redis-password
`)

	_, err := Load(tmpFile)
	if err == nil || !strings.Contains(err.Error(), "storage.redis.password_file") {
		t.Errorf("Load() error = %v, want password_file failure", err)
	}
}

func TestHomeExpansion(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()
	t.Setenv("HOME", home)
	homedir.DisableCache = true
	t.Cleanup(func() { homedir.DisableCache = false })

	t.Setenv("TABULA_GENERATOR_URL", "http://localhost:8000")
	t.Setenv("TABULA_SCRATCH_DIR", "~/scratch")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if want := filepath.Join(home, ".tabula", "sessions"); cfg.Storage.Local.Dir != want {
		t.Errorf("storage.local.dir = %q, want %q", cfg.Storage.Local.Dir, want)
	}
	if want := filepath.Join(home, "scratch"); cfg.Sandbox.ScratchDir != want {
		t.Errorf("sandbox.scratch_dir = %q, want %q", cfg.Sandbox.ScratchDir, want)
	}
}

func TestFileDiscovery(t *testing.T) {
	clearEnv(t)

	explicit := writeTemp(t, "config-*.yaml", `
generator:
  base_url: http://explicit:8000
`)
	cfg, err := Load(explicit)
	if err != nil {
		t.Fatalf("Load(explicit) error: %v", err)
	}
	if cfg.Generator.BaseURL != "http://explicit:8000" {
		t.Errorf("explicit path: base_url = %q", cfg.Generator.BaseURL)
	}

	envFile := writeTemp(t, "envconfig-*.yaml", `
generator:
  base_url: http://env-config:8000
`)
	t.Setenv("TABULA_CONFIG", envFile)
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load(TABULA_CONFIG) error: %v", err)
	}
	if cfg.Generator.BaseURL != "http://env-config:8000" {
		t.Errorf("TABULA_CONFIG: base_url = %q", cfg.Generator.BaseURL)
	}

	// The explicit path beats TABULA_CONFIG.
	cfg, err = Load(explicit)
	if err != nil {
		t.Fatalf("Load(explicit) error: %v", err)
	}
	if cfg.Generator.BaseURL != "http://explicit:8000" {
		t.Errorf("explicit over env: base_url = %q", cfg.Generator.BaseURL)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load(missing file) succeeded")
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:    "missing base_url",
			modify:  func(c *Config) { c.Generator.BaseURL = "" },
			wantErr: "generator.base_url is required",
		},
		{
			name:    "invalid port",
			modify:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "server.port must be between",
		},
		{
			name:    "body smaller than file",
			modify:  func(c *Config) { c.Server.MaxBodySize = 1 << 20 },
			wantErr: "server.max_body_size",
		},
		{
			name:    "invalid storage type",
			modify:  func(c *Config) { c.Storage.Type = "s3" },
			wantErr: "storage.type must be",
		},
		{
			name:    "postgres without DSN",
			modify:  func(c *Config) { c.Storage.Type = "postgres" },
			wantErr: "storage.postgres.dsn",
		},
		{
			name:    "redis without addr",
			modify:  func(c *Config) { c.Storage.Type = "redis" },
			wantErr: "storage.redis.addr",
		},
		{
			name:    "invalid sandbox mode",
			modify:  func(c *Config) { c.Sandbox.Mode = "docker" },
			wantErr: "sandbox.mode must be",
		},
		{
			name:    "remote without url",
			modify:  func(c *Config) { c.Sandbox.Mode = "remote" },
			wantErr: "sandbox.remote_url",
		},
		{
			name:    "kubernetes without template",
			modify:  func(c *Config) { c.Sandbox.Mode = "kubernetes" },
			wantErr: "sandbox.kubernetes.template",
		},
		{
			name:    "invalid network namespace mode",
			modify:  func(c *Config) { c.Sandbox.Policy.NetworkNamespace = "yes" },
			wantErr: "sandbox.policy.network_namespace",
		},
		{
			name:    "zero concurrency",
			modify:  func(c *Config) { c.Sandbox.MaxConcurrent = 0 },
			wantErr: "sandbox.max_concurrent",
		},
		{
			name: "temperature out of range",
			modify: func(c *Config) {
				temp := 3.5
				c.Generator.Temperature = &temp
			},
			wantErr: "generator.temperature",
		},
		{
			name:    "zero idle timeout",
			modify:  func(c *Config) { c.Session.IdleTimeout = 0 },
			wantErr: "session.idle_timeout",
		},
		{
			name:    "invalid log format",
			modify:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: "log.format",
		},
		{
			name:    "relative mcp path",
			modify:  func(c *Config) { c.MCP.Path = "mcp" },
			wantErr: "mcp.path",
		},
		{
			name:    "valid config",
			modify:  func(c *Config) {},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.Generator.BaseURL = "http://localhost:8000"
			tt.modify(&cfg)
			err := cfg.Validate()

			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}

			if err == nil {
				t.Fatalf("Validate() expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want it to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidation_ReportsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = -1
	cfg.Storage.Type = "s3"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil")
	}
	for _, want := range []string{"server.port", "storage.type", "generator.base_url"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

// writeTemp creates a temporary file with the given content and returns its path.
// The file is automatically cleaned up when the test finishes.
func writeTemp(t *testing.T, pattern, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), pattern)
	if err != nil {
		t.Fatalf("creating temp file: %v", err)
	}
	defer f.Close()

	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return f.Name()
}
