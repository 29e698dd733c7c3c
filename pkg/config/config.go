// Package config provides unified configuration for the tabula server.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (TABULA_ prefix)
//  4. File reference resolution (_file suffix fields)
//  5. Home directory expansion for path fields
//  6. Validation
package config

import "time"

// Config holds all configuration for the tabula server.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Sandbox       SandboxConfig       `yaml:"sandbox"`
	Generator     GeneratorConfig     `yaml:"generator"`
	Session       SessionConfig       `yaml:"session"`
	Log           LogConfig           `yaml:"log"`
	MCP           MCPConfig           `yaml:"mcp"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`             // default: 8080
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // default: 30s
	MaxBodySize     int64         `yaml:"max_body_size"`    // default: 64 MiB
	MaxFileSize     int64         `yaml:"max_file_size"`    // default: 50 MiB
	MaxQueryLength  int           `yaml:"max_query_length"` // default: 4096
	AllowedOrigins  []string      `yaml:"allowed_origins"`  // default: http://localhost:5173
}

// StorageConfig selects and configures the session store.
type StorageConfig struct {
	Type     string         `yaml:"type"` // "local", "memory", "postgres" or "redis", default: "local"
	Local    LocalConfig    `yaml:"local"`
	Memory   MemoryConfig   `yaml:"memory"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
}

// LocalConfig holds settings for the filesystem store.
type LocalConfig struct {
	Dir string `yaml:"dir"` // default: ~/.tabula/sessions
}

// MemoryConfig holds settings for the in-memory store.
type MemoryConfig struct {
	MaxSize int `yaml:"max_size"` // 0 = unlimited, default: 1000
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	DSNFile        string `yaml:"dsn_file"`         // _file variant for dsn
	MaxConns       int32  `yaml:"max_conns"`        // default: 10
	MigrateOnStart bool   `yaml:"migrate_on_start"` // default: true
	MaxObjectBytes int64  `yaml:"max_object_bytes"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password"`
	PasswordFile string `yaml:"password_file"` // _file variant for password
	DB           int    `yaml:"db"`
	Prefix       string `yaml:"prefix"` // default: "tabula:"
}

// SandboxConfig holds script execution settings.
type SandboxConfig struct {
	Mode          string        `yaml:"mode"`           // "local", "remote" or "kubernetes", default: "local"
	Interpreter   string        `yaml:"interpreter"`    // default: "python3"
	Timeout       time.Duration `yaml:"timeout"`        // default: 30s
	MaxConcurrent int           `yaml:"max_concurrent"` // default: 4
	QueueTimeout  time.Duration `yaml:"queue_timeout"`  // default: 30s
	ScratchDir    string        `yaml:"scratch_dir"`    // default: os.TempDir()
	Policy        PolicyConfig  `yaml:"policy"`

	// RemoteURL is the sandbox server for mode "remote".
	RemoteURL  string           `yaml:"remote_url"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
}

// PolicyConfig mirrors the hardening policy of the local executor.
type PolicyConfig struct {
	DisableNetwork   bool     `yaml:"disable_network"`   // default: true
	NetworkNamespace string   `yaml:"network_namespace"` // auto, always or never; default: auto
	BlockedModules   []string `yaml:"blocked_modules"`
	MaxMemoryBytes   uint64   `yaml:"max_memory_bytes"` // default: 4 GiB
	MaxCPUSeconds    uint64   `yaml:"max_cpu_seconds"`  // default: 120
	MaxOpenFiles     uint64   `yaml:"max_open_files"`   // default: 256
	MaxOutputBytes   int      `yaml:"max_output_bytes"` // default: 1 MiB
}

// KubernetesConfig holds SandboxClaim settings for mode "kubernetes".
type KubernetesConfig struct {
	Template  string        `yaml:"template"`
	Namespace string        `yaml:"namespace"` // default: "default"
	Port      int           `yaml:"port"`      // default: 8080
	Timeout   time.Duration `yaml:"timeout"`   // default: 30s
}

// GeneratorConfig holds the code generation backend settings.
type GeneratorConfig struct {
	BaseURL     string        `yaml:"base_url"` // required
	APIKey      string        `yaml:"api_key"`
	APIKeyFile  string        `yaml:"api_key_file"` // _file variant for api_key
	Model       string        `yaml:"model"`        // default: "gpt-4o-mini"
	Temperature *float64      `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"` // default: 120s
}

// SessionConfig holds session lifecycle settings.
type SessionConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout"`   // default: 1h
	SweepInterval time.Duration `yaml:"sweep_interval"` // default: 10m
}

// LogConfig holds logging settings. TABULA_LOG_LEVEL and TABULA_DEBUG
// take precedence over Level and Debug.
type LogConfig struct {
	Level  string `yaml:"level"`  // default: "INFO"
	Format string `yaml:"format"` // "text" or "json", default: "text"
	Debug  string `yaml:"debug"`  // comma-separated debug categories
}

// MCPConfig holds settings for the MCP endpoint.
type MCPConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "/mcp"
}

// ObservabilityConfig holds monitoring and instrumentation settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "/metrics"
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 30 * time.Second,
			MaxBodySize:     64 << 20,
			MaxFileSize:     50 << 20,
			MaxQueryLength:  4096,
			AllowedOrigins:  []string{"http://localhost:5173"},
		},
		Storage: StorageConfig{
			Type:   "local",
			Local:  LocalConfig{Dir: "~/.tabula/sessions"},
			Memory: MemoryConfig{MaxSize: 1000},
			Postgres: PostgresConfig{
				MaxConns:       10,
				MigrateOnStart: true,
			},
			Redis: RedisConfig{Prefix: "tabula:"},
		},
		Sandbox: SandboxConfig{
			Mode:          "local",
			Interpreter:   "python3",
			Timeout:       30 * time.Second,
			MaxConcurrent: 4,
			QueueTimeout:  30 * time.Second,
			Policy: PolicyConfig{
				DisableNetwork:   true,
				NetworkNamespace: "auto",
				MaxMemoryBytes:   4 << 30,
				MaxCPUSeconds:    120,
				MaxOpenFiles:     256,
				MaxOutputBytes:   1 << 20,
			},
			Kubernetes: KubernetesConfig{
				Namespace: "default",
				Port:      8080,
				Timeout:   30 * time.Second,
			},
		},
		Generator: GeneratorConfig{
			Model:   "gpt-4o-mini",
			Timeout: 120 * time.Second,
		},
		Session: SessionConfig{
			IdleTimeout:   time.Hour,
			SweepInterval: 10 * time.Minute,
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "text",
		},
		MCP: MCPConfig{
			Enabled: true,
			Path:    "/mcp",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}
