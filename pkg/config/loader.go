package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"github.com/rhuss/tabula/pkg/debug"
)

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, TABULA_CONFIG env, ./config.yaml, /etc/tabula/config.yaml)
//  3. Environment variable overrides
//  4. File reference resolution (_file suffix)
//  5. Home directory expansion
//  6. Validation
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	filePath := discoverConfigFile(configPath)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
		debug.Log("config", "loaded config file", "path", filePath)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	if err := expandPaths(&cfg); err != nil {
		return nil, fmt.Errorf("expanding paths: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// discoverConfigFile finds the config file path using the discovery order:
// 1. Explicit configPath argument
// 2. TABULA_CONFIG environment variable
// 3. ./config.yaml in the current directory
// 4. /etc/tabula/config.yaml
//
// Returns empty string if no config file is found.
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}

	if envPath := os.Getenv("TABULA_CONFIG"); envPath != "" {
		return envPath
	}

	candidates := []string{
		"config.yaml",
		"/etc/tabula/config.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// loadYAMLFile reads and parses a YAML file into the Config struct.
// Fields not present in the YAML retain their current (default) values.
func loadYAMLFile(path string, cfg *Config) error {
	p, err := homedir.Expand(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyEnvOverrides maps TABULA_* environment variables to config fields.
// OPENAI_API_KEY and OPENAI_BASE_URL are honored when the TABULA_
// variants are unset.
func applyEnvOverrides(cfg *Config) error {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	var errs []string
	num := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", name, err))
				return
			}
			*dst = d
		}
	}

	num("TABULA_PORT", &cfg.Server.Port)
	if v := os.Getenv("TABULA_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitList(v)
	}

	str("TABULA_STORAGE", &cfg.Storage.Type)
	str("TABULA_STORAGE_DIR", &cfg.Storage.Local.Dir)
	num("TABULA_STORAGE_SIZE", &cfg.Storage.Memory.MaxSize)
	str("TABULA_POSTGRES_DSN", &cfg.Storage.Postgres.DSN)
	str("TABULA_REDIS_ADDR", &cfg.Storage.Redis.Addr)
	str("TABULA_REDIS_PASSWORD", &cfg.Storage.Redis.Password)

	str("TABULA_SANDBOX_MODE", &cfg.Sandbox.Mode)
	str("TABULA_SANDBOX_URL", &cfg.Sandbox.RemoteURL)
	str("TABULA_INTERPRETER", &cfg.Sandbox.Interpreter)
	num("TABULA_MAX_CONCURRENT", &cfg.Sandbox.MaxConcurrent)
	dur("TABULA_EXEC_TIMEOUT", &cfg.Sandbox.Timeout)
	str("TABULA_SCRATCH_DIR", &cfg.Sandbox.ScratchDir)

	str("OPENAI_BASE_URL", &cfg.Generator.BaseURL)
	str("TABULA_GENERATOR_URL", &cfg.Generator.BaseURL)
	str("OPENAI_API_KEY", &cfg.Generator.APIKey)
	str("TABULA_API_KEY", &cfg.Generator.APIKey)
	str("TABULA_MODEL", &cfg.Generator.Model)

	dur("TABULA_IDLE_TIMEOUT", &cfg.Session.IdleTimeout)
	dur("TABULA_SWEEP_INTERVAL", &cfg.Session.SweepInterval)

	str("TABULA_LOG_FORMAT", &cfg.Log.Format)

	if len(errs) > 0 {
		return fmt.Errorf("invalid values: %s", strings.Join(errs, "; "))
	}
	return nil
}

// splitList splits a comma-separated list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// resolveFileReferences reads _file fields and populates the corresponding value fields.
// For each field ending in _file, if the value field is empty and the file field is set,
// the file is read, whitespace is trimmed, and the value field is populated.
func resolveFileReferences(cfg *Config) error {
	refs := []struct {
		name  string
		file  string
		value *string
	}{
		{"generator.api_key_file", cfg.Generator.APIKeyFile, &cfg.Generator.APIKey},
		{"storage.postgres.dsn_file", cfg.Storage.Postgres.DSNFile, &cfg.Storage.Postgres.DSN},
		{"storage.redis.password_file", cfg.Storage.Redis.PasswordFile, &cfg.Storage.Redis.Password},
	}
	for _, ref := range refs {
		if ref.file == "" || *ref.value != "" {
			continue
		}
		val, err := readSecretFile(ref.file)
		if err != nil {
			return fmt.Errorf("%s: %w", ref.name, err)
		}
		*ref.value = val
	}
	return nil
}

// readSecretFile reads a file and returns its content with surrounding whitespace trimmed.
func readSecretFile(path string) (string, error) {
	p, err := homedir.Expand(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// expandPaths replaces a leading ~ in path fields with the home directory.
func expandPaths(cfg *Config) error {
	for _, p := range []*string{&cfg.Storage.Local.Dir, &cfg.Sandbox.ScratchDir, &cfg.Sandbox.Interpreter} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}
