package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks the configuration for required fields and valid values.
// All failures are reported together, each with its field path.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.MaxFileSize <= 0 {
		errs = append(errs, fmt.Errorf("server.max_file_size must be > 0, got %d", c.Server.MaxFileSize))
	}
	if c.Server.MaxBodySize < c.Server.MaxFileSize {
		errs = append(errs, fmt.Errorf("server.max_body_size (%d) must be >= server.max_file_size (%d)",
			c.Server.MaxBodySize, c.Server.MaxFileSize))
	}

	switch c.Storage.Type {
	case "local":
		if c.Storage.Local.Dir == "" {
			errs = append(errs, errors.New("storage.local.dir is required when storage.type is \"local\""))
		}
	case "memory":
	case "postgres":
		if c.Storage.Postgres.DSN == "" && c.Storage.Postgres.DSNFile == "" {
			errs = append(errs, errors.New("storage.postgres.dsn or storage.postgres.dsn_file is required when storage.type is \"postgres\""))
		}
	case "redis":
		if c.Storage.Redis.Addr == "" {
			errs = append(errs, errors.New("storage.redis.addr is required when storage.type is \"redis\""))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.type must be \"local\", \"memory\", \"postgres\" or \"redis\", got %q", c.Storage.Type))
	}

	switch c.Sandbox.Mode {
	case "local":
		if c.Sandbox.Interpreter == "" {
			errs = append(errs, errors.New("sandbox.interpreter is required when sandbox.mode is \"local\""))
		}
	case "remote":
		if c.Sandbox.RemoteURL == "" {
			errs = append(errs, errors.New("sandbox.remote_url is required when sandbox.mode is \"remote\""))
		}
	case "kubernetes":
		if c.Sandbox.Kubernetes.Template == "" {
			errs = append(errs, errors.New("sandbox.kubernetes.template is required when sandbox.mode is \"kubernetes\""))
		}
	default:
		errs = append(errs, fmt.Errorf("sandbox.mode must be \"local\", \"remote\" or \"kubernetes\", got %q", c.Sandbox.Mode))
	}
	if c.Sandbox.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("sandbox.max_concurrent must be > 0, got %d", c.Sandbox.MaxConcurrent))
	}
	if c.Sandbox.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("sandbox.timeout must be > 0, got %v", c.Sandbox.Timeout))
	}
	switch c.Sandbox.Policy.NetworkNamespace {
	case "", "auto", "always", "never":
	default:
		errs = append(errs, fmt.Errorf("sandbox.policy.network_namespace must be \"auto\", \"always\" or \"never\", got %q", c.Sandbox.Policy.NetworkNamespace))
	}
	if c.Sandbox.QueueTimeout < 0 {
		errs = append(errs, fmt.Errorf("sandbox.queue_timeout must be >= 0, got %v", c.Sandbox.QueueTimeout))
	}

	if c.Generator.BaseURL == "" {
		errs = append(errs, errors.New("generator.base_url is required"))
	}
	if c.Generator.Model == "" {
		errs = append(errs, errors.New("generator.model is required"))
	}
	if t := c.Generator.Temperature; t != nil && (*t < 0 || *t > 2) {
		errs = append(errs, fmt.Errorf("generator.temperature must be between 0 and 2, got %v", *t))
	}

	if c.Session.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("session.idle_timeout must be > 0, got %v", c.Session.IdleTimeout))
	}
	if c.Session.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("session.sweep_interval must be > 0, got %v", c.Session.SweepInterval))
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be \"text\" or \"json\", got %q", c.Log.Format))
	}

	if c.MCP.Enabled && !strings.HasPrefix(c.MCP.Path, "/") {
		errs = append(errs, fmt.Errorf("mcp.path must start with /, got %q", c.MCP.Path))
	}
	if c.Observability.Metrics.Enabled && !strings.HasPrefix(c.Observability.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("observability.metrics.path must start with /, got %q", c.Observability.Metrics.Path))
	}

	return errors.Join(errs...)
}
