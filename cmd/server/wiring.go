package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/rhuss/tabula/pkg/config"
	"github.com/rhuss/tabula/pkg/sandbox"
	"github.com/rhuss/tabula/pkg/sandbox/remote"
	"github.com/rhuss/tabula/pkg/sandbox/remote/kubernetes"
	"github.com/rhuss/tabula/pkg/storage"
	"github.com/rhuss/tabula/pkg/storage/local"
	"github.com/rhuss/tabula/pkg/storage/memory"
	"github.com/rhuss/tabula/pkg/storage/postgres"
	"github.com/rhuss/tabula/pkg/storage/redis"
)

// openStore creates the session store selected by cfg.Type.
func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "memory":
		slog.Info("storage enabled", "type", "memory", "max_size", cfg.Memory.MaxSize)
		return memory.New(cfg.Memory.MaxSize), nil
	case "postgres":
		s, err := postgres.New(ctx, postgres.Config{
			DSN:            cfg.Postgres.DSN,
			MaxConns:       cfg.Postgres.MaxConns,
			MigrateOnStart: cfg.Postgres.MigrateOnStart,
			MaxObjectBytes: cfg.Postgres.MaxObjectBytes,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("storage enabled", "type", "postgres", "max_conns", cfg.Postgres.MaxConns)
		return s, nil
	case "redis":
		s, err := redis.New(ctx, redis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("storage enabled", "type", "redis", "addr", cfg.Redis.Addr)
		return s, nil
	case "local":
		s, err := local.New(cfg.Local.Dir)
		if err != nil {
			return nil, err
		}
		slog.Info("storage enabled", "type", "local", "dir", s.Root())
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// newExecutor creates the script executor selected by cfg.Mode.
func newExecutor(cfg config.SandboxConfig) (sandbox.Executor, error) {
	switch cfg.Mode {
	case "remote":
		return remote.NewExecutor(remote.StaticAcquirer{URL: cfg.RemoteURL}, nil, cfg.Timeout), nil
	case "kubernetes":
		c, err := kubernetes.NewClient()
		if err != nil {
			return nil, err
		}
		acq := kubernetes.NewClaimAcquirer(c, kubernetes.Config{
			Template:  cfg.Kubernetes.Template,
			Namespace: cfg.Kubernetes.Namespace,
			Port:      cfg.Kubernetes.Port,
			Timeout:   cfg.Kubernetes.Timeout,
		})
		return remote.NewExecutor(acq, nil, cfg.Timeout), nil
	case "local":
		if _, err := exec.LookPath(cfg.Interpreter); err != nil {
			// Every execution will report config_error until this is fixed.
			slog.Warn("sandbox interpreter not found", "interpreter", cfg.Interpreter, "error", err)
		}
		return sandbox.NewProcess(sandbox.ProcessConfig{
			Interpreter:    cfg.Interpreter,
			DefaultTimeout: cfg.Timeout,
			Policy:         policyFrom(cfg.Policy, cfg.Interpreter),
		}), nil
	default:
		return nil, fmt.Errorf("unknown sandbox mode %q", cfg.Mode)
	}
}

func policyFrom(p config.PolicyConfig, interpreter string) sandbox.Policy {
	return sandbox.Policy{
		DisableNetwork:   p.DisableNetwork,
		NetworkNamespace: sandbox.UseNetworkNamespace(p.NetworkNamespace, p.DisableNetwork, interpreter),
		BlockedModules:   p.BlockedModules,
		MaxMemoryBytes:   p.MaxMemoryBytes,
		MaxCPUSeconds:    p.MaxCPUSeconds,
		MaxOpenFiles:     p.MaxOpenFiles,
		MaxOutputBytes:   p.MaxOutputBytes,
	}
}
