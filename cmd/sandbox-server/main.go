// Command sandbox-server runs the remote execution endpoint used by the
// "remote" and "kubernetes" sandbox modes. It is meant to run inside an
// isolated pod: every POST /execute runs one analysis script as a local
// child process under the hardening policy.
//
// Flags fall back to environment variables:
//
//	SANDBOX_PORT           - Listen port (default: 8080)
//	SANDBOX_INTERPRETER    - Python interpreter (default: python3)
//	SANDBOX_MAX_CONCURRENT - Max concurrent executions (default: 3)
//	SANDBOX_MAX_TIMEOUT    - Cap on client-requested timeouts (default: 5m)
//	SANDBOX_TEMP_DIR       - Parent of per-request directories (default: os.TempDir())
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rhuss/tabula/pkg/debug"
	"github.com/rhuss/tabula/pkg/sandbox"
	"github.com/rhuss/tabula/pkg/sandbox/remote"
)

type options struct {
	port          int
	interpreter   string
	maxConcurrent int
	maxTimeout    time.Duration
	tempDir       string
	allowNetwork  bool
	netNamespace  string
	blocked       []string
	logFormat     string
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := options{
		port:          envOrInt("SANDBOX_PORT", 8080),
		interpreter:   envOr("SANDBOX_INTERPRETER", "python3"),
		maxConcurrent: envOrInt("SANDBOX_MAX_CONCURRENT", 3),
		maxTimeout:    envOrDuration("SANDBOX_MAX_TIMEOUT", 5*time.Minute),
		tempDir:       os.Getenv("SANDBOX_TEMP_DIR"),
	}

	cmd := &cobra.Command{
		Use:          "sandbox-server",
		Short:        "Execute analysis scripts on behalf of a tabula server",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			debug.Init("", "", opts.logFormat)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts)
		},
	}

	f := cmd.Flags()
	f.IntVarP(&opts.port, "port", "p", opts.port, "listen port")
	f.StringVar(&opts.interpreter, "interpreter", opts.interpreter, "Python interpreter")
	f.IntVar(&opts.maxConcurrent, "max-concurrent", opts.maxConcurrent, "max concurrent executions, excess requests get 429")
	f.DurationVar(&opts.maxTimeout, "max-timeout", opts.maxTimeout, "cap on the timeout a client may request")
	f.StringVar(&opts.tempDir, "temp-dir", opts.tempDir, "parent of the per-request directories")
	f.BoolVar(&opts.allowNetwork, "allow-network", false, "let scripts open sockets")
	f.StringVar(&opts.netNamespace, "network-namespace", sandbox.NamespaceAuto, "run scripts in a private network namespace: auto, always or never")
	f.StringSliceVar(&opts.blocked, "block-module", nil, "Python module scripts may not import (repeatable)")
	f.StringVar(&opts.logFormat, "log-format", "text", "log format: text or json")

	return cmd
}

func serve(ctx context.Context, opts options) error {
	switch opts.netNamespace {
	case sandbox.NamespaceAuto, sandbox.NamespaceAlways, sandbox.NamespaceNever:
	default:
		return fmt.Errorf("--network-namespace must be auto, always or never, got %q", opts.netNamespace)
	}
	if _, err := exec.LookPath(opts.interpreter); err != nil {
		return fmt.Errorf("interpreter %q: %w", opts.interpreter, err)
	}

	srv := newSandboxServer(opts)
	httpSrv := &http.Server{
		Addr:              ":" + strconv.Itoa(opts.port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("sandbox server starting",
			"port", opts.port,
			"runtime", runtimeVersion(opts.interpreter),
			"max_concurrent", opts.maxConcurrent,
			"network", opts.allowNetwork,
			"network_namespace", opts.netNamespace,
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newSandboxServer(opts options) *remote.Server {
	policy := sandbox.DefaultPolicy()
	policy.DisableNetwork = !opts.allowNetwork
	policy.BlockedModules = opts.blocked
	policy.NetworkNamespace = sandbox.UseNetworkNamespace(opts.netNamespace, policy.DisableNetwork, opts.interpreter)

	return remote.NewServer(remote.ServerConfig{
		Executor: sandbox.NewProcess(sandbox.ProcessConfig{
			Interpreter: opts.interpreter,
			Policy:      policy,
		}),
		MaxConcurrent: opts.maxConcurrent,
		MaxTimeout:    opts.maxTimeout,
		Interpreter:   opts.interpreter,
		Runtime:       runtimeVersion(opts.interpreter),
		TempDir:       opts.tempDir,
	})
}

// runtimeVersion returns the first line of "<interpreter> --version".
func runtimeVersion(interpreter string) string {
	out, err := exec.Command(interpreter, "--version").CombinedOutput()
	if err != nil {
		return "unknown"
	}
	version := strings.TrimSpace(string(out))
	if idx := strings.Index(version, "\n"); idx > 0 {
		version = version[:idx]
	}
	return version
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrInt(key string, defaultVal int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultVal
	}
	return n
}

func envOrDuration(key string, defaultVal time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultVal
	}
	return d
}
