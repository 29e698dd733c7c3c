package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rhuss/tabula/pkg/debug"
)

const (
	scriptName = "analysis.py"
	preludeDir = ".tabula"
)

// ProcessConfig configures a Process executor.
type ProcessConfig struct {
	// Interpreter is the Python binary (default: "python3").
	Interpreter string

	// DefaultTimeout applies when a request sets none (default: DefaultTimeout).
	DefaultTimeout time.Duration

	// WaitDelay bounds how long to wait for output pipes after the child is
	// killed or exits (default: 2s).
	WaitDelay time.Duration

	// Policy is the hardening policy applied to every child.
	Policy Policy

	// ExtraEnv is appended to the minimal child environment ("KEY=value").
	ExtraEnv []string
}

// Network namespace modes accepted by UseNetworkNamespace.
const (
	NamespaceAuto   = "auto"
	NamespaceAlways = "always"
	NamespaceNever  = "never"
)

// UseNetworkNamespace decides whether children of interpreter run in their
// own network namespace. In auto mode (also the empty string) they do when
// the network is disabled and the host supports unprivileged user
// namespaces; otherwise only the Python prelude blocks sockets.
func UseNetworkNamespace(mode string, disableNetwork bool, interpreter string) bool {
	switch mode {
	case NamespaceAlways:
		return true
	case NamespaceNever:
		return false
	}
	if !disableNetwork {
		return false
	}
	if NetworkNamespaceSupported(interpreter) {
		slog.Info("sandbox network namespace enabled", "interpreter", interpreter)
		return true
	}
	slog.Warn("unprivileged user namespaces unavailable, network is blocked by the Python prelude only",
		"interpreter", interpreter)
	return false
}

// Process executes scripts as local child processes.
type Process struct {
	interpreter    string
	defaultTimeout time.Duration
	waitDelay      time.Duration
	policy         Policy
	extraEnv       []string
}

// Ensure Process implements Executor at compile time.
var _ Executor = (*Process)(nil)

// NewProcess creates a local process executor.
func NewProcess(cfg ProcessConfig) *Process {
	p := &Process{
		interpreter:    cfg.Interpreter,
		defaultTimeout: cfg.DefaultTimeout,
		waitDelay:      cfg.WaitDelay,
		policy:         cfg.Policy,
		extraEnv:       cfg.ExtraEnv,
	}
	if p.interpreter == "" {
		p.interpreter = "python3"
	}
	if p.defaultTimeout <= 0 {
		p.defaultTimeout = DefaultTimeout
	}
	if p.waitDelay <= 0 {
		p.waitDelay = 2 * time.Second
	}
	return p
}

// Policy returns the hardening policy of the executor.
func (p *Process) Policy() Policy {
	return p.policy
}

// Interpreter returns the configured interpreter command.
func (p *Process) Interpreter() string {
	return p.interpreter
}

// Execute runs req.Code in a child process inside req.WorkDir.
func (p *Process) Execute(ctx context.Context, req *Request) (*Result, error) {
	if err := Validate(req.Code); err != nil {
		return nil, err
	}
	workDir, err := checkWorkDir(req.WorkDir)
	if err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = p.defaultTimeout
	}

	artifactPath := filepath.Join(workDir, ArtifactName)
	if err := os.Remove(artifactPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("clearing stale artifact: %w", err)
	}

	scriptPath := filepath.Join(workDir, scriptName)
	if err := os.WriteFile(scriptPath, []byte(req.Code), 0o600); err != nil {
		return launchFailure(fmt.Errorf("writing script: %w", err)), nil
	}
	hookDir := filepath.Join(workDir, preludeDir)
	if err := os.MkdirAll(hookDir, 0o700); err != nil {
		return launchFailure(fmt.Errorf("creating prelude directory: %w", err)), nil
	}
	if err := os.WriteFile(filepath.Join(hookDir, preludeModule), []byte(p.policy.prelude()), 0o600); err != nil {
		return launchFailure(fmt.Errorf("writing prelude: %w", err)), nil
	}

	inputPath := req.InputPath
	if inputPath != "" && !filepath.IsAbs(inputPath) {
		inputPath = filepath.Join(workDir, inputPath)
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout := newCappedBuffer(p.policy.MaxOutputBytes)
	stderr := newCappedBuffer(p.policy.MaxOutputBytes)

	cmd := exec.CommandContext(execCtx, p.interpreter, "-B", "-u", scriptPath)
	cmd.Dir = workDir
	cmd.Env = p.childEnv(workDir, hookDir, inputPath, artifactPath)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = sysProcAttr(p.policy)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = p.waitDelay

	debug.Log("sandbox", "launching", "interpreter", p.interpreter, "dir", workDir,
		"timeout", timeout, "code_bytes", len(req.Code))
	debug.Raw("sandbox", req.Code)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		slog.Warn("sandbox launch failed", "interpreter", p.interpreter, "error", err)
		return launchFailure(err), nil
	}

	if err := applyLimits(cmd.Process.Pid, p.policy); err != nil {
		debug.Log("sandbox", "prlimit failed", "pid", cmd.Process.Pid, "error", err)
	}

	waitErr := cmd.Wait()
	duration := time.Since(start)

	// Reap anything the script left running in its process group.
	_ = killProcessGroup(cmd)

	timedOut := errors.Is(execCtx.Err(), context.DeadlineExceeded)
	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	if waitErr != nil && exitCode == 0 && !errors.Is(waitErr, exec.ErrWaitDelay) {
		exitCode = -1
	}
	if timedOut {
		exitCode = -1
	}

	res := &Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  exitCode,
		Duration:  duration,
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}

	outcome := Outcome{
		TimedOut:  timedOut,
		ExitCode:  exitCode,
		HasStdout: stdout.Len() > 0,
		HasStderr: stderr.Len() > 0,
	}

	if timedOut {
		res.Stderr = appendLine(res.Stderr, "execution timed out after "+timeout.String())
	} else if ctx.Err() != nil {
		res.Stderr = appendLine(res.Stderr, "execution cancelled: "+ctx.Err().Error())
		outcome.HasStderr = true
	}

	if info, err := os.Stat(artifactPath); err == nil && info.Mode().IsRegular() {
		res.ArtifactPath = artifactPath
		outcome.HasArtifact = true
	}

	res.Flags = Classify(outcome)

	slog.Debug("sandbox execution complete",
		"exit_code", res.ExitCode,
		"duration_ms", duration.Milliseconds(),
		"stdout_len", len(res.Stdout),
		"stderr_len", len(res.Stderr),
		"flags", FlagStrings(res.Flags),
	)
	debug.Log("sandbox", "result", "flags", FlagStrings(res.Flags),
		"stdout", debug.Truncate(res.Stdout, 200), "stderr", debug.Truncate(res.Stderr, 200))

	return res, nil
}

// childEnv builds the minimal environment of the child. Nothing from the
// service environment leaks except PATH.
func (p *Process) childEnv(workDir, hookDir, inputPath, artifactPath string) []string {
	path := os.Getenv("PATH")
	if path == "" {
		path = "/usr/local/bin:/usr/bin:/bin"
	}
	env := []string{
		"PATH=" + path,
		"HOME=" + workDir,
		"TMPDIR=" + workDir,
		"LANG=C.UTF-8",
		"MPLBACKEND=Agg",
		"MPLCONFIGDIR=" + filepath.Join(hookDir, "matplotlib"),
		"PYTHONDONTWRITEBYTECODE=1",
		"PYTHONUNBUFFERED=1",
		"PYTHONPATH=" + hookDir,
		"OPENBLAS_NUM_THREADS=1",
		"OMP_NUM_THREADS=1",
		"INPUT_PATH=" + inputPath,
		"OUTPUT_PATH=" + artifactPath,
	}
	return append(env, p.extraEnv...)
}

func checkWorkDir(dir string) (string, error) {
	if dir == "" {
		return "", ErrNoWorkDir
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoWorkDir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoWorkDir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrNoWorkDir, abs)
	}
	return abs, nil
}

// launchFailure reports a child that never ran.
func launchFailure(err error) *Result {
	return &Result{
		Stderr:   "sandbox launch failed: " + err.Error(),
		ExitCode: -1,
		Flags:    Classify(Outcome{LaunchFailed: true, ExitCode: -1}),
	}
}

func appendLine(s, line string) string {
	if s != "" && s[len(s)-1] != '\n' {
		s += "\n"
	}
	return s + line
}

// cappedBuffer keeps the first max bytes written and counts the rest.
// It never reports a short write, so the child is not blocked or killed
// by a full pipe.
type cappedBuffer struct {
	buf     bytes.Buffer
	max     int
	dropped int64
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{max: limit}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if c.max <= 0 {
		return c.buf.Write(p)
	}
	room := c.max - c.buf.Len()
	if room >= len(p) {
		return c.buf.Write(p)
	}
	if room > 0 {
		c.buf.Write(p[:room])
	}
	c.dropped += int64(len(p) - max(room, 0))
	return len(p), nil
}

func (c *cappedBuffer) Len() int {
	return c.buf.Len()
}

func (c *cappedBuffer) Truncated() bool {
	return c.dropped > 0
}

func (c *cappedBuffer) String() string {
	if c.dropped == 0 {
		return c.buf.String()
	}
	return appendLine(c.buf.String(), "[output truncated: "+strconv.FormatInt(c.dropped, 10)+" bytes omitted]")
}
