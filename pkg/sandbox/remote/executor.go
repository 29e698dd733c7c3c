package remote

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/rhuss/tabula/pkg/debug"
	"github.com/rhuss/tabula/pkg/sandbox"
)

// Ensure Executor implements sandbox.Executor at compile time.
var _ sandbox.Executor = (*Executor)(nil)

// responseMargin is added to the execution timeout to bound the whole
// round trip: transfer of files and output plus server-side cleanup.
const responseMargin = 30 * time.Second

// Executor runs scripts on a sandbox server obtained from an Acquirer.
type Executor struct {
	acquirer       Acquirer
	client         *Client
	defaultTimeout time.Duration
	margin         time.Duration
}

// NewExecutor creates a remote executor. A nil client uses NewClient(nil).
func NewExecutor(acquirer Acquirer, client *Client, defaultTimeout time.Duration) *Executor {
	if client == nil {
		client = NewClient(nil)
	}
	if defaultTimeout <= 0 {
		defaultTimeout = sandbox.DefaultTimeout
	}
	return &Executor{
		acquirer:       acquirer,
		client:         client,
		defaultTimeout: defaultTimeout,
		margin:         responseMargin,
	}
}

// Execute ships req.Code and the input file to a sandbox server. A chart the
// script produced is written to sandbox.ArtifactName inside req.WorkDir.
// Transport failures are reported as a config_error result; a busy server
// yields ErrAtCapacity.
func (e *Executor) Execute(ctx context.Context, req *sandbox.Request) (*sandbox.Result, error) {
	if err := sandbox.Validate(req.Code); err != nil {
		return nil, err
	}
	if req.WorkDir == "" {
		return nil, sandbox.ErrNoWorkDir
	}
	if info, err := os.Stat(req.WorkDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrNoWorkDir, req.WorkDir)
	}

	artifactPath := filepath.Join(req.WorkDir, sandbox.ArtifactName)
	if err := os.Remove(artifactPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("clearing stale artifact: %w", err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	body := &ExecuteRequest{
		Code:           req.Code,
		TimeoutSeconds: int(math.Ceil(timeout.Seconds())),
	}
	if req.InputPath != "" {
		inputPath := req.InputPath
		if !filepath.IsAbs(inputPath) {
			inputPath = filepath.Join(req.WorkDir, inputPath)
		}
		data, err := os.ReadFile(inputPath)
		if err != nil {
			return failure(fmt.Errorf("reading input: %w", err)), nil
		}
		body.InputName = filepath.Base(inputPath)
		body.Files = map[string]string{body.InputName: base64.StdEncoding.EncodeToString(data)}
	}

	sandboxURL, release, err := e.acquirer.Acquire(ctx)
	if err != nil {
		slog.Warn("sandbox acquisition failed", "error", err.Error())
		return failure(fmt.Errorf("acquiring sandbox: %w", err)), nil
	}
	defer release()

	debug.Log("sandbox", "remote execute", "url", sandboxURL, "timeout", timeout, "code_bytes", len(req.Code))

	callCtx, cancel := context.WithTimeout(ctx, timeout+e.margin)
	defer cancel()

	start := time.Now()
	resp, err := e.client.Execute(callCtx, sandboxURL, body)
	if err != nil {
		if errors.Is(err, ErrAtCapacity) {
			return nil, err
		}
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			slog.Warn("remote sandbox did not answer in time", "url", sandboxURL, "timeout", timeout)
			return timedOut(timeout, time.Since(start)), nil
		}
		slog.Warn("remote sandbox execution failed", "url", sandboxURL, "error", err.Error())
		return failure(err), nil
	}

	res := &sandbox.Result{
		Stdout:    resp.Stdout,
		Stderr:    resp.Stderr,
		ExitCode:  resp.ExitCode,
		Duration:  time.Duration(resp.ExecutionTimeMs) * time.Millisecond,
		Truncated: resp.Truncated,
	}
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}

	if b64, ok := resp.FilesProduced[sandbox.ArtifactName]; ok {
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return failure(fmt.Errorf("decoding artifact: %w", err)), nil
		}
		if err := os.WriteFile(artifactPath, data, 0o600); err != nil {
			return failure(fmt.Errorf("writing artifact: %w", err)), nil
		}
		res.ArtifactPath = artifactPath
	}

	res.Flags = responseFlags(resp, res.ArtifactPath != "")

	debug.Log("sandbox", "remote result", "flags", sandbox.FlagStrings(res.Flags), "exit_code", res.ExitCode)
	return res, nil
}

// responseFlags trusts the flags reported by the server, and derives them
// from the exit code for servers that report none. produced_image follows
// the artifact actually received.
func responseFlags(resp *ExecuteResponse, hasArtifact bool) []sandbox.Flag {
	flags := sandbox.ParseFlags(resp.Flags)
	kept := flags[:0]
	for _, f := range flags {
		if f != sandbox.FlagProducedImage {
			kept = append(kept, f)
		}
	}
	flags = kept
	if len(flags) == 0 {
		return sandbox.Classify(sandbox.Outcome{
			ExitCode:    resp.ExitCode,
			HasStdout:   resp.Stdout != "",
			HasStderr:   resp.Stderr != "",
			HasArtifact: hasArtifact,
		})
	}
	if hasArtifact {
		flags = append(flags, sandbox.FlagProducedImage)
	}
	return sandbox.NormalizeFlags(flags)
}

// timedOut reports a server that did not answer within the execution
// timeout plus the response margin.
func timedOut(timeout, elapsed time.Duration) *sandbox.Result {
	return &sandbox.Result{
		Stderr:   "execution timed out after " + timeout.String() + " (no answer from remote sandbox)",
		ExitCode: -1,
		Duration: elapsed,
		Flags:    sandbox.Classify(sandbox.Outcome{TimedOut: true, ExitCode: -1, HasStderr: true}),
	}
}

func failure(err error) *sandbox.Result {
	return &sandbox.Result{
		Stderr:   "remote sandbox failed: " + err.Error(),
		ExitCode: -1,
		Flags:    sandbox.Classify(sandbox.Outcome{LaunchFailed: true, ExitCode: -1}),
	}
}
