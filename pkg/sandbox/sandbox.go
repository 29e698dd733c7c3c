// Package sandbox runs model-generated analysis scripts against user data in
// a separate, constrained OS process and reports what happened as a set of
// outcome flags.
//
// The caller owns the working directory: it creates a fresh directory per
// request, places the input file in it, and removes it afterwards. A script
// that wants to produce a chart writes it to ArtifactName inside that
// directory (also exposed as OUTPUT_PATH), so concurrent requests never share
// an artifact path.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// ArtifactName is the well-known file name a script writes its chart to.
	ArtifactName = "output.png"

	// DefaultTimeout bounds a script's wall-clock time when the request does
	// not set one.
	DefaultTimeout = 30 * time.Second

	// MaxCodeBytes is the largest script accepted.
	MaxCodeBytes = 1 << 20
)

var (
	// ErrEmptyCode is returned when the script is empty or whitespace.
	ErrEmptyCode = errors.New("code is empty")

	// ErrCodeTooLarge is returned when the script exceeds MaxCodeBytes.
	ErrCodeTooLarge = errors.New("code too large")

	// ErrNoWorkDir is returned when the request has no usable working directory.
	ErrNoWorkDir = errors.New("working directory is required")
)

// Executor runs one script and reports its outcome. Implementations return
// a non-nil Result for every outcome of the child process, including launch
// failures and timeouts; the error return is reserved for invalid requests.
type Executor interface {
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// Request describes one execution.
type Request struct {
	// Code is the script source.
	Code string

	// WorkDir is the per-request directory the script runs in.
	WorkDir string

	// InputPath is the path of the input file, normally inside WorkDir.
	InputPath string

	// Timeout is the wall-clock limit. Zero uses the executor default.
	Timeout time.Duration
}

// Result is the outcome of one execution.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration

	// Flags is never empty, sorted, and free of duplicates.
	Flags []Flag

	// ArtifactPath is the absolute path of the produced chart, or empty.
	ArtifactPath string

	// Truncated reports that stdout or stderr hit the output limit.
	Truncated bool
}

// HasFlag reports whether f is among the result flags.
func (r *Result) HasFlag(f Flag) bool {
	for _, have := range r.Flags {
		if have == f {
			return true
		}
	}
	return false
}

// Validate rejects scripts that must not be launched.
func Validate(code string) error {
	if len(code) > MaxCodeBytes {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrCodeTooLarge, len(code), MaxCodeBytes)
	}
	for _, r := range code {
		switch r {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return nil
	}
	return ErrEmptyCode
}
