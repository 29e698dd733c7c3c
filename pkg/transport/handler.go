package transport

import (
	"context"
	"io"

	"github.com/rhuss/tabula/pkg/api"
)

// AnalysisRunner handles the core analyze operation. It serves both the
// session-based request (SessionID set) and the stateless request (File
// set). Execution failures of the generated script are reported inside the
// response; the error return is reserved for failures of the request itself.
type AnalysisRunner interface {
	RunAnalysis(ctx context.Context, req *api.AnalyzeRequest) (*api.AnalyzeResponse, error)
}

// AnalysisRunnerFunc is an adapter that allows using an ordinary function
// as an AnalysisRunner.
type AnalysisRunnerFunc func(ctx context.Context, req *api.AnalyzeRequest) (*api.AnalyzeResponse, error)

// RunAnalysis calls f(ctx, req).
func (f AnalysisRunnerFunc) RunAnalysis(ctx context.Context, req *api.AnalyzeRequest) (*api.AnalyzeResponse, error) {
	return f(ctx, req)
}

// SessionManager handles the session lifecycle around analyses.
type SessionManager interface {
	// Upload stores a file under a new session.
	Upload(ctx context.Context, name string, r io.Reader) (*api.UploadResponse, error)

	// Clear deletes a session with its file and chart.
	Clear(ctx context.Context, sessionID string) error

	// Image returns the PNG produced by the session's latest analysis.
	Image(ctx context.Context, sessionID string) ([]byte, error)

	// Session returns the public view of a session.
	Session(ctx context.Context, sessionID string) (*api.SessionInfo, error)

	// HealthCheck verifies the session store is reachable.
	HealthCheck(ctx context.Context) error
}
