package transport

import (
	"context"

	"github.com/google/uuid"

	"github.com/rhuss/tabula/pkg/api"
)

// RequestID returns middleware that assigns a unique request ID to each
// request. If the incoming request context already carries a request ID
// (set by the HTTP adapter from the X-Request-ID header), that value is
// used. Otherwise, a new unique ID is generated.
//
// The request ID is stored in the context and can be retrieved with
// RequestIDFromContext.
func RequestID() Middleware {
	return func(next AnalysisRunner) AnalysisRunner {
		return AnalysisRunnerFunc(func(ctx context.Context, req *api.AnalyzeRequest) (*api.AnalyzeResponse, error) {
			if RequestIDFromContext(ctx) == "" {
				ctx = ContextWithRequestID(ctx, NewRequestID())
			}
			return next.RunAnalysis(ctx, req)
		})
	}
}

// NewRequestID creates a new unique request ID.
func NewRequestID() string {
	return uuid.NewString()
}
