package transport

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/rhuss/tabula/pkg/api"
)

// Recovery returns middleware that catches panics in the handler and
// converts them to server error responses. The server continues to
// accept new requests after a panic is recovered.
func Recovery() Middleware {
	return func(next AnalysisRunner) AnalysisRunner {
		return AnalysisRunnerFunc(func(ctx context.Context, req *api.AnalyzeRequest) (resp *api.AnalyzeResponse, retErr error) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("panic in analysis handler",
						"request_id", RequestIDFromContext(ctx),
						"panic", r,
						"stack", string(debug.Stack()),
					)
					resp = nil
					retErr = api.NewServerError(fmt.Sprintf("internal server error: %v", r))
				}
			}()
			return next.RunAnalysis(ctx, req)
		})
	}
}
