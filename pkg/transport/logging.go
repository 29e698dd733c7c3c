package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/rhuss/tabula/pkg/api"
)

// Logging returns middleware that emits one structured log entry per
// analysis with the request ID, session, outcome flags, and duration.
// HTTP status codes are logged by the adapter, not here.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next AnalysisRunner) AnalysisRunner {
		return AnalysisRunnerFunc(func(ctx context.Context, req *api.AnalyzeRequest) (*api.AnalyzeResponse, error) {
			start := time.Now()

			resp, err := next.RunAnalysis(ctx, req)

			attrs := []slog.Attr{
				slog.String("request_id", RequestIDFromContext(ctx)),
				slog.String("session_id", req.SessionID),
				slog.Bool("inline_file", req.File != nil),
				slog.Duration("duration", time.Since(start)),
			}

			switch {
			case err != nil:
				attrs = append(attrs, slog.String("error", err.Error()))
				logger.LogAttrs(ctx, slog.LevelError, "analysis failed", attrs...)
			case resp != nil && resp.Error != nil:
				attrs = append(attrs, slog.String("error", resp.Error.Message))
				logger.LogAttrs(ctx, slog.LevelWarn, "analysis without execution", attrs...)
			default:
				if resp != nil {
					attrs = append(attrs, slog.Any("flags", resp.Flags))
				}
				logger.LogAttrs(ctx, slog.LevelInfo, "analysis completed", attrs...)
			}

			return resp, err
		})
	}
}
