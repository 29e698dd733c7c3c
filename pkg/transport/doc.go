// Package transport defines the handler interfaces and middleware chain for
// the tabula HTTP transport layer.
//
// The transport layer bridges external clients and the analysis pipeline.
// It decodes incoming requests (multipart uploads, form fields, JSON) into
// the types defined in pkg/api, dispatches them, and encodes the result
// bundle or a structured error back to the client.
//
// # Handler Interfaces
//
//   - AnalysisRunner handles the analyze operation, for both session-based
//     and stateless requests.
//   - SessionManager handles upload, clear, image retrieval, and session
//     lookup.
//
// # Middleware
//
// The middleware chain wraps AnalysisRunner with cross-cutting concerns.
// Built-in middleware provides panic recovery, request ID assignment
// (X-Request-ID), and structured logging via log/slog.
package transport
