package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/rs/cors"

	"github.com/rhuss/tabula/pkg/api"
	"github.com/rhuss/tabula/pkg/debug"
	"github.com/rhuss/tabula/pkg/observability"
	"github.com/rhuss/tabula/pkg/transport"
)

// maxMemory is the part of a multipart body kept in memory; the rest is
// spooled to temporary files by net/http.
const maxMemory = 32 << 20

// Adapter serves the tabula API over HTTP.
// It routes requests to the appropriate handler and serializes responses.
type Adapter struct {
	runner   transport.AnalysisRunner
	sessions transport.SessionManager // nil if stateless-only
	inflight *transport.InFlightRegistry
	mux      *http.ServeMux
	cors     *cors.Cors
	config   Config
}

// Config holds configuration for the HTTP adapter.
type Config struct {
	Addr            string
	MaxBodySize     int64
	ShutdownTimeout int // seconds

	// AllowedOrigins lists the origins allowed by CORS. Empty disables CORS
	// headers; "*" allows any origin.
	AllowedOrigins []string
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		MaxBodySize:     64 << 20, // 64 MB
		ShutdownTimeout: 30,
	}
}

// NewAdapter creates an HTTP adapter with the given AnalysisRunner and
// SessionManager. The SessionManager is optional; when nil, session
// endpoints return an error indicating the operation is not available.
// Middleware is applied to the AnalysisRunner in the given order.
func NewAdapter(runner transport.AnalysisRunner, sessions transport.SessionManager, cfg Config, middlewares ...transport.Middleware) *Adapter {
	// Apply middleware chain to the runner.
	if len(middlewares) > 0 {
		runner = transport.Chain(middlewares...)(runner)
	}

	a := &Adapter{
		runner:   runner,
		sessions: sessions,
		inflight: transport.NewInFlightRegistry(),
		mux:      http.NewServeMux(),
		config:   cfg,
	}

	if len(cfg.AllowedOrigins) > 0 {
		a.cors = cors.New(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: !containsWildcard(cfg.AllowedOrigins),
		})
	}

	// Legacy form routes.
	a.mux.HandleFunc("POST /upload/{$}", a.handleUpload)
	a.mux.HandleFunc("POST /analyze/{$}", a.handleAnalyze)
	a.mux.HandleFunc("POST /clear_session/{$}", a.handleClear)
	a.mux.HandleFunc("GET /get_image/{$}", a.handleImage)

	// REST routes.
	a.mux.HandleFunc("POST /v1/sessions", a.handleUpload)
	a.mux.HandleFunc("GET /v1/sessions/{id}", a.handleGetSession)
	a.mux.HandleFunc("DELETE /v1/sessions/{id}", a.handleClear)
	a.mux.HandleFunc("POST /v1/sessions/{id}/analyze", a.handleAnalyze)
	a.mux.HandleFunc("GET /v1/sessions/{id}/image", a.handleImage)
	a.mux.HandleFunc("POST /v1/analyze", a.handleAnalyzeFile)

	a.mux.HandleFunc("GET /healthz", a.handleHealthz)
	a.mux.HandleFunc("GET /readyz", a.handleReadyz)

	return a
}

// Mount registers an additional handler, such as /metrics or /mcp, on the
// adapter's mux so that it shares request IDs, CORS, and request metrics.
func (a *Adapter) Mount(pattern string, h http.Handler) {
	a.mux.Handle(pattern, h)
}

// Handler returns the http.Handler for this adapter. Use this to integrate
// with an http.Server or test with httptest. The returned handler includes
// HTTP-level middleware for request ID propagation, CORS, and request
// metrics.
func (a *Adapter) Handler() http.Handler {
	var h http.Handler = observability.MetricsMiddleware(a.mux)
	if a.cors != nil {
		h = a.cors.Handler(h)
	}
	return httpRequestIDMiddleware(h)
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

// httpRequestIDMiddleware is HTTP-level middleware that propagates the
// X-Request-ID header. A request without one gets a fresh ID, which is
// stored in the context and echoed in the response headers.
func httpRequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = transport.NewRequestID()
		}
		r = r.WithContext(transport.ContextWithRequestID(r.Context(), id))
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// handleUpload handles POST /upload/ and POST /v1/sessions.
func (a *Adapter) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !a.requireSessions(w) {
		return
	}
	if apiErr := a.parseMultipart(w, r); apiErr != nil {
		writeParseError(w, apiErr)
		return
	}

	f, hdr, err := r.FormFile("file")
	if err != nil {
		transport.WriteAPIError(w, api.NewInvalidRequestError("file", "multipart field \"file\" is required"))
		return
	}
	defer f.Close()

	resp, err := a.sessions.Upload(r.Context(), hdr.Filename, f)
	if err != nil {
		transport.WriteAPIError(w, transport.APIErrorFrom(err))
		return
	}

	status := http.StatusOK
	if r.Pattern == "POST /v1/sessions" {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

// handleAnalyze handles POST /analyze/ and POST /v1/sessions/{id}/analyze.
func (a *Adapter) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	req, apiErr := a.decodeAnalyzeRequest(w, r)
	if apiErr != nil {
		writeParseError(w, apiErr)
		return
	}
	if id := r.PathValue("id"); id != "" {
		req.SessionID = id
	}

	ctx, done := a.inflight.Track(r.Context(), req.SessionID)
	defer done()

	resp, err := a.runner.RunAnalysis(ctx, req)
	if err != nil {
		if ctx.Err() != nil && r.Context().Err() == nil {
			// Cancelled by a concurrent clear of the same session.
			transport.WriteAPIError(w, api.NewNotFoundError("session "+req.SessionID+" was cleared during analysis"))
			return
		}
		transport.WriteAPIError(w, transport.APIErrorFrom(err))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAnalyzeFile handles POST /v1/analyze, the stateless variant with
// the data file in the same multipart request.
func (a *Adapter) handleAnalyzeFile(w http.ResponseWriter, r *http.Request) {
	if apiErr := a.parseMultipart(w, r); apiErr != nil {
		writeParseError(w, apiErr)
		return
	}

	f, hdr, err := r.FormFile("file")
	if err != nil {
		transport.WriteAPIError(w, api.NewInvalidRequestError("file", "multipart field \"file\" is required"))
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		transport.WriteAPIError(w, api.NewInvalidRequestError("file", "reading upload: "+err.Error()))
		return
	}

	req := &api.AnalyzeRequest{
		Query: r.FormValue("user_query"),
		File:  &api.InlineFile{Name: hdr.Filename, Data: data},
	}
	resp, err := a.runner.RunAnalysis(r.Context(), req)
	if err != nil {
		transport.WriteAPIError(w, transport.APIErrorFrom(err))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleClear handles POST /clear_session/ and DELETE /v1/sessions/{id}.
// Analyses still running on the session are cancelled first. The legacy
// route is idempotent: clearing an unknown session still reports success.
// The REST route answers 404 for it.
func (a *Adapter) handleClear(w http.ResponseWriter, r *http.Request) {
	if !a.requireSessions(w) {
		return
	}

	id := r.PathValue("id")
	legacy := id == ""
	if legacy {
		req, apiErr := a.decodeAnalyzeRequest(w, r)
		if apiErr != nil {
			writeParseError(w, apiErr)
			return
		}
		id = req.SessionID
	}
	if id == "" {
		transport.WriteAPIError(w, api.NewInvalidRequestError("session_id", "session_id is required"))
		return
	}

	if n := a.inflight.Cancel(id); n > 0 {
		debug.Log("transport", "cancelled running analyses", "session_id", id, "count", n)
	}

	if err := a.sessions.Clear(r.Context(), id); err != nil {
		apiErr := transport.APIErrorFrom(err)
		if !legacy || apiErr.Type != api.ErrorTypeNotFound {
			transport.WriteAPIError(w, apiErr)
			return
		}
		debug.Log("transport", "legacy clear of unknown session", "session_id", id)
	}
	writeJSON(w, http.StatusOK, api.StatusResponse{Status: "session cleared"})
}

// handleImage handles GET /get_image/?session_id= and
// GET /v1/sessions/{id}/image.
func (a *Adapter) handleImage(w http.ResponseWriter, r *http.Request) {
	if !a.requireSessions(w) {
		return
	}

	id := r.PathValue("id")
	if id == "" {
		id = r.URL.Query().Get("session_id")
	}
	if id == "" {
		transport.WriteAPIError(w, api.NewInvalidRequestError("session_id", "session_id is required"))
		return
	}

	data, err := a.sessions.Image(r.Context(), id)
	if err != nil {
		transport.WriteAPIError(w, transport.APIErrorFrom(err))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleGetSession handles GET /v1/sessions/{id}.
func (a *Adapter) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if !a.requireSessions(w) {
		return
	}

	info, err := a.sessions.Session(r.Context(), r.PathValue("id"))
	if err != nil {
		transport.WriteAPIError(w, transport.APIErrorFrom(err))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *Adapter) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

// handleReadyz reports ready once the session store answers.
func (a *Adapter) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if a.sessions != nil {
		if err := a.sessions.HealthCheck(r.Context()); err != nil {
			transport.WriteErrorResponse(w,
				api.NewStorageError("session store not ready: "+err.Error()),
				http.StatusServiceUnavailable,
			)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready\n"))
}

func (a *Adapter) requireSessions(w http.ResponseWriter) bool {
	if a.sessions != nil {
		return true
	}
	transport.WriteErrorResponse(w,
		api.NewInvalidRequestError("", "session endpoints are not available (no session store configured)"),
		http.StatusNotImplemented,
	)
	return false
}

// parseMultipart limits the body and parses a multipart/form-data request.
func (a *Adapter) parseMultipart(w http.ResponseWriter, r *http.Request) *api.APIError {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return &api.APIError{
			Type:    api.ErrorTypeInvalidRequest,
			Code:    "unsupported_media_type",
			Param:   "content_type",
			Message: "Content-Type must be multipart/form-data",
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxBodySize)
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		return a.bodyError(err)
	}
	return nil
}

// decodeAnalyzeRequest reads session_id and user_query from a JSON,
// URL-encoded, or multipart body. Query parameters fill in absent fields.
func (a *Adapter) decodeAnalyzeRequest(w http.ResponseWriter, r *http.Request) (*api.AnalyzeRequest, *api.APIError) {
	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxBodySize)

	var req api.AnalyzeRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				return nil, a.bodyError(err)
			}
			return nil, api.NewInvalidRequestError("body", "invalid JSON: "+err.Error())
		}
	case "multipart/form-data":
		if err := r.ParseMultipartForm(maxMemory); err != nil {
			return nil, a.bodyError(err)
		}
		req.SessionID = r.FormValue("session_id")
		req.Query = r.FormValue("user_query")
	case "application/x-www-form-urlencoded", "":
		if err := r.ParseForm(); err != nil {
			return nil, a.bodyError(err)
		}
		req.SessionID = r.FormValue("session_id")
		req.Query = r.FormValue("user_query")
	default:
		return nil, &api.APIError{
			Type:    api.ErrorTypeInvalidRequest,
			Code:    "unsupported_media_type",
			Param:   "content_type",
			Message: fmt.Sprintf("unsupported Content-Type %q", mediaType),
		}
	}

	q := r.URL.Query()
	if req.SessionID == "" {
		req.SessionID = q.Get("session_id")
	}
	if req.Query == "" {
		req.Query = q.Get("user_query")
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	return &req, nil
}

func (a *Adapter) bodyError(err error) *api.APIError {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return &api.APIError{
			Type:    api.ErrorTypeInvalidRequest,
			Code:    "body_too_large",
			Param:   "body",
			Message: fmt.Sprintf("request body too large (max %d bytes)", a.config.MaxBodySize),
		}
	}
	return api.NewInvalidRequestError("body", "malformed request body: "+err.Error())
}

// writeParseError writes a request decoding error with the status its code
// calls for.
func writeParseError(w http.ResponseWriter, apiErr *api.APIError) {
	switch apiErr.Code {
	case "body_too_large":
		transport.WriteErrorResponse(w, apiErr, http.StatusRequestEntityTooLarge)
	case "unsupported_media_type":
		transport.WriteErrorResponse(w, apiErr, http.StatusUnsupportedMediaType)
	default:
		transport.WriteAPIError(w, apiErr)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
