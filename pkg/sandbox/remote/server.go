package remote

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rhuss/tabula/pkg/debug"
	"github.com/rhuss/tabula/pkg/sandbox"
)

// maxRequestBytes bounds the POST /execute body (code plus base64 input).
const maxRequestBytes = 64 << 20

// ServerConfig configures a sandbox Server.
type ServerConfig struct {
	// Executor runs the scripts, normally a *sandbox.Process.
	Executor sandbox.Executor

	// MaxConcurrent bounds parallel executions; excess requests get HTTP 429
	// (default: 3).
	MaxConcurrent int

	// MaxTimeout caps the timeout a client may request (0 = no cap).
	MaxTimeout time.Duration

	// Interpreter and Runtime are reported by GET /health.
	Interpreter string
	Runtime     string

	// TempDir is the parent of the per-request directories (default: os.TempDir()).
	TempDir string
}

// Server is the HTTP side of the remote sandbox: POST /execute and GET /health.
type Server struct {
	executor      sandbox.Executor
	maxConcurrent int32
	maxTimeout    time.Duration
	interpreter   string
	runtime       string
	tempDir       string
	currentLoad   atomic.Int32
	startTime     time.Time
}

// NewServer creates a sandbox server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	return &Server{
		executor:      cfg.Executor,
		maxConcurrent: int32(cfg.MaxConcurrent),
		maxTimeout:    cfg.MaxTimeout,
		interpreter:   cfg.Interpreter,
		runtime:       cfg.Runtime,
		tempDir:       cfg.TempDir,
		startTime:     time.Now(),
	}
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /execute", s.handleExecute)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	current := s.currentLoad.Add(1)
	defer s.currentLoad.Add(-1)

	if current > s.maxConcurrent {
		writeError(w, http.StatusTooManyRequests,
			fmt.Sprintf("at capacity (%d/%d concurrent executions)", current, s.maxConcurrent))
		return
	}

	var req ExecuteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if err := sandbox.Validate(req.Code); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if s.maxTimeout > 0 && (timeout <= 0 || timeout > s.maxTimeout) {
		timeout = s.maxTimeout
	}

	slog.Info("execute request",
		"code", debug.Truncate(req.Code, 120),
		"timeout", timeout,
		"files", len(req.Files),
	)

	workDir, err := os.MkdirTemp(s.tempDir, "tabula-exec-*")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create work dir: "+err.Error())
		return
	}
	defer os.RemoveAll(workDir)

	for name, b64 := range req.Files {
		content, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to decode file %q: %v", name, err))
			return
		}
		path := filepath.Join(workDir, filepath.Base(name))
		if err := os.WriteFile(path, content, 0o600); err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to write file %q: %v", name, err))
			return
		}
	}

	var inputPath string
	if req.InputName != "" {
		inputPath = filepath.Base(req.InputName)
	}

	res, err := s.executor.Execute(r.Context(), &sandbox.Request{
		Code:      req.Code,
		WorkDir:   workDir,
		InputPath: inputPath,
		Timeout:   timeout,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := ExecuteResponse{
		Status:          statusSuccess,
		Stdout:          res.Stdout,
		Stderr:          res.Stderr,
		ExitCode:        res.ExitCode,
		ExecutionTimeMs: res.Duration.Milliseconds(),
		Flags:           sandbox.FlagStrings(res.Flags),
		Truncated:       res.Truncated,
	}
	if res.ExitCode != 0 || res.HasFlag(sandbox.FlagTimedOut) || res.HasFlag(sandbox.FlagConfigError) {
		resp.Status = statusError
	}
	if res.ArtifactPath != "" {
		data, err := os.ReadFile(res.ArtifactPath)
		if err != nil {
			slog.Warn("reading artifact failed", "path", res.ArtifactPath, "error", err)
		} else {
			resp.FilesProduced = map[string]string{sandbox.ArtifactName: base64.StdEncoding.EncodeToString(data)}
		}
	}
	slog.Info("execute complete",
		"status", resp.Status,
		"exit_code", resp.ExitCode,
		"duration_ms", resp.ExecutionTimeMs,
		"stdout_len", len(resp.Stdout),
		"flags", resp.Flags,
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(HealthResponse{
		Status:      "healthy",
		Interpreter: s.interpreter,
		Runtime:     s.runtime,
		Capacity:    int(s.maxConcurrent),
		CurrentLoad: int(s.currentLoad.Load()),
		UptimeSecs:  int64(time.Since(s.startTime).Seconds()),
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
