package analysis

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rhuss/tabula/pkg/api"
	"github.com/rhuss/tabula/pkg/debug"
	"github.com/rhuss/tabula/pkg/describe"
	"github.com/rhuss/tabula/pkg/generator"
	"github.com/rhuss/tabula/pkg/observability"
	"github.com/rhuss/tabula/pkg/sandbox"
	"github.com/rhuss/tabula/pkg/sandbox/remote"
	"github.com/rhuss/tabula/pkg/storage"
	"github.com/rhuss/tabula/pkg/transport"
)

// Service runs the analysis pipeline. It is safe for concurrent use.
type Service struct {
	store    storage.Store
	gen      generator.Generator
	executor sandbox.Executor
	cfg      Config
	slots    chan struct{}
}

// Ensure Service implements the transport handler contracts at compile time.
var (
	_ transport.AnalysisRunner = (*Service)(nil)
	_ transport.SessionManager = (*Service)(nil)
)

// New creates a pipeline service. None of the collaborators may be nil.
func New(store storage.Store, gen generator.Generator, executor sandbox.Executor, cfg Config) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("analysis: store must not be nil")
	}
	if gen == nil {
		return nil, fmt.Errorf("analysis: generator must not be nil")
	}
	if executor == nil {
		return nil, fmt.Errorf("analysis: executor must not be nil")
	}
	cfg.applyDefaults()
	return &Service{
		store:    store,
		gen:      gen,
		executor: executor,
		cfg:      cfg,
		slots:    make(chan struct{}, cfg.MaxConcurrent),
	}, nil
}

// Upload stores the file under a new session.
func (s *Service) Upload(ctx context.Context, name string, r io.Reader) (*api.UploadResponse, error) {
	if apiErr := api.ValidateFileName(name); apiErr != nil {
		return nil, apiErr
	}
	data, apiErr := s.readFile(r)
	if apiErr != nil {
		return nil, apiErr
	}

	now := s.cfg.Now()
	sess := &storage.Session{
		ID:           api.NewSessionID(),
		CreatedAt:    now,
		LastActivity: now,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, storageError(err, "creating session")
	}
	obj := &storage.Object{Kind: storage.ObjectInput, Name: name, Data: data, ModTime: now}
	if err := s.store.PutObject(ctx, sess.ID, obj); err != nil {
		if delErr := s.store.DeleteSession(context.WithoutCancel(ctx), sess.ID); delErr != nil {
			slog.Warn("removing half-created session failed", "session_id", sess.ID, "error", delErr)
		}
		return nil, storageError(err, "storing upload")
	}

	slog.Info("session created", "session_id", sess.ID, "file_name", name, "bytes", len(data))
	return &api.UploadResponse{SessionID: sess.ID, FileName: name}, nil
}

// Analyze answers query against the file of an existing session. The
// session's artifact is replaced by the chart of this run, or removed when
// the run produced none.
func (s *Service) Analyze(ctx context.Context, sessionID, query string) (*api.AnalyzeResponse, error) {
	if apiErr := api.ValidateAnalyzeRequest(&api.AnalyzeRequest{SessionID: sessionID, Query: query}, s.cfg.Validation); apiErr != nil {
		return nil, apiErr
	}

	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, storageError(err, "session "+sessionID)
	}
	if err := s.store.TouchSession(ctx, sessionID, s.cfg.Now()); err != nil {
		return nil, storageError(err, "session "+sessionID)
	}
	input, err := s.store.GetObject(ctx, sessionID, storage.ObjectInput)
	if err != nil {
		return nil, storageError(err, "input file of session "+sessionID)
	}

	resp, artifact, err := s.run(ctx, input.Name, input.Data, query)
	if err != nil {
		return nil, err
	}
	resp.SessionID = sessionID

	// The stored chart always belongs to the latest analysis, including
	// one whose generation failed.
	if artifact != nil {
		obj := &storage.Object{Kind: storage.ObjectArtifact, Name: sandbox.ArtifactName, Data: artifact, ModTime: s.cfg.Now()}
		err = s.store.PutObject(ctx, sessionID, obj)
	} else {
		err = s.store.DeleteObject(ctx, sessionID, storage.ObjectArtifact)
		if resp.Error != nil && errors.Is(err, storage.ErrNotFound) {
			err = nil
		}
	}
	if err != nil {
		return nil, storageError(err, "session "+sessionID)
	}
	if artifact != nil {
		resp.HasImage = true
		resp.ImageURL = s.cfg.ImageURLPrefix + sessionID + "/image"
	}
	return resp, nil
}

// AnalyzeFile answers query against a file sent with the request. Nothing
// is stored; a chart is returned inline as base64.
func (s *Service) AnalyzeFile(ctx context.Context, name string, r io.Reader, query string) (*api.AnalyzeResponse, error) {
	data, apiErr := s.readFile(r)
	if apiErr != nil {
		return nil, apiErr
	}
	req := &api.AnalyzeRequest{Query: query, File: &api.InlineFile{Name: name, Data: data}}
	if apiErr := api.ValidateAnalyzeRequest(req, s.cfg.Validation); apiErr != nil {
		return nil, apiErr
	}

	resp, artifact, err := s.run(ctx, name, data, query)
	if err != nil {
		return nil, err
	}
	if artifact != nil {
		resp.HasImage = true
		resp.Image = base64.StdEncoding.EncodeToString(artifact)
	}
	return resp, nil
}

// RunAnalysis dispatches a transport request to Analyze or AnalyzeFile.
func (s *Service) RunAnalysis(ctx context.Context, req *api.AnalyzeRequest) (*api.AnalyzeResponse, error) {
	if req.File != nil {
		if req.SessionID != "" {
			return nil, api.NewInvalidRequestError("session_id", "session_id and file are mutually exclusive")
		}
		return s.AnalyzeFile(ctx, req.File.Name, bytes.NewReader(req.File.Data), req.Query)
	}
	return s.Analyze(ctx, req.SessionID, req.Query)
}

// Clear deletes a session with its file and chart.
func (s *Service) Clear(ctx context.Context, sessionID string) error {
	if !api.ValidateSessionID(sessionID) {
		return api.NewNotFoundError(fmt.Sprintf("session %q not found", sessionID))
	}
	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		return storageError(err, "session "+sessionID)
	}
	slog.Info("session cleared", "session_id", sessionID)
	return nil
}

// Image returns the chart of the session's latest analysis.
func (s *Service) Image(ctx context.Context, sessionID string) ([]byte, error) {
	if !api.ValidateSessionID(sessionID) {
		return nil, api.NewNotFoundError(fmt.Sprintf("session %q not found", sessionID))
	}
	obj, err := s.store.GetObject(ctx, sessionID, storage.ObjectArtifact)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, api.NewNotFoundError("no image found for session " + sessionID)
		}
		return nil, storageError(err, "image")
	}
	return obj.Data, nil
}

// Session returns the public view of a session.
func (s *Service) Session(ctx context.Context, sessionID string) (*api.SessionInfo, error) {
	if !api.ValidateSessionID(sessionID) {
		return nil, api.NewNotFoundError(fmt.Sprintf("session %q not found", sessionID))
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, storageError(err, "session "+sessionID)
	}
	return &api.SessionInfo{
		ID:           sess.ID,
		FileName:     sess.InputName,
		HasImage:     sess.HasArtifact,
		CreatedAt:    sess.CreatedAt,
		LastActivity: sess.LastActivity,
	}, nil
}

// HealthCheck reports whether the session store is usable.
func (s *Service) HealthCheck(ctx context.Context) error {
	return s.store.HealthCheck(ctx)
}

// run describes, generates, and executes. A generation failure is reported
// in the bundle with the generation_failed flag, not as an error.
func (s *Service) run(ctx context.Context, name string, data []byte, query string) (*api.AnalyzeResponse, []byte, error) {
	desc, err := describe.Describe(name, bytes.NewReader(data), s.cfg.SampleSize)
	if err != nil {
		return nil, nil, api.NewInvalidRequestError("file", "cannot read tabular data: "+err.Error())
	}

	resp := &api.AnalyzeResponse{
		Metadata: metadataFrom(desc),
		Flags:    []string{},
	}

	code, err := s.gen.Generate(ctx, desc, query)
	if err == nil {
		err = sandbox.Validate(code)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		slog.Warn("code generation failed", "file_name", name, "error", err)
		resp.GeneratedCode = code
		resp.Error = generationError(err)
		resp.Flags = sandbox.FlagStrings([]sandbox.Flag{sandbox.FlagGenerationFailed})
		return resp, nil, nil
	}
	resp.GeneratedCode = code

	release, err := s.acquireSlot(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	res, artifact, err := s.execute(ctx, name, data, code)
	if err != nil {
		return nil, nil, err
	}

	resp.Stdout = res.Stdout
	resp.Stderr = res.Stderr
	resp.ExitCode = res.ExitCode
	resp.DurationMs = res.Duration.Milliseconds()
	resp.Flags = sandbox.FlagStrings(res.Flags)
	return resp, artifact, nil
}

// execute runs code in a fresh scratch directory holding a copy of the
// input. The directory is removed on return, after the chart was read.
func (s *Service) execute(ctx context.Context, name string, data []byte, code string) (*sandbox.Result, []byte, error) {
	workDir, err := os.MkdirTemp(s.cfg.ScratchDir, "tabula-run-*")
	if err != nil {
		return nil, nil, api.NewServerError("creating scratch directory: " + err.Error())
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			slog.Warn("removing scratch directory failed", "dir", workDir, "error", err)
		}
	}()

	inputName := filepath.Base(name)
	if err := os.WriteFile(filepath.Join(workDir, inputName), data, 0o600); err != nil {
		return nil, nil, api.NewServerError("writing input: " + err.Error())
	}

	observability.SandboxInflight.Inc()
	res, err := s.executor.Execute(ctx, &sandbox.Request{
		Code:      code,
		WorkDir:   workDir,
		InputPath: inputName,
		Timeout:   s.cfg.ExecTimeout,
	})
	observability.SandboxInflight.Dec()

	if err != nil {
		if errors.Is(err, remote.ErrAtCapacity) {
			return nil, nil, api.NewTooManyRequestsError("sandbox at capacity, retry later")
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, api.NewServerError("sandbox: " + err.Error())
	}

	flags := sandbox.FlagStrings(res.Flags)
	observability.RecordExecution(flags, res.Duration)
	slog.Info("script executed",
		"file_name", name,
		"flags", flags,
		"exit_code", res.ExitCode,
		"duration_ms", res.Duration.Milliseconds(),
	)

	var artifact []byte
	if res.ArtifactPath != "" {
		artifact, err = os.ReadFile(res.ArtifactPath)
		if err != nil {
			return nil, nil, api.NewServerError("reading chart: " + err.Error())
		}
	}
	return res, artifact, nil
}

// acquireSlot waits for a free sandbox slot.
func (s *Service) acquireSlot(ctx context.Context) (func(), error) {
	release := func() { <-s.slots }

	select {
	case s.slots <- struct{}{}:
		return release, nil
	default:
	}

	var timeout <-chan time.Time
	if s.cfg.QueueTimeout > 0 {
		timer := time.NewTimer(s.cfg.QueueTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	debug.Log("sandbox", "waiting for a free slot", "capacity", cap(s.slots))
	select {
	case s.slots <- struct{}{}:
		return release, nil
	case <-timeout:
		return nil, api.NewTooManyRequestsError("all sandbox slots are busy, retry later")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) readFile(r io.Reader) ([]byte, *api.APIError) {
	limit := s.cfg.Validation.MaxFileSize
	if limit <= 0 {
		limit = api.DefaultValidationConfig().MaxFileSize
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, api.NewInvalidRequestError("file", "reading upload: "+err.Error())
	}
	if int64(len(data)) > limit {
		return nil, api.NewInvalidRequestError("file", fmt.Sprintf("file exceeds maximum of %d bytes", limit))
	}
	if len(data) == 0 {
		return nil, api.NewInvalidRequestError("file", "file is empty")
	}
	return data, nil
}

func metadataFrom(desc *describe.Descriptor) *api.Metadata {
	return &api.Metadata{
		FileName:   desc.FileName,
		Columns:    desc.ColumnNames(),
		DTypes:     desc.DTypes(),
		SampleRows: desc.SampleRecords(),
		RowCount:   desc.RowCount,
	}
}

// storageError converts a store failure into the API error the client sees.
func storageError(err error, what string) *api.APIError {
	if errors.Is(err, storage.ErrNotFound) {
		return api.NewNotFoundError(what + " not found")
	}
	slog.Error("session store failure", "what", what, "error", err)
	return api.NewStorageError("session store unavailable")
}

func generationError(err error) *api.APIError {
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		return api.NewGenerationError(apiErr.Message)
	}
	return api.NewGenerationError(err.Error())
}
