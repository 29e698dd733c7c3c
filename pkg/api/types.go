package api

import "time"

// UploadResponse is returned after a file has been stored under a new session.
type UploadResponse struct {
	SessionID string `json:"session_id"`
	FileName  string `json:"file_name"`
}

// AnalyzeRequest asks for a natural-language query to be answered against
// a data file. Either SessionID references a previously uploaded file, or
// File carries the data inline (stateless mode).
type AnalyzeRequest struct {
	SessionID string      `json:"session_id,omitempty"`
	Query     string      `json:"user_query"`
	File      *InlineFile `json:"-"`
}

// InlineFile is a data file submitted together with a stateless analyze call.
type InlineFile struct {
	Name string
	Data []byte
}

// Metadata describes the input file as seen by the code generator.
type Metadata struct {
	FileName   string              `json:"file_name"`
	Columns    []string            `json:"columns"`
	DTypes     map[string]string   `json:"dtypes"`
	SampleRows []map[string]string `json:"sample_rows"`
	RowCount   int                 `json:"row_count"`
}

// AnalyzeResponse is the result bundle of one analysis run.
//
// Execution failures are reported through Flags and Stderr and never through
// Error. Error is only set when the pipeline stopped before execution (for
// example, when code generation failed); the metadata gathered up to that
// point is still returned.
type AnalyzeResponse struct {
	SessionID     string    `json:"session_id,omitempty"`
	Metadata      *Metadata `json:"metadata_and_sample"`
	GeneratedCode string    `json:"generated_code"`
	Stdout        string    `json:"stdout"`
	Stderr        string    `json:"stderr"`
	Flags         []string  `json:"flags"`
	ExitCode      int       `json:"exit_code"`
	DurationMs    int64     `json:"execution_time_ms"`
	HasImage      bool      `json:"has_image"`
	ImageURL      string    `json:"image_url,omitempty"`

	// Image holds the base64 PNG for stateless requests, which have no
	// session to fetch it from afterwards.
	Image string    `json:"image,omitempty"`
	Error *APIError `json:"error,omitempty"`
}

// SessionInfo is the public view of a stored session.
type SessionInfo struct {
	ID           string    `json:"session_id"`
	FileName     string    `json:"file_name"`
	HasImage     bool      `json:"has_image"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// StatusResponse is a minimal acknowledgement body.
type StatusResponse struct {
	Status string `json:"status"`
}
