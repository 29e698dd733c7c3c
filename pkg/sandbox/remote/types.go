// Package remote runs analysis scripts on a sandbox server over HTTP.
//
// The client side (Executor) satisfies sandbox.Executor, so the analysis
// pipeline cannot tell a remote sandbox pod from a local child process: the
// input file travels base64-encoded in the request, and a chart produced by
// the script is written back into the caller's working directory.
//
// The server side (Server) is what cmd/sandbox-server runs inside the
// sandbox pod. It wraps any sandbox.Executor, normally a sandbox.Process.
package remote

// ExecuteRequest is the request body for POST /execute on the sandbox server.
type ExecuteRequest struct {
	Code           string `json:"code"`
	TimeoutSeconds int    `json:"timeout_seconds"`

	// Files maps file names to base64 content. Names are flattened to
	// their base name on the server.
	Files map[string]string `json:"files,omitempty"`

	// InputName names the entry of Files exposed as INPUT_PATH.
	InputName string `json:"input_name,omitempty"`
}

// ExecuteResponse is the response from POST /execute on the sandbox server.
type ExecuteResponse struct {
	Status          string            `json:"status"`
	Stdout          string            `json:"stdout"`
	Stderr          string            `json:"stderr"`
	ExitCode        int               `json:"exit_code"`
	ExecutionTimeMs int64             `json:"execution_time_ms"`
	Flags           []string          `json:"flags,omitempty"`
	Truncated       bool              `json:"truncated,omitempty"`
	FilesProduced   map[string]string `json:"files_produced,omitempty"`
}

// HealthResponse is the response from GET /health on the sandbox server.
type HealthResponse struct {
	Status      string `json:"status"`
	Interpreter string `json:"interpreter"`
	Runtime     string `json:"runtime_version"`
	Capacity    int    `json:"capacity"`
	CurrentLoad int    `json:"current_load"`
	UptimeSecs  int64  `json:"uptime_seconds"`
}

const (
	statusSuccess = "success"
	statusError   = "error"
)
