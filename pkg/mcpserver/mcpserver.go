// Package mcpserver exposes the analysis pipeline as MCP tools so that
// agents can upload a CSV file, ask questions about it, and clear it again.
// The server is served over streamable HTTP, normally at /mcp.
package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rhuss/tabula/pkg/api"
	"github.com/rhuss/tabula/pkg/debug"
)

// Pipeline is the part of the analysis service the tools call.
type Pipeline interface {
	Upload(ctx context.Context, name string, r io.Reader) (*api.UploadResponse, error)
	Analyze(ctx context.Context, sessionID, query string) (*api.AnalyzeResponse, error)
	AnalyzeFile(ctx context.Context, name string, r io.Reader, query string) (*api.AnalyzeResponse, error)
	Clear(ctx context.Context, sessionID string) error
	Image(ctx context.Context, sessionID string) ([]byte, error)
}

// UploadInput is the argument of the upload_csv tool.
type UploadInput struct {
	FileName string `json:"file_name" jsonschema:"name of the file, for example sales.csv"`
	Content  string `json:"content" jsonschema:"the CSV text"`
}

// AnalyzeInput is the argument of the analyze_csv tool.
type AnalyzeInput struct {
	SessionID string `json:"session_id,omitempty" jsonschema:"session returned by upload_csv; omit to send the data inline"`
	Content   string `json:"content,omitempty" jsonschema:"inline CSV text, used when no session_id is given"`
	FileName  string `json:"file_name,omitempty" jsonschema:"name of the inline file (default data.csv)"`
	Query     string `json:"user_query" jsonschema:"the question to answer about the data"`
}

// ClearInput is the argument of the clear_session tool.
type ClearInput struct {
	SessionID string `json:"session_id" jsonschema:"session to delete"`
}

// New creates an MCP server with the upload_csv, analyze_csv, and
// clear_session tools bound to p.
func New(p Pipeline, version string) *mcp.Server {
	if version == "" {
		version = "dev"
	}
	server := mcp.NewServer(
		&mcp.Implementation{Name: "tabula", Version: version},
		nil,
	)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "upload_csv",
		Description: "Stores a CSV file and returns a session_id for later analyze_csv calls",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in UploadInput) (*mcp.CallToolResult, struct{}, error) {
		debug.Log("mcp", "upload_csv", "file_name", in.FileName, "bytes", len(in.Content))
		resp, err := p.Upload(ctx, in.FileName, strings.NewReader(in.Content))
		if err != nil {
			return errorResult(err), struct{}{}, nil
		}
		return jsonResult(resp), struct{}{}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name: "analyze_csv",
		Description: "Answers a natural-language question about a CSV file by generating and running " +
			"a pandas script. Returns the script, its output, and a chart when one was drawn",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in AnalyzeInput) (*mcp.CallToolResult, struct{}, error) {
		debug.Log("mcp", "analyze_csv", "session_id", in.SessionID, "inline", in.SessionID == "")
		return analyze(ctx, p, in), struct{}{}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "clear_session",
		Description: "Deletes a session with its file and chart",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in ClearInput) (*mcp.CallToolResult, struct{}, error) {
		if err := p.Clear(ctx, in.SessionID); err != nil {
			return errorResult(err), struct{}{}, nil
		}
		return jsonResult(api.StatusResponse{Status: "session cleared"}), struct{}{}, nil
	})

	return server
}

// Handler serves server over streamable HTTP.
func Handler(server *mcp.Server) http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return server
	}, nil)
}

func analyze(ctx context.Context, p Pipeline, in AnalyzeInput) *mcp.CallToolResult {
	var (
		resp *api.AnalyzeResponse
		err  error
	)
	switch {
	case in.SessionID != "":
		resp, err = p.Analyze(ctx, in.SessionID, in.Query)
	case in.Content != "":
		name := in.FileName
		if name == "" {
			name = "data.csv"
		}
		resp, err = p.AnalyzeFile(ctx, name, strings.NewReader(in.Content), in.Query)
	default:
		err = api.NewInvalidRequestError("session_id", "either session_id or content is required")
	}
	if err != nil {
		return errorResult(err)
	}

	var image []byte
	switch {
	case !resp.HasImage:
	case in.SessionID != "":
		image, err = p.Image(ctx, in.SessionID)
	default:
		image, err = base64.StdEncoding.DecodeString(resp.Image)
	}
	if err != nil {
		slog.Warn("loading chart for MCP result failed", "session_id", in.SessionID, "error", err)
	}

	// The chart travels as ImageContent, not inside the JSON.
	bundle := *resp
	bundle.Image = ""
	result := jsonResult(&bundle)
	if len(image) > 0 {
		result.Content = append(result.Content, &mcp.ImageContent{Data: image, MIMEType: "image/png"})
	}
	result.IsError = resp.Error != nil
	return result
}

func jsonResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Errorf("encoding result: %w", err))
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}

func errorResult(err error) *mcp.CallToolResult {
	msg := err.Error()
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		msg = string(apiErr.Type) + ": " + apiErr.Message
	}
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
	}
}
