package mcpserver

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rhuss/tabula/pkg/analysis"
	"github.com/rhuss/tabula/pkg/api"
	"github.com/rhuss/tabula/pkg/describe"
	"github.com/rhuss/tabula/pkg/generator"
	"github.com/rhuss/tabula/pkg/sandbox"
	"github.com/rhuss/tabula/pkg/storage/memory"
)

const csvText = "city,temp\nOslo,4\nRome,18\n"

var pngBytes = []byte("\x89PNG\r\n\x1a\nmcp")

type execFunc func(ctx context.Context, req *sandbox.Request) (*sandbox.Result, error)

func (f execFunc) Execute(ctx context.Context, req *sandbox.Request) (*sandbox.Result, error) {
	return f(ctx, req)
}

func newPipeline(t *testing.T) *analysis.Service {
	t.Helper()
	gen := generator.Func(func(_ context.Context, _ *describe.Descriptor, query string) (string, error) {
		if strings.Contains(query, "chart") {
			return "plt.savefig(OUTPUT_PATH)", nil
		}
		return "print(df.temp.mean())", nil
	})
	ex := execFunc(func(_ context.Context, req *sandbox.Request) (*sandbox.Result, error) {
		res := &sandbox.Result{Stdout: "11.0\n"}
		outcome := sandbox.Outcome{HasStdout: true}
		if strings.Contains(req.Code, "savefig") {
			res.ArtifactPath = filepath.Join(req.WorkDir, sandbox.ArtifactName)
			if err := os.WriteFile(res.ArtifactPath, pngBytes, 0o600); err != nil {
				return nil, err
			}
			outcome.HasArtifact = true
		}
		res.Flags = sandbox.Classify(outcome)
		return res, nil
	})
	svc, err := analysis.New(memory.New(0), gen, ex, analysis.Config{ScratchDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

// connect runs the server on in-memory transports and returns a client
// session.
func connect(t *testing.T, p Pipeline) *mcp.ClientSession {
	t.Helper()
	server := New(p, "test")
	serverTransport, clientTransport := mcp.NewInMemoryTransports()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		_ = server.Run(ctx, serverTransport)
	}()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func call(t *testing.T, s *mcp.ClientSession, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	res, err := s.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s) failed: %v", name, err)
	}
	return res
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("empty result content")
	}
	tc, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("first content is %T, want *mcp.TextContent", res.Content[0])
	}
	return tc.Text
}

func TestListTools(t *testing.T) {
	s := connect(t, newPipeline(t))

	res, err := s.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, tool := range res.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"upload_csv", "analyze_csv", "clear_session"} {
		if !names[want] {
			t.Errorf("tool %q not listed", want)
		}
	}
}

func TestUploadAnalyzeClear(t *testing.T) {
	s := connect(t, newPipeline(t))

	res := call(t, s, "upload_csv", map[string]any{"file_name": "weather.csv", "content": csvText})
	if res.IsError {
		t.Fatalf("upload failed: %s", text(t, res))
	}
	var up api.UploadResponse
	if err := json.Unmarshal([]byte(text(t, res)), &up); err != nil {
		t.Fatal(err)
	}

	res = call(t, s, "analyze_csv", map[string]any{"session_id": up.SessionID, "user_query": "draw a chart"})
	if res.IsError {
		t.Fatalf("analyze failed: %s", text(t, res))
	}
	var bundle api.AnalyzeResponse
	if err := json.Unmarshal([]byte(text(t, res)), &bundle); err != nil {
		t.Fatal(err)
	}
	if bundle.Stdout != "11.0\n" || !bundle.HasImage {
		t.Errorf("bundle = %+v", bundle)
	}
	if len(res.Content) != 2 {
		t.Fatalf("content items = %d, want text and image", len(res.Content))
	}
	img, ok := res.Content[1].(*mcp.ImageContent)
	if !ok || string(img.Data) != string(pngBytes) || img.MIMEType != "image/png" {
		t.Errorf("image content = %+v", res.Content[1])
	}

	res = call(t, s, "clear_session", map[string]any{"session_id": up.SessionID})
	if res.IsError {
		t.Fatalf("clear failed: %s", text(t, res))
	}

	res = call(t, s, "analyze_csv", map[string]any{"session_id": up.SessionID, "user_query": "again"})
	if !res.IsError || !strings.Contains(text(t, res), "not_found") {
		t.Errorf("analyze after clear: error=%v text=%q", res.IsError, text(t, res))
	}
}

func TestAnalyzeInline(t *testing.T) {
	s := connect(t, newPipeline(t))

	res := call(t, s, "analyze_csv", map[string]any{"content": csvText, "user_query": "chart of temp"})
	if res.IsError {
		t.Fatalf("analyze failed: %s", text(t, res))
	}
	if strings.Contains(text(t, res), `"image"`) {
		t.Error("inline base64 image should not be repeated in the JSON text")
	}
	if len(res.Content) != 2 {
		t.Fatalf("content items = %d, want 2", len(res.Content))
	}
	if img := res.Content[1].(*mcp.ImageContent); string(img.Data) != string(pngBytes) {
		t.Errorf("image = %q", img.Data)
	}
}

func TestAnalyzeWithoutData(t *testing.T) {
	s := connect(t, newPipeline(t))

	res := call(t, s, "analyze_csv", map[string]any{"user_query": "anything"})
	if !res.IsError {
		t.Fatal("expected tool error")
	}
	if !strings.Contains(text(t, res), "invalid_request") {
		t.Errorf("text = %q", text(t, res))
	}
}

func TestClearUnknownSession(t *testing.T) {
	s := connect(t, newPipeline(t))

	res := call(t, s, "clear_session", map[string]any{"session_id": api.NewSessionID()})
	if !res.IsError || !strings.Contains(text(t, res), "not_found") {
		t.Errorf("error=%v text=%q", res.IsError, text(t, res))
	}
}
