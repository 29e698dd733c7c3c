package integration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func TestMCPOverStreamableHTTP(t *testing.T) {
	requirePython(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := mcp.NewClient(&mcp.Implementation{Name: "integration", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, &mcp.StreamableClientTransport{Endpoint: testEnv.BaseURL() + "/mcp"}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer session.Close()

	res, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "analyze_csv",
		Arguments: map[string]any{"file_name": "sales.csv", "content": salesCSV, "user_query": "count the rows"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.IsError || len(res.Content) == 0 {
		t.Fatalf("tool result = %+v", res)
	}
	text, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("content = %T", res.Content[0])
	}
	var bundle struct {
		Stdout string `json:"stdout"`
	}
	if err := json.Unmarshal([]byte(text.Text), &bundle); err != nil {
		t.Fatal(err)
	}
	if bundle.Stdout != "3 29\n" {
		t.Errorf("stdout = %q", bundle.Stdout)
	}
}
