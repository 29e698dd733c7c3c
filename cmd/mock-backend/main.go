// Command mock-backend runs a deterministic Chat Completions server that
// answers every request with a canned pandas script, chosen by keywords in
// the question. It stands in for a real code-generation model in development
// and end-to-end tests.
//
// Keywords (case-insensitive) in the question:
//
//	chart, plot, graph  - bar chart of the first numeric column, saved to OUTPUT_PATH
//	fail, error         - a script that raises
//	slow, sleep         - a script that never finishes (exercises the timeout)
//	warn                - prints a result and a warning on stderr
//	silent              - a script that prints nothing
//	empty               - an empty reply (exercises generation errors)
//	otherwise           - prints the row count and column sums
//
// Configuration:
//
//	MOCK_PORT - Listen port (default: 9090)
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

func main() {
	port := os.Getenv("MOCK_PORT")
	if port == "" {
		port = "9090"
	}

	srv := &http.Server{Addr: ":" + port, Handler: newMux()}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("mock backend starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("mock backend failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("mock backend shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}

func newMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", handleChatCompletions)
	mux.HandleFunc("GET /v1/models", handleModels)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	return mux
}

// --- Wire types ---

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// --- Canned scripts ---

const summaryScript = `import pandas as pd

df = pd.read_csv(INPUT_PATH)
print(f"rows: {len(df)}")
numeric = df.select_dtypes("number")
for name, total in numeric.sum().items():
    print(f"{name}: {total}")
`

const chartScript = `import matplotlib
matplotlib.use("Agg")
import matplotlib.pyplot as plt
import pandas as pd

df = pd.read_csv(INPUT_PATH)
numeric = df.select_dtypes("number")
if numeric.empty:
    counts = df.iloc[:, 0].value_counts()
    counts.plot(kind="bar")
    print(counts.to_string())
else:
    column = numeric.columns[0]
    numeric[column].plot(kind="bar", title=column)
    print(f"plotted {column}")
plt.tight_layout()
plt.savefig(OUTPUT_PATH)
plt.close()
`

const failScript = `import pandas as pd

df = pd.read_csv(INPUT_PATH)
print(df["no_such_column"].sum())
`

const slowScript = `import time

while True:
    time.sleep(1)
`

const warnScript = `import sys
import pandas as pd

df = pd.read_csv(INPUT_PATH)
print(len(df))
print("warning: results are approximate", file=sys.stderr)
`

const silentScript = `import pandas as pd

df = pd.read_csv(INPUT_PATH)
`

// scriptFor picks the canned reply for a question.
func scriptFor(question string) string {
	q := strings.ToLower(question)
	switch {
	case strings.Contains(q, "empty"):
		return ""
	case strings.Contains(q, "chart"), strings.Contains(q, "plot"), strings.Contains(q, "graph"):
		return fence(chartScript)
	case strings.Contains(q, "fail"), strings.Contains(q, "error"):
		return fence(failScript)
	case strings.Contains(q, "slow"), strings.Contains(q, "sleep"):
		return fence(slowScript)
	case strings.Contains(q, "warn"):
		return fence(warnScript)
	case strings.Contains(q, "silent"):
		return fence(silentScript)
	default:
		return fence(summaryScript)
	}
}

func fence(code string) string {
	return "```python\n" + code + "```\n"
}

// --- Handlers ---

func handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":{"message":"invalid request","type":"invalid_request_error"}}`, http.StatusBadRequest)
		return
	}
	if req.Stream {
		http.Error(w, `{"error":{"message":"streaming is not supported","type":"invalid_request_error"}}`, http.StatusBadRequest)
		return
	}

	model := req.Model
	if model == "" {
		model = "mock-model"
	}

	text := scriptFor(question(getLastUserMessage(&req)))
	resp := chatResponse{
		ID:     "chatcmpl-mock",
		Object: "chat.completion",
		Model:  model,
		Choices: []chatChoice{
			{
				Message:      chatMessage{Role: "assistant", Content: text},
				FinishReason: "stop",
			},
		},
		Usage: chatUsage{PromptTokens: 100, CompletionTokens: len(text) / 4, TotalTokens: 100 + len(text)/4},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func handleModels(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"object": "list",
		"data": []map[string]any{
			{"id": "mock-model", "object": "model", "owned_by": "tabula-mock"},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// --- Helpers ---

func getLastUserMessage(req *chatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return req.Messages[i].Content
		}
	}
	return ""
}

// question returns the part of the user prompt after the QUESTION marker,
// so keywords in the data sample do not select the script.
func question(prompt string) string {
	if i := strings.LastIndex(prompt, "QUESTION:"); i >= 0 {
		return prompt[i+len("QUESTION:"):]
	}
	return prompt
}
