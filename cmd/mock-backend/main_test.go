package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func chat(t *testing.T, prompt string) (int, chatResponse) {
	t.Helper()
	body, _ := json.Marshal(chatRequest{
		Model: "coder",
		Messages: []chatMessage{
			{Role: "system", Content: "rules"},
			{Role: "user", Content: prompt},
		},
	})
	rec := httptest.NewRecorder()
	newMux().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(string(body))))

	var resp chatResponse
	if rec.Code == http.StatusOK {
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatal(err)
		}
	}
	return rec.Code, resp
}

func TestChatCompletions_ScriptSelection(t *testing.T) {
	tests := []struct {
		prompt string
		want   string
	}{
		{"QUESTION:\nplot sales by month", "plt.savefig(OUTPUT_PATH)"},
		{"QUESTION:\nmake this fail", "no_such_column"},
		{"QUESTION:\nbe slow", "while True"},
		{"QUESTION:\nwarn me", "file=sys.stderr"},
		{"QUESTION:\nstay silent", "df = pd.read_csv(INPUT_PATH)\n```"},
		{"QUESTION:\ntotal?", "numeric.sum()"},
		{`DATA: {"col": "chart"}` + "\n\nQUESTION:\ntotal?", "numeric.sum()"},
	}

	for _, tt := range tests {
		t.Run(tt.prompt, func(t *testing.T) {
			code, resp := chat(t, tt.prompt)
			if code != http.StatusOK {
				t.Fatalf("status = %d", code)
			}
			got := resp.Choices[0].Message.Content
			if !strings.HasPrefix(got, "```python\n") || !strings.Contains(got, tt.want) {
				t.Errorf("content = %q, want fenced script containing %q", got, tt.want)
			}
			if resp.Model != "coder" {
				t.Errorf("model = %q", resp.Model)
			}
		})
	}
}

func TestChatCompletions_Empty(t *testing.T) {
	_, resp := chat(t, "QUESTION:\nreturn empty")
	if got := resp.Choices[0].Message.Content; got != "" {
		t.Errorf("content = %q, want empty", got)
	}
}

func TestChatCompletions_BadRequests(t *testing.T) {
	for _, body := range []string{"{nope", `{"stream":true}`} {
		rec := httptest.NewRecorder()
		newMux().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body)))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", body, rec.Code)
		}
	}
}
