package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rhuss/tabula/pkg/api"
	"github.com/rhuss/tabula/pkg/debug"
	"github.com/rhuss/tabula/pkg/describe"
	"github.com/rhuss/tabula/pkg/observability"
)

// Config configures an OpenAI-compatible generator.
type Config struct {
	// BaseURL is the backend root, without the /v1 suffix.
	BaseURL string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// Model is the model name sent with each request.
	Model string

	// Temperature is optional; nil leaves the backend default.
	Temperature *float64

	// MaxTokens is optional; 0 leaves the backend default.
	MaxTokens int

	// Timeout bounds one generation call (default: 120s).
	Timeout time.Duration
}

// OpenAI generates code through an OpenAI-compatible Chat Completions backend.
type OpenAI struct {
	httpClient *http.Client
	cfg        Config
}

// Ensure OpenAI implements Generator at compile time.
var _ Generator = (*OpenAI)(nil)

// NewOpenAI creates a generator for an OpenAI-compatible backend.
func NewOpenAI(cfg Config) *OpenAI {
	cfg.BaseURL = strings.TrimSuffix(strings.TrimRight(cfg.BaseURL, "/"), "/v1")
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &OpenAI{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
	}
}

// Generate asks the model for a script answering query against desc.
func (g *OpenAI) Generate(ctx context.Context, desc *describe.Descriptor, query string) (string, error) {
	start := time.Now()
	code, err := g.generate(ctx, desc, query)

	status := "ok"
	if err != nil {
		status = string(api.ErrorTypeGenerationError)
		var apiErr *api.APIError
		if errors.As(err, &apiErr) {
			status = string(apiErr.Type)
		}
	}
	observability.RecordGeneration(status, time.Since(start))
	return code, err
}

func (g *OpenAI) generate(ctx context.Context, desc *describe.Descriptor, query string) (string, error) {
	system, user := BuildMessages(desc, query)

	chatReq := chatRequest{
		Model: g.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: g.cfg.Temperature,
		N:           1,
	}
	if g.cfg.MaxTokens > 0 {
		chatReq.MaxTokens = &g.cfg.MaxTokens
	}

	body, err := json.Marshal(chatReq)
	if err != nil {
		return "", api.NewServerError(fmt.Sprintf("failed to marshal request: %s", err.Error()))
	}

	url := g.cfg.BaseURL + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", api.NewServerError(fmt.Sprintf("failed to create HTTP request: %s", err.Error()))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}

	debug.Log("generator", "request", "url", url, "model", g.cfg.Model, "query", debug.Truncate(query, 200))
	debug.Raw("generator", user)

	httpResp, err := g.httpClient.Do(httpReq)
	if err != nil {
		slog.Warn("code generator unreachable", "url", url, "error", err.Error())
		return "", MapNetworkError(err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		apiErr := MapHTTPError(httpResp)
		slog.Warn("code generator error", "status", httpResp.StatusCode, "error", apiErr.Message)
		return "", apiErr
	}

	var chatResp chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&chatResp); err != nil {
		return "", api.NewGenerationError(fmt.Sprintf("failed to parse code generator response: %s", err.Error()))
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("%w (no choices)", ErrEmptyCode)
	}

	reply := chatResp.Choices[0].Message.Content
	debug.Raw("generator", reply)

	code := ExtractCode(reply)
	if code == "" {
		return "", fmt.Errorf("%w (finish_reason %q)", ErrEmptyCode, chatResp.Choices[0].FinishReason)
	}

	if chatResp.Usage != nil {
		debug.Log("generator", "usage", "prompt_tokens", chatResp.Usage.PromptTokens,
			"completion_tokens", chatResp.Usage.CompletionTokens)
	}
	return code, nil
}

// Close releases idle connections.
func (g *OpenAI) Close() error {
	g.httpClient.CloseIdleConnections()
	return nil
}
