// Package generator turns a data descriptor and a natural-language query into
// an analysis script by asking a code-generation model.
//
// The OpenAI implementation talks to any backend that serves the Chat
// Completions API (vLLM, LiteLLM, OpenAI itself, or cmd/mock-backend in
// development). Errors are returned as *api.APIError so the transports can
// map them to HTTP status codes.
package generator

import (
	"context"
	"errors"

	"github.com/rhuss/tabula/pkg/describe"
)

// ErrEmptyCode is returned when the model answered without a usable program.
var ErrEmptyCode = errors.New("generator returned no code")

// Generator produces the source of an analysis script.
type Generator interface {
	Generate(ctx context.Context, desc *describe.Descriptor, query string) (string, error)
}

// Func adapts a plain function to Generator.
type Func func(ctx context.Context, desc *describe.Descriptor, query string) (string, error)

// Generate calls f.
func (f Func) Generate(ctx context.Context, desc *describe.Descriptor, query string) (string, error) {
	return f(ctx, desc, query)
}
