package generator

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rhuss/tabula/pkg/api"
)

// MapHTTPError converts a non-2xx backend response into an APIError. Rate
// limiting stays a too_many_requests error; everything else is a
// generation_error, since the client request itself was fine.
func MapHTTPError(resp *http.Response) *api.APIError {
	message := ExtractErrorMessage(resp.Body)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if message == "" {
			message = "code generator rate limit exceeded"
		}
		return api.NewTooManyRequestsError(message)

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		if message == "" {
			message = "code generator authentication failed"
		}
		return api.NewGenerationError(message)

	case resp.StatusCode == http.StatusNotFound:
		if message == "" {
			message = "code generator model or endpoint not found"
		}
		return api.NewGenerationError(message)

	case resp.StatusCode >= http.StatusInternalServerError:
		if message == "" {
			message = fmt.Sprintf("code generator server error (HTTP %d)", resp.StatusCode)
		}
		return api.NewGenerationError(message)

	default:
		if message == "" {
			message = fmt.Sprintf("unexpected code generator error (HTTP %d)", resp.StatusCode)
		}
		return api.NewGenerationError(message)
	}
}

// MapNetworkError converts a network-level error (connection refused,
// timeout, DNS failure) into an APIError.
func MapNetworkError(err error) *api.APIError {
	return api.NewGenerationError(fmt.Sprintf("code generator connection error: %s", err.Error()))
}

// ExtractErrorMessage tries to parse the response body as a Chat Completions
// error and returns its message if found.
func ExtractErrorMessage(body io.Reader) string {
	if body == nil {
		return ""
	}

	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}

	var errResp chatErrorResponse
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}

	return ""
}
