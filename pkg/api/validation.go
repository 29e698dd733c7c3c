package api

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// ValidationConfig holds configurable limits for request validation.
type ValidationConfig struct {
	MaxQueryLength int
	MaxFileSize    int64
}

// DefaultValidationConfig returns a ValidationConfig with sensible defaults.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		MaxQueryLength: 4096,
		MaxFileSize:    50 << 20, // 50MB
	}
}

// ValidateAnalyzeRequest checks an AnalyzeRequest for validity. It returns an
// *APIError describing the first validation failure, or nil if the request is valid.
func ValidateAnalyzeRequest(req *AnalyzeRequest, cfg ValidationConfig) *APIError {
	if strings.TrimSpace(req.Query) == "" {
		return NewInvalidRequestError("user_query", "user_query is required")
	}

	if cfg.MaxQueryLength > 0 && utf8.RuneCountInString(req.Query) > cfg.MaxQueryLength {
		return NewInvalidRequestError("user_query",
			fmt.Sprintf("user_query exceeds maximum of %d characters", cfg.MaxQueryLength))
	}

	if req.File == nil {
		if req.SessionID == "" {
			return NewInvalidRequestError("session_id", "session_id is required")
		}
		if !ValidateSessionID(req.SessionID) {
			return NewInvalidRequestError("session_id", "malformed session ID")
		}
		return nil
	}

	if req.SessionID != "" {
		return NewInvalidRequestError("session_id", "session_id and file are mutually exclusive")
	}
	if apiErr := ValidateFileName(req.File.Name); apiErr != nil {
		return apiErr
	}
	if len(req.File.Data) == 0 {
		return NewInvalidRequestError("file", "file is empty")
	}
	if cfg.MaxFileSize > 0 && int64(len(req.File.Data)) > cfg.MaxFileSize {
		return NewInvalidRequestError("file",
			fmt.Sprintf("file exceeds maximum of %d bytes", cfg.MaxFileSize))
	}
	return nil
}

// ValidateFileName rejects upload names that are empty or would escape the
// session's storage location.
func ValidateFileName(name string) *APIError {
	if name == "" {
		return NewInvalidRequestError("file", "file name is required")
	}
	if name != filepath.Base(name) || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return NewInvalidRequestError("file", fmt.Sprintf("invalid file name %q", name))
	}
	if len(name) > 255 {
		return NewInvalidRequestError("file", "file name exceeds 255 bytes")
	}
	return nil
}
