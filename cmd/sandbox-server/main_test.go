package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rhuss/tabula/pkg/sandbox/remote"
)

func TestEnvDefaults(t *testing.T) {
	t.Setenv("SANDBOX_PORT", "9999")
	t.Setenv("SANDBOX_MAX_CONCURRENT", "not-a-number")
	t.Setenv("SANDBOX_MAX_TIMEOUT", "90s")

	cmd := newRootCommand()
	f := cmd.Flags()

	if v, _ := f.GetInt("port"); v != 9999 {
		t.Errorf("port = %d, want 9999 from env", v)
	}
	if v, _ := f.GetInt("max-concurrent"); v != 3 {
		t.Errorf("max-concurrent = %d, want default 3 for malformed env", v)
	}
	if v, _ := f.GetDuration("max-timeout"); v != 90*time.Second {
		t.Errorf("max-timeout = %v, want 90s", v)
	}
}

func TestHealth(t *testing.T) {
	srv := newSandboxServer(options{interpreter: "/nonexistent/python3", maxConcurrent: 2})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var health remote.HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "healthy" || health.Capacity != 2 {
		t.Errorf("health = %+v", health)
	}
	if health.Runtime != "unknown" {
		t.Errorf("runtime = %q, want unknown for a missing interpreter", health.Runtime)
	}
}

func TestRuntimeVersion_Missing(t *testing.T) {
	if got := runtimeVersion("/nonexistent/python3"); got != "unknown" {
		t.Errorf("runtimeVersion = %q", got)
	}
}
