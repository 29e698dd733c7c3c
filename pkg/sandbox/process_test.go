package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// requirePython skips the test when no python3 interpreter is available.
func requirePython(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not found, skipping process sandbox tests")
	}
	return path
}

func newTestProcess(t *testing.T, policy Policy) *Process {
	t.Helper()
	return NewProcess(ProcessConfig{
		Interpreter:    requirePython(t),
		DefaultTimeout: 10 * time.Second,
		Policy:         policy,
	})
}

func run(t *testing.T, p *Process, code string, timeout time.Duration) (*Result, string) {
	t.Helper()
	dir := t.TempDir()
	res, err := p.Execute(context.Background(), &Request{Code: code, WorkDir: dir, Timeout: timeout})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if len(res.Flags) == 0 {
		t.Fatalf("empty flags for %q", code)
	}
	return res, dir
}

func TestProcess_Clean(t *testing.T) {
	p := newTestProcess(t, Policy{})
	res, _ := run(t, p, "print('hello')", 0)

	if res.Stdout != "hello\n" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "hello\n")
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
	if len(res.Flags) != 1 || res.Flags[0] != FlagCompletedClean {
		t.Errorf("Flags = %v, want [completed_clean]", res.Flags)
	}
	if res.Duration <= 0 {
		t.Error("Duration not recorded")
	}
}

func TestProcess_StderrWarning(t *testing.T) {
	p := newTestProcess(t, Policy{})
	res, _ := run(t, p, "import sys\nprint('ok')\nprint('careful', file=sys.stderr)", 0)

	if !res.HasFlag(FlagCompletedWithStderr) {
		t.Errorf("Flags = %v, want completed_with_stderr", res.Flags)
	}
	if !strings.Contains(res.Stderr, "careful") {
		t.Errorf("Stderr = %q", res.Stderr)
	}
}

func TestProcess_RaisedError(t *testing.T) {
	p := newTestProcess(t, Policy{})
	res, _ := run(t, p, "raise ValueError('boom')", 0)

	if !res.HasFlag(FlagRaisedError) {
		t.Errorf("Flags = %v, want raised_error", res.Flags)
	}
	if res.ExitCode == 0 {
		t.Error("ExitCode = 0 for raising script")
	}
	if !strings.Contains(res.Stderr, "ValueError: boom") {
		t.Errorf("Stderr = %q, want traceback", res.Stderr)
	}
}

func TestProcess_NoOutput(t *testing.T) {
	p := newTestProcess(t, Policy{})
	res, _ := run(t, p, "x = 1 + 1", 0)

	want := []Flag{FlagCompletedClean, FlagNoOutput}
	if fmt.Sprint(res.Flags) != fmt.Sprint(want) {
		t.Errorf("Flags = %v, want %v", res.Flags, want)
	}
}

func TestProcess_Timeout(t *testing.T) {
	p := newTestProcess(t, Policy{})
	start := time.Now()
	res, _ := run(t, p, "import time\nprint('started', flush=True)\ntime.sleep(30)", 500*time.Millisecond)
	elapsed := time.Since(start)

	if !res.HasFlag(FlagTimedOut) {
		t.Errorf("Flags = %v, want timed_out", res.Flags)
	}
	if res.HasFlag(FlagRaisedError) {
		t.Errorf("Flags = %v, timed_out must not report raised_error", res.Flags)
	}
	if elapsed > 10*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
	if !strings.Contains(res.Stderr, "timed out") {
		t.Errorf("Stderr = %q, want timeout notice", res.Stderr)
	}
	if !strings.Contains(res.Stdout, "started") {
		t.Errorf("Stdout = %q, output before the timeout should be kept", res.Stdout)
	}
}

func TestProcess_ArtifactByteIdentical(t *testing.T) {
	p := newTestProcess(t, Policy{})
	code := "with open(OUTPUT_PATH, 'wb') as f:\n    f.write(bytes(range(256)) * 4)\n"
	res, dir := run(t, p, code, 0)

	if !res.HasFlag(FlagProducedImage) {
		t.Fatalf("Flags = %v, want produced_image", res.Flags)
	}
	if res.ArtifactPath != filepath.Join(dir, ArtifactName) {
		t.Errorf("ArtifactPath = %q", res.ArtifactPath)
	}
	got, err := os.ReadFile(res.ArtifactPath)
	if err != nil {
		t.Fatalf("reading artifact: %v", err)
	}
	want := bytes.Repeat(func() []byte {
		b := make([]byte, 256)
		for i := range b {
			b[i] = byte(i)
		}
		return b
	}(), 4)
	if !bytes.Equal(got, want) {
		t.Error("artifact bytes differ from what the script wrote")
	}
}

func TestProcess_StaleArtifactRemoved(t *testing.T) {
	p := newTestProcess(t, Policy{})
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ArtifactName), []byte("old"), 0o600); err != nil {
		t.Fatal(err)
	}

	res, err := p.Execute(context.Background(), &Request{Code: "print('no chart')", WorkDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if res.HasFlag(FlagProducedImage) || res.ArtifactPath != "" {
		t.Errorf("stale artifact reported: flags=%v path=%q", res.Flags, res.ArtifactPath)
	}
}

func TestProcess_InputPath(t *testing.T) {
	p := newTestProcess(t, Policy{})
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "data.csv"), []byte("a,b\n1,2\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	code := "import os\nprint(open(os.environ['INPUT_PATH']).read().splitlines()[1])\nprint(INPUT_PATH.endswith('data.csv'))"
	res, err := p.Execute(context.Background(), &Request{Code: code, WorkDir: dir, InputPath: "data.csv"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Stdout != "1,2\nTrue\n" {
		t.Errorf("Stdout = %q, stderr = %q", res.Stdout, res.Stderr)
	}
}

func TestProcess_EnvironmentScrubbed(t *testing.T) {
	t.Setenv("TABULA_TEST_SECRET", "hunter2")
	p := newTestProcess(t, Policy{})
	res, dir := run(t, p, "import os\nprint(os.environ.get('TABULA_TEST_SECRET', 'absent'))\nprint(os.environ['HOME'])", 0)

	want := "absent\n" + dir + "\n"
	if res.Stdout != want {
		t.Errorf("Stdout = %q, want %q", res.Stdout, want)
	}
}

func TestProcess_NetworkDisabled(t *testing.T) {
	p := newTestProcess(t, Policy{DisableNetwork: true})

	tests := []struct {
		name string
		code string
		want string
	}{
		{
			name: "socket module",
			code: "import socket\nsocket.socket()",
			want: "network access is disabled",
		},
		{
			name: "C module import",
			code: "import _socket\n_socket.socket(_socket.AF_INET, _socket.SOCK_STREAM)",
			want: "blocked in this sandbox",
		},
		{
			name: "C module through socket",
			code: "import socket\nsocket._socket.socket(socket.AF_INET, socket.SOCK_STREAM)",
			want: "network access is disabled",
		},
		{
			name: "C type through class hierarchy",
			code: "import socket\nbase = socket.socket.__mro__[-2]\nbase(socket.AF_INET, socket.SOCK_STREAM)",
			want: "network access is disabled",
		},
		{
			name: "socketpair",
			code: "import socket\nsocket.socketpair()",
			want: "network access is disabled",
		},
		{
			name: "name resolution",
			code: "import socket\nsocket.gethostbyname('localhost')",
			want: "network access is disabled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, _ := run(t, p, tt.code, 0)
			if !res.HasFlag(FlagRaisedError) {
				t.Errorf("Flags = %v, want raised_error (stdout %q)", res.Flags, res.Stdout)
			}
			if !strings.Contains(res.Stderr, tt.want) {
				t.Errorf("Stderr = %q, want %q", res.Stderr, tt.want)
			}
		})
	}
}

func TestProcess_NetworkDisabledKeepsAnalysisWorking(t *testing.T) {
	p := newTestProcess(t, Policy{DisableNetwork: true})
	res, _ := run(t, p, "import csv, json, io\nprint(json.dumps(list(csv.reader(io.StringIO('a,b')))))", 0)

	if !res.HasFlag(FlagCompletedClean) || res.Stdout != "[[\"a\", \"b\"]]\n" {
		t.Errorf("Flags = %v, Stdout = %q, Stderr = %q", res.Flags, res.Stdout, res.Stderr)
	}
}

func TestUseNetworkNamespace(t *testing.T) {
	if !UseNetworkNamespace(NamespaceAlways, false, "/nonexistent/python3") {
		t.Error("always = false")
	}
	if UseNetworkNamespace(NamespaceNever, true, "python3") {
		t.Error("never = true")
	}
	if UseNetworkNamespace(NamespaceAuto, false, "python3") {
		t.Error("auto with network allowed = true")
	}
	if UseNetworkNamespace(NamespaceAuto, true, "/nonexistent/python3") {
		t.Error("auto with a missing interpreter = true")
	}
	if UseNetworkNamespace("", true, "/nonexistent/python3") {
		t.Error("empty mode with a missing interpreter = true")
	}
}

func TestProcess_BlockedModule(t *testing.T) {
	p := newTestProcess(t, Policy{BlockedModules: []string{"ctypes"}})
	res, _ := run(t, p, "import ctypes", 0)

	if !res.HasFlag(FlagRaisedError) {
		t.Errorf("Flags = %v, want raised_error", res.Flags)
	}
	if !strings.Contains(res.Stderr, "blocked") {
		t.Errorf("Stderr = %q", res.Stderr)
	}
}

func TestProcess_OutputCapped(t *testing.T) {
	p := newTestProcess(t, Policy{MaxOutputBytes: 100})
	res, _ := run(t, p, "print('x' * 5000)", 0)

	if !res.Truncated {
		t.Error("Truncated = false")
	}
	if !strings.Contains(res.Stdout, "bytes omitted") {
		t.Errorf("Stdout missing truncation marker: %q", res.Stdout)
	}
	if !res.HasFlag(FlagCompletedClean) {
		t.Errorf("Flags = %v, truncation must not change the outcome", res.Flags)
	}
}

func TestProcess_LaunchFailure(t *testing.T) {
	p := NewProcess(ProcessConfig{Interpreter: filepath.Join(t.TempDir(), "no-such-python")})
	res, err := p.Execute(context.Background(), &Request{Code: "print(1)", WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if len(res.Flags) != 1 || res.Flags[0] != FlagConfigError {
		t.Errorf("Flags = %v, want [config_error]", res.Flags)
	}
	if !strings.Contains(res.Stderr, "launch failed") {
		t.Errorf("Stderr = %q", res.Stderr)
	}
}

func TestProcess_InvalidRequest(t *testing.T) {
	p := NewProcess(ProcessConfig{})

	_, err := p.Execute(context.Background(), &Request{Code: "", WorkDir: t.TempDir()})
	if !errors.Is(err, ErrEmptyCode) {
		t.Errorf("empty code: err = %v, want ErrEmptyCode", err)
	}

	_, err = p.Execute(context.Background(), &Request{Code: "print(1)"})
	if !errors.Is(err, ErrNoWorkDir) {
		t.Errorf("no workdir: err = %v, want ErrNoWorkDir", err)
	}

	_, err = p.Execute(context.Background(), &Request{Code: "print(1)", WorkDir: filepath.Join(t.TempDir(), "missing")})
	if !errors.Is(err, ErrNoWorkDir) {
		t.Errorf("missing workdir: err = %v, want ErrNoWorkDir", err)
	}
}

func TestProcess_ConcurrentIsolation(t *testing.T) {
	p := newTestProcess(t, Policy{})
	const n = 4

	var wg sync.WaitGroup
	results := make([]*Result, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dir := t.TempDir()
			code := fmt.Sprintf("import time\ntime.sleep(0.2)\nopen(OUTPUT_PATH, 'wb').write(b'session-%d')\nprint(%d)", i, i)
			results[i], errs[i] = p.Execute(context.Background(), &Request{Code: code, WorkDir: dir})
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("execution %d: %v", i, errs[i])
		}
		data, err := os.ReadFile(results[i].ArtifactPath)
		if err != nil {
			t.Fatalf("execution %d artifact: %v", i, err)
		}
		if want := fmt.Sprintf("session-%d", i); string(data) != want {
			t.Errorf("execution %d artifact = %q, want %q", i, data, want)
		}
		if results[i].Stdout != fmt.Sprintf("%d\n", i) {
			t.Errorf("execution %d stdout = %q", i, results[i].Stdout)
		}
	}
}

func TestProcess_ContextCancelled(t *testing.T) {
	p := newTestProcess(t, Policy{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	res, err := p.Execute(ctx, &Request{Code: "import time\ntime.sleep(30)", WorkDir: t.TempDir(), Timeout: 20 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if res.HasFlag(FlagTimedOut) {
		t.Errorf("Flags = %v, cancellation is not a timeout", res.Flags)
	}
	if !strings.Contains(res.Stderr, "cancelled") {
		t.Errorf("Stderr = %q", res.Stderr)
	}
}
