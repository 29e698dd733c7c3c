package redis

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rhuss/tabula/pkg/storage"
	"github.com/rhuss/tabula/pkg/storage/storagetest"
)

func init() {
	// Point testcontainers at a podman machine socket when no Docker host is set.
	if os.Getenv("DOCKER_HOST") == "" {
		out, err := exec.Command("podman", "machine", "inspect", "--format", "{{.ConnectionInfo.PodmanSocket.Path}}").Output()
		if err == nil {
			sock := strings.TrimSpace(string(out))
			if sock != "" {
				os.Setenv("DOCKER_HOST", "unix://"+sock)
			}
		}
	}
	if os.Getenv("TESTCONTAINERS_RYUK_CONTAINER_PRIVILEGED") == "" {
		os.Setenv("TESTCONTAINERS_RYUK_CONTAINER_PRIVILEGED", "true")
	}
}

var (
	sharedOnce      sync.Once
	sharedContainer testcontainers.Container
	sharedAddr      string
	sharedSkip      string
)

func TestMain(m *testing.M) {
	code := m.Run()
	if sharedContainer != nil {
		_ = sharedContainer.Terminate(context.Background())
	}
	os.Exit(code)
}

// redisAddr starts a Redis container once per test binary and returns its
// host:port. Tests are skipped if no container runtime is available.
func redisAddr(t *testing.T) string {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping Redis integration tests in short mode")
	}
	if os.Getenv("SKIP_INTEGRATION") == "true" {
		t.Skip("SKIP_INTEGRATION=true, skipping Redis integration tests")
	}

	sharedOnce.Do(func() {
		ctx := context.Background()
		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor: wait.ForLog("Ready to accept connections").
					WithStartupTimeout(60 * time.Second),
			},
			Started: true,
		})
		if err != nil {
			sharedSkip = "could not start Redis container: " + err.Error()
			return
		}
		sharedContainer = container

		addr, err := container.Endpoint(ctx, "")
		if err != nil {
			sharedSkip = "could not resolve Redis endpoint: " + err.Error()
			return
		}
		sharedAddr = addr
	})

	if sharedSkip != "" {
		t.Skip(sharedSkip)
	}
	return sharedAddr
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(context.Background(), Config{Addr: redisAddr(t), Prefix: "tabula-test:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRedis_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return newStore(t)
	})
}

func TestRedis_ListPrunesDanglingIndex(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.client.SAdd(ctx, s.indexKey(), "ghost").Err())

	list, err := s.ListSessions(ctx)
	require.NoError(t, err)
	for _, sess := range list {
		assert.NotEqual(t, "ghost", sess.ID)
	}

	member, err := s.client.SIsMember(ctx, s.indexKey(), "ghost").Result()
	require.NoError(t, err)
	assert.False(t, member, "dangling index entry should be pruned")
}

func TestNew_Unreachable(t *testing.T) {
	_, err := New(context.Background(), Config{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}

func TestKeyLayout(t *testing.T) {
	s := NewWithClient(nil, "")
	assert.Equal(t, "tabula:session:abc", s.sessionKey("abc"))
	assert.Equal(t, "tabula:object:abc:artifact", s.objectKey("abc", storage.ObjectArtifact))
	assert.Equal(t, "tabula:sessions", s.indexKey())
}
