package remote

import "context"

// Acquirer abstracts sandbox acquisition. Implementations exist for static
// URL mode (StaticAcquirer) and SandboxClaim mode (kubernetes.ClaimAcquirer).
type Acquirer interface {
	// Acquire returns a sandbox URL to use for execution.
	// The release function must be called after execution to clean up.
	Acquire(ctx context.Context) (sandboxURL string, release func(), err error)
}

// StaticAcquirer returns a fixed sandbox URL.
type StaticAcquirer struct {
	URL string
}

// Acquire returns the fixed URL. Release is a no-op.
func (a StaticAcquirer) Acquire(_ context.Context) (string, func(), error) {
	return a.URL, func() {}, nil
}
