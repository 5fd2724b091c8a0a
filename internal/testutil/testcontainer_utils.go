// Package testutil starts throwaway backing services for integration tests.
// Each container is started once per test binary and reaped by
// testcontainers when the process exits.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
)

// containerOnce starts a container at most once and remembers the endpoint
// string (or the error) for every later caller.
type containerOnce struct {
	once     sync.Once
	endpoint string
	err      error
}

func (c *containerOnce) get(t *testing.T, name string, start func(ctx context.Context) (string, error)) string {
	t.Helper()
	if testing.Short() {
		t.Skipf("skipping %s integration test in short mode", name)
	}
	c.once.Do(func() {
		// Give generous timeout in CI environments
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()
		c.endpoint, c.err = start(ctx)
	})
	if c.err != nil {
		t.Fatalf("start %s container: %v", name, c.err)
	}
	return c.endpoint
}

func endpointOf(ctx context.Context, ctr testcontainers.Container, scheme string) (string, error) {
	endpoint, err := ctr.Endpoint(ctx, scheme)
	if err != nil {
		_ = ctr.Terminate(context.Background()) // best-effort cleanup
		return "", err
	}
	return endpoint, nil
}
