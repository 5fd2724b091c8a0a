package testutil

import (
	"context"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var natsContainer containerOnce

// GetNATSURL returns a nats:// URL for a shared NATS server container.
func GetNATSURL(t *testing.T) string {
	t.Helper()
	return natsContainer.get(t, "nats", func(ctx context.Context) (string, error) {
		natsC, err := testcontainers.Run(
			ctx, "nats:2.10",
			testcontainers.WithExposedPorts("4222/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("4222/tcp"),
				wait.ForLog("Server is ready"),
			),
		)
		if err != nil {
			return "", err
		}
		return endpointOf(ctx, natsC, "nats")
	})
}
