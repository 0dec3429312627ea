// ABOUTME: PostgreSQL test database for the store contract suite
// ABOUTME: Uses CONVSTORE_TEST_POSTGRES_DSN when set, otherwise starts a postgres container

package store

import (
	"context"
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const postgresImage = "postgres:16-alpine"

// postgresDSN returns a DSN for an empty-or-disposable PostgreSQL database.
// The test is skipped when neither an external database nor Docker is available.
func postgresDSN(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("CONVSTORE_TEST_POSTGRES_DSN"); dsn != "" {
		return dsn
	}
	if testing.Short() {
		t.Skip("postgres container skipped in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        postgresImage,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "convstore",
				"POSTGRES_PASSWORD": "convstore",
				"POSTGRES_DB":       "convstore",
			},
			// The server logs this once for the init run and once when it is really up
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err, "starting %s container", postgresImage)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	// testcontainers may report "null" as the host in some environments
	if host == "" || host == "null" {
		host = "localhost"
	}
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return fmt.Sprintf("postgres://convstore:convstore@%s/convstore?sslmode=disable",
		net.JoinHostPort(host, port.Port()))
}
