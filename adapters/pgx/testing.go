package pgx

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type Testing interface {
	require.TestingT
	Context() context.Context
	Logf(format string, args ...any)
	Cleanup(func())
}

const testPassword = "plproxy"

// TestServer is a disposable PostgreSQL server.
type TestServer struct {
	host string
	port string
}

// DSN returns the connection string of database dbname.
func (s TestServer) DSN(dbname string) string {
	return fmt.Sprintf("host=%s port=%s user=postgres password=%s dbname=%s sslmode=disable",
		s.host, s.port, testPassword, dbname)
}

// Exec runs sql against dbname and fails the test on error.
func (s TestServer) Exec(t Testing, dbname, sql string) {
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	conn, err := pgconn.Connect(ctx, s.DSN(dbname))
	require.NoError(t, err)
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, sql).ReadAll()
	require.NoError(t, err)
}

func NewTestContainer(t Testing) TestServer {
	ctx := t.Context()
	pgC, err := testcontainers.Run(
		ctx, "postgres:16-alpine",
		testcontainers.WithEnv(map[string]string{"POSTGRES_PASSWORD": testPassword}),
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgC); err != nil {
			t.Errorf("failed to terminate container: %s", err.Error())
		}
	})

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	t.Logf("postgres: %s:%s", host, port.Port())
	return TestServer{host: host, port: port.Port()}
}
