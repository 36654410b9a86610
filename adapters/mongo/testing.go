package mongo

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Testing is the slice of *testing.T the container helpers need.
type Testing interface {
	require.TestingT
	Context() context.Context
	Logf(format string, args ...any)
	Cleanup(func())
}

// NewTestContainer starts a throwaway MongoDB server and returns its URI.
// The container is terminated on test cleanup.
func NewTestContainer(t Testing) string {
	ctx := t.Context()
	mongoC, err := testcontainers.Run(
		ctx, "mongo:8",
		testcontainers.WithExposedPorts("27017/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("27017/tcp"),
			wait.ForLog("Waiting for connections"),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(mongoC); err != nil {
			t.Errorf("failed to terminate container: %s", err.Error())
		}
	})

	ip, err := mongoC.ContainerIP(t.Context())
	require.NoError(t, err)
	t.Logf("mongo ip: %s", ip)
	return "mongodb://" + ip + ":27017"
}

// NewTestReplicaSetContainer starts a throwaway single-member replica set,
// the smallest deployment with multi-document transactions, and returns
// its URI. The container is terminated on test cleanup.
func NewTestReplicaSetContainer(t Testing) string {
	ctx := t.Context()
	mongoC, err := testcontainers.Run(
		ctx, "mongo:8",
		testcontainers.WithCmd("--replSet", "rs0"),
		testcontainers.WithExposedPorts("27017/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("27017/tcp"),
			wait.ForLog("Waiting for connections"),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(mongoC); err != nil {
			t.Errorf("failed to terminate container: %s", err.Error())
		}
	})

	code, _, err := mongoC.Exec(ctx, []string{"mongosh", "--quiet", "--eval", "rs.initiate()"})
	require.NoError(t, err)
	require.Zero(t, code, "rs.initiate must succeed")

	// the member promotes itself a moment after initiation
	require.Eventually(t, func() bool {
		code, out, err := mongoC.Exec(ctx, []string{"mongosh", "--quiet", "--eval", "db.hello().isWritablePrimary"})
		if err != nil || code != 0 {
			return false
		}
		b, err := io.ReadAll(out)
		return err == nil && strings.Contains(string(b), "true")
	}, 30*time.Second, 250*time.Millisecond, "member never became primary")

	ip, err := mongoC.ContainerIP(t.Context())
	require.NoError(t, err)
	t.Logf("mongo replica set ip: %s", ip)
	return "mongodb://" + ip + ":27017/?directConnection=true"
}
