package evidence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestPostgresSink(t *testing.T) {
	if testing.Short() {
		t.Skip("postgres container test skipped in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("evidence"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	sink, err := OpenPostgresSink(ctx, connStr)
	require.NoError(t, err)
	defer sink.Close()

	// Schema creation is idempotent.
	require.NoError(t, sink.EnsureSchema(ctx))

	runID := uuid.NewString()
	for _, kind := range []string{KindRun, KindDecision} {
		r, err := NewRecord(kind, "W1", "plan", runID, map[string]any{"verdict": "auto_apply"})
		require.NoError(t, err)
		require.NoError(t, sink.Write(ctx, r))
	}
	require.NoError(t, sink.Write(ctx, Record{Kind: KindEvent, WorkItem: "W1", Stage: "plan", Timestamp: time.Now()}))

	n, err := sink.Count(ctx, "W1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = sink.Count(ctx, "W2")
	require.NoError(t, err)
	assert.Zero(t, n)
}
