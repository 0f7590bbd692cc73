package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mylxsw/sql-sandbox/internal/storage"
)

type testEnv struct {
	resolver     *storage.Resolver
	tracker      *storage.Tracker
	manager      *Manager
	executor     *Executor
	introspector *Introspector
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithScript(t, defaultBootstrapScript)
}

func newTestEnvWithScript(t *testing.T, script string) *testEnv {
	t.Helper()

	resolver, err := storage.NewResolver(t.TempDir())
	require.NoError(t, err)
	tracker := storage.NewTracker(resolver)
	opts := storage.Options{BusyTimeout: 5 * time.Second, ForeignKeys: true, JournalMode: "DELETE"}

	executor := NewExecutor(resolver, opts, nil)
	return &testEnv{
		resolver: resolver,
		tracker:  tracker,
		manager: NewManager(ManagerConfig{
			Resolver: resolver,
			Tracker:  tracker,
			Script:   script,
			SQLite:   opts,
		}),
		executor:     executor,
		introspector: NewIntrospector(executor, DefaultSampleRows),
	}
}

func (e *testEnv) count(t *testing.T, tenantID, table string) int64 {
	t.Helper()
	res, err := e.executor.Execute(context.Background(), tenantID, "SELECT COUNT(*) AS n FROM "+quoteIdentifier(table))
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	n, ok := res.Rows[0].Get("n")
	require.True(t, ok)
	return n.(int64)
}
