package daemonflow

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RealZimboGuy/daemonflow/internal/config"
	"github.com/RealZimboGuy/daemonflow/internal/engine"
	"github.com/RealZimboGuy/daemonflow/pkg/daemonflow/core"
	"github.com/RealZimboGuy/daemonflow/pkg/daemonflow/domain"
	"github.com/RealZimboGuy/daemonflow/pkg/daemonflow/models"
)

func testConfig() Config {
	cfg := engine.DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.ExecutorName = "daemon-test"
	return cfg
}

func runToCompletion(t *testing.T, d *Daemon) {
	t.Helper()
	d.RegisterAction("greet", core.Typed(nil, func(ctx context.Context, in struct{ Name string }) (string, error) {
		return "hello " + in.Name, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	id, err := d.SubmitInstance(ctx, models.SubmitInstanceRequest{
		WorkflowType: "greeting",
		Actions:      []models.AppendActionRequest{{ActionType: "greet", InputBody: []byte(`{"Name":"ada"}`)}},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		detail, err := d.GetInstanceDetail(ctx, id)
		return err == nil && detail.Instance.Status == domain.StatusSucceeded
	}, 10*time.Second, 10*time.Millisecond)

	detail, err := d.GetInstanceDetail(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `"hello ada"`, string(detail.Instance.ResultBody))

	executors, err := d.ListExecutors(ctx, 5)
	require.NoError(t, err)
	require.NotEmpty(t, executors)
	assert.Equal(t, "daemon-test", executors[0].Name)

	cancel()
	require.NoError(t, <-done)
}

func TestDaemon_MemoryStore(t *testing.T) {
	t.Setenv(config.DATABASE_TYPE, config.DATABASE_TYPE_MEMORY)
	d, err := New(WithConfig(testConfig()))
	require.NoError(t, err)
	defer d.Close()
	runToCompletion(t, d)
}

func TestDaemon_SQLiteStore(t *testing.T) {
	t.Setenv(config.DATABASE_TYPE, config.DATABASE_TYPE_SQLLITE)
	t.Setenv(config.DATABASE_SQLLITE_FILE_NAME, filepath.Join(t.TempDir(), "daemonflow.db"))
	d, err := New(WithConfig(testConfig()))
	require.NoError(t, err)
	defer d.Close()
	runToCompletion(t, d)
}

func TestNew_UnknownDatabaseType(t *testing.T) {
	t.Setenv(config.DATABASE_TYPE, "ORACLE")
	_, err := New()
	assert.ErrorContains(t, err, "ORACLE")
}
