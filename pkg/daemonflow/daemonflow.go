package daemonflow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lmittmann/tint"

	"github.com/RealZimboGuy/daemonflow/internal/config"
	"github.com/RealZimboGuy/daemonflow/internal/engine"
	"github.com/RealZimboGuy/daemonflow/internal/repository"
	"github.com/RealZimboGuy/daemonflow/pkg/daemonflow/core"
	"github.com/RealZimboGuy/daemonflow/pkg/daemonflow/domain"
	"github.com/RealZimboGuy/daemonflow/pkg/daemonflow/models"
)

type (
	Config        = engine.Config
	ResultReducer = engine.ResultReducer
	EventBus      = engine.EventBus
	Event         = engine.Event
)

// Daemon wires a store, the action registry and the engine together.
type Daemon struct {
	db       *sqlx.DB
	registry *engine.ActionRegistry
	manager  *engine.WorkflowManager
}

type options struct {
	cfg   *Config
	clock core.Clock
}

type Option func(*options)

// WithConfig replaces the engine configuration read from DFLOW_ settings.
func WithConfig(cfg Config) Option {
	return func(o *options) { o.cfg = &cfg }
}

func WithClock(clock core.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// New opens the store selected by DFLOW_DATABASE_TYPE (running migrations for SQL
// databases) and builds an engine on top of it. Call Close when done.
func New(opts ...Option) (*Daemon, error) {
	o := options{clock: core.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	cfg := engine.ConfigFromSettings()
	if o.cfg != nil {
		cfg = *o.cfg
	}

	d := &Daemon{registry: engine.NewActionRegistry()}
	databaseType := config.GetSystemSettingString(config.DATABASE_TYPE)
	var store interface {
		engine.Store
		engine.ExecutorRepo
	}
	if databaseType == config.DATABASE_TYPE_MEMORY {
		slog.Warn("Using in-memory store, nothing survives a restart")
		store = repository.NewMemoryStore(o.clock)
	} else {
		db, err := repository.OpenDatabase(databaseType)
		if err != nil {
			return nil, fmt.Errorf("open %s database: %w", databaseType, err)
		}
		d.db = db
		store = repository.NewSQLStore(db, o.clock)
	}
	d.manager = engine.NewWorkflowManager(store, store, d.registry, cfg, o.clock)
	return d, nil
}

// RegisterAction makes handler available to actions of actionType.
func (d *Daemon) RegisterAction(actionType string, handler core.ActionHandler) {
	d.registry.Register(actionType, handler)
}

func (d *Daemon) Registry() *engine.ActionRegistry { return d.registry }

func (d *Daemon) RegisterReducer(workflowType string, r ResultReducer) {
	d.manager.RegisterReducer(workflowType, r)
}

func (d *Daemon) Events() *EventBus { return d.manager.Events() }

// Run blocks running the engine until ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	return d.manager.StartEngine(ctx)
}

func (d *Daemon) SubmitInstance(ctx context.Context, req models.SubmitInstanceRequest) (int64, error) {
	return d.manager.SubmitInstance(ctx, req)
}

func (d *Daemon) AppendAction(ctx context.Context, instanceID int64, req models.AppendActionRequest) (int64, error) {
	return d.manager.AppendAction(ctx, instanceID, req)
}

func (d *Daemon) CancelInstance(ctx context.Context, instanceID int64) error {
	return d.manager.CancelInstance(ctx, instanceID)
}

func (d *Daemon) GetInstanceDetail(ctx context.Context, instanceID int64) (*models.InstanceDetail, error) {
	return d.manager.GetInstanceDetail(ctx, instanceID)
}

func (d *Daemon) ListExecutors(ctx context.Context, limit int) ([]domain.Executor, error) {
	return d.manager.ListExecutors(ctx, limit)
}

// Close stops the event bus and closes the database.
func (d *Daemon) Close() error {
	err := d.manager.Close()
	if d.db != nil {
		if dbErr := d.db.Close(); dbErr != nil && err == nil {
			err = dbErr
		}
	}
	return err
}

// SetupLogger installs a tint handler on stderr as the default slog logger.
func SetupLogger(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      lvl,
			TimeFormat: time.RFC3339Nano,
		}),
	))
}
