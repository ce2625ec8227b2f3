package engine

import (
	"os"
	"time"

	"github.com/RealZimboGuy/daemonflow/internal/config"
	"github.com/RealZimboGuy/daemonflow/pkg/daemonflow/models"
)

// Config is everything the engine needs from the outside. The engine never reads
// settings itself; hosts build a Config with ConfigFromSettings or by hand.
type Config struct {
	PollInterval   time.Duration
	BatchSize      int
	MaxConcurrency int
	ActionTimeout  time.Duration
	ShortCircuit   ShortCircuitPolicy
	Retry          models.RetryConfig

	ExecutorName            string
	HeartbeatInterval       time.Duration
	StuckActionsSchedule    string
	StuckActionsRepairAfter time.Duration

	StoreRetryBase  time.Duration
	// StoreMaxRetries below 1 falls back to the default; store errors are always retried.
	StoreMaxRetries int
}

func DefaultConfig() Config {
	return Config{
		PollInterval:   3 * time.Second,
		BatchSize:      20,
		MaxConcurrency: 5,
		ActionTimeout:  5 * time.Minute,
		ShortCircuit:   ShortCircuitCancelSiblings,
		Retry: models.RetryConfig{
			Strategy: models.BackoffExponential,
			Base:     time.Second,
			Max:      5 * time.Minute,
			Steps:    10,
		},
		HeartbeatInterval:       30 * time.Second,
		StuckActionsSchedule:    "@every 1m",
		StuckActionsRepairAfter: 5 * time.Minute,
		StoreRetryBase:          200 * time.Millisecond,
		StoreMaxRetries:         8,
	}
}

// ConfigFromSettings reads the DFLOW_ settings.
func ConfigFromSettings() Config {
	cfg := Config{
		PollInterval:   config.GetSystemSettingDuration(config.ENGINE_CHECK_DB_INTERVAL),
		BatchSize:      config.GetSystemSettingInteger(config.ENGINE_BATCH_SIZE),
		MaxConcurrency: config.GetSystemSettingInteger(config.ENGINE_EXECUTOR_SIZE),
		ActionTimeout:  config.GetSystemSettingDuration(config.ENGINE_ACTION_TIMEOUT),
		ShortCircuit:   ShortCircuitPolicy(config.GetSystemSettingString(config.ENGINE_SHORT_CIRCUIT)),
		Retry: models.RetryConfig{
			Strategy: config.GetSystemSettingString(config.RETRY_BACKOFF_STRATEGY),
			Base:     config.GetSystemSettingDuration(config.RETRY_BACKOFF_BASE),
			Max:      config.GetSystemSettingDuration(config.RETRY_BACKOFF_MAX),
			Jitter:   config.GetSystemSettingFloat(config.RETRY_BACKOFF_JITTER),
			Steps:    config.GetSystemSettingInteger(config.RETRY_BACKOFF_STEPS),
		},
		ExecutorName:            config.GetSystemSettingString(config.ENGINE_EXECUTOR_NAME),
		HeartbeatInterval:       config.GetSystemSettingDuration(config.ENGINE_HEARTBEAT_INTERVAL),
		StuckActionsSchedule:    config.GetSystemSettingString(config.ENGINE_STUCK_ACTIONS_SCHEDULE),
		StuckActionsRepairAfter: time.Duration(config.GetSystemSettingInteger(config.ENGINE_STUCK_ACTIONS_REPAIR_AFTER_MINUTES)) * time.Minute,
		StoreRetryBase:          config.GetSystemSettingDuration(config.STORE_RETRY_BASE),
		StoreMaxRetries:         config.GetSystemSettingInteger(config.STORE_MAX_RETRIES),
	}
	return cfg.withDefaults()
}

// withDefaults fills zero or invalid fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = d.ActionTimeout
	}
	if c.ShortCircuit != ShortCircuitLetFinish {
		c.ShortCircuit = ShortCircuitCancelSiblings
	}
	if c.Retry.Strategy == "" {
		c.Retry = d.Retry
	}
	if c.ExecutorName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "daemonflow"
		}
		c.ExecutorName = hostname
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.StuckActionsSchedule == "" {
		c.StuckActionsSchedule = d.StuckActionsSchedule
	}
	if c.StuckActionsRepairAfter <= 0 {
		c.StuckActionsRepairAfter = d.StuckActionsRepairAfter
	}
	if c.StoreRetryBase <= 0 {
		c.StoreRetryBase = d.StoreRetryBase
	}
	if c.StoreMaxRetries <= 0 {
		c.StoreMaxRetries = d.StoreMaxRetries
	}
	return c
}
