package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const CONFIG_FILE = "DFLOW_CONFIG_FILE"
const LOG_LEVEL = "DFLOW_LOG_LEVEL"
const DATABASE_TYPE = "DFLOW_DATABASE_TYPE"
const DATABASE_URL = "DFLOW_DATABASE_URL"
const DATABASE_SQLLITE_FILE_NAME = "DFLOW_DATABASE_SQLLITE_FILE_NAME"
const ENGINE_CHECK_DB_INTERVAL = "DFLOW_ENGINE_CHECK_DB_INTERVAL"
const ENGINE_BATCH_SIZE = "DFLOW_ENGINE_BATCH_SIZE"       //max actions fetched per dispatch cycle
const ENGINE_EXECUTOR_SIZE = "DFLOW_ENGINE_EXECUTOR_SIZE" //number of workers, ie the max in-flight actions
const ENGINE_EXECUTOR_NAME = "DFLOW_ENGINE_EXECUTOR_NAME"
const ENGINE_ACTION_TIMEOUT = "DFLOW_ENGINE_ACTION_TIMEOUT"
const ENGINE_SHORT_CIRCUIT = "DFLOW_ENGINE_SHORT_CIRCUIT"
const ENGINE_HEARTBEAT_INTERVAL = "DFLOW_ENGINE_HEARTBEAT_INTERVAL"
const ENGINE_STUCK_ACTIONS_SCHEDULE = "DFLOW_ENGINE_STUCK_ACTIONS_SCHEDULE"
const ENGINE_STUCK_ACTIONS_REPAIR_AFTER_MINUTES = "DFLOW_ENGINE_STUCK_ACTIONS_REPAIR_AFTER_MINUTES"
const RETRY_BACKOFF_STRATEGY = "DFLOW_RETRY_BACKOFF_STRATEGY"
const RETRY_BACKOFF_BASE = "DFLOW_RETRY_BACKOFF_BASE"
const RETRY_BACKOFF_MAX = "DFLOW_RETRY_BACKOFF_MAX"
const RETRY_BACKOFF_JITTER = "DFLOW_RETRY_BACKOFF_JITTER"
const RETRY_BACKOFF_STEPS = "DFLOW_RETRY_BACKOFF_STEPS"
const STORE_RETRY_BASE = "DFLOW_STORE_RETRY_BASE"
const STORE_MAX_RETRIES = "DFLOW_STORE_MAX_RETRIES"

const DATABASE_TYPE_POSTGRES = "POSTGRES"
const DATABASE_TYPE_MYSQL = "MYSQL"
const DATABASE_TYPE_SQLLITE = "SQLLITE"
const DATABASE_TYPE_MEMORY = "MEMORY"

const SHORT_CIRCUIT_CANCEL_SIBLINGS = "CANCEL_SIBLINGS"
const SHORT_CIRCUIT_LET_FINISH = "LET_FINISH"

var defaults = map[string]string{
	LOG_LEVEL:                  "info",
	DATABASE_TYPE:              DATABASE_TYPE_SQLLITE,
	DATABASE_SQLLITE_FILE_NAME: "./daemonflow.db",
	ENGINE_CHECK_DB_INTERVAL:   "3s",
	ENGINE_BATCH_SIZE:          "20",
	ENGINE_EXECUTOR_SIZE:       "5",
	ENGINE_ACTION_TIMEOUT:      "5m",
	ENGINE_SHORT_CIRCUIT:       SHORT_CIRCUIT_CANCEL_SIBLINGS,
	ENGINE_HEARTBEAT_INTERVAL:  "30s",
	ENGINE_STUCK_ACTIONS_SCHEDULE:             "@every 1m",
	ENGINE_STUCK_ACTIONS_REPAIR_AFTER_MINUTES: "5",
	RETRY_BACKOFF_STRATEGY:                    "EXPONENTIAL",
	RETRY_BACKOFF_BASE:                        "1s",
	RETRY_BACKOFF_MAX:                         "5m",
	RETRY_BACKOFF_JITTER:                      "0",
	RETRY_BACKOFF_STEPS:                       "10",
	STORE_RETRY_BASE:                          "200ms",
	STORE_MAX_RETRIES:                         "8",
}

var (
	fileMu       sync.RWMutex
	fileSettings = map[string]string{}
)

// LoadSettingsFile reads a flat YAML mapping of setting keys to values. Values from
// the file sit between the environment and the built-in defaults. Keys may be given
// with or without the DFLOW_ prefix.
func LoadSettingsFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read settings file: %w", err)
	}
	var parsed map[string]any
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("parse settings file %s: %w", path, err)
	}
	loaded := make(map[string]string, len(parsed))
	for k, v := range parsed {
		key := strings.ToUpper(k)
		if !strings.HasPrefix(key, "DFLOW_") {
			key = "DFLOW_" + key
		}
		loaded[key] = fmt.Sprint(v)
	}
	fileMu.Lock()
	fileSettings = loaded
	fileMu.Unlock()
	return nil
}

// ResetSettingsFile drops values loaded by LoadSettingsFile.
func ResetSettingsFile() {
	fileMu.Lock()
	fileSettings = map[string]string{}
	fileMu.Unlock()
}

func GetSystemSettingString(settingKey string) string {
	if val := os.Getenv(settingKey); val != "" {
		return val
	}
	fileMu.RLock()
	val, ok := fileSettings[settingKey]
	fileMu.RUnlock()
	if ok && val != "" {
		return val
	}
	return defaults[settingKey]
}

func GetSystemSettingInteger(settingKey string) int {
	val := GetSystemSettingString(settingKey)
	if val != "" {
		intValue, _ := strconv.Atoi(val)
		return intValue
	}
	return 0
}

// GetSystemSettingDuration parses the setting as a time.Duration, falling back to the
// built-in default when the configured value does not parse.
func GetSystemSettingDuration(settingKey string) time.Duration {
	d, err := time.ParseDuration(GetSystemSettingString(settingKey))
	if err != nil {
		d, _ = time.ParseDuration(defaults[settingKey])
	}
	return d
}

func GetSystemSettingFloat(settingKey string) float64 {
	f, _ := strconv.ParseFloat(GetSystemSettingString(settingKey), 64)
	return f
}
