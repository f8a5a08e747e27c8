// Package config loads loam configuration from .loam/config.yaml, with
// LOAM_* environment variables taking precedence over file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// v is the package-level viper instance, set by Initialize. All accessors
// are nil-safe so code paths that run before Initialize see zero values.
var v *viper.Viper

// Initialize sets up configuration: defaults first, then .loam/config.yaml
// discovered by walking up from the working directory, then LOAM_*
// environment variables on top.
func Initialize() error {
	nv := viper.New()
	nv.SetConfigType("yaml")

	setDefaults(nv)

	nv.SetEnvPrefix("LOAM")
	nv.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	nv.AutomaticEnv()

	if path := configFilePath(); path != "" {
		nv.SetConfigFile(path)
		if err := nv.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v = nv
	return nil
}

// configFilePath returns the config file to load: $LOAM_CONFIG if set,
// otherwise the first .loam/config.yaml walking up from CWD. Empty string
// means run on defaults.
func configFilePath() string {
	if path := os.Getenv("LOAM_CONFIG"); path != "" {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for dir := cwd; ; dir = filepath.Dir(dir) {
		candidate := filepath.Join(dir, ".loam", "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		if dir == filepath.Dir(dir) {
			return ""
		}
	}
}

func setDefaults(nv *viper.Viper) {
	// Storage
	nv.SetDefault("store.backend", "postgres")
	nv.SetDefault("store.dsn", "")
	nv.SetDefault("store.max-conns", 16)
	nv.SetDefault("store.migrate", true)

	// Work queue
	nv.SetDefault("queue.lease", 5*time.Minute)
	nv.SetDefault("queue.heartbeat", 30*time.Second)
	nv.SetDefault("queue.reap-interval", time.Minute)
	nv.SetDefault("queue.max-attempts", 3)
	nv.SetDefault("queue.workspace-cap", 10)
	nv.SetDefault("queue.backoff-base", time.Second)
	nv.SetDefault("queue.backoff-max", 30*time.Second)

	// Event bus
	nv.SetDefault("bus.sweep-interval", 30*time.Second)
	nv.SetDefault("bus.redeliver-after", 2*time.Minute)
	nv.SetDefault("bus.batch", 100)

	// Dispatcher
	nv.SetDefault("dispatch.debounce", 30*time.Second)
	nv.SetDefault("dispatch.workers", 4)
	nv.SetDefault("dispatch.cascade-max-depth", 8)
	nv.SetDefault("dispatch.orphan-after", 10*time.Minute)
	nv.SetDefault("dispatch.enable-graph-stage", false)
	nv.SetDefault("dispatch.compose-on-reflection", true)

	// Basket context
	nv.SetDefault("context.stale-after", 14*24*time.Hour)
	nv.SetDefault("context.max-blocks", 200)

	// Governance
	nv.SetDefault("governance.policy-file", "")

	// Reasoner
	nv.SetDefault("reasoner.provider", "anthropic")
	nv.SetDefault("reasoner.model", "claude-haiku-4-5-20251001")
	nv.SetDefault("reasoner.max-tokens", 4096)
	nv.SetDefault("reasoner.timeout", 60*time.Second)
	nv.SetDefault("reasoner.max-retries", 3)

	// Embeddings
	nv.SetDefault("embedding.dimensions", 256)
	nv.SetDefault("embedding.cache-url", "")
	nv.SetDefault("embedding.cache-ttl", 24*time.Hour)

	// Daemon
	nv.SetDefault("daemon.socket", "")
	nv.SetDefault("daemon.actor", "")
	nv.SetDefault("json", false)
}

// GetString returns a string config value, or "" before Initialize.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool returns a bool config value, or false before Initialize.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt returns an int config value, or 0 before Initialize.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetDuration returns a duration config value, or 0 before Initialize.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// GetStringSlice returns a string slice config value, or nil before
// Initialize.
func GetStringSlice(key string) []string {
	if v == nil {
		return []string{}
	}
	return v.GetStringSlice(key)
}

// AllSettings returns the full resolved configuration map.
func AllSettings() map[string]interface{} {
	if v == nil {
		return map[string]interface{}{}
	}
	return v.AllSettings()
}
