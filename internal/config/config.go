// Package config is the module's ambient configuration layer: a viper
// singleton for environment/flag-driven settings, plus a direct YAML
// reader for a local override file independent of the singleton —
// mirroring the teacher's internal/config package (Initialize + viper
// getters, LoadLocalConfig bypassing the singleton).
package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

var v *viper.Viper

// defaults mirrors the teacher's TestDefaults table: every key the sync
// engine reads must have an explicit default so behavior is deterministic
// before any env var or config file is consulted.
var defaults = map[string]interface{}{
	"fetch-concurrency":   4,
	"safety-gap-seconds":  30,
	"rollout-backstop-days": 5,
	"stale-reset-days":    14,
	"cold-start-limit":    50,
	"catchup-limit":       1000,
	"sdk-catchup-limit":   1000,
	"bootstrap-timeout-ms": 1500,
	"debounce-export-ms":  250,
	"locked-retry-max-attempts": 30,
}

// Initialize (re)creates the viper singleton with defaults and environment
// binding. Env vars use the THREADLINE_ prefix with dashes translated to
// underscores, matching the teacher's BD_/BEADS_ convention.
func Initialize() error {
	v = viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.SetEnvPrefix("THREADLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return nil
}

func ensure() {
	if v == nil {
		_ = Initialize()
	}
}

func GetString(key string) string {
	ensure()
	return v.GetString(key)
}

func GetInt(key string) int {
	ensure()
	return v.GetInt(key)
}

func GetInt64(key string) int64 {
	ensure()
	return v.GetInt64(key)
}

// DaemonHost returns the remote sync server address. Priority:
// THREADLINE_DAEMON_HOST env var (bound automatically via AutomaticEnv)
// over the daemon-host config key.
func DaemonHost() string {
	if host := os.Getenv("THREADLINE_DAEMON_HOST"); host != "" {
		return host
	}
	return GetString("daemon-host")
}

// DaemonToken returns the bearer token used for RPC authentication.
func DaemonToken() string {
	if token := os.Getenv("THREADLINE_DAEMON_TOKEN"); token != "" {
		return token
	}
	return GetString("daemon-token")
}
