// Package envconfig reads process-wide defaults from MOEFY_* environment
// variables.
package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// LogLevel returns the log level.
// Configurable via MOEFY_DEBUG: 0/false = INFO (default), 1/true = DEBUG,
// other integers n map to slog.Level(-4n).
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("MOEFY_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}
	return level
}

// Workers is the number of experts evaluated concurrently by one calculator.
// Configurable via MOEFY_WORKERS. Default: runtime.NumCPU().
var Workers = Uint("MOEFY_WORKERS", uint(runtime.NumCPU()))

// DumpDir is the root directory for feature dumps.
// Configurable via MOEFY_DUMP_DIR. Default: ./features
func DumpDir() string {
	if s := Var("MOEFY_DUMP_DIR"); s != "" {
		return s
	}
	return "features"
}

// ReplicaID identifies this process among data-parallel replicas; it prefixes
// dump file names. Configurable via MOEFY_REPLICA_ID (falls back to
// LOCAL_RANK as set by torchrun-style launchers). Default: 0
func ReplicaID() int {
	for _, k := range []string{"MOEFY_REPLICA_ID", "LOCAL_RANK"} {
		if s := Var(k); s != "" {
			if n, err := strconv.Atoi(s); err == nil && n >= 0 {
				return n
			}
			slog.Warn("invalid environment variable, ignoring", "key", k, "value", s)
		}
	}
	return 0
}

// Uint returns a function reading a uint with a default value.
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil || n == 0 {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// EnvVar describes one variable for `moefy env`.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every variable with its current value and description.
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"MOEFY_DEBUG":      {"MOEFY_DEBUG", LogLevel(), "Show additional debug information (e.g. MOEFY_DEBUG=1)"},
		"MOEFY_WORKERS":    {"MOEFY_WORKERS", Workers(), "Experts evaluated concurrently per MoE layer"},
		"MOEFY_DUMP_DIR":   {"MOEFY_DUMP_DIR", DumpDir(), "Directory for feature-dump output"},
		"MOEFY_REPLICA_ID": {"MOEFY_REPLICA_ID", ReplicaID(), "Replica id used in dump file names"},
	}
}

// Values returns every variable as a string map.
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Var returns an environment variable stripped of quotes and spaces.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
