// config.go - tuning knobs for the scheduler
//
// This module contains:
// - DebugLevel: assignment-trace verbosity (TSCHED_DEBUG)
// - ParallelDefault: default for the Sched "parallel" constructor arg (TSCHED_PARALLEL)
// - OpOffloadDefault: default for the Sched "op_offload" constructor arg (TSCHED_OP_OFFLOAD)
// - Var/Bool/BoolWithDefault/Uint: generic getter-factories
// - AsMap/Values: introspection
package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// DebugLevel returns the assignment-trace verbosity (0..4): off, summary,
// per-node, plus-cause, full. Configurable via TSCHED_DEBUG. No semantic
// effect on scheduling decisions, only on slog trace output.
var DebugLevel = Uint("TSCHED_DEBUG", 0)

// ParallelDefault is the "parallel" argument sched.NewDefault passes to
// sched.New; sched.New itself does not read it.
// Configurable via TSCHED_PARALLEL.
var ParallelDefault = Bool("TSCHED_PARALLEL")

// OpOffloadDefault is the default for Sched's "op_offload" constructor
// argument. Configurable via TSCHED_OP_OFFLOAD.
var OpOffloadDefault = BoolWithDefault("TSCHED_OP_OFFLOAD")

// Var returns an environment variable's value with surrounding whitespace
// and matching quotes stripped.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// BoolWithDefault returns a function reading a bool env var with an
// explicit default value.
func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

// Bool returns a function reading a bool env var (default false).
func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

// Uint returns a function reading a uint env var with a default value.
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// EnvVar describes a single tuning knob with its current value.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns all tuning knobs with their current values.
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"TSCHED_DEBUG":      {"TSCHED_DEBUG", DebugLevel(), "Assignment-trace verbosity (0..4)"},
		"TSCHED_PARALLEL":   {"TSCHED_PARALLEL", ParallelDefault(), "Default n_copies=4 pipelined execution"},
		"TSCHED_OP_OFFLOAD": {"TSCHED_OP_OFFLOAD", OpOffloadDefault(true), "Allow promoting ops reading host weights to a faster backend"},
	}
}

// Values returns all tuning knobs as a string map, for logging.
func Values() map[string]string {
	vals := make(map[string]string, len(AsMap()))
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
