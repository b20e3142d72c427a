package otel

import (
	"maps"
	"os"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/propagation"
)

// Carries trace context through process environments, such as from a grader
// into the containers of the stages it runs.
//
// Injected values are held on the carrier and rendered with [EnvCarrier.AsEnv].
// Lookups fall back to the current process environment so a process started
// with rendered variables can extract its parent context.
type EnvCarrier struct {
	vars map[string]string
}

var _ propagation.TextMapCarrier = EnvCarrier{}

func CreateEnvCarrier() EnvCarrier {
	return EnvCarrier{vars: make(map[string]string)}
}

const envPrefix = "BROADWAY_OTEL_"

// TRACEPARENT style names; propagation keys are case insensitive
func mapKey(key string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
}

func unmapKey(mapped string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(mapped, envPrefix), "_", "-"))
}

func (c EnvCarrier) Get(key string) string {
	key = mapKey(key)
	if v, ok := c.vars[key]; ok {
		return v
	}
	return os.Getenv(key)
}

func (c EnvCarrier) Set(key, value string) {
	c.vars[mapKey(key)] = value
}

func (c EnvCarrier) Keys() []string {
	keys := map[string]struct{}{}
	for name := range c.vars {
		keys[unmapKey(name)] = struct{}{}
	}

	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, envPrefix) {
			keys[unmapKey(name)] = struct{}{}
		}
	}

	return slices.Sorted(maps.Keys(keys))
}

// Injected variables as sorted NAME=value pairs, e.g. for `docker run -e`
func (c EnvCarrier) AsEnv() []string {
	env := make([]string, 0, len(c.vars))
	for _, name := range slices.Sorted(maps.Keys(c.vars)) {
		env = append(env, name+"="+c.vars[name])
	}
	return env
}
