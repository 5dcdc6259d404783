package contextfeed

import (
	"context"
	"os"
	"runtime"
	"strings"
	"time"
)

// BuiltinSource produces a context feed's value without going through a
// capability adapter (spec §4.6, mode "internal").
type BuiltinSource func(ctx context.Context) (any, error)

// defaultBuiltins is the fixed table of internal sources every session
// gets for free, without needing a capability registration.
func defaultBuiltins() map[string]BuiltinSource {
	return map[string]BuiltinSource{
		"clock":       builtinClock,
		"environment": builtinEnvironment,
		"process":     builtinProcess,
	}
}

func builtinClock(ctx context.Context) (any, error) {
	now := time.Now().UTC()
	return map[string]any{
		"iso8601": now.Format(time.RFC3339),
		"unix":    now.Unix(),
	}, nil
}

// builtinEnvironment snapshots process environment variables whose names
// start with "CORTEX_", to avoid leaking arbitrary host environment into
// a prompt.
func builtinEnvironment(ctx context.Context) (any, error) {
	const prefix = "CORTEX_"
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, prefix) {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		out[parts[0]] = parts[1]
	}
	return out, nil
}

func builtinProcess(ctx context.Context) (any, error) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return map[string]any{
		"goroutines":  runtime.NumGoroutine(),
		"alloc_bytes": mem.Alloc,
		"num_cpu":     runtime.NumCPU(),
	}, nil
}
