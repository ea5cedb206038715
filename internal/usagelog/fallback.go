package usagelog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/openinfer/modelfront/internal/service"
)

// FallbackSink appends usage rows as newline-delimited JSON to a local file.
// It is the durable capture path when the primary store is unreachable; the
// file is meant for offline reconciliation, not for reads by the service.
type FallbackSink struct {
	path string

	mu sync.Mutex
}

func NewFallbackSink(path string) *FallbackSink {
	return &FallbackSink{path: path}
}

// Write appends one row. Non-serializable extra_data values are coerced to
// their string form first so a bad value can never lose the row.
func (f *FallbackSink) Write(row service.UsageRow) {
	row.ExtraData = coerceMap(row.ExtraData)

	data, err := json.Marshal(row)
	if err != nil {
		slog.Error("marshal usage fallback row", "error", err, "request_id", row.RequestID)

		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("open usage fallback file", "path", f.path, "error", err)

		return
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		slog.Error("write usage fallback row", "path", f.path, "error", err)
	}
}

// coerceMap replaces values that cannot be marshaled with fmt.Sprint forms.
func coerceMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}

	out := make(map[string]any, len(in))
	for k, v := range in {
		if _, err := json.Marshal(v); err != nil {
			out[k] = fmt.Sprint(v)

			continue
		}

		out[k] = v
	}

	return out
}
