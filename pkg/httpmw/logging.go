// Package httpmw adapts pkg/middleware/logging.go's request-id and
// structured-logging pattern from an http.Handler wrapper to Encore's
// plain-function API surface: createShort and resolve are called
// directly by the Encore runtime, not through a net/http chain, so
// there is no ResponseWriter to wrap — instead Instrument brackets a
// single operation with the same JSON log shape the teacher emits per
// HTTP request.
package httpmw

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "request-id"

// NewRequestID generates a correlation ID the same way the teacher's
// generateRequestID does.
func NewRequestID() string {
	return uuid.New().String()
}

// WithRequestID attaches id to ctx for downstream LogWithRequestID-style
// calls.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromCtx returns the request ID stored in ctx, or "" if none.
func RequestIDFromCtx(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// EnsureRequestID returns ctx unchanged if it already carries a request
// ID, or a derived context carrying a freshly generated one otherwise —
// the entry point for an Encore API handler that wasn't called through
// another instrumented operation.
func EnsureRequestID(ctx context.Context) (context.Context, string) {
	if id := RequestIDFromCtx(ctx); id != "" {
		return ctx, id
	}
	id := NewRequestID()
	return WithRequestID(ctx, id), id
}

// Instrument runs op, logging its start-to-finish duration and outcome
// in the same structured JSON shape pkg/middleware/logging.go's
// logRequest emits, keyed by operation name instead of method+path.
func Instrument(ctx context.Context, operation string, op func(ctx context.Context) error) error {
	ctx, requestID := EnsureRequestID(ctx)
	start := time.Now()

	err := op(ctx)

	logOperation(requestID, operation, err, time.Since(start))
	return err
}

func logOperation(requestID, operation string, err error, duration time.Duration) {
	entry := map[string]interface{}{
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"request_id":  requestID,
		"operation":   operation,
		"duration_ms": duration.Milliseconds(),
	}
	if err != nil {
		entry["error"] = err.Error()
	}

	data, marshalErr := json.Marshal(entry)
	if marshalErr != nil {
		log.Printf("[ERROR] httpmw: failed to marshal log entry: %v", marshalErr)
		log.Printf("[%s] %s - err=%v (%dms)", requestID, operation, err, duration.Milliseconds())
		return
	}

	switch {
	case err != nil:
		log.Printf("[WARN] %s", string(data))
	default:
		log.Printf("[INFO] %s", string(data))
	}
}

// LogWithRequestID logs message with ctx's request ID plus arbitrary
// fields, mirroring the teacher's helper of the same name for ad-hoc
// application-level log lines outside an Instrument call.
func LogWithRequestID(ctx context.Context, message string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"request_id": RequestIDFromCtx(ctx),
		"message":    message,
	}
	for k, v := range fields {
		entry[k] = v
	}

	data, err := json.Marshal(entry)
	if err != nil {
		log.Printf("[ERROR] httpmw: failed to marshal log entry: %v", err)
		return
	}
	log.Printf("[INFO] %s", string(data))
}
