package shortener

import (
	"context"
	"fmt"
	"time"

	"encore.dev/storage/sqldb"
)

// AuditEntry records a notable event on the creation pipeline: a
// rate-limit rejection or an on-the-fly hash generation. Adapted from
// invalidation/audit.go's AuditLog — an append-only, indexed-by-time
// trail — narrowed to the two event kinds this system's design notes
// call out as worth a durable record (§9: on-the-fly generation "should
// be exercised only when both pool and C2 availability are empty", and
// rate-limit rejections are the 429-class outcome an operator would
// want to correlate against abuse reports).
type AuditEntry struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"` // "rate_limited" or "on_the_fly"
	Principal string    `json:"principal"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
}

const (
	auditKindRateLimited = "rate_limited"
	auditKindOnTheFly    = "on_the_fly"
)

// AuditLogger provides persistent, append-only storage of pipeline
// audit events. A logging failure is swallowed ("log but don't fail"):
// the creation/resolution pipelines' correctness never depends on the
// audit trail succeeding.
type AuditLogger struct {
	db *sqldb.Database
}

// NewAuditLogger creates an AuditLogger and ensures its schema exists.
func NewAuditLogger(ctx context.Context, db *sqldb.Database) (*AuditLogger, error) {
	l := &AuditLogger{db: db}
	if err := l.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("shortener: init audit schema: %w", err)
	}
	return l, nil
}

func (l *AuditLogger) ensureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS shortener_audit (
			id         BIGSERIAL PRIMARY KEY,
			kind       TEXT NOT NULL,
			principal  TEXT NOT NULL,
			detail     TEXT NOT NULL DEFAULT '',
			timestamp  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			request_id TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_shortener_audit_timestamp ON shortener_audit (timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_shortener_audit_kind ON shortener_audit (kind);
		CREATE INDEX IF NOT EXISTS idx_shortener_audit_request_id ON shortener_audit (request_id);
	`
	_, err := l.db.Exec(ctx, query)
	return err
}

func (l *AuditLogger) insert(ctx context.Context, kind, principal, detail, requestID string) error {
	query := `
		INSERT INTO shortener_audit (kind, principal, detail, timestamp, request_id)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := l.db.Exec(ctx, query, kind, principal, detail, time.Now(), requestID)
	if err != nil {
		return fmt.Errorf("shortener: insert audit entry: %w", err)
	}
	return nil
}

// RecordRateLimited logs a createShort call rejected by C11.
func (l *AuditLogger) RecordRateLimited(ctx context.Context, principal, requestID string) error {
	return l.insert(ctx, auditKindRateLimited, principal, "", requestID)
}

// RecordOnTheFly logs C9 falling all the way through to on-the-fly
// generation (both the pool and C2's available rows were exhausted).
func (l *AuditLogger) RecordOnTheFly(ctx context.Context, principal, hash, requestID string) error {
	return l.insert(ctx, auditKindOnTheFly, principal, hash, requestID)
}

// Recent retrieves recent audit entries, newest first, optionally
// filtered by kind.
func (l *AuditLogger) Recent(ctx context.Context, kind string, limit int) ([]AuditEntry, error) {
	query := `
		SELECT id, kind, principal, detail, timestamp, request_id
		FROM shortener_audit
		ORDER BY timestamp DESC LIMIT $1
	`
	args := []interface{}{limit}
	if kind != "" {
		query = `
			SELECT id, kind, principal, detail, timestamp, request_id
			FROM shortener_audit WHERE kind = $1
			ORDER BY timestamp DESC LIMIT $2
		`
		args = []interface{}{kind, limit}
	}

	rows, err := l.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("shortener: query audit entries: %w", err)
	}
	defer rows.Close()

	out := make([]AuditEntry, 0, limit)
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Kind, &e.Principal, &e.Detail, &e.Timestamp, &e.RequestID); err != nil {
			return nil, fmt.Errorf("shortener: scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("shortener: iterate audit entries: %w", err)
	}
	return out, nil
}
