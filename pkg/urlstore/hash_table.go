// Package urlstore implements the durable hash table (C2) and URL
// table (C3) against Postgres via encore.dev/storage/sqldb, following
// invalidation/audit.go's pattern: a small struct wrapping *sqldb.Database,
// an ensureSchema that issues CREATE TABLE IF NOT EXISTS plus indexes,
// and methods that build their own SQL with $N placeholders and wrap
// every failure with fmt.Errorf("...: %w", err).
package urlstore

import (
	"context"
	"fmt"

	"encore.dev/storage/sqldb"

	"encore.app/pkg/shorterr"
)

// HashStore is the durable hash table (C2): one row per identifier ever
// minted, tracking whether it is currently available to hand out.
type HashStore struct {
	db *sqldb.Database
}

// NewHashStore creates a HashStore and ensures its schema exists.
func NewHashStore(ctx context.Context, db *sqldb.Database) (*HashStore, error) {
	s := &HashStore{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("urlstore: init hash table: %w", err)
	}
	return s, nil
}

func (s *HashStore) ensureSchema(ctx context.Context) error {
	query := `
		CREATE SEQUENCE IF NOT EXISTS hash_id_seq;

		CREATE TABLE IF NOT EXISTS hashes (
			hash      TEXT PRIMARY KEY,
			available BOOLEAN NOT NULL DEFAULT TRUE
		);

		CREATE INDEX IF NOT EXISTS idx_hashes_available
		ON hashes (hash) WHERE available = TRUE;
	`
	_, err := s.db.Exec(ctx, query)
	return err
}

// NextSequence returns n strictly increasing positive integers, never
// reused across calls, backed by a Postgres sequence.
func (s *HashStore) NextSequence(ctx context.Context, n int) ([]int64, error) {
	if n <= 0 {
		return nil, shorterr.Integrity("urlstore: n must be positive", nil)
	}

	query := `SELECT nextval('hash_id_seq') FROM generate_series(1, $1)`
	rows, err := s.db.Query(ctx, query, n)
	if err != nil {
		return nil, shorterr.Transient("urlstore: next sequence", err)
	}
	defer rows.Close()

	out := make([]int64, 0, n)
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("urlstore: scan sequence value: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, shorterr.Transient("urlstore: iterate sequence", err)
	}
	return out, nil
}

// InsertIfAbsent inserts each hash as available, silently ignoring
// duplicates.
func (s *HashStore) InsertIfAbsent(ctx context.Context, hashes []string) error {
	if len(hashes) == 0 {
		return nil
	}
	query := `
		INSERT INTO hashes (hash, available)
		SELECT unnest($1::text[]), TRUE
		ON CONFLICT (hash) DO NOTHING
	`
	if _, err := s.db.Exec(ctx, query, hashes); err != nil {
		return shorterr.Transient("urlstore: insert if absent", err)
	}
	return nil
}

// ClaimAvailable atomically marks up to n available rows as
// unavailable and returns them, using SELECT ... FOR UPDATE SKIP LOCKED
// so contended rows are skipped rather than blocking indefinitely.
func (s *HashStore) ClaimAvailable(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	query := `
		WITH claimed AS (
			SELECT hash FROM hashes
			WHERE available = TRUE
			ORDER BY hash
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		)
		UPDATE hashes
		SET available = FALSE
		WHERE hash IN (SELECT hash FROM claimed)
		RETURNING hash
	`
	rows, err := s.db.Query(ctx, query, n)
	if err != nil {
		return nil, shorterr.Transient("urlstore: claim available", err)
	}
	defer rows.Close()

	out := make([]string, 0, n)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("urlstore: scan claimed hash: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, shorterr.Transient("urlstore: iterate claimed", err)
	}
	return out, nil
}

// MarkUsed upserts (hash, available=false). Used only by the
// on-the-fly fallback path when both the pool and ClaimAvailable are
// exhausted.
func (s *HashStore) MarkUsed(ctx context.Context, hash string) error {
	query := `
		INSERT INTO hashes (hash, available)
		VALUES ($1, FALSE)
		ON CONFLICT (hash) DO UPDATE SET available = FALSE
	`
	if _, err := s.db.Exec(ctx, query, hash); err != nil {
		return shorterr.Transient("urlstore: mark used", err)
	}
	return nil
}

// ReleaseAvailable inserts-or-updates each hash to available=true.
// Idempotent: safe to call repeatedly for the same hashes.
func (s *HashStore) ReleaseAvailable(ctx context.Context, hashes []string) error {
	if len(hashes) == 0 {
		return nil
	}
	query := `
		INSERT INTO hashes (hash, available)
		SELECT unnest($1::text[]), TRUE
		ON CONFLICT (hash) DO UPDATE SET available = TRUE
	`
	if _, err := s.db.Exec(ctx, query, hashes); err != nil {
		return shorterr.Transient("urlstore: release available", err)
	}
	return nil
}

// Delete removes hash rows outright. Used only by the cleaner's
// shutdown-compensation path to undo a ReleaseAvailable that was never
// followed by the matching URL-table delete.
func (s *HashStore) Delete(ctx context.Context, hashes []string) error {
	if len(hashes) == 0 {
		return nil
	}
	query := `DELETE FROM hashes WHERE hash = ANY($1::text[])`
	if _, err := s.db.Exec(ctx, query, hashes); err != nil {
		return shorterr.Transient("urlstore: delete hashes", err)
	}
	return nil
}

// Legacy rows with a NULL available column (pre-migration deployments)
// must be treated as available=true; schema creation above declares
// the column NOT NULL DEFAULT TRUE so this store never produces one,
// but any raw read against an inherited table must apply the same rule.
