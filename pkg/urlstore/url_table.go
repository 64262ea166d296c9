package urlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"encore.dev/storage/sqldb"

	"encore.app/pkg/shorterr"
)

// URLStore is the durable url↔hash mapping (C3): hash is primary key,
// url carries a unique index, created_at is set once and never updated.
type URLStore struct {
	db *sqldb.Database
}

// NewURLStore creates a URLStore and ensures its schema exists.
func NewURLStore(ctx context.Context, db *sqldb.Database) (*URLStore, error) {
	s := &URLStore{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("urlstore: init url table: %w", err)
	}
	return s, nil
}

func (s *URLStore) ensureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS urls (
			hash       TEXT PRIMARY KEY,
			url        TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_url_url_unique ON urls (url);
		CREATE INDEX IF NOT EXISTS idx_urls_created_at ON urls (created_at);
	`
	_, err := s.db.Exec(ctx, query)
	return err
}

// pgUniqueViolation is the SQLSTATE for a unique_violation in Postgres.
const pgUniqueViolation = "23505"

// Insert succeeds iff neither hash nor url already exists.
//
// Return values:
//   - (true, nil): inserted
//   - (false, nil): url already exists (dedup hit — not an error)
//   - (false, *shorterr.Error{Kind: KindConflictHash}): hash already taken
//   - (false, *shorterr.Error{Kind: KindIntegrity}): any other integrity violation
//
// Open question carried from the spec: Postgres does report the
// violated constraint name (idx_url_url_unique vs the hash primary
// key) via pgconn.PgError.ConstraintName, so this implementation
// distinguishes the two without message sniffing — unlike the source
// system's original substring search. Backends that don't expose a
// constraint name would have to fall back to message inspection as a
// last resort; Postgres never requires that fallback here.
func (s *URLStore) Insert(ctx context.Context, hash, url string) (bool, error) {
	query := `INSERT INTO urls (hash, url, created_at) VALUES ($1, $2, NOW())`
	_, err := s.db.Exec(ctx, query, hash, url)
	if err == nil {
		return true, nil
	}

	constraint, isUnique := uniqueViolationConstraint(err)
	if !isUnique {
		return false, shorterr.Integrity("urlstore: insert failed", err)
	}

	switch constraint {
	case "idx_url_url_unique":
		return false, nil
	case "urls_pkey", "":
		// Empty constraint name means the driver didn't surface one
		// (last-resort path called out above); a hash-PK clash is the
		// only other unique index on this table, so treat it as such.
		return false, shorterr.ConflictHash("urlstore: hash already assigned")
	default:
		return false, shorterr.Integrity("urlstore: unexpected unique violation on "+constraint, err)
	}
}

// uniqueViolationConstraint reports the violated constraint's name if
// err represents a Postgres unique_violation, using pgconn.PgError
// where the driver exposes it and falling back to message inspection
// only when it does not (see the Open Question note on Insert).
func uniqueViolationConstraint(err error) (string, bool) {
	type pgError interface {
		SQLState() string
	}
	var pgErr pgError
	if errors.As(err, &pgErr) {
		if pgErr.SQLState() != pgUniqueViolation {
			return "", false
		}
		type constrained interface {
			ConstraintName() string
		}
		if c, ok := pgErr.(constrained); ok && c.ConstraintName() != "" {
			return c.ConstraintName(), true
		}
		return "", true
	}

	// Last-resort message sniffing for drivers/mocks that don't expose
	// a typed SQLSTATE.
	msg := err.Error()
	if !strings.Contains(msg, "duplicate key") && !strings.Contains(msg, "unique constraint") {
		return "", false
	}
	if strings.Contains(msg, "idx_url_url_unique") {
		return "idx_url_url_unique", true
	}
	return "", true
}

// FindByHash returns (url, true, nil) if hash is present.
func (s *URLStore) FindByHash(ctx context.Context, hash string) (string, bool, error) {
	var url string
	err := s.db.QueryRow(ctx, `SELECT url FROM urls WHERE hash = $1`, hash).Scan(&url)
	return scanOptional(url, err)
}

// FindByURL returns (hash, true, nil) if url is present.
func (s *URLStore) FindByURL(ctx context.Context, url string) (string, bool, error) {
	var hash string
	err := s.db.QueryRow(ctx, `SELECT hash FROM urls WHERE url = $1`, url).Scan(&hash)
	return scanOptional(hash, err)
}

func scanOptional(value string, err error) (string, bool, error) {
	if err == nil {
		return value, true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	return "", false, shorterr.Transient("urlstore: query", err)
}

// FindOldHashes returns up to limit hashes whose url row was created
// before cutoff, oldest first. Paired with DeleteByHashes rather than
// a single DELETE...RETURNING so the cleaner's saga can release hashes
// in C2 before deleting their C3 rows (see cleaner package).
func (s *URLStore) FindOldHashes(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	query := `
		SELECT hash FROM urls
		WHERE created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := s.db.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, shorterr.Transient("urlstore: find old hashes", err)
	}
	defer rows.Close()

	out := make([]string, 0, limit)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("urlstore: scan old hash: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, shorterr.Transient("urlstore: iterate old hashes", err)
	}
	return out, nil
}

// DeleteByHashes removes url rows for the given hashes.
//
// Deliberately not combined with FindOldHashes into a single
// DELETE ... RETURNING: the design notes flag that deprecated
// deleteOldUrlsAndReturnHashes operation as unsafe here, since it
// collapses the release-then-delete ordering the cleaner's saga needs
// to preserve invariant 1 under a mid-batch shutdown.
func (s *URLStore) DeleteByHashes(ctx context.Context, hashes []string) error {
	if len(hashes) == 0 {
		return nil
	}
	query := `DELETE FROM urls WHERE hash = ANY($1::text[])`
	if _, err := s.db.Exec(ctx, query, hashes); err != nil {
		return shorterr.Transient("urlstore: delete by hashes", err)
	}
	return nil
}
