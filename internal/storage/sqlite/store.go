// Package sqlite provides a SQLite implementation of the canonical store.
// It backs local single-node deployments and is the fixture every unit test
// runs against (":memory:").
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // CGo-free SQLite driver

	"github.com/kestrelmem/kestrel/internal/storage"
	"github.com/kestrelmem/kestrel/pkg/types"
)

// Schema contains the SQL statements to create the canonical schema.
// All statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS turns (
	fingerprint TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	sequence_number INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	redaction_tags TEXT,
	embedding_ref TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, sequence_number);

CREATE TABLE IF NOT EXISTS fanout_status (
	fingerprint TEXT NOT NULL,
	adapter_name TEXT NOT NULL,
	state TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (fingerprint, adapter_name)
);

CREATE INDEX IF NOT EXISTS idx_fanout_state ON fanout_status(state);

CREATE TABLE IF NOT EXISTS turn_embeddings (
	fingerprint TEXT PRIMARY KEY,
	embedding TEXT NOT NULL,
	dimension INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL
);
`

// Store implements storage.CanonicalStore using SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) a SQLite canonical store at the given path.
// Use ":memory:" for an ephemeral store.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// Serialize writers. SQLite allows one writer at a time; funnelling all
	// access through a single connection avoids SQLITE_BUSY under the
	// orchestrator's concurrent commits.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// GetDB returns the underlying database connection.
func (s *Store) GetDB() *sql.DB {
	return s.db
}

// Insert writes a new canonical record plus pending fan-out rows. A duplicate
// fingerprint is a no-op reporting inserted=false.
func (s *Store) Insert(ctx context.Context, record *types.CanonicalRecord) (bool, error) {
	if record == nil || record.Fingerprint == "" {
		return false, fmt.Errorf("%w: record fingerprint is required", storage.ErrInvalidInput)
	}

	tags, err := json.Marshal(record.RedactionTags)
	if err != nil {
		return false, fmt.Errorf("sqlite: failed to encode redaction tags: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO turns (fingerprint, session_id, user_id, sequence_number, role, content, redaction_tags, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO NOTHING
	`, record.Fingerprint, record.SessionID, record.UserID, record.SequenceNumber,
		string(record.Role), record.Content, string(tags), record.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("sqlite: failed to insert turn: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: failed to get rows affected: %w", err)
	}
	if n == 0 {
		// Fingerprint already committed; nothing to do.
		return false, nil
	}

	now := time.Now().UTC()
	for adapter, state := range record.FanoutStatus {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO fanout_status (fingerprint, adapter_name, state, attempts, updated_at)
			VALUES (?, ?, ?, 0, ?)
			ON CONFLICT(fingerprint, adapter_name) DO NOTHING
		`, record.Fingerprint, adapter, string(state), now); err != nil {
			return false, fmt.Errorf("sqlite: failed to insert fanout row for %s: %w", adapter, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("sqlite: failed to commit insert: %w", err)
	}
	return true, nil
}

// Get returns the record for a fingerprint with its fan-out maps assembled.
func (s *Store) Get(ctx context.Context, fingerprint string) (*types.CanonicalRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT fingerprint, session_id, user_id, sequence_number, role, content, redaction_tags, embedding_ref, created_at
		FROM turns WHERE fingerprint = ?
	`, fingerprint)

	rec, err := scanTurn(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get turn: %w", err)
	}

	if err := s.loadFanout(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// SessionHighWater returns the highest committed sequence number for a session.
func (s *Store) SessionHighWater(ctx context.Context, sessionID string) (int64, bool, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence_number) FROM turns WHERE session_id = ?`, sessionID,
	).Scan(&seq)
	if err != nil {
		return 0, false, fmt.Errorf("sqlite: failed to query high-water mark: %w", err)
	}
	if !seq.Valid {
		return 0, false, nil
	}
	return seq.Int64, true, nil
}

// UpdateFanoutState applies a CAS transition on one fan-out entry. The WHERE
// clause encodes the state machine, so a lost race (concurrent success) shows
// up as applied=false instead of a lost update.
func (s *Store) UpdateFanoutState(ctx context.Context, fingerprint, adapter string, next types.FanoutState, lastErr string) (bool, error) {
	var query string
	switch next {
	case types.FanoutSucceeded:
		query = `UPDATE fanout_status
			SET state = ?, attempts = attempts + 1, last_error = NULL, updated_at = ?
			WHERE fingerprint = ? AND adapter_name = ? AND state IN ('pending', 'failed')`
	case types.FanoutFailed:
		query = `UPDATE fanout_status
			SET state = ?, attempts = attempts + 1, last_error = ?, updated_at = ?
			WHERE fingerprint = ? AND adapter_name = ? AND state IN ('pending', 'failed')`
	case types.FanoutRetriesExhausted:
		query = `UPDATE fanout_status
			SET state = ?, updated_at = ?
			WHERE fingerprint = ? AND adapter_name = ? AND state = 'failed'`
	default:
		return false, fmt.Errorf("%w: cannot transition to %s", storage.ErrInvalidInput, next)
	}

	now := time.Now().UTC()
	var res sql.Result
	var err error
	if next == types.FanoutFailed {
		res, err = s.db.ExecContext(ctx, query, string(next), lastErr, now, fingerprint, adapter)
	} else {
		res, err = s.db.ExecContext(ctx, query, string(next), now, fingerprint, adapter)
	}
	if err != nil {
		return false, fmt.Errorf("sqlite: failed to update fanout state: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// ListRetryable returns records with at least one fan-out entry that is
// failed below the attempt budget or pending with no status write since
// pendingBefore, oldest first.
func (s *Store) ListRetryable(ctx context.Context, maxAttempts int, pendingBefore time.Time, limit int) ([]*types.CanonicalRecord, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT t.fingerprint
		FROM turns t
		JOIN fanout_status f ON f.fingerprint = t.fingerprint
		WHERE (f.state = 'failed' AND f.attempts < ?)
		   OR (f.state = 'pending' AND f.updated_at < ?)
		ORDER BY t.created_at ASC
		LIMIT ?
	`, maxAttempts, pendingBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list retryable records: %w", err)
	}
	defer rows.Close()

	var fingerprints []string
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan fingerprint: %w", err)
		}
		fingerprints = append(fingerprints, fp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: row iteration failed: %w", err)
	}

	records := make([]*types.CanonicalRecord, 0, len(fingerprints))
	for _, fp := range fingerprints {
		rec, err := s.Get(ctx, fp)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// SetEmbedding stores the embedding vector as JSON and records the reference
// on the turn row.
func (s *Store) SetEmbedding(ctx context.Context, fingerprint, ref string, embedding []float32) error {
	data, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("sqlite: failed to encode embedding: %w", err)
	}

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO turn_embeddings (fingerprint, embedding, dimension, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			embedding = excluded.embedding,
			dimension = excluded.dimension
	`, fingerprint, string(data), len(embedding), now); err != nil {
		return fmt.Errorf("sqlite: failed to store embedding: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE turns SET embedding_ref = ? WHERE fingerprint = ?`, ref, fingerprint)
	if err != nil {
		return fmt.Errorf("sqlite: failed to set embedding ref: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: failed to get rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanTurn.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTurn(row scanner) (*types.CanonicalRecord, error) {
	var rec types.CanonicalRecord
	var role, tagsJSON string
	var embeddingRef sql.NullString

	err := row.Scan(&rec.Fingerprint, &rec.SessionID, &rec.UserID, &rec.SequenceNumber,
		&role, &rec.Content, &tagsJSON, &embeddingRef, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}

	rec.Role = types.Role(role)
	if tagsJSON != "" && tagsJSON != "null" {
		if err := json.Unmarshal([]byte(tagsJSON), &rec.RedactionTags); err != nil {
			return nil, fmt.Errorf("failed to decode redaction tags: %w", err)
		}
	}
	if embeddingRef.Valid {
		rec.EmbeddingRef = &embeddingRef.String
	}
	return &rec, nil
}

func (s *Store) loadFanout(ctx context.Context, rec *types.CanonicalRecord) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT adapter_name, state, attempts, updated_at FROM fanout_status WHERE fingerprint = ?
	`, rec.Fingerprint)
	if err != nil {
		return fmt.Errorf("sqlite: failed to load fanout status: %w", err)
	}
	defer rows.Close()

	rec.FanoutStatus = make(map[string]types.FanoutState)
	rec.FanoutAttempts = make(map[string]int)
	rec.FanoutUpdatedAt = make(map[string]time.Time)
	for rows.Next() {
		var adapter, state string
		var attempts int
		var updatedAt time.Time
		if err := rows.Scan(&adapter, &state, &attempts, &updatedAt); err != nil {
			return fmt.Errorf("sqlite: failed to scan fanout row: %w", err)
		}
		rec.FanoutStatus[adapter] = types.FanoutState(state)
		rec.FanoutAttempts[adapter] = attempts
		rec.FanoutUpdatedAt[adapter] = updatedAt
	}
	return rows.Err()
}
