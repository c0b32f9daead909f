// Package postgres provides the PostgreSQL implementation of the canonical store.
package postgres

// Schema contains the SQL statements to create the canonical schema.
// All statements are idempotent.
const Schema = `
-- Turns table: canonical turn records. The fingerprint primary key is the
-- at-most-once boundary for the whole pipeline.
CREATE TABLE IF NOT EXISTS turns (
    fingerprint TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    sequence_number BIGINT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    redaction_tags JSONB,
    embedding_ref TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, sequence_number);

-- Fan-out status table: one row per (fingerprint, adapter) pair. State
-- transitions are applied with compare-and-set UPDATEs.
CREATE TABLE IF NOT EXISTS fanout_status (
    fingerprint TEXT NOT NULL REFERENCES turns(fingerprint),
    adapter_name TEXT NOT NULL,
    state TEXT NOT NULL DEFAULT 'pending',
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
    PRIMARY KEY (fingerprint, adapter_name)
);

CREATE INDEX IF NOT EXISTS idx_fanout_state ON fanout_status(state);
`

// MigrationPgvector adds the embedding column. Applied only when the pgvector
// extension is available on the server.
const MigrationPgvector = `
ALTER TABLE turns ADD COLUMN IF NOT EXISTS embedding vector(768);
`
