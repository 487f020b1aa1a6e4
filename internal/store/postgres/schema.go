package postgres

// Schema is the DDL a deployment applies before pointing the service at a
// PostgreSQL store. It is not executed automatically; the core treats
// migrations as an operator concern.
const Schema = `
CREATE TABLE IF NOT EXISTS calls (
	call_id          TEXT PRIMARY KEY,
	state            TEXT NOT NULL,
	received_count   INTEGER NOT NULL DEFAULT 0,
	expected_total   INTEGER,
	expected_next    BIGINT NOT NULL DEFAULT 0,
	missing          BIGINT[] NOT NULL DEFAULT '{}',
	missing_overflow BOOLEAN NOT NULL DEFAULT FALSE,
	transcription    TEXT,
	sentiment        TEXT,
	failure_reason   TEXT,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS packets (
	call_id      TEXT NOT NULL REFERENCES calls(call_id),
	sequence     BIGINT NOT NULL,
	data         TEXT NOT NULL,
	timestamp    DOUBLE PRECISION NOT NULL,
	received_at  TIMESTAMPTZ NOT NULL,
	UNIQUE(call_id, sequence)
);

CREATE INDEX IF NOT EXISTS packets_call_id_sequence_idx ON packets(call_id, sequence);
`
