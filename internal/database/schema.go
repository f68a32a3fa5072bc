package database

import "context"

// schemaSQL is idempotent: every statement is CREATE ... IF NOT EXISTS, so it
// can run on every startup without a migration tracker.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS users (
	id              SERIAL PRIMARY KEY,
	email           VARCHAR(255) NOT NULL UNIQUE,
	hashed_password VARCHAR(255) NOT NULL,
	is_active       BOOLEAN NOT NULL DEFAULT true,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS profiles (
	id          SERIAL PRIMARY KEY,
	user_id     INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	name        VARCHAR(255) NOT NULL,
	description TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_profiles_user ON profiles(user_id);

CREATE TABLE IF NOT EXISTS transcripts (
	id               UUID PRIMARY KEY,
	owner_id         INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	job_id           VARCHAR(64) NOT NULL UNIQUE,
	title            TEXT NOT NULL DEFAULT '',
	language         VARCHAR(16) NOT NULL DEFAULT '',
	status           VARCHAR(16) NOT NULL DEFAULT 'queued',
	quality_profile  VARCHAR(16) NOT NULL DEFAULT 'balanced',
	audio_key        TEXT NOT NULL,
	transcript_key   TEXT NOT NULL DEFAULT '',
	duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
	segments         JSONB NOT NULL DEFAULT '[]',
	tags             TEXT[] NOT NULL DEFAULT '{}',
	error_message    TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_transcripts_owner_created ON transcripts(owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_transcripts_status ON transcripts(status);

CREATE TABLE IF NOT EXISTS usage_meters (
	id                    SERIAL PRIMARY KEY,
	user_id               INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	profile_id            INTEGER REFERENCES profiles(id) ON DELETE SET NULL,
	month                 CHAR(7) NOT NULL,
	transcription_seconds NUMERIC(12,2) NOT NULL DEFAULT 0,
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (user_id, month)
);
CREATE INDEX IF NOT EXISTS idx_usage_meters_month ON usage_meters(month);
`

// InitSchema applies the schema. Safe to call on every startup.
func (db *DB) InitSchema(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, schemaSQL); err != nil {
		return err
	}
	db.log.Debug().Msg("schema applied")
	return nil
}
