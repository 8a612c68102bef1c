package sqlite

const (
	schemaVersionV1 = 1
	schemaVersionV2 = 2
)

// currentSchemaVersion is the target schema version for this build.
const currentSchemaVersion = schemaVersionV2

// schemaV2 is the full schema for a fresh database. Envelopes are stored as
// JSON documents; stage and timestamps are lifted into columns for listing.
const schemaV2 = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS envelopes (
	feature_id  TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	stage       TEXT NOT NULL,
	decision    TEXT,
	body        TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_envelopes_stage ON envelopes(stage);

CREATE TABLE IF NOT EXISTS reviews (
	id          TEXT PRIMARY KEY,
	feature_id  TEXT NOT NULL REFERENCES envelopes(feature_id),
	action      TEXT NOT NULL,
	reason      TEXT NOT NULL,
	reviewer    TEXT,
	decision    TEXT,
	created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reviews_feature ON reviews(feature_id);
`

// migrationV1ToV2 adds the decision column and the review audit table that
// v1 databases lack.
const migrationV1ToV2 = `
ALTER TABLE envelopes ADD COLUMN decision TEXT;

CREATE TABLE IF NOT EXISTS reviews (
	id          TEXT PRIMARY KEY,
	feature_id  TEXT NOT NULL REFERENCES envelopes(feature_id),
	action      TEXT NOT NULL,
	reason      TEXT NOT NULL,
	reviewer    TEXT,
	decision    TEXT,
	created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reviews_feature ON reviews(feature_id);

UPDATE schema_version SET version = 2;
`
