// Package sqlite implements core.EnvelopeStore and core.ReviewStore on an
// embedded SQLite database (modernc.org/sqlite, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hupe1980/geocomply/core"
)

var (
	_ core.EnvelopeStore = (*Store)(nil)
	_ core.ReviewStore   = (*Store)(nil)
)

// nowUTC returns the current UTC time as an RFC 3339 string.
func nowUTC() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func nullStr(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// Store persists envelopes and reviews in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens or creates a SQLite DB at path and runs migrations. The parent
// directory is created if it does not exist. Use ":memory:" for a private
// in-process database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and serializes
	// writers, which SQLite requires anyway.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	var tableCount int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableCount)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableCount == 0 {
		return s.freshInstall()
	}

	var v int
	err = s.db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&v)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read schema version: %w", err)
	}
	if errors.Is(err, sql.ErrNoRows) {
		v = schemaVersionV1
		if _, err := s.db.Exec("INSERT INTO schema_version(version) VALUES(?)", v); err != nil {
			return fmt.Errorf("set schema version: %w", err)
		}
	}

	switch v {
	case currentSchemaVersion:
		return nil
	case schemaVersionV1:
		return s.migrateV1ToV2()
	default:
		return fmt.Errorf("unknown schema version %d", v)
	}
}

func (s *Store) freshInstall() error {
	if _, err := s.db.Exec(schemaV2); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := s.db.Exec("INSERT INTO schema_version(version) VALUES(?)", currentSchemaVersion); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateV1ToV2() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(migrationV1ToV2); err != nil {
		return fmt.Errorf("v1 to v2 migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// Create inserts a new envelope.
func (s *Store) Create(ctx context.Context, env *core.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO envelopes(feature_id, name, stage, decision, body, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		env.FeatureID, env.OriginalName, string(env.Stage), string(env.Decision), string(body),
		env.CreatedAt.Format(time.RFC3339Nano), nowUTC(),
	)
	if err != nil {
		return fmt.Errorf("insert envelope %s: %w", env.FeatureID, err)
	}
	return nil
}

// Get loads one envelope.
func (s *Store) Get(ctx context.Context, featureID string) (*core.Envelope, error) {
	var body string
	err := s.db.QueryRowContext(ctx, "SELECT body FROM envelopes WHERE feature_id = ?", featureID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", core.ErrNotFound, featureID)
	}
	if err != nil {
		return nil, fmt.Errorf("get envelope %s: %w", featureID, err)
	}
	return decodeEnvelope(body)
}

// Save overwrites an existing envelope.
func (s *Store) Save(ctx context.Context, env *core.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE envelopes SET stage = ?, decision = ?, body = ?, updated_at = ? WHERE feature_id = ?",
		string(env.Stage), string(env.Decision), string(body), nowUTC(), env.FeatureID,
	)
	if err != nil {
		return fmt.Errorf("save envelope %s: %w", env.FeatureID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save envelope %s: %w", env.FeatureID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", core.ErrNotFound, env.FeatureID)
	}
	return nil
}

// List returns all envelopes oldest first.
func (s *Store) List(ctx context.Context) ([]*core.Envelope, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT body FROM envelopes ORDER BY created_at, rowid")
	if err != nil {
		return nil, fmt.Errorf("list envelopes: %w", err)
	}
	defer rows.Close()

	var out []*core.Envelope
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan envelope: %w", err)
		}
		env, err := decodeEnvelope(body)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

// AddReview records a human decision.
func (s *Store) AddReview(ctx context.Context, rec core.ReviewRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reviews(id, feature_id, action, reason, reviewer, decision, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.FeatureID, string(rec.Action), rec.Reason,
		sql.NullString{String: rec.Reviewer, Valid: rec.Reviewer != ""},
		sql.NullString{String: string(rec.Decision), Valid: rec.Decision != ""},
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert review %s: %w", rec.ID, err)
	}
	return nil
}

// ListReviews returns the reviews of one feature oldest first.
func (s *Store) ListReviews(ctx context.Context, featureID string) ([]core.ReviewRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, feature_id, action, reason, reviewer, decision, created_at
		 FROM reviews WHERE feature_id = ? ORDER BY created_at, rowid`, featureID)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	var out []core.ReviewRecord
	for rows.Next() {
		var (
			rec                core.ReviewRecord
			action, createdAt  string
			reviewer, decision sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.FeatureID, &action, &rec.Reason, &reviewer, &decision, &createdAt); err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		rec.Action = core.HumanAction(action)
		rec.Reviewer = nullStr(reviewer)
		rec.Decision = core.Decision(nullStr(decision))
		if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parse review time: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func decodeEnvelope(body string) (*core.Envelope, error) {
	var env core.Envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}
