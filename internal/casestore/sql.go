package casestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/caseflow/internal/sqlutil"
	"github.com/petrijr/caseflow/pkg/api"
)

// SQLStore keeps cases in two tables: cases and case_fields. Provenance is
// enforced by the upsert itself, so concurrent writers from different
// stages cannot both win a field.
type SQLStore struct {
	db      *sql.DB
	dialect sqlutil.Dialect
	now     func() time.Time
}

var _ api.CaseStore = (*SQLStore)(nil)

// NewSQLiteStore creates the case tables in a SQLite database
// (modernc.org/sqlite driver).
func NewSQLiteStore(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(db, sqlutil.SQLite)
}

// NewPostgresStore creates the case tables in a PostgreSQL database
// (pgx stdlib driver).
func NewPostgresStore(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(db, sqlutil.Postgres)
}

func newSQLStore(db *sql.DB, dialect sqlutil.Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect, now: time.Now}
	blob := dialect.Blob()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cases (
			case_id TEXT PRIMARY KEY,
			subject_id BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS case_fields (
			case_id TEXT NOT NULL,
			field TEXT NOT NULL,
			value ` + blob + ` NOT NULL,
			stage TEXT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (case_id, field)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("init %s case schema: %w", dialect, err)
		}
	}
	return s, nil
}

func (s *SQLStore) q(query string) string { return s.dialect.Rebind(query) }

func (s *SQLStore) CreateCase(ctx context.Context, caseID string, subjectID int, stage string, initial map[string]any) error {
	if err := validateCaseID(caseID); err != nil {
		return err
	}
	fields, err := encodeFields(initial)
	if err != nil {
		return err
	}
	now := s.now().UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO cases (case_id, subject_id, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (case_id) DO NOTHING`),
		caseID, subjectID, now, now)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return api.ErrCaseExists
	}
	for _, name := range sortedNames(fields) {
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO case_fields (case_id, field, value, stage, updated_at)
			VALUES (?, ?, ?, ?, ?)`),
			caseID, name, []byte(fields[name]), stage, now)
		if err != nil {
			return fmt.Errorf("insert field %q: %w", name, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) UpdateCase(ctx context.Context, caseID string, stage string, partial map[string]any) error {
	fields, err := encodeFields(partial)
	if err != nil {
		return err
	}
	now := s.now().UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.q(`UPDATE cases SET updated_at = ? WHERE case_id = ?`), now, caseID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return api.ErrCaseNotFound
	}

	for _, name := range sortedNames(fields) {
		res, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO case_fields (case_id, field, value, stage, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (case_id, field) DO UPDATE
			SET value = excluded.value, updated_at = excluded.updated_at
			WHERE case_fields.stage = excluded.stage`),
			caseID, name, []byte(fields[name]), stage, now)
		if err != nil {
			return fmt.Errorf("upsert field %q: %w", name, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var owner string
			err := tx.QueryRowContext(ctx, s.q(`SELECT stage FROM case_fields WHERE case_id = ? AND field = ?`), caseID, name).Scan(&owner)
			if err != nil {
				return fmt.Errorf("read owner of field %q: %w", name, err)
			}
			return &api.CaseConflictError{CaseID: caseID, Field: name, Owner: owner, Writer: stage}
		}
	}
	return tx.Commit()
}

func (s *SQLStore) GetCase(ctx context.Context, caseID string) (*api.Case, error) {
	var (
		c                api.Case
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT case_id, subject_id, created_at, updated_at FROM cases WHERE case_id = ?`), caseID).
		Scan(&c.ID, &c.SubjectID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrCaseNotFound
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt = time.Unix(0, created).UTC()
	c.UpdatedAt = time.Unix(0, updated).UTC()

	rows, err := s.db.QueryContext(ctx, s.q(`SELECT field, value, stage, updated_at FROM case_fields WHERE case_id = ?`), caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	c.Fields = make(map[string]api.CaseField)
	for rows.Next() {
		var (
			name, stage string
			value       []byte
			at          int64
		)
		if err := rows.Scan(&name, &value, &stage, &at); err != nil {
			return nil, err
		}
		c.Fields[name] = api.CaseField{Value: value, Stage: stage, UpdatedAt: time.Unix(0, at).UTC()}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLStore) GetCaseSummary(ctx context.Context, caseID string) (*api.CaseSummary, error) {
	c, err := s.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return c.Summary(), nil
}
