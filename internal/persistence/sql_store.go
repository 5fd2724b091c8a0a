package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petrijr/caseflow/internal/sqlutil"
	"github.com/petrijr/caseflow/pkg/api"
)

// SQLStore implements InstanceStore and HistoryStore on database/sql.
// SQLite and PostgreSQL share the implementation; only placeholders and
// column types differ.
type SQLStore struct {
	db      *sql.DB
	dialect sqlutil.Dialect
}

// Ensure SQLStore implements the interfaces.
var _ InstanceStore = (*SQLStore)(nil)

var _ HistoryStore = (*SQLStore)(nil)

func newSQLStore(db *sql.DB, dialect sqlutil.Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init %s schema: %w", dialect, err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	blob := s.dialect.Blob()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflow_instances (
			id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			status TEXT NOT NULL,
			stage TEXT NOT NULL DEFAULT '',
			counters TEXT NOT NULL DEFAULT '{}',
			input ` + blob + `,
			output ` + blob + `,
			error TEXT NOT NULL DEFAULT '',
			error_kind TEXT NOT NULL DEFAULT '',
			history_len BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_instances_status ON workflow_instances(status)`,
		`CREATE TABLE IF NOT EXISTS history_events (
			instance_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			type TEXT NOT NULL,
			at BIGINT NOT NULL,
			data ` + blob + ` NOT NULL,
			PRIMARY KEY (instance_id, seq)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) q(query string) string { return s.dialect.Rebind(query) }

func (s *SQLStore) SaveInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	counters, err := json.Marshal(nonNilCounters(inst.Counters))
	if err != nil {
		return err
	}
	errStr, errKind := encodeErr(inst.Err)
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO workflow_instances (id, workflow_name, status, stage, counters, input, output, error, error_kind, history_len, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		inst.ID,
		inst.Name,
		string(inst.Status),
		inst.Stage,
		string(counters),
		[]byte(inst.Input),
		[]byte(inst.Output),
		errStr,
		errKind,
		inst.HistoryLen,
		inst.CreatedAt.UnixNano(),
		inst.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if _, getErr := s.GetInstance(ctx, inst.ID); getErr == nil {
			return ErrInstanceExists
		}
		return err
	}
	return nil
}

func (s *SQLStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	counters, err := json.Marshal(nonNilCounters(inst.Counters))
	if err != nil {
		return err
	}
	errStr, errKind := encodeErr(inst.Err)
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE workflow_instances
		SET status = ?, stage = ?, counters = ?, output = ?, error = ?, error_kind = ?, history_len = ?, updated_at = ?
		WHERE id = ? AND history_len <= ?`),
		string(inst.Status),
		inst.Stage,
		string(counters),
		[]byte(inst.Output),
		errStr,
		errKind,
		inst.HistoryLen,
		inst.UpdatedAt.UnixNano(),
		inst.ID,
		inst.HistoryLen,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either missing or a newer projection is already stored.
		if _, err := s.GetInstance(ctx, inst.ID); err != nil {
			return err
		}
	}
	return nil
}

const instanceColumns = `id, workflow_name, status, stage, counters, input, output, error, error_kind, history_len, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*api.WorkflowInstance, error) {
	var (
		inst             api.WorkflowInstance
		status, counters string
		input, output    []byte
		errStr, errKind  string
		created, updated int64
	)
	if err := row.Scan(&inst.ID, &inst.Name, &status, &inst.Stage, &counters, &input, &output, &errStr, &errKind, &inst.HistoryLen, &created, &updated); err != nil {
		return nil, err
	}
	inst.Status = api.Status(status)
	if counters != "" {
		if err := json.Unmarshal([]byte(counters), &inst.Counters); err != nil {
			return nil, fmt.Errorf("decode counters: %w", err)
		}
	}
	if len(input) > 0 {
		inst.Input = input
	}
	if len(output) > 0 {
		inst.Output = output
	}
	inst.Err = api.RestoreFailure(errKind, errStr)
	inst.CreatedAt = time.Unix(0, created)
	inst.UpdatedAt = time.Unix(0, updated)
	return &inst, nil
}

func (s *SQLStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = ?`), id)
	inst, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return inst, nil
}

func (s *SQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	var (
		conds []string
		args  []any
	)
	if filter.WorkflowName != "" {
		conds = append(conds, "workflow_name = ?")
		args = append(args, filter.WorkflowName)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.NonTerminal {
		conds = append(conds, "status NOT IN (?, ?)")
		args = append(args, string(api.StatusCompleted), string(api.StatusFailed))
	}
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *SQLStore) AppendEvents(ctx context.Context, instanceID string, expectedLen int64, events []api.HistoryEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	if err := tx.QueryRowContext(ctx, s.q(`SELECT COALESCE(MAX(seq), 0) FROM history_events WHERE instance_id = ?`), instanceID).Scan(&current); err != nil {
		return err
	}
	if current != expectedLen {
		return ErrHistoryConflict
	}

	stampEvents(instanceID, expectedLen, events)
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO history_events (instance_id, seq, type, at, data)
			VALUES (?, ?, ?, ?, ?)`),
			instanceID, ev.Seq, string(ev.Type), ev.At.UnixNano(), data,
		); err != nil {
			// A concurrent writer may have claimed the same seq.
			_ = tx.Rollback()
			return s.conflictOr(ctx, instanceID, expectedLen, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return s.conflictOr(ctx, instanceID, expectedLen, err)
	}
	return nil
}

func (s *SQLStore) conflictOr(ctx context.Context, instanceID string, expectedLen int64, err error) error {
	var current int64
	if qerr := s.db.QueryRowContext(ctx, s.q(`SELECT COALESCE(MAX(seq), 0) FROM history_events WHERE instance_id = ?`), instanceID).Scan(&current); qerr == nil && current != expectedLen {
		return ErrHistoryConflict
	}
	return err
}

func (s *SQLStore) LoadHistory(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT data FROM history_events
		WHERE instance_id = ?
		ORDER BY seq ASC`), instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.HistoryEvent
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var ev api.HistoryEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode history event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func encodeErr(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	return err.Error(), api.FailureKind(err)
}

func nonNilCounters(c map[string]int) map[string]int {
	if c == nil {
		return map[string]int{}
	}
	return c
}
