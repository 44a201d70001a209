package main

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// memDB emulates the two tables the service touches, dispatching on the SQL
// the store layer issues. It stands in for a pgxpool.Pool in handler tests.
type memDB struct {
	mu             sync.Mutex
	rows           []*prefRow
	audits         []auditRow
	nextID         int64
	beginErr       error
	insertConflict bool
	commits        int
}

type prefRow struct {
	id        int64
	userID    uuid.UUID
	language  string
	deleted   bool
	createdBy uuid.UUID
	createdOn time.Time
	editedBy  uuid.UUID
	editedOn  time.Time
}

type auditRow struct {
	action   string
	target   uuid.UUID
	actor    string
	language string
	at       time.Time
}

func newMemDB() *memDB {
	return &memDB{}
}

func (m *memDB) activeRow(userID uuid.UUID) *prefRow {
	for _, row := range m.rows {
		if row.userID == userID && !row.deleted {
			return row
		}
	}
	return nil
}

func (m *memDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case strings.Contains(sql, "INSERT INTO preferences"):
		userID := args[0].(uuid.UUID)
		if m.insertConflict || m.activeRow(userID) != nil {
			return fakeRow{err: &pgconn.PgError{Code: "23505"}}
		}
		m.nextID++
		m.rows = append(m.rows, &prefRow{
			id:        m.nextID,
			userID:    userID,
			language:  args[1].(string),
			deleted:   args[2].(bool),
			createdBy: args[3].(uuid.UUID),
			createdOn: args[4].(time.Time),
			editedBy:  args[5].(uuid.UUID),
			editedOn:  args[6].(time.Time),
		})
		return fakeRow{values: []any{m.nextID}}
	case strings.Contains(sql, "FROM preferences"):
		userID := args[0].(uuid.UUID)
		var found *prefRow
		if strings.Contains(sql, "NOT deleted") {
			found = m.activeRow(userID)
		} else {
			for _, row := range m.rows {
				if row.userID == userID && (found == nil || row.id > found.id) {
					found = row
				}
			}
		}
		if found == nil {
			return fakeRow{err: pgx.ErrNoRows}
		}
		return fakeRow{values: []any{
			found.id, found.userID, found.language, found.deleted,
			found.createdBy, found.createdOn, found.editedBy, found.editedOn,
		}}
	default:
		return fakeRow{err: errors.New("unexpected query: " + sql)}
	}
}

func (m *memDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case strings.Contains(sql, "UPDATE preferences"):
		id := args[0].(int64)
		for _, row := range m.rows {
			if row.id == id {
				row.language = args[1].(string)
				row.deleted = args[2].(bool)
				row.editedBy = args[3].(uuid.UUID)
				row.editedOn = args[4].(time.Time)
				return pgconn.NewCommandTag("UPDATE 1"), nil
			}
		}
		return pgconn.NewCommandTag("UPDATE 0"), nil
	case strings.Contains(sql, "INSERT INTO preference_audit"):
		m.audits = append(m.audits, auditRow{
			action:   args[0].(string),
			target:   args[1].(uuid.UUID),
			actor:    args[2].(string),
			language: args[3].(string),
			at:       args[4].(time.Time),
		})
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	default:
		return pgconn.CommandTag{}, errors.New("unexpected exec: " + sql)
	}
}

func (m *memDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !strings.Contains(sql, "FROM preference_audit") {
		return nil, errors.New("unexpected query: " + sql)
	}
	target := args[0].(uuid.UUID)
	var out [][]any
	for _, a := range m.audits {
		if a.target == target {
			out = append(out, []any{a.action, a.target, a.actor, a.language, a.at})
		}
	}
	return &fakeRows{rows: out}, nil
}

func (m *memDB) Begin(_ context.Context) (pgx.Tx, error) {
	if m.beginErr != nil {
		return nil, m.beginErr
	}
	return &memTx{db: m}, nil
}

// memTx applies writes directly; commit semantics are covered at the
// preference package level.
type memTx struct {
	db *memDB
}

func (t *memTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *memTx) Commit(ctx context.Context) error {
	t.db.mu.Lock()
	t.db.commits++
	t.db.mu.Unlock()
	return nil
}
func (t *memTx) Rollback(ctx context.Context) error { return nil }
func (t *memTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (t *memTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *memTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *memTx) Prepare(ctx context.Context, name string, sql string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (t *memTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.db.Exec(ctx, sql, args...)
}
func (t *memTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.db.Query(ctx, sql, args...)
}
func (t *memTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.db.QueryRow(ctx, sql, args...)
}
func (t *memTx) Conn() *pgx.Conn { return nil }

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return errors.New("scan arity mismatch")
	}
	for i := range dest {
		if err := assignScan(dest[i], r.values[i]); err != nil {
			return err
		}
	}
	return nil
}

type fakeRows struct {
	rows [][]any
	idx  int
}

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	return fakeRow{values: r.rows[r.idx-1]}.Scan(dest...)
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func assignScan(dest, src any) error {
	switch d := dest.(type) {
	case *int64:
		v, ok := src.(int64)
		if !ok {
			return errors.New("expected int64")
		}
		*d = v
	case *string:
		v, ok := src.(string)
		if !ok {
			return errors.New("expected string")
		}
		*d = v
	case *bool:
		v, ok := src.(bool)
		if !ok {
			return errors.New("expected bool")
		}
		*d = v
	case *uuid.UUID:
		v, ok := src.(uuid.UUID)
		if !ok {
			return errors.New("expected uuid")
		}
		*d = v
	case *time.Time:
		v, ok := src.(time.Time)
		if !ok {
			return errors.New("expected time")
		}
		*d = v
	default:
		return errors.New("unsupported scan type")
	}
	return nil
}
