package actionlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore implements Store using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLStore struct {
	sqlQueries
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{sqlQueries: sqlQueries{q: db}, db: db}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS action_orders (
	id TEXT PRIMARY KEY,
	order_kind TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS actions (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	origin TEXT NOT NULL,
	state TEXT NOT NULL,
	ad_group_id BIGINT NOT NULL,
	source_id BIGINT NOT NULL,
	payload TEXT,
	message TEXT NOT NULL DEFAULT '',
	order_id TEXT NOT NULL DEFAULT '',
	created_by TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	sent_at TIMESTAMP
)`,
	`CREATE INDEX IF NOT EXISTS idx_actions_state_expires ON actions (state, expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_actions_order ON actions (order_id)`,
}

// Init creates the tables if they do not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("actionlog: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("actionlog: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // no-op after commit

	if err := fn(ctx, sqlQueries{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("actionlog: commit: %w", err)
	}
	return nil
}

// sqlQueries holds every statement so they run identically inside and
// outside a transaction.
type sqlQueries struct {
	q querier
}

const actionColumns = `id, kind, origin, state, ad_group_id, source_id, payload, message, order_id, created_by, created_at, updated_at, expires_at, sent_at`

func (s sqlQueries) Create(ctx context.Context, a *Action) error {
	query := `
		INSERT INTO actions (` + actionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := s.q.ExecContext(ctx, query,
		a.ID, a.Kind, a.Origin, a.State, a.Target.AdGroupID, a.Target.SourceID,
		nullJSON(a.Payload), a.Message, a.OrderID, a.CreatedBy,
		a.CreatedAt.UTC(), a.UpdatedAt.UTC(), a.ExpiresAt.UTC(), nullTime(a.SentAt),
	)
	if err != nil {
		return fmt.Errorf("actionlog: insert action %s: %w", a.ID, err)
	}
	return nil
}

func (s sqlQueries) Get(ctx context.Context, id string) (*Action, error) {
	query := `SELECT ` + actionColumns + ` FROM actions WHERE id = $1`
	a, err := scanAction(s.q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("actionlog: get action %s: %w", id, err)
	}
	return a, nil
}

func (s sqlQueries) SetPayload(ctx context.Context, id string, payload json.RawMessage, expiresAt, at time.Time) error {
	query := `UPDATE actions SET payload = $1, expires_at = $2, updated_at = $3 WHERE id = $4`
	res, err := s.q.ExecContext(ctx, query, nullJSON(payload), expiresAt.UTC(), at.UTC(), id)
	if err != nil {
		return fmt.Errorf("actionlog: set payload %s: %w", id, err)
	}
	return requireRow(res, id)
}

func (s sqlQueries) Transition(ctx context.Context, next *Action, from State) (bool, error) {
	query := `
		UPDATE actions
		SET state = $1, message = $2, expires_at = $3, sent_at = $4, updated_at = $5
		WHERE id = $6 AND state = $7
	`
	res, err := s.q.ExecContext(ctx, query,
		next.State, next.Message, next.ExpiresAt.UTC(), nullTime(next.SentAt), next.UpdatedAt.UTC(),
		next.ID, from,
	)
	if err != nil {
		return false, fmt.Errorf("actionlog: transition %s: %w", next.ID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("actionlog: transition %s: rows affected: %w", next.ID, err)
	}
	return rows == 1, nil
}

func (s sqlQueries) MarkSent(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE actions SET sent_at = $1 WHERE id = $2`
	res, err := s.q.ExecContext(ctx, query, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("actionlog: mark sent %s: %w", id, err)
	}
	return requireRow(res, id)
}

func (s sqlQueries) CreateOrder(ctx context.Context, o *Order) error {
	query := `INSERT INTO action_orders (id, order_kind, created_at, updated_at) VALUES ($1, $2, $3, $4)`
	if _, err := s.q.ExecContext(ctx, query, o.ID, o.Kind, o.CreatedAt.UTC(), o.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("actionlog: insert order %s: %w", o.ID, err)
	}
	return nil
}

func (s sqlQueries) GetOrder(ctx context.Context, id string) (*Order, error) {
	var o Order
	err := s.q.QueryRowContext(ctx,
		`SELECT id, order_kind, created_at, updated_at FROM action_orders WHERE id = $1`, id,
	).Scan(&o.ID, &o.Kind, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("actionlog: get order %s: %w", id, err)
	}

	rows, err := s.q.QueryContext(ctx, `SELECT state FROM actions WHERE order_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("actionlog: order %s children: %w", id, err)
	}
	defer func() { _ = rows.Close() }()

	var states []State
	for rows.Next() {
		var st State
		if err := rows.Scan(&st); err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	o.State = OrderState(states)
	return &o, nil
}

func (s sqlQueries) List(ctx context.Context, f Filter) ([]*Action, error) {
	where, args := f.sqlWhere()
	order := "ASC"
	if f.Newest {
		order = "DESC"
	}
	query := `SELECT ` + actionColumns + ` FROM actions` + where + ` ORDER BY created_at ` + order + `, id ` + order
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("actionlog: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	//nolint:prealloc // result count unknown from SQL query
	var result []*Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("actionlog: list: %w", err)
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s sqlQueries) Count(ctx context.Context, f Filter) (int, error) {
	where, args := f.sqlWhere()
	var n int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM actions`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("actionlog: count: %w", err)
	}
	return n, nil
}

// sqlWhere renders f as a WHERE clause with numbered placeholders.
func (f Filter) sqlWhere() (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, vals ...any) {
		marks := make([]any, len(vals))
		for i, v := range vals {
			args = append(args, v)
			marks[i] = fmt.Sprintf("$%d", len(args))
		}
		conds = append(conds, fmt.Sprintf(cond, marks...))
	}
	in := func(column string, vals []any) {
		marks := make([]string, len(vals))
		for i, v := range vals {
			args = append(args, v)
			marks[i] = fmt.Sprintf("$%d", len(args))
		}
		conds = append(conds, column+" IN ("+strings.Join(marks, ", ")+")")
	}

	if len(f.IDs) > 0 {
		in("id", toAny(f.IDs))
	}
	if len(f.States) > 0 {
		in("state", toAny(f.States))
	}
	if len(f.Kinds) > 0 {
		in("kind", toAny(f.Kinds))
	}
	if f.Origin != "" {
		add("origin = %s", f.Origin)
	}
	if f.OrderID != "" {
		add("order_id = %s", f.OrderID)
	}
	if f.Unsent {
		conds = append(conds, "sent_at IS NULL")
	}
	if !f.CreatedBefore.IsZero() {
		add("created_at < %s", f.CreatedBefore.UTC())
	}
	if !f.ExpiresBefore.IsZero() {
		add("expires_at < %s", f.ExpiresBefore.UTC())
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func toAny[T any](vals []T) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (*Action, error) {
	var a Action
	var payload sql.NullString
	var sentAt sql.NullTime
	err := row.Scan(
		&a.ID, &a.Kind, &a.Origin, &a.State, &a.Target.AdGroupID, &a.Target.SourceID,
		&payload, &a.Message, &a.OrderID, &a.CreatedBy,
		&a.CreatedAt, &a.UpdatedAt, &a.ExpiresAt, &sentAt,
	)
	if err != nil {
		return nil, err
	}
	if payload.Valid && payload.String != "" {
		a.Payload = json.RawMessage(payload.String)
	}
	if sentAt.Valid {
		t := sentAt.Time
		a.SentAt = &t
	}
	return &a, nil
}

func requireRow(res sql.Result, id string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("actionlog: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("actionlog: action %s: %w", id, ErrNotFound)
	}
	return nil
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
