package enforcement

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
//
// The one-active-per-tuple invariant cannot be expressed as a partial unique
// index because the "active" predicate compares expires_at to now(), which is
// not immutable. Create instead takes a transaction-scoped advisory lock on
// the tuple, turning check-then-insert into an atomic idempotent upsert.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed enforcement store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectColumns = `
	SELECT id, merchant_id, scope, scope_id, action, reason, created_at, expires_at
	FROM enforcement_actions`

func (s *PostgresStore) Create(ctx context.Context, e *Enforcement) (*Enforcement, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Serialize concurrent creates for the same tuple.
	key := e.MerchantID + "|" + string(e.Action) + "|" + string(e.Scope) + "|" + e.ScopeID
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return nil, false, fmt.Errorf("acquire tuple lock: %w", err)
	}

	row := tx.QueryRowContext(ctx, selectColumns+`
		WHERE merchant_id = $1 AND action = $2 AND scope = $3 AND scope_id = $4
		  AND expires_at > $5
		ORDER BY created_at DESC
		LIMIT 1
	`, e.MerchantID, string(e.Action), string(e.Scope), e.ScopeID, e.CreatedAt)

	existing, err := scanEnforcement(row)
	if err == nil {
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("commit: %w", err)
		}
		return existing, false, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("check active enforcement: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO enforcement_actions (id, merchant_id, scope, scope_id, action, reason, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.MerchantID, string(e.Scope), e.ScopeID, string(e.Action), e.Reason, e.CreatedAt, e.ExpiresAt)
	if err != nil {
		return nil, false, fmt.Errorf("insert enforcement: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}

	cp := *e
	return &cp, true, nil
}

func (s *PostgresStore) FindActive(ctx context.Context, merchantID string, action ActionType, scope Scope, scopeID string, now time.Time) (*Enforcement, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+`
		WHERE merchant_id = $1 AND action = $2 AND scope = $3 AND scope_id = $4
		  AND expires_at > $5
		ORDER BY created_at DESC
		LIMIT 1
	`, merchantID, string(action), string(scope), scopeID, now)

	e, err := scanEnforcement(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find active enforcement: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) ListActive(ctx context.Context, merchantID string, now time.Time) ([]*Enforcement, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE merchant_id = $1 AND expires_at > $2
		ORDER BY created_at DESC
	`, merchantID, now)
	if err != nil {
		return nil, fmt.Errorf("list active enforcements: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEnforcements(rows)
}

func (s *PostgresStore) ListAll(ctx context.Context, merchantID string, limit int) ([]*Enforcement, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE merchant_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, merchantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list enforcements: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEnforcements(rows)
}

// --- scanning helpers ---

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanEnforcement(row scannable) (*Enforcement, error) {
	var e Enforcement
	var scope, action string
	err := row.Scan(&e.ID, &e.MerchantID, &scope, &e.ScopeID, &action, &e.Reason, &e.CreatedAt, &e.ExpiresAt)
	if err != nil {
		return nil, err
	}
	e.Scope = Scope(scope)
	e.Action = ActionType(action)
	return &e, nil
}

func scanEnforcements(rows *sql.Rows) ([]*Enforcement, error) {
	var result []*Enforcement
	for rows.Next() {
		e, err := scanEnforcement(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}
