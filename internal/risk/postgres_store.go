package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/storelink/riskd/internal/pagination"
)

// Compile-time checks that the Postgres stores implement their interfaces.
var (
	_ SignalStore  = (*PostgresSignalStore)(nil)
	_ ProfileStore = (*PostgresProfileStore)(nil)
)

// PostgresSignalStore implements SignalStore backed by PostgreSQL. Signals
// are append-only; there is no update or delete path.
type PostgresSignalStore struct {
	db *sql.DB
}

func NewPostgresSignalStore(db *sql.DB) *PostgresSignalStore {
	return &PostgresSignalStore{db: db}
}

const signalColumns = `
	SELECT id, merchant_id, scope, scope_id, key, severity, score_delta, metadata, created_at
	FROM risk_signals`

func (s *PostgresSignalStore) Append(ctx context.Context, sig *Signal) error {
	var metadata []byte
	if sig.Metadata != nil {
		b, err := json.Marshal(sig.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metadata = b
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_signals (id, merchant_id, scope, scope_id, key, severity, score_delta, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, sig.ID, sig.MerchantID, string(sig.Scope), sig.ScopeID, sig.Key, string(sig.Severity), sig.ScoreDelta, metadata, sig.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

func (s *PostgresSignalStore) ListByMerchant(ctx context.Context, merchantID string, cursor *pagination.Cursor, limit int) ([]*Signal, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if cursor != nil {
		rows, err = s.db.QueryContext(ctx, signalColumns+`
			WHERE merchant_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4
		`, merchantID, cursor.CreatedAt, cursor.ID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, signalColumns+`
			WHERE merchant_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`, merchantID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sig)
	}
	return result, rows.Err()
}

func (s *PostgresSignalStore) CountByKeySince(ctx context.Context, merchantID, key string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM risk_signals
		WHERE merchant_id = $1 AND key = $2 AND created_at >= $3
	`, merchantID, key, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count signals: %w", err)
	}
	return count, nil
}

func scanSignal(row scannable) (*Signal, error) {
	var sig Signal
	var scope, severity string
	var metadata []byte
	err := row.Scan(&sig.ID, &sig.MerchantID, &scope, &sig.ScopeID, &sig.Key, &severity, &sig.ScoreDelta, &metadata, &sig.CreatedAt)
	if err != nil {
		return nil, err
	}
	sig.Scope = Scope(scope)
	sig.Severity = Severity(severity)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &sig.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &sig, nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

// PostgresProfileStore implements ProfileStore backed by PostgreSQL.
//
// IncrementScore relies on INSERT ... ON CONFLICT DO UPDATE with a relative
// increment, so concurrent writers never lose updates. SetStatus is a
// conditional UPDATE whose affected-row count tells the caller whether it won
// the transition.
type PostgresProfileStore struct {
	db *sql.DB
}

func NewPostgresProfileStore(db *sql.DB) *PostgresProfileStore {
	return &PostgresProfileStore{db: db}
}

func (s *PostgresProfileStore) IncrementScore(ctx context.Context, merchantID string, delta int) (*Profile, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO risk_profiles (merchant_id, score, status, last_evaluated_at, created_at, updated_at)
		VALUES ($1, $2, 'NORMAL', now(), now(), now())
		ON CONFLICT (merchant_id) DO UPDATE
		SET score = risk_profiles.score + EXCLUDED.score,
		    last_evaluated_at = now(),
		    updated_at = now()
		RETURNING merchant_id, score, status, last_evaluated_at, created_at, updated_at
	`, merchantID, delta)

	p, err := scanProfile(row)
	if err != nil {
		return nil, fmt.Errorf("increment score: %w", err)
	}
	return p, nil
}

func (s *PostgresProfileStore) IncrementCustomerScore(ctx context.Context, merchantID, customerID string, delta int) (*CustomerProfile, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO customer_risk_profiles (merchant_id, customer_id, score, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (merchant_id, customer_id) DO UPDATE
		SET score = customer_risk_profiles.score + EXCLUDED.score,
		    updated_at = now()
		RETURNING merchant_id, customer_id, score, created_at, updated_at
	`, merchantID, customerID, delta)

	var p CustomerProfile
	err := row.Scan(&p.MerchantID, &p.CustomerID, &p.Score, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("increment customer score: %w", err)
	}
	return &p, nil
}

func (s *PostgresProfileStore) SetStatus(ctx context.Context, merchantID string, expected, next Status) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE risk_profiles
		SET status = $1, updated_at = now()
		WHERE merchant_id = $2 AND status = $3
	`, string(next), merchantID, string(expected))
	if err != nil {
		return false, fmt.Errorf("set status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 1, nil
}

func (s *PostgresProfileStore) GetProfile(ctx context.Context, merchantID string) (*Profile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT merchant_id, score, status, last_evaluated_at, created_at, updated_at
		FROM risk_profiles
		WHERE merchant_id = $1
	`, merchantID)

	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

func (s *PostgresProfileStore) GetCustomerProfile(ctx context.Context, merchantID, customerID string) (*CustomerProfile, error) {
	var p CustomerProfile
	err := s.db.QueryRowContext(ctx, `
		SELECT merchant_id, customer_id, score, created_at, updated_at
		FROM customer_risk_profiles
		WHERE merchant_id = $1 AND customer_id = $2
	`, merchantID, customerID).Scan(&p.MerchantID, &p.CustomerID, &p.Score, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get customer profile: %w", err)
	}
	return &p, nil
}

func scanProfile(row scannable) (*Profile, error) {
	var p Profile
	var status string
	err := row.Scan(&p.MerchantID, &p.Score, &status, &p.LastEvaluatedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Status = Status(status)
	return &p, nil
}
