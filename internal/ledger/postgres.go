package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rawblock/inference-gateway/pkg/models"
)

// PostgresStore implements Store on a pgx pool. Money movements are single
// conditional UPDATEs: the balance predicate in the WHERE clause is the
// compare-and-swap, so two concurrent reservations against the same
// credential can never both observe the same pre-state and both succeed.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const credentialColumns = `hash, balance_msats, reserved_msats, total_spent_msats,
	total_requests, refund_address, refund_mint, refund_currency,
	COALESCE(expiry_time, 0), COALESCE(parent_hash, '')`

func scanCredential(row pgx.Row) (*models.Credential, error) {
	var c models.Credential
	err := row.Scan(&c.Hash, &c.BalanceMsat, &c.ReservedMsat, &c.TotalSpentMsat,
		&c.TotalRequests, &c.RefundAddress, &c.RefundMint, &c.RefundCurrency,
		&c.ExpiryTime, &c.ParentHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) Get(ctx context.Context, hash string) (*models.Credential, error) {
	sql := fmt.Sprintf(`SELECT %s FROM credentials WHERE hash = $1`, credentialColumns)
	return scanCredential(s.pool.QueryRow(ctx, sql, hash))
}

func (s *PostgresStore) Create(ctx context.Context, cred *models.Credential) error {
	sql := `
		INSERT INTO credentials
			(hash, balance_msats, reserved_msats, total_spent_msats, total_requests,
			 refund_address, refund_mint, refund_currency, expiry_time, parent_hash)
		VALUES ($1, $2, 0, 0, 0, $3, $4, $5, NULLIF($6, 0), NULLIF($7, ''));
	`
	_, err := s.pool.Exec(ctx, sql, cred.Hash, cred.BalanceMsat,
		cred.RefundAddress, cred.RefundMint, cred.RefundCurrency,
		cred.ExpiryTime, cred.ParentHash)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		// Unique violation: a concurrent redemption inserted first.
		return ErrExists
	}
	return err
}

// accountHash resolves the row money moves on: the parent for sub-credentials.
func accountHash(ctx context.Context, tx pgx.Tx, hash string) (string, error) {
	var acct string
	err := tx.QueryRow(ctx,
		`SELECT COALESCE(NULLIF(parent_hash, ''), hash) FROM credentials WHERE hash = $1`,
		hash).Scan(&acct)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return acct, err
}

func (s *PostgresStore) Reserve(ctx context.Context, hash string, amountMsat int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	acct, err := accountHash(ctx, tx, hash)
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE credentials
		SET reserved_msats = reserved_msats + $2
		WHERE hash = $1 AND balance_msats - reserved_msats >= $2;
	`, acct, amountMsat)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// No row matched the predicate: the race was lost or the balance is short.
		return ErrInsufficientBalance
	}

	if _, err := tx.Exec(ctx,
		`UPDATE credentials SET total_requests = total_requests + 1 WHERE hash = $1`,
		hash); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Finalize(ctx context.Context, hash string, reservedMsat, actualMsat int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	acct, err := accountHash(ctx, tx, hash)
	if err != nil {
		return err
	}

	// All column references in SET read the pre-update row, so the two
	// LEAST() expressions agree on the capped debit. Overdraft past the
	// reservation is allowed; draining below zero is not.
	tag, err := tx.Exec(ctx, `
		UPDATE credentials
		SET reserved_msats    = GREATEST(reserved_msats - $2, 0),
		    balance_msats     = balance_msats - LEAST($3, balance_msats),
		    total_spent_msats = total_spent_msats + LEAST($3, balance_msats)
		WHERE hash = $1;
	`, acct, reservedMsat, actualMsat)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if acct != hash {
		if _, err := tx.Exec(ctx,
			`UPDATE credentials SET total_spent_msats = total_spent_msats + $2 WHERE hash = $1`,
			hash, actualMsat); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Revert(ctx context.Context, hash string, reservedMsat int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	acct, err := accountHash(ctx, tx, hash)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE credentials
		SET reserved_msats = GREATEST(reserved_msats - $2, 0)
		WHERE hash = $1;
	`, acct, reservedMsat); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE credentials SET total_requests = GREATEST(total_requests - 1, 0) WHERE hash = $1`,
		hash); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Credit(ctx context.Context, hash string, amountMsat int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE credentials SET balance_msats = balance_msats + $2 WHERE hash = $1`,
		hash, amountMsat)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Refund(ctx context.Context, hash string, amountMsat int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE credentials
		SET balance_msats = balance_msats - $2
		WHERE hash = $1 AND balance_msats - reserved_msats >= $2;
	`, hash, amountMsat)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

func (s *PostgresStore) SetRefundInfo(ctx context.Context, hash, address string, expiry int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE credentials
		SET refund_address = $2, expiry_time = COALESCE(NULLIF($3, 0), expiry_time)
		WHERE hash = $1;
	`, hash, address, expiry)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetRefundMint(ctx context.Context, hash, mint, currency string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE credentials SET refund_mint = $2, refund_currency = $3 WHERE hash = $1`,
		hash, mint, currency)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, hash string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM credentials WHERE hash = $1`, hash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time) ([]models.Credential, error) {
	sql := fmt.Sprintf(`
		SELECT %s FROM credentials
		WHERE expiry_time IS NOT NULL AND expiry_time > 0 AND expiry_time <= $1;
	`, credentialColumns)
	rows, err := s.pool.Query(ctx, sql, now.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}
