// Package ledger provides the per-credential balance accounting for the
// gateway. Every millisatoshi that moves through a request flows through the
// five operations below, composed strictly as reserve → (finalize | revert).
//
// Two implementations exist: a Postgres store using single-row conditional
// UPDATEs (the WHERE predicate is the compare-and-swap), and an in-memory
// store used in tests and when the gateway runs without a database.
//
// Sub-credentials hold a foreign key to a parent row. The reservation
// condition and every debit apply to the parent; the child row records
// counters only.
package ledger

import (
	"context"
	"time"

	"github.com/rawblock/inference-gateway/pkg/models"
)

type ledgerError string

func (e ledgerError) Error() string { return string(e) }

const (
	// ErrInsufficientBalance means the conditional update matched no row:
	// either the balance is genuinely too low or a concurrent reservation won.
	ErrInsufficientBalance = ledgerError("insufficient balance")
	ErrNotFound            = ledgerError("credential not found")
	ErrExists              = ledgerError("credential already exists")
)

// Store is the credential ledger. All operations are atomic at the row level
// and serializable per credential; the invariants
//
//	balance >= reserved >= 0
//
// hold between (not during) operations.
type Store interface {
	Get(ctx context.Context, hash string) (*models.Credential, error)

	// Create inserts a new credential row. Returns ErrExists when the hash
	// is already present, in which case the caller must reuse the existing
	// row (redemption idempotency depends on this).
	Create(ctx context.Context, cred *models.Credential) error

	// Reserve holds amount against the credential's available balance and
	// increments total_requests. For sub-credentials the hold is taken on
	// the parent. Fails with ErrInsufficientBalance when the conditional
	// update does not match.
	Reserve(ctx context.Context, hash string, amountMsat int64) error

	// Finalize releases a reservation of reservedMsat and debits actualMsat.
	// actual > reserved is tolerated (the usage-based charge overshot the
	// discounted reservation); the debit may draw the balance down but never
	// below zero.
	Finalize(ctx context.Context, hash string, reservedMsat, actualMsat int64) error

	// Revert releases a reservation without charging and undoes the
	// total_requests increment. Used when the upstream call failed before
	// producing a usable response.
	Revert(ctx context.Context, hash string, reservedMsat int64) error

	// Credit adds redeemed value to the balance.
	Credit(ctx context.Context, hash string, amountMsat int64) error

	// Refund debits amountMsat, failing with ErrInsufficientBalance when the
	// balance does not cover it. The wallet payout itself is the caller's job.
	Refund(ctx context.Context, hash string, amountMsat int64) error

	// SetRefundInfo records the payout address and optional expiry.
	SetRefundInfo(ctx context.Context, hash, address string, expiry int64) error

	// SetRefundMint records the mint and currency change tokens are issued in.
	SetRefundMint(ctx context.Context, hash, mint, currency string) error

	Delete(ctx context.Context, hash string) error

	// ListExpired returns credentials whose expiry_time has passed, for the
	// refund sweeper.
	ListExpired(ctx context.Context, now time.Time) ([]models.Credential, error)
}
