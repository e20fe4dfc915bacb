package payment

import (
	"context"
	"errors"
	"testing"

	"github.com/rawblock/inference-gateway/internal/ledger"
	"github.com/rawblock/inference-gateway/pkg/models"
)

type lnWallet struct {
	fakeWallet
	paid    []int64
	payErr  error
	address string
}

func (w *lnWallet) SendToLnurl(ctx context.Context, address string, amountSats int64) (string, error) {
	if w.payErr != nil {
		return "", w.payErr
	}
	w.address = address
	w.paid = append(w.paid, amountSats)
	return "receipt-1", nil
}

func TestSweep_PaysOutAndDeletes(t *testing.T) {
	store := ledger.NewMemoryStore()
	_ = store.Create(context.Background(), &models.Credential{
		Hash: "expired", BalanceMsat: 5500, RefundAddress: "user@wallet.test", ExpiryTime: 1,
	})
	w := &lnWallet{}
	NewSweeper(w, store).sweep(context.Background())

	if len(w.paid) != 1 || w.paid[0] != 5 {
		t.Errorf("Payout = %v, want [5] sats", w.paid)
	}
	if w.address != "user@wallet.test" {
		t.Errorf("Payout address = %q", w.address)
	}
	if _, err := store.Get(context.Background(), "expired"); err != ledger.ErrNotFound {
		t.Errorf("Expired credential must be deleted, got %v", err)
	}
}

func TestSweep_NoRefundAddressJustDeletes(t *testing.T) {
	store := ledger.NewMemoryStore()
	_ = store.Create(context.Background(), &models.Credential{
		Hash: "expired", BalanceMsat: 5500, ExpiryTime: 1,
	})
	w := &lnWallet{}
	NewSweeper(w, store).sweep(context.Background())

	if len(w.paid) != 0 {
		t.Errorf("No payout expected without a refund address")
	}
	if _, err := store.Get(context.Background(), "expired"); err != ledger.ErrNotFound {
		t.Errorf("Credential must still be deleted, got %v", err)
	}
}

func TestSweep_PayoutFailureKeepsCredential(t *testing.T) {
	store := ledger.NewMemoryStore()
	_ = store.Create(context.Background(), &models.Credential{
		Hash: "expired", BalanceMsat: 5000, RefundAddress: "user@wallet.test", ExpiryTime: 1,
	})
	w := &lnWallet{payErr: errors.New("route not found")}
	NewSweeper(w, store).sweep(context.Background())

	cred, err := store.Get(context.Background(), "expired")
	if err != nil {
		t.Fatalf("Credential must survive a failed payout: %v", err)
	}
	if cred.BalanceMsat != 5000 {
		t.Errorf("Balance must be restored after a failed payout, got %d", cred.BalanceMsat)
	}
}

func TestSweep_SkipsInFlightReservations(t *testing.T) {
	store := ledger.NewMemoryStore()
	_ = store.Create(context.Background(), &models.Credential{
		Hash: "busy", BalanceMsat: 5000, ReservedMsat: 100, RefundAddress: "user@wallet.test", ExpiryTime: 1,
	})
	w := &lnWallet{}
	NewSweeper(w, store).sweep(context.Background())

	if _, err := store.Get(context.Background(), "busy"); err != nil {
		t.Errorf("In-flight credential must not be swept: %v", err)
	}
	if len(w.paid) != 0 {
		t.Errorf("In-flight credential must not be paid out")
	}
}
