package payment

import (
	"context"
	"log"
	"time"

	"github.com/rawblock/inference-gateway/internal/ledger"
	"github.com/rawblock/inference-gateway/pkg/models"
)

const DefaultSweepInterval = 10 * time.Minute

// Sweeper pays out expired credentials. A credential with a refund address
// gets its remaining balance sent over Lightning; one without is simply
// deleted, forfeiting the remainder (the payer declared the expiry).
type Sweeper struct {
	wallet Wallet
	store  ledger.Store
}

func NewSweeper(wallet Wallet, store ledger.Store) *Sweeper {
	return &Sweeper{wallet: wallet, store: store}
}

func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	log.Println("[Sweeper] Starting expired credential sweeper...")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Sweeper] Stopping expired credential sweeper...")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	expired, err := s.store.ListExpired(ctx, time.Now())
	if err != nil {
		log.Printf("[Sweeper] Failed to list expired credentials: %v", err)
		return
	}
	for _, cred := range expired {
		if cred.ReservedMsat > 0 {
			// A request is still in flight; pick it up next cycle.
			continue
		}
		remainingSats := cred.BalanceMsat / 1000
		short := models.ShortHash(cred.Hash)
		if remainingSats > 0 && cred.RefundAddress != "" {
			if err := s.store.Refund(ctx, cred.Hash, remainingSats*1000); err != nil {
				log.Printf("[Sweeper] Refund debit failed for %s: %v", short, err)
				continue
			}
			receipt, err := s.wallet.SendToLnurl(ctx, cred.RefundAddress, remainingSats)
			if err != nil {
				log.Printf("[Sweeper] Lightning payout failed for %s, restoring balance: %v", short, err)
				if cErr := s.store.Credit(ctx, cred.Hash, remainingSats*1000); cErr != nil {
					log.Printf("[Sweeper] Balance restore failed for %s: %v", short, cErr)
				}
				continue
			}
			log.Printf("[Sweeper] Paid out %d sats to %s for expired credential %s (%s)",
				remainingSats, cred.RefundAddress, short, receipt)
		}
		if err := s.store.Delete(ctx, cred.Hash); err != nil {
			log.Printf("[Sweeper] Failed to delete expired credential %s: %v", short, err)
		}
	}
}
