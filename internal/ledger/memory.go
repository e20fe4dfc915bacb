package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/rawblock/inference-gateway/pkg/models"
)

// MemoryStore keeps credentials in a map behind a single mutex. The coarse
// lock gives the same per-credential serializability the Postgres store gets
// from conditional updates. Used in tests and when the gateway starts
// without a database.
type MemoryStore struct {
	mu    sync.Mutex
	creds map[string]*models.Credential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]*models.Credential)}
}

func (m *MemoryStore) Get(ctx context.Context, hash string) (*models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[hash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) Create(ctx context.Context, cred *models.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.creds[cred.Hash]; ok {
		return ErrExists
	}
	cp := *cred
	m.creds[cred.Hash] = &cp
	return nil
}

// account resolves the row the hold and debit apply to: the parent for
// sub-credentials, the credential itself otherwise. Caller holds the lock.
func (m *MemoryStore) account(c *models.Credential) (*models.Credential, error) {
	if c.ParentHash == "" {
		return c, nil
	}
	parent, ok := m.creds[c.ParentHash]
	if !ok {
		return nil, ErrNotFound
	}
	return parent, nil
}

func (m *MemoryStore) Reserve(ctx context.Context, hash string, amountMsat int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[hash]
	if !ok {
		return ErrNotFound
	}
	acct, err := m.account(c)
	if err != nil {
		return err
	}
	if acct.BalanceMsat-acct.ReservedMsat < amountMsat {
		return ErrInsufficientBalance
	}
	acct.ReservedMsat += amountMsat
	c.TotalRequests++
	return nil
}

func (m *MemoryStore) Finalize(ctx context.Context, hash string, reservedMsat, actualMsat int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[hash]
	if !ok {
		return ErrNotFound
	}
	acct, err := m.account(c)
	if err != nil {
		return err
	}
	acct.ReservedMsat -= reservedMsat
	if acct.ReservedMsat < 0 {
		acct.ReservedMsat = 0
	}
	// Overdraft is allowed up to the balance, never below zero.
	if actualMsat > acct.BalanceMsat {
		actualMsat = acct.BalanceMsat
	}
	acct.BalanceMsat -= actualMsat
	acct.TotalSpentMsat += actualMsat
	if acct != c {
		c.TotalSpentMsat += actualMsat
	}
	return nil
}

func (m *MemoryStore) Revert(ctx context.Context, hash string, reservedMsat int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[hash]
	if !ok {
		return ErrNotFound
	}
	acct, err := m.account(c)
	if err != nil {
		return err
	}
	acct.ReservedMsat -= reservedMsat
	if acct.ReservedMsat < 0 {
		acct.ReservedMsat = 0
	}
	if c.TotalRequests > 0 {
		c.TotalRequests--
	}
	return nil
}

func (m *MemoryStore) Credit(ctx context.Context, hash string, amountMsat int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[hash]
	if !ok {
		return ErrNotFound
	}
	c.BalanceMsat += amountMsat
	return nil
}

func (m *MemoryStore) Refund(ctx context.Context, hash string, amountMsat int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[hash]
	if !ok {
		return ErrNotFound
	}
	if c.BalanceMsat-c.ReservedMsat < amountMsat {
		return ErrInsufficientBalance
	}
	c.BalanceMsat -= amountMsat
	return nil
}

func (m *MemoryStore) SetRefundInfo(ctx context.Context, hash, address string, expiry int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[hash]
	if !ok {
		return ErrNotFound
	}
	c.RefundAddress = address
	if expiry > 0 {
		c.ExpiryTime = expiry
	}
	return nil
}

func (m *MemoryStore) SetRefundMint(ctx context.Context, hash, mint, currency string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[hash]
	if !ok {
		return ErrNotFound
	}
	c.RefundMint = mint
	c.RefundCurrency = currency
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.creds[hash]; !ok {
		return ErrNotFound
	}
	delete(m.creds, hash)
	return nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, now time.Time) ([]models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Credential
	for _, c := range m.creds {
		if c.ExpiryTime > 0 && c.ExpiryTime <= now.Unix() {
			out = append(out, *c)
		}
	}
	return out, nil
}
