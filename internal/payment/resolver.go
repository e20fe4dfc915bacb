package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/rawblock/inference-gateway/internal/ledger"
	"github.com/rawblock/inference-gateway/pkg/models"
)

// Credential sentinels. Lightning and USDT prefixes are reserved for future
// payment methods; presenting one today is an explicit rejection, not an
// unknown-token fallthrough.
const (
	KeyPrefix   = "sk-"
	cashuPrefix = "cashu"
)

var reservedPrefixes = map[string]string{
	"ln":    "lightning",
	"usdt-": "usdt",
}

type Config struct {
	TrustedMints     []string
	PrimaryMint      string
	ChildKeyCostMsat int64
}

// Resolver turns a bearer credential into a funded ledger row.
type Resolver struct {
	wallet  Wallet
	store   ledger.Store
	trusted map[string]bool
	cfg     Config
}

func NewResolver(wallet Wallet, store ledger.Store, cfg Config) *Resolver {
	trusted := make(map[string]bool, len(cfg.TrustedMints))
	for _, m := range cfg.TrustedMints {
		trusted[m] = true
	}
	return &Resolver{wallet: wallet, store: store, trusted: trusted, cfg: cfg}
}

// Resolution reports what kind of credential was presented. OneShot marks a
// freshly redeemed ecash token whose change is returned in-band.
type Resolution struct {
	Credential *models.Credential
	OneShot    bool
}

// Resolve classifies the bearer credential and provisions or loads its
// ledger entry.
func (r *Resolver) Resolve(ctx context.Context, bearer string) (*Resolution, error) {
	bearer = strings.TrimSpace(bearer)
	switch {
	case bearer == "":
		return nil, models.NewInvalidToken("missing credential")

	case strings.HasPrefix(bearer, KeyPrefix):
		hash := strings.TrimPrefix(bearer, KeyPrefix)
		cred, err := r.store.Get(ctx, hash)
		if err == ledger.ErrNotFound {
			return nil, models.NewInvalidToken("unknown api key")
		}
		if err != nil {
			return nil, err
		}
		return &Resolution{Credential: cred}, nil

	case strings.HasPrefix(bearer, cashuPrefix):
		return r.resolveEcash(ctx, bearer)

	default:
		for prefix, method := range reservedPrefixes {
			if strings.HasPrefix(bearer, prefix) {
				return nil, models.NewNotImplemented(method)
			}
		}
		return nil, models.NewInvalidToken("unrecognized credential format")
	}
}

// resolveEcash hashes the token bytes to a stable credential id, inserts a
// zero-balance row, then redeems and credits. Concurrent redemptions of the
// same token race on the insert: the loser reuses the winner's row without
// re-redeeming, so exactly one credit ever lands.
func (r *Resolver) resolveEcash(ctx context.Context, token string) (*Resolution, error) {
	sum := sha256.Sum256([]byte(token))
	hash := hex.EncodeToString(sum[:])

	if cred, err := r.store.Get(ctx, hash); err == nil {
		return &Resolution{Credential: cred, OneShot: true}, nil
	} else if err != ledger.ErrNotFound {
		return nil, err
	}

	if err := r.store.Create(ctx, &models.Credential{Hash: hash}); err != nil {
		if err == ledger.ErrExists {
			cred, getErr := r.store.Get(ctx, hash)
			if getErr != nil {
				return nil, getErr
			}
			return &Resolution{Credential: cred, OneShot: true}, nil
		}
		return nil, err
	}

	amount, unit, sourceMint, err := r.wallet.Redeem(ctx, token)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "already spent") {
			// The zero-balance row stays: replaying a spent token must keep
			// failing fast instead of hitting the mint again.
			return nil, models.NewTokenSpent()
		}
		// Transient mint failure. Drop the placeholder row so the still
		// unspent token can redeem on a later attempt.
		if dErr := r.store.Delete(ctx, hash); dErr != nil {
			log.Printf("[Payment] Failed to drop unredeemed row %s: %v", models.ShortHash(hash), dErr)
		}
		return nil, models.NewCashuError(fmt.Sprintf("redemption failed: %v", err))
	}
	if amount <= 0 {
		return nil, models.NewInvalidToken("token carries no value")
	}

	refundMint, refundUnit := sourceMint, unit
	if !r.trusted[sourceMint] && sourceMint != r.cfg.PrimaryMint {
		swapped, err := r.wallet.Swap(ctx, sourceMint, unit, amount)
		if err != nil {
			return nil, models.NewMintError(fmt.Sprintf("swap to primary mint failed: %v", err))
		}
		amount = swapped
		refundMint = r.cfg.PrimaryMint
	}

	if err := r.store.SetRefundMint(ctx, hash, refundMint, refundUnit); err != nil {
		log.Printf("[Payment] Failed to record refund mint for %s: %v", models.ShortHash(hash), err)
	}

	msat := MsatFromUnit(amount, unit)
	if err := r.store.Credit(ctx, hash, msat); err != nil {
		return nil, err
	}

	cred, err := r.store.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	log.Printf("[Payment] Redeemed %d msat from mint %s onto credential %s", msat, refundMint, models.ShortHash(hash))
	return &Resolution{Credential: cred, OneShot: true}, nil
}

// ChangeToken settles a one-shot credential: the remaining balance is
// debited and minted into a fresh token for the X-Cashu response header.
// A remainder below one sat is forfeited (tokens cannot carry sub-sat value).
func (r *Resolver) ChangeToken(ctx context.Context, cred *models.Credential) (string, error) {
	fresh, err := r.store.Get(ctx, cred.Hash)
	if err != nil {
		return "", err
	}
	remainingSats := fresh.AvailableMsat() / 1000
	if remainingSats <= 0 {
		return "", nil
	}
	if err := r.store.Refund(ctx, cred.Hash, remainingSats*1000); err != nil {
		return "", err
	}
	token, err := r.wallet.SendToken(ctx, remainingSats, "sat", fresh.RefundMint)
	if err != nil {
		// Credit back rather than silently swallowing the payer's change.
		if cErr := r.store.Credit(ctx, cred.Hash, remainingSats*1000); cErr != nil {
			log.Printf("[Payment] Failed to restore change for %s: %v", models.ShortHash(cred.Hash), cErr)
		}
		return "", models.NewMintError(fmt.Sprintf("change token mint failed: %v", err))
	}
	return token, nil
}

// CreateSubCredential charges the parent the configured child-key cost and
// inserts a counters-only child row. Returns the bearer form of the new key.
func (r *Resolver) CreateSubCredential(ctx context.Context, parentHash string) (string, error) {
	cost := r.cfg.ChildKeyCostMsat
	if cost > 0 {
		if err := r.store.Reserve(ctx, parentHash, cost); err != nil {
			return "", err
		}
		if err := r.store.Finalize(ctx, parentHash, cost, cost); err != nil {
			return "", err
		}
	}

	sum := sha256.Sum256([]byte(uuid.NewString()))
	childHash := hex.EncodeToString(sum[:])
	if err := r.store.Create(ctx, &models.Credential{Hash: childHash, ParentHash: parentHash}); err != nil {
		return "", err
	}
	return KeyPrefix + childHash, nil
}
