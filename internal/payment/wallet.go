// Package payment classifies inbound bearer credentials and provisions
// ledger entries for them, redeeming ecash through the wallet collaborator.
package payment

import "context"

// Wallet is the ecash collaborator contract. The gateway never touches
// proofs or mint keysets itself; all coin handling lives behind this
// interface and its own synchronization.
type Wallet interface {
	// Redeem swallows a serialized token and returns the received amount,
	// its unit ("sat" or "msat") and the mint it was issued by.
	Redeem(ctx context.Context, token string) (amount int64, unit, sourceMint string, err error)

	// SendToken mints a new token for amount in unit, drawn from the given
	// mint (empty means the primary mint).
	SendToken(ctx context.Context, amount int64, unit, mint string) (string, error)

	// SendToLnurl pays a Lightning address.
	SendToLnurl(ctx context.Context, address string, amountSats int64) (receipt string, err error)

	// Deserialize inspects a token without redeeming it.
	Deserialize(token string) (*TokenInfo, error)

	// Balance reports the wallet's holdings at one mint.
	Balance(ctx context.Context, mint, unit string) (int64, error)

	// Swap moves value from a foreign mint into the primary mint and
	// returns the amount received there after mint fees.
	Swap(ctx context.Context, sourceMint, unit string, amount int64) (int64, error)
}

// TokenInfo is the decoded shape of a serialized ecash token.
type TokenInfo struct {
	Amount int64
	Unit   string
	Mint   string
	Proofs int
}

// MsatFromUnit normalizes a wallet amount to millisatoshis.
func MsatFromUnit(amount int64, unit string) int64 {
	if unit == "msat" {
		return amount
	}
	return amount * 1000
}
