package domain

import "context"

// LedgerClient moves points held by the external points service. A nil error
// means the ledger changed; any error means no state change occurred.
type LedgerClient interface {
	GetBalance(ctx context.Context, userID string) (int64, error)
	RemovePoints(ctx context.Context, userID string, amount int64) error
	AddPoints(ctx context.Context, userID string, amount int64) error
	TransferPoints(ctx context.Context, fromID, toID string, amount int64) error
}

// Notifier delivers a direct message to a user. Delivery is best-effort.
type Notifier interface {
	NotifyUser(ctx context.Context, userID, message string) error
}
