package payments

import (
	"context"
	"time"
)

// Store persists payment requests. Reference is unique.
type Store interface {
	Create(ctx context.Context, p Payment) error
	Get(ctx context.Context, ref string) (Payment, error)
	// MarkConfirmed records on-chain data. Confirming twice keeps the first
	// confirmation time and updates the confirmation count.
	MarkConfirmed(ctx context.Context, ref, txHash string, confirmations int) (Payment, error)
	// SweepExpired deletes pending payments created more than olderThan ago.
	SweepExpired(ctx context.Context, olderThan time.Duration) (int64, error)
}
