// Package ledger is the durable store of users, instruments, balances,
// orders and trades. It exposes primitive balance operations (block,
// unblock, transfer) that are atomic at the row level via conditional
// SQL updates, and a transactional boundary (Ledger.WithTx) that every
// service-layer operation opens and commits/aborts at its edge, per the
// "decorator-based transactional scoping becomes explicit" design note.
package ledger

import (
	"context"
	"time"

	"exchange/internal/common"
)

// Tx is the set of primitive operations available inside one ledger
// transaction. Every mutation that must be atomic with the rest of an
// operation (block+insert-order, cancel+unblock, settlement) goes
// through a single Tx.
type Tx interface {
	// BlockFunds performs `available >= amount ⇒ available -= amount,
	// blocked += amount` as one conditional UPDATE. Returns
	// ErrInsufficientFunds if no row matched.
	BlockFunds(ctx context.Context, userID, ticker string, amount int64) error

	// UnblockFunds performs `blocked >= amount ⇒ blocked -= amount,
	// available += amount`. Returns ErrInsufficientBlock if no row
	// matched.
	UnblockFunds(ctx context.Context, userID, ticker string, amount int64) error

	// DebitBlocked performs `blocked >= amount ⇒ blocked -= amount` as
	// one conditional UPDATE (executor steps 3 and 5). Returns
	// ErrInsufficientBlock if the row's blocked is short.
	DebitBlocked(ctx context.Context, userID, ticker string, amount int64) error

	// CreditAvailable adds to available, creating the balance row if
	// absent (executor steps 4 and 6).
	CreditAvailable(ctx context.Context, userID, ticker string, amount int64) error

	// DebitAvailable performs `available >= amount ⇒ available -=
	// amount` as one conditional UPDATE, used by admin withdrawal.
	// Returns ErrInsufficientFunds if no row matched.
	DebitAvailable(ctx context.Context, userID, ticker string, amount int64) error

	// MoveBlockedToAvailable moves a price-improvement refund from
	// blocked to available (executor step 7).
	MoveBlockedToAvailable(ctx context.Context, userID, ticker string, amount int64) error

	GetBalance(ctx context.Context, userID, ticker string) (common.Balance, error)
	ListBalances(ctx context.Context, userID string) ([]common.Balance, error)

	InsertOrder(ctx context.Context, order common.Order) error
	// GetOrderForUpdate selects the order row with an exclusive lock.
	GetOrderForUpdate(ctx context.Context, orderID string) (common.Order, error)
	GetOrder(ctx context.Context, orderID string) (common.Order, error)
	ListOrdersByUser(ctx context.Context, userID string) ([]common.Order, error)
	// UpdateOrderProgress advances filled/status; filled must be
	// monotonic non-decreasing, enforced by the caller.
	UpdateOrderProgress(ctx context.Context, orderID string, filled int64, status common.OrderStatus) error
	// ListOpenLimitOrders loads every NEW|PARTIALLY_EXECUTED LIMIT order
	// ordered by timestamp ascending, for engine startup replay.
	ListOpenLimitOrders(ctx context.Context) ([]common.Order, error)

	InsertTrade(ctx context.Context, trade common.Trade) error
	ListTradesByTicker(ctx context.Context, ticker string, limit int) ([]common.Trade, error)

	GetUserByAPIKey(ctx context.Context, apiKey string) (common.User, error)
	GetUserByID(ctx context.Context, userID string) (common.User, error)
	InsertUser(ctx context.Context, user common.User) error
	SoftDeleteUser(ctx context.Context, userID string) error

	ListInstruments(ctx context.Context) ([]common.Instrument, error)
	GetInstrument(ctx context.Context, ticker string) (common.Instrument, error)
	InsertInstrument(ctx context.Context, instrument common.Instrument) error
	RemoveInstrument(ctx context.Context, ticker string) error
}

// Ledger is the durable store. WithTx opens a transaction, runs fn, and
// commits iff fn returns nil; any error (including one injected by a
// caller abandoning the request) aborts the transaction and discards
// every mutation performed through Tx. Retries a bounded number of
// times on a transient (serialization/contention) failure.
type Ledger interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Close() error
}

// RetryPolicy bounds the number of attempts (the first one included) a
// transaction gets while it keeps failing with a transient ledger error,
// before that error is surfaced to the caller, per spec.md §7.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: 5 * time.Millisecond}
}

func IsTransient(err error) bool {
	_, ok := err.(*common.TransientError)
	return ok
}
