package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"exchange/internal/common"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

// PostgresLedger is the production Ledger, backed by a pooled *sql.DB
// opened through the pgx stdlib driver and queried with sqlx.
type PostgresLedger struct {
	db     *sqlx.DB
	retry  RetryPolicy
}

// Open connects to Postgres and configures the pool. databaseURL is a
// standard libpq connection string, conventionally supplied via the
// environment (spec.md §6).
func Open(databaseURL string, maxConns int) (*PostgresLedger, error) {
	db, err := sqlx.Connect("pgx", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &PostgresLedger{db: db, retry: DefaultRetryPolicy()}, nil
}

// OpenWithDriver lets tests and callers supply a sqlx.DB already wired
// to the stdlib pgx driver (e.g. against a test container).
func OpenWithDriver(db *sqlx.DB) *PostgresLedger {
	return &PostgresLedger{db: db, retry: DefaultRetryPolicy()}
}

func (l *PostgresLedger) Close() error {
	return l.db.Close()
}

// WithTx opens a transaction, runs fn, and commits iff fn succeeds.
// Transient failures (detected via Postgres SQLSTATE 40001/40P01) are
// retried with a short backoff, for at most l.retry.MaxAttempts attempts
// in total, before being surfaced.
func (l *PostgresLedger) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < l.retry.MaxAttempts; attempt++ {
		err := l.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryableSQLError(err) {
			return err
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Msg("retrying transient ledger error")
		time.Sleep(l.retry.Backoff)
	}
	return common.NewTransientError("ledger transaction exhausted retries: " + lastErr.Error())
}

func (l *PostgresLedger) runOnce(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	sqlTx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	tx := &postgresTx{tx: sqlTx}

	if err := fn(ctx, tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Error().Err(rbErr).Msg("rollback failed after operation error")
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return err
	}
	return nil
}

func isRetryableSQLError(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		switch pgErr.SQLState() {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
	}
	return false
}

// postgresTx implements Tx against a *sqlx.Tx.
type postgresTx struct {
	tx *sqlx.Tx
}

func (t *postgresTx) BlockFunds(ctx context.Context, userID, ticker string, amount int64) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE balances SET available = available - $1, blocked = blocked + $1
		WHERE user_id = $2 AND ticker = $3 AND available >= $1`,
		amount, userID, ticker)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return common.ErrInsufficientFunds
	}
	return nil
}

func (t *postgresTx) UnblockFunds(ctx context.Context, userID, ticker string, amount int64) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE balances SET blocked = blocked - $1, available = available + $1
		WHERE user_id = $2 AND ticker = $3 AND blocked >= $1`,
		amount, userID, ticker)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return common.ErrInsufficientBlock
	}
	return nil
}

func (t *postgresTx) DebitBlocked(ctx context.Context, userID, ticker string, amount int64) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE balances SET blocked = blocked - $1
		WHERE user_id = $2 AND ticker = $3 AND blocked >= $1`,
		amount, userID, ticker)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return common.ErrInsufficientBlock
	}
	return nil
}

func (t *postgresTx) CreditAvailable(ctx context.Context, userID, ticker string, amount int64) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO balances (user_id, ticker, available, blocked)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (user_id, ticker) DO UPDATE SET available = balances.available + $3`,
		userID, ticker, amount)
	return err
}

func (t *postgresTx) DebitAvailable(ctx context.Context, userID, ticker string, amount int64) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE balances SET available = available - $1
		WHERE user_id = $2 AND ticker = $3 AND available >= $1`,
		amount, userID, ticker)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return common.ErrInsufficientFunds
	}
	return nil
}

func (t *postgresTx) MoveBlockedToAvailable(ctx context.Context, userID, ticker string, amount int64) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE balances SET blocked = blocked - $1, available = available + $1
		WHERE user_id = $2 AND ticker = $3 AND blocked >= $1`,
		amount, userID, ticker)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return common.ErrInsufficientBlock
	}
	return nil
}

func (t *postgresTx) GetBalance(ctx context.Context, userID, ticker string) (common.Balance, error) {
	var b common.Balance
	err := t.tx.GetContext(ctx, &b, `
		SELECT user_id, ticker, available, blocked FROM balances
		WHERE user_id = $1 AND ticker = $2`, userID, ticker)
	if errors.Is(err, sql.ErrNoRows) {
		return common.Balance{UserID: userID, Ticker: ticker}, nil
	}
	return b, err
}

func (t *postgresTx) ListBalances(ctx context.Context, userID string) ([]common.Balance, error) {
	var balances []common.Balance
	err := t.tx.SelectContext(ctx, &balances, `
		SELECT user_id, ticker, available, blocked FROM balances
		WHERE user_id = $1`, userID)
	return balances, err
}

func (t *postgresTx) InsertOrder(ctx context.Context, o common.Order) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, ticker, side, type, price, qty, filled, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		o.ID, o.UserID, o.Ticker, o.Side, o.Type, o.Price, o.Qty, o.Filled, o.Status, o.Timestamp)
	return err
}

func (t *postgresTx) GetOrderForUpdate(ctx context.Context, orderID string) (common.Order, error) {
	var o common.Order
	err := t.tx.GetContext(ctx, &o, `
		SELECT id, user_id, ticker, side, type, price, qty, filled, status, created_at
		FROM orders WHERE id = $1 FOR UPDATE`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return o, common.NewNotFoundError("order", orderID)
	}
	return o, err
}

func (t *postgresTx) GetOrder(ctx context.Context, orderID string) (common.Order, error) {
	var o common.Order
	err := t.tx.GetContext(ctx, &o, `
		SELECT id, user_id, ticker, side, type, price, qty, filled, status, created_at
		FROM orders WHERE id = $1`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return o, common.NewNotFoundError("order", orderID)
	}
	return o, err
}

func (t *postgresTx) ListOrdersByUser(ctx context.Context, userID string) ([]common.Order, error) {
	var orders []common.Order
	err := t.tx.SelectContext(ctx, &orders, `
		SELECT id, user_id, ticker, side, type, price, qty, filled, status, created_at
		FROM orders WHERE user_id = $1 ORDER BY created_at ASC`, userID)
	return orders, err
}

func (t *postgresTx) UpdateOrderProgress(ctx context.Context, orderID string, filled int64, status common.OrderStatus) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE orders SET filled = $1, status = $2 WHERE id = $3`,
		filled, status, orderID)
	return err
}

func (t *postgresTx) ListOpenLimitOrders(ctx context.Context) ([]common.Order, error) {
	var orders []common.Order
	err := t.tx.SelectContext(ctx, &orders, `
		SELECT id, user_id, ticker, side, type, price, qty, filled, status, created_at
		FROM orders
		WHERE type = 'LIMIT' AND status IN ('NEW', 'PARTIALLY_EXECUTED')
		ORDER BY created_at ASC`)
	return orders, err
}

func (t *postgresTx) InsertTrade(ctx context.Context, tr common.Trade) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO trades (id, buyer_id, seller_id, ticker, amount, price, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tr.ID, tr.BuyerID, tr.SellerID, tr.Ticker, tr.Amount, tr.Price, tr.Timestamp)
	return err
}

func (t *postgresTx) ListTradesByTicker(ctx context.Context, ticker string, limit int) ([]common.Trade, error) {
	var trades []common.Trade
	err := t.tx.SelectContext(ctx, &trades, `
		SELECT id, buyer_id, seller_id, ticker, amount, price, created_at
		FROM trades WHERE ticker = $1 ORDER BY created_at DESC LIMIT $2`, ticker, limit)
	return trades, err
}

func (t *postgresTx) GetUserByAPIKey(ctx context.Context, apiKey string) (common.User, error) {
	var u common.User
	err := t.tx.GetContext(ctx, &u, `
		SELECT id, name, api_key, role, visibility, created_at
		FROM users WHERE api_key = $1 AND visibility = 'ACTIVE'`, apiKey)
	if errors.Is(err, sql.ErrNoRows) {
		return u, common.NewAuthError("invalid api key")
	}
	return u, err
}

func (t *postgresTx) GetUserByID(ctx context.Context, userID string) (common.User, error) {
	var u common.User
	err := t.tx.GetContext(ctx, &u, `
		SELECT id, name, api_key, role, visibility, created_at
		FROM users WHERE id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return u, common.NewNotFoundError("user", userID)
	}
	return u, err
}

func (t *postgresTx) InsertUser(ctx context.Context, u common.User) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO users (id, name, api_key, role, visibility, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.Name, u.APIKey, u.Role, u.Visibility, u.CreatedAt)
	return err
}

func (t *postgresTx) SoftDeleteUser(ctx context.Context, userID string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE users SET visibility = 'DELETED' WHERE id = $1`, userID)
	return err
}

func (t *postgresTx) ListInstruments(ctx context.Context) ([]common.Instrument, error) {
	var instruments []common.Instrument
	err := t.tx.SelectContext(ctx, &instruments, `
		SELECT ticker, name, visibility FROM instruments
		WHERE visibility = 'ACTIVE' ORDER BY ticker ASC`)
	return instruments, err
}

func (t *postgresTx) GetInstrument(ctx context.Context, ticker string) (common.Instrument, error) {
	var i common.Instrument
	err := t.tx.GetContext(ctx, &i, `
		SELECT ticker, name, visibility FROM instruments WHERE ticker = $1`, ticker)
	if errors.Is(err, sql.ErrNoRows) {
		return i, common.NewNotFoundError("instrument", ticker)
	}
	return i, err
}

func (t *postgresTx) InsertInstrument(ctx context.Context, i common.Instrument) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO instruments (ticker, name, visibility) VALUES ($1, $2, $3)`,
		i.Ticker, i.Name, i.Visibility)
	return err
}

func (t *postgresTx) RemoveInstrument(ctx context.Context, ticker string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE instruments SET visibility = 'DELETED' WHERE ticker = $1`, ticker)
	return err
}
