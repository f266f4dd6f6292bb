package executor

import (
	"context"
	"testing"
	"time"

	"exchange/internal/common"
	"exchange/internal/ledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTx is an in-memory ledger.Tx sufficient to exercise the executor's
// settlement protocol without a real database.
type fakeTx struct {
	balances map[string]map[string]*common.Balance
	trades   []common.Trade
	orders   map[string]common.Order
}

func newFakeTx() *fakeTx {
	return &fakeTx{
		balances: make(map[string]map[string]*common.Balance),
		orders:   make(map[string]common.Order),
	}
}

func (f *fakeTx) balance(userID, ticker string) *common.Balance {
	if f.balances[userID] == nil {
		f.balances[userID] = make(map[string]*common.Balance)
	}
	b, ok := f.balances[userID][ticker]
	if !ok {
		b = &common.Balance{UserID: userID, Ticker: ticker}
		f.balances[userID][ticker] = b
	}
	return b
}

func (f *fakeTx) BlockFunds(ctx context.Context, userID, ticker string, amount int64) error {
	b := f.balance(userID, ticker)
	if b.Available < amount {
		return common.ErrInsufficientFunds
	}
	b.Available -= amount
	b.Blocked += amount
	return nil
}

func (f *fakeTx) UnblockFunds(ctx context.Context, userID, ticker string, amount int64) error {
	b := f.balance(userID, ticker)
	if b.Blocked < amount {
		return common.ErrInsufficientBlock
	}
	b.Blocked -= amount
	b.Available += amount
	return nil
}

func (f *fakeTx) DebitBlocked(ctx context.Context, userID, ticker string, amount int64) error {
	b := f.balance(userID, ticker)
	if b.Blocked < amount {
		return common.ErrInsufficientBlock
	}
	b.Blocked -= amount
	return nil
}

func (f *fakeTx) CreditAvailable(ctx context.Context, userID, ticker string, amount int64) error {
	f.balance(userID, ticker).Available += amount
	return nil
}

func (f *fakeTx) DebitAvailable(ctx context.Context, userID, ticker string, amount int64) error {
	b := f.balance(userID, ticker)
	if b.Available < amount {
		return common.ErrInsufficientFunds
	}
	b.Available -= amount
	return nil
}

func (f *fakeTx) MoveBlockedToAvailable(ctx context.Context, userID, ticker string, amount int64) error {
	return f.UnblockFunds(ctx, userID, ticker, amount)
}

func (f *fakeTx) GetBalance(ctx context.Context, userID, ticker string) (common.Balance, error) {
	return *f.balance(userID, ticker), nil
}

func (f *fakeTx) ListBalances(ctx context.Context, userID string) ([]common.Balance, error) {
	return nil, nil
}

func (f *fakeTx) InsertOrder(ctx context.Context, order common.Order) error {
	f.orders[order.ID] = order
	return nil
}

func (f *fakeTx) GetOrderForUpdate(ctx context.Context, orderID string) (common.Order, error) {
	return f.orders[orderID], nil
}

func (f *fakeTx) GetOrder(ctx context.Context, orderID string) (common.Order, error) {
	return f.orders[orderID], nil
}

func (f *fakeTx) ListOrdersByUser(ctx context.Context, userID string) ([]common.Order, error) {
	return nil, nil
}

func (f *fakeTx) UpdateOrderProgress(ctx context.Context, orderID string, filled int64, status common.OrderStatus) error {
	o := f.orders[orderID]
	o.Filled = filled
	o.Status = status
	f.orders[orderID] = o
	return nil
}

func (f *fakeTx) ListOpenLimitOrders(ctx context.Context) ([]common.Order, error) { return nil, nil }

func (f *fakeTx) InsertTrade(ctx context.Context, trade common.Trade) error {
	f.trades = append(f.trades, trade)
	return nil
}

func (f *fakeTx) ListTradesByTicker(ctx context.Context, ticker string, limit int) ([]common.Trade, error) {
	return f.trades, nil
}

func (f *fakeTx) GetUserByAPIKey(ctx context.Context, apiKey string) (common.User, error) {
	return common.User{}, nil
}
func (f *fakeTx) GetUserByID(ctx context.Context, userID string) (common.User, error) {
	return common.User{}, nil
}
func (f *fakeTx) InsertUser(ctx context.Context, user common.User) error       { return nil }
func (f *fakeTx) SoftDeleteUser(ctx context.Context, userID string) error     { return nil }
func (f *fakeTx) ListInstruments(ctx context.Context) ([]common.Instrument, error) {
	return nil, nil
}
func (f *fakeTx) GetInstrument(ctx context.Context, ticker string) (common.Instrument, error) {
	return common.Instrument{Ticker: ticker}, nil
}
func (f *fakeTx) InsertInstrument(ctx context.Context, instrument common.Instrument) error {
	return nil
}
func (f *fakeTx) RemoveInstrument(ctx context.Context, ticker string) error { return nil }

var _ ledger.Tx = (*fakeTx)(nil)

func TestSettle_TransfersFundsAndRecordsTrade(t *testing.T) {
	tx := newFakeTx()
	buyer, seller := "buyer", "seller"

	tx.balance(buyer, common.RubTicker).Blocked = 1000
	tx.balance(seller, "AAPL").Blocked = 10

	bid := &common.InternalOrder{ID: "bid", UserID: buyer, Ticker: "AAPL", Side: common.Buy, Price: 100, Qty: 10, Filled: 10, Status: common.StatusExecuted, Timestamp: time.Now()}
	ask := &common.InternalOrder{ID: "ask", UserID: seller, Ticker: "AAPL", Side: common.Sell, Price: 100, Qty: 10, Filled: 10, Status: common.StatusExecuted, Timestamp: time.Now()}
	tx.InsertOrder(context.Background(), common.Order{ID: "bid", UserID: buyer})
	tx.InsertOrder(context.Background(), common.Order{ID: "ask", UserID: seller})

	exec := New()
	execs := []common.TradeExecution{{Bid: bid, Ask: ask, Ticker: "AAPL", Qty: 10, Price: 100, Change: 0}}

	require.NoError(t, exec.Settle(context.Background(), tx, execs))

	assert.Equal(t, int64(0), tx.balance(seller, "AAPL").Blocked)
	assert.Equal(t, int64(10), tx.balance(buyer, "AAPL").Available)
	assert.Equal(t, int64(0), tx.balance(buyer, common.RubTicker).Blocked)
	assert.Equal(t, int64(1000), tx.balance(seller, common.RubTicker).Available)
	require.Len(t, tx.trades, 1)
	assert.Equal(t, int64(10), tx.trades[0].Amount)

	assert.Equal(t, common.StatusExecuted, tx.orders["bid"].Status)
	assert.Equal(t, common.StatusExecuted, tx.orders["ask"].Status)
}

func TestSettle_RefundsPriceImprovement(t *testing.T) {
	tx := newFakeTx()
	buyer, seller := "buyer", "seller"

	tx.balance(buyer, common.RubTicker).Blocked = 1050
	tx.balance(seller, "AAPL").Blocked = 10
	tx.InsertOrder(context.Background(), common.Order{ID: "bid", UserID: buyer})
	tx.InsertOrder(context.Background(), common.Order{ID: "ask", UserID: seller})

	bid := &common.InternalOrder{ID: "bid", UserID: buyer, Ticker: "AAPL", Side: common.Buy, Price: 105, Qty: 10, Filled: 10, Status: common.StatusExecuted}
	ask := &common.InternalOrder{ID: "ask", UserID: seller, Ticker: "AAPL", Side: common.Sell, Price: 100, Qty: 10, Filled: 10, Status: common.StatusExecuted}

	exec := New()
	execs := []common.TradeExecution{{Bid: bid, Ask: ask, Ticker: "AAPL", Qty: 10, Price: 100, Change: 50}}
	require.NoError(t, exec.Settle(context.Background(), tx, execs))

	assert.Equal(t, int64(50), tx.balance(buyer, common.RubTicker).Available)
	assert.Equal(t, int64(0), tx.balance(buyer, common.RubTicker).Blocked)
}

func TestSettle_ConsistencyErrorWhenBlockedInsufficient(t *testing.T) {
	tx := newFakeTx()
	buyer, seller := "buyer", "seller"
	// seller's blocked asset is short of the trade quantity: a book/ledger divergence.
	tx.balance(seller, "AAPL").Blocked = 5
	tx.balance(buyer, common.RubTicker).Blocked = 1000

	bid := &common.InternalOrder{ID: "bid", UserID: buyer, Ticker: "AAPL", Side: common.Buy, Price: 100, Qty: 10}
	ask := &common.InternalOrder{ID: "ask", UserID: seller, Ticker: "AAPL", Side: common.Sell, Price: 100, Qty: 10}

	exec := New()
	err := exec.Settle(context.Background(), tx, []common.TradeExecution{{Bid: bid, Ask: ask, Ticker: "AAPL", Qty: 10, Price: 100}})
	require.Error(t, err)
	var consistencyErr *common.ConsistencyError
	assert.ErrorAs(t, err, &consistencyErr)
}
