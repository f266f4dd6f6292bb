package service

import (
	"context"
	"testing"

	"exchange/internal/common"
	"exchange/internal/engine"
	"exchange/internal/executor"
	"exchange/internal/ledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memTx/memLedger are a minimal in-memory ledger.Tx/Ledger sufficient to
// drive the Order Service without a real database.
type memTx struct {
	balances    map[string]map[string]*common.Balance
	orders      map[string]common.Order
	instruments map[string]common.Instrument
}

func newMemLedger() *memLedger {
	return &memLedger{tx: &memTx{
		balances:    make(map[string]map[string]*common.Balance),
		orders:      make(map[string]common.Order),
		instruments: map[string]common.Instrument{"AAPL": {Ticker: "AAPL", Visibility: common.VisibilityActive}},
	}}
}

type memLedger struct{ tx *memTx }

func (m *memLedger) WithTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	return fn(ctx, m.tx)
}
func (m *memLedger) Close() error { return nil }

func (t *memTx) balance(userID, ticker string) *common.Balance {
	if t.balances[userID] == nil {
		t.balances[userID] = make(map[string]*common.Balance)
	}
	b, ok := t.balances[userID][ticker]
	if !ok {
		b = &common.Balance{UserID: userID, Ticker: ticker}
		t.balances[userID][ticker] = b
	}
	return b
}

func (t *memTx) BlockFunds(ctx context.Context, userID, ticker string, amount int64) error {
	b := t.balance(userID, ticker)
	if b.Available < amount {
		return common.ErrInsufficientFunds
	}
	b.Available -= amount
	b.Blocked += amount
	return nil
}
func (t *memTx) UnblockFunds(ctx context.Context, userID, ticker string, amount int64) error {
	b := t.balance(userID, ticker)
	if b.Blocked < amount {
		return common.ErrInsufficientBlock
	}
	b.Blocked -= amount
	b.Available += amount
	return nil
}
func (t *memTx) DebitBlocked(ctx context.Context, userID, ticker string, amount int64) error {
	b := t.balance(userID, ticker)
	if b.Blocked < amount {
		return common.ErrInsufficientBlock
	}
	b.Blocked -= amount
	return nil
}
func (t *memTx) CreditAvailable(ctx context.Context, userID, ticker string, amount int64) error {
	t.balance(userID, ticker).Available += amount
	return nil
}
func (t *memTx) DebitAvailable(ctx context.Context, userID, ticker string, amount int64) error {
	b := t.balance(userID, ticker)
	if b.Available < amount {
		return common.ErrInsufficientFunds
	}
	b.Available -= amount
	return nil
}
func (t *memTx) MoveBlockedToAvailable(ctx context.Context, userID, ticker string, amount int64) error {
	return t.UnblockFunds(ctx, userID, ticker, amount)
}
func (t *memTx) GetBalance(ctx context.Context, userID, ticker string) (common.Balance, error) {
	return *t.balance(userID, ticker), nil
}
func (t *memTx) ListBalances(ctx context.Context, userID string) ([]common.Balance, error) {
	return nil, nil
}
func (t *memTx) InsertOrder(ctx context.Context, order common.Order) error {
	t.orders[order.ID] = order
	return nil
}
func (t *memTx) GetOrderForUpdate(ctx context.Context, orderID string) (common.Order, error) {
	o, ok := t.orders[orderID]
	if !ok {
		return o, common.NewNotFoundError("order", orderID)
	}
	return o, nil
}
func (t *memTx) GetOrder(ctx context.Context, orderID string) (common.Order, error) {
	return t.GetOrderForUpdate(ctx, orderID)
}
func (t *memTx) ListOrdersByUser(ctx context.Context, userID string) ([]common.Order, error) {
	var out []common.Order
	for _, o := range t.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	return out, nil
}
func (t *memTx) UpdateOrderProgress(ctx context.Context, orderID string, filled int64, status common.OrderStatus) error {
	o := t.orders[orderID]
	o.Filled = filled
	o.Status = status
	t.orders[orderID] = o
	return nil
}
func (t *memTx) ListOpenLimitOrders(ctx context.Context) ([]common.Order, error) { return nil, nil }
func (t *memTx) InsertTrade(ctx context.Context, trade common.Trade) error      { return nil }
func (t *memTx) ListTradesByTicker(ctx context.Context, ticker string, limit int) ([]common.Trade, error) {
	return nil, nil
}
func (t *memTx) GetUserByAPIKey(ctx context.Context, apiKey string) (common.User, error) {
	return common.User{}, nil
}
func (t *memTx) GetUserByID(ctx context.Context, userID string) (common.User, error) {
	return common.User{}, nil
}
func (t *memTx) InsertUser(ctx context.Context, user common.User) error   { return nil }
func (t *memTx) SoftDeleteUser(ctx context.Context, userID string) error { return nil }
func (t *memTx) ListInstruments(ctx context.Context) ([]common.Instrument, error) {
	return nil, nil
}
func (t *memTx) GetInstrument(ctx context.Context, ticker string) (common.Instrument, error) {
	i, ok := t.instruments[ticker]
	if !ok {
		return i, common.ErrUnknownInstrument
	}
	return i, nil
}
func (t *memTx) InsertInstrument(ctx context.Context, instrument common.Instrument) error {
	t.instruments[instrument.Ticker] = instrument
	return nil
}
func (t *memTx) RemoveInstrument(ctx context.Context, ticker string) error {
	delete(t.instruments, ticker)
	return nil
}

var _ ledger.Tx = (*memTx)(nil)
var _ ledger.Ledger = (*memLedger)(nil)

func newTestService() (*OrderService, *memLedger, *engine.Engine) {
	store := newMemLedger()
	eng := engine.New()
	eng.AddInstrument("AAPL")
	svc := New(store, eng, executor.New())
	return svc, store, eng
}

func TestCreateLimit_BlocksFundsAndInsertsIntoBook(t *testing.T) {
	svc, store, eng := newTestService()
	store.tx.balance("u1", common.RubTicker).Available = 10_000

	orderID, err := svc.CreateLimit(context.Background(), CreateLimitRequest{
		UserID: "u1", Ticker: "AAPL", Side: common.Buy, Qty: 10, Price: 100,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(9000), store.tx.balance("u1", common.RubTicker).Available)
	assert.Equal(t, int64(1000), store.tx.balance("u1", common.RubTicker).Blocked)

	snap, err := eng.Snapshot("AAPL", 10)
	require.NoError(t, err)
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, int64(10), snap.Bids[0].Qty)

	order, err := svc.Get(context.Background(), "u1", orderID)
	require.NoError(t, err)
	assert.Equal(t, common.StatusNew, order.Status)
}

func TestCreateLimit_InsufficientFunds(t *testing.T) {
	svc, _, _ := newTestService()
	_, err := svc.CreateLimit(context.Background(), CreateLimitRequest{
		UserID: "u1", Ticker: "AAPL", Side: common.Buy, Qty: 10, Price: 100,
	})
	assert.ErrorIs(t, err, common.ErrInsufficientFunds)
}

func TestCreateMarket_SettlesAgainstRestingLiquidity(t *testing.T) {
	svc, store, _ := newTestService()
	store.tx.balance("seller", "AAPL").Available = 10
	_, err := svc.CreateLimit(context.Background(), CreateLimitRequest{
		UserID: "seller", Ticker: "AAPL", Side: common.Sell, Qty: 10, Price: 100,
	})
	require.NoError(t, err)

	store.tx.balance("buyer", common.RubTicker).Available = 10_000
	orderID, err := svc.CreateMarket(context.Background(), CreateMarketRequest{
		UserID: "buyer", Ticker: "AAPL", Side: common.Buy, Qty: 10,
	})
	require.NoError(t, err)

	order, err := svc.Get(context.Background(), "buyer", orderID)
	require.NoError(t, err)
	assert.Equal(t, common.StatusExecuted, order.Status)
	assert.Equal(t, int64(10), order.Filled)

	assert.Equal(t, int64(10), store.tx.balance("buyer", "AAPL").Available)
	assert.Equal(t, int64(1000), store.tx.balance("seller", common.RubTicker).Available)
}

func TestCreateMarket_Unfillable(t *testing.T) {
	svc, store, _ := newTestService()
	store.tx.balance("buyer", common.RubTicker).Available = 10_000
	_, err := svc.CreateMarket(context.Background(), CreateMarketRequest{
		UserID: "buyer", Ticker: "AAPL", Side: common.Buy, Qty: 10,
	})
	require.Error(t, err)
	var conflict *common.DomainConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestCancel_RefundsBlockedFunds(t *testing.T) {
	svc, store, eng := newTestService()
	store.tx.balance("u1", common.RubTicker).Available = 10_000

	orderID, err := svc.CreateLimit(context.Background(), CreateLimitRequest{
		UserID: "u1", Ticker: "AAPL", Side: common.Buy, Qty: 10, Price: 100,
	})
	require.NoError(t, err)

	require.NoError(t, svc.Cancel(context.Background(), "u1", orderID))

	assert.Equal(t, int64(10_000), store.tx.balance("u1", common.RubTicker).Available)
	assert.Equal(t, int64(0), store.tx.balance("u1", common.RubTicker).Blocked)

	snap, err := eng.Snapshot("AAPL", 10)
	require.NoError(t, err)
	assert.Empty(t, snap.Bids)

	order, err := svc.Get(context.Background(), "u1", orderID)
	require.NoError(t, err)
	assert.Equal(t, common.StatusCancelled, order.Status)
}

// TestCreateLimit_SelfTradeConservesBalance exercises S5: a single
// user's SELL and BUY cross against each other, and net wealth is
// unchanged once the cross settles.
func TestCreateLimit_SelfTradeConservesBalance(t *testing.T) {
	svc, store, eng := newTestService()
	store.tx.balance("u1", "AAPL").Available = 10
	store.tx.balance("u1", common.RubTicker).Available = 100

	_, err := svc.CreateLimit(context.Background(), CreateLimitRequest{
		UserID: "u1", Ticker: "AAPL", Side: common.Sell, Qty: 10, Price: 5,
	})
	require.NoError(t, err)
	_, err = svc.CreateLimit(context.Background(), CreateLimitRequest{
		UserID: "u1", Ticker: "AAPL", Side: common.Buy, Qty: 10, Price: 10,
	})
	require.NoError(t, err)

	execs := eng.CrossAllPending(context.Background())
	require.Len(t, execs, 1)

	require.NoError(t, store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		return executor.New().Settle(ctx, tx, execs)
	}))

	assert.Equal(t, int64(10), store.tx.balance("u1", "AAPL").Available)
	assert.Equal(t, int64(0), store.tx.balance("u1", "AAPL").Blocked)
	assert.Equal(t, int64(100), store.tx.balance("u1", common.RubTicker).Available)
	assert.Equal(t, int64(0), store.tx.balance("u1", common.RubTicker).Blocked)
}

// TestCreateLimit_DeterministicPriorityMatchesEarliestFirst exercises
// S6: two SELL orders at the same price, submitted A then B, leave B
// resting once an incoming BUY takes only part of the level.
func TestCreateLimit_DeterministicPriorityMatchesEarliestFirst(t *testing.T) {
	svc, store, eng := newTestService()
	store.tx.balance("sellerA", "AAPL").Available = 5
	store.tx.balance("sellerB", "AAPL").Available = 5
	store.tx.balance("buyer", common.RubTicker).Available = 10_000

	orderA, err := svc.CreateLimit(context.Background(), CreateLimitRequest{
		UserID: "sellerA", Ticker: "AAPL", Side: common.Sell, Qty: 5, Price: 100,
	})
	require.NoError(t, err)
	_, err = svc.CreateLimit(context.Background(), CreateLimitRequest{
		UserID: "sellerB", Ticker: "AAPL", Side: common.Sell, Qty: 5, Price: 100,
	})
	require.NoError(t, err)
	_, err = svc.CreateLimit(context.Background(), CreateLimitRequest{
		UserID: "buyer", Ticker: "AAPL", Side: common.Buy, Qty: 1, Price: 100,
	})
	require.NoError(t, err)

	execs := eng.CrossAllPending(context.Background())
	require.Len(t, execs, 1)
	assert.Equal(t, orderA, execs[0].Ask.ID)

	require.NoError(t, store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		return executor.New().Settle(ctx, tx, execs)
	}))

	snap, err := eng.Snapshot("AAPL", 10)
	require.NoError(t, err)
	require.Len(t, snap.Asks, 1)
	assert.Equal(t, int64(9), snap.Asks[0].Qty)
}

func TestCancel_WrongUserIsNotFound(t *testing.T) {
	svc, store, _ := newTestService()
	store.tx.balance("u1", common.RubTicker).Available = 10_000
	orderID, err := svc.CreateLimit(context.Background(), CreateLimitRequest{
		UserID: "u1", Ticker: "AAPL", Side: common.Buy, Qty: 10, Price: 100,
	})
	require.NoError(t, err)

	err = svc.Cancel(context.Background(), "someone-else", orderID)
	var notFound *common.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}
