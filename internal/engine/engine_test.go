package engine

import (
	"testing"
	"time"

	"exchange/internal/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertLimitAndCancel_UnknownTicker(t *testing.T) {
	e := New()
	err := e.InsertLimit("AAPL", &common.InternalOrder{ID: "a"})
	assert.ErrorIs(t, err, ErrUnknownTicker)

	_, err = e.Cancel("AAPL", "a")
	assert.ErrorIs(t, err, ErrUnknownTicker)
}

func TestAddInstrumentThenInsertLimit(t *testing.T) {
	e := New()
	e.AddInstrument("AAPL")

	o := &common.InternalOrder{ID: "a", UserID: "u1", Ticker: "AAPL", Side: common.Buy, Price: 100, Qty: 10, Status: common.StatusNew, Timestamp: time.Now()}
	require.NoError(t, e.InsertLimit("AAPL", o))

	snap, err := e.Snapshot("AAPL", 10)
	require.NoError(t, err)
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, int64(10), snap.Bids[0].Qty)
}

func TestCrossAllPending_AggregatesAcrossBooks(t *testing.T) {
	e := New()
	e.AddInstrument("AAPL")
	e.AddInstrument("MSFT")
	now := time.Now()

	require.NoError(t, e.InsertLimit("AAPL", &common.InternalOrder{ID: "bid1", UserID: "u1", Ticker: "AAPL", Side: common.Buy, Price: 100, Qty: 5, Status: common.StatusNew, Timestamp: now}))
	require.NoError(t, e.InsertLimit("AAPL", &common.InternalOrder{ID: "ask1", UserID: "u2", Ticker: "AAPL", Side: common.Sell, Price: 100, Qty: 5, Status: common.StatusNew, Timestamp: now}))
	require.NoError(t, e.InsertLimit("MSFT", &common.InternalOrder{ID: "bid2", UserID: "u3", Ticker: "MSFT", Side: common.Buy, Price: 50, Qty: 3, Status: common.StatusNew, Timestamp: now}))
	require.NoError(t, e.InsertLimit("MSFT", &common.InternalOrder{ID: "ask2", UserID: "u4", Ticker: "MSFT", Side: common.Sell, Price: 50, Qty: 3, Status: common.StatusNew, Timestamp: now}))

	execs := e.CrossAllPending(nil)
	require.Len(t, execs, 2)
}

func TestExecuteMarketBounded_UnknownTicker(t *testing.T) {
	e := New()
	_, _, err := e.ExecuteMarketBounded("AAPL", &common.InternalOrder{ID: "a"}, 1000, 0)
	assert.ErrorIs(t, err, ErrUnknownTicker)
}
