// Package book implements the per-instrument in-memory order book: two
// price-ordered containers of live LIMIT orders, matched under strict
// price-time priority with a UUID tie-break. This generalizes the
// teacher's single-asset btree-backed book (internal/engine/orderbook.go)
// to hold one book per ticker with integer prices/quantities and the
// full insert/cancel/probe/execute/cross surface spec.md §4.1 requires.
package book

import (
	"errors"
	"sync"

	"exchange/internal/common"

	"github.com/tidwall/btree"
)

var (
	ErrNotEnoughLiquidity = errors.New("not enough liquidity")
	ErrOrderNotFound      = errors.New("order not found in book")
)

// PriceLevel holds every resting order at one price, in strict
// price-time-priority (UUID tie-break) order.
type PriceLevel struct {
	Price  int64
	Orders []*common.InternalOrder
}

type levels = btree.BTreeG[*PriceLevel]

// MatchResult reports whether a market order can be filled, without
// mutating the book.
type MatchResult struct {
	Feasible     bool
	Reason       string
	AvailableQty int64
	RequiredCash int64 // meaningful for BUY probes
}

// OrderBook is the live book for a single instrument. All mutating
// methods acquire the book's own mutex; callers (the Engine) additionally
// hold the engine-level map lock only while looking the book up, not for
// the duration of a book operation (spec.md §5).
type OrderBook struct {
	Ticker string

	mu   sync.Mutex
	bids *levels // ordered descending price, ascending time/uuid within a level
	asks *levels // ordered ascending price, ascending time/uuid within a level

	index map[string]*common.InternalOrder // order id -> live entry, for O(1) cancel lookup

	hasActivity bool
}

func New(ticker string) *OrderBook {
	bids := btree.NewBTreeG(func(a, b *PriceLevel) bool { return a.Price > b.Price })
	asks := btree.NewBTreeG(func(a, b *PriceLevel) bool { return a.Price < b.Price })
	return &OrderBook{
		Ticker: ticker,
		bids:   bids,
		asks:   asks,
		index:  make(map[string]*common.InternalOrder),
	}
}

// HasActivity reports whether the book was mutated since the last
// matching pass found nothing to do.
func (b *OrderBook) HasActivity() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hasActivity
}

func (b *OrderBook) clearActivity() {
	b.hasActivity = false
}

// less orders two entries by price-time priority tie-break: timestamp
// ascending, then UUID lexicographic ascending.
func less(a, b *common.InternalOrder) bool {
	if a.Timestamp.Equal(b.Timestamp) {
		return a.ID < b.ID
	}
	return a.Timestamp.Before(b.Timestamp)
}

func insertSorted(orders []*common.InternalOrder, o *common.InternalOrder) []*common.InternalOrder {
	i := 0
	for i < len(orders) && less(orders[i], o) {
		i++
	}
	orders = append(orders, nil)
	copy(orders[i+1:], orders[i:])
	orders[i] = o
	return orders
}

func sideLevels(b *OrderBook, side common.Side) *levels {
	if side == common.Buy {
		return b.bids
	}
	return b.asks
}

// InsertLimit pushes a new LIMIT order into the appropriate side. The
// caller must not insert the same order twice.
func (b *OrderBook) InsertLimit(o *common.InternalOrder) {
	b.mu.Lock()
	defer b.mu.Unlock()

	lvls := sideLevels(b, o.Side)
	level, ok := lvls.Get(&PriceLevel{Price: o.Price})
	if ok {
		level.Orders = insertSorted(level.Orders, o)
	} else {
		lvls.Set(&PriceLevel{Price: o.Price, Orders: []*common.InternalOrder{o}})
	}
	b.index[o.ID] = o
	b.hasActivity = true
}

// Cancel removes the matching entry from either side. Returns false if
// no such live order exists (already filled, already cancelled, or
// never inserted).
func (b *OrderBook) Cancel(orderID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelLocked(orderID)
}

func (b *OrderBook) cancelLocked(orderID string) bool {
	o, ok := b.index[orderID]
	if !ok {
		return false
	}
	lvls := sideLevels(b, o.Side)
	level, ok := lvls.Get(&PriceLevel{Price: o.Price})
	if !ok {
		delete(b.index, orderID)
		return false
	}
	for i, entry := range level.Orders {
		if entry.ID == orderID {
			level.Orders = append(level.Orders[:i], level.Orders[i+1:]...)
			break
		}
	}
	if len(level.Orders) == 0 {
		lvls.Delete(level)
	}
	delete(b.index, orderID)
	b.hasActivity = true
	return true
}

// Reinsert restores a cancelled-but-not-yet-unblocked order at its
// original priority, used when a cancellation's ledger unblock step
// fails after the in-memory removal (spec.md §5 commit/visibility rule).
func (b *OrderBook) Reinsert(o *common.InternalOrder) {
	b.InsertLimit(o)
}

// ProbeMarket walks the opposite side in priority order without
// mutating the book, accumulating liquidity and required cash, and
// reports feasibility per spec.md §4.1.
func (b *OrderBook) ProbeMarket(side common.Side, qty int64, maxCash int64, maxAsset int64) MatchResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.probeLocked(side, qty, maxCash, maxAsset)
}

func (b *OrderBook) probeLocked(side common.Side, qty int64, maxCash int64, maxAsset int64) MatchResult {
	opposite := sideLevels(b, oppositeSide(side))

	var availableQty, requiredCash int64
	opposite.Scan(func(level *PriceLevel) bool {
		for _, o := range level.Orders {
			if availableQty >= qty {
				return false
			}
			take := min64(qty-availableQty, o.Remaining())
			availableQty += take
			requiredCash += take * level.Price
		}
		return availableQty < qty
	})

	if availableQty < qty {
		return MatchResult{Feasible: false, Reason: "insufficient book liquidity", AvailableQty: availableQty, RequiredCash: requiredCash}
	}
	if side == common.Buy {
		if maxCash < requiredCash {
			return MatchResult{Feasible: false, Reason: "insufficient available cash", AvailableQty: availableQty, RequiredCash: requiredCash}
		}
	} else {
		if maxAsset < qty {
			return MatchResult{Feasible: false, Reason: "insufficient available asset", AvailableQty: availableQty, RequiredCash: requiredCash}
		}
	}
	return MatchResult{Feasible: true, AvailableQty: availableQty, RequiredCash: requiredCash}
}

// ExecuteMarket consumes the opposite side in priority order to fill
// order (which is never inserted into the book) and returns the
// resulting executions. Fully filled resting orders are removed from
// the book; partially filled resting orders have their Filled advanced
// in place. The caller (engine/executor) is responsible for persisting
// these updates to the ledger.
func (b *OrderBook) ExecuteMarket(order *common.InternalOrder) ([]common.TradeExecution, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.executeMarketLocked(order)
}

// ExecuteMarketBounded atomically probes feasibility and, if feasible,
// executes the market order in one lock acquisition. This closes the
// race a separate probe-then-execute call pair would have under
// concurrent submissions to the same book (spec.md §5: submissions to a
// single book are serialized by holding its lock for the whole
// operation).
func (b *OrderBook) ExecuteMarketBounded(order *common.InternalOrder, maxCash, maxAsset int64) ([]common.TradeExecution, MatchResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := b.probeLocked(order.Side, order.Qty, maxCash, maxAsset)
	if !result.Feasible {
		return nil, result, nil
	}
	execs, err := b.executeMarketLocked(order)
	return execs, result, err
}

func (b *OrderBook) executeMarketLocked(order *common.InternalOrder) ([]common.TradeExecution, error) {
	opposite := sideLevels(b, oppositeSide(order.Side))
	var execs []common.TradeExecution

	for order.Remaining() > 0 {
		level, ok := opposite.Min()
		if !ok {
			return execs, ErrNotEnoughLiquidity
		}
		consumed := 0
		for _, resting := range level.Orders {
			if order.Remaining() == 0 {
				break
			}
			qty := min64(order.Remaining(), resting.Remaining())

			order.Filled += qty
			resting.Filled += qty
			if resting.Remaining() == 0 {
				resting.Status = common.StatusExecuted
				consumed++
			} else {
				resting.Status = common.StatusPartiallyExecuted
			}

			exec := buildExecution(order, resting, b.Ticker, qty, level.Price)
			execs = append(execs, exec)
		}
		for _, resting := range level.Orders[:consumed] {
			delete(b.index, resting.ID)
		}
		if consumed == len(level.Orders) {
			opposite.Delete(level)
		} else {
			level.Orders = level.Orders[consumed:]
		}
		if consumed == 0 && order.Remaining() > 0 {
			// Defensive: level produced no progress, avoid infinite loop.
			return execs, ErrNotEnoughLiquidity
		}
	}

	if order.Remaining() == 0 {
		order.Status = common.StatusExecuted
	}
	b.hasActivity = true
	return execs, nil
}

// Cross repeatedly matches the top of bids against the top of asks
// while prices overlap, at the resting ask's price, refunding bid-side
// price improvement as Change. Returns the trades produced and resets
// the activity flag if none were.
func (b *OrderBook) Cross() []common.TradeExecution {
	b.mu.Lock()
	defer b.mu.Unlock()

	var execs []common.TradeExecution

	for {
		bidLevel, bidOk := b.bids.Min()
		askLevel, askOk := b.asks.Min()
		if !bidOk || !askOk || bidLevel.Price < askLevel.Price {
			break
		}

		bid := bidLevel.Orders[0]
		ask := askLevel.Orders[0]

		qty := min64(bid.Remaining(), ask.Remaining())
		price := askLevel.Price
		var change int64
		if bid.Price > ask.Price {
			change = (bid.Price - ask.Price) * qty
		}

		bid.Filled += qty
		ask.Filled += qty
		if bid.Remaining() == 0 {
			bid.Status = common.StatusExecuted
		} else {
			bid.Status = common.StatusPartiallyExecuted
		}
		if ask.Remaining() == 0 {
			ask.Status = common.StatusExecuted
		} else {
			ask.Status = common.StatusPartiallyExecuted
		}

		execs = append(execs, common.TradeExecution{
			Bid:    bid,
			Ask:    ask,
			Ticker: b.Ticker,
			Qty:    qty,
			Price:  price,
			Change: change,
		})

		if bid.Remaining() == 0 {
			bidLevel.Orders = bidLevel.Orders[1:]
			delete(b.index, bid.ID)
			if len(bidLevel.Orders) == 0 {
				b.bids.Delete(bidLevel)
			}
		}
		if ask.Remaining() == 0 {
			askLevel.Orders = askLevel.Orders[1:]
			delete(b.index, ask.ID)
			if len(askLevel.Orders) == 0 {
				b.asks.Delete(askLevel)
			}
		}
	}

	if len(execs) == 0 {
		b.clearActivity()
	} else {
		b.hasActivity = true
	}
	return execs
}

func buildExecution(taker, resting *common.InternalOrder, ticker string, qty, price int64) common.TradeExecution {
	exec := common.TradeExecution{Ticker: ticker, Qty: qty, Price: price}
	if taker.Side == common.Buy {
		exec.Bid = taker
		exec.Ask = resting
	} else {
		exec.Bid = resting
		exec.Ask = taker
	}
	return exec
}

func oppositeSide(side common.Side) common.Side {
	if side == common.Buy {
		return common.Sell
	}
	return common.Buy
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
