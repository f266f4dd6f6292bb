// Package engine is the registry of every instrument's order book,
// keyed by ticker, and the single synchronization point that owns book
// lifecycle (startup load, instrument add/remove) and drives periodic
// cross-matching. It generalizes the teacher's single-asset
// map[AssetType]OrderBook (internal/engine/engine.go) to an arbitrary,
// admin-managed ticker universe.
package engine

import (
	"context"
	"sync"

	"exchange/internal/book"
	"exchange/internal/common"
	"exchange/internal/ledger"
	"exchange/internal/utils"

	"github.com/rs/zerolog/log"
)

// Engine holds books: ticker -> OrderBook behind a single mutex
// protecting the map itself; book-internal state is independently
// mutex-protected inside *book.OrderBook (spec.md §4.2).
type Engine struct {
	mu    sync.RWMutex
	books map[string]*book.OrderBook
	pool  *utils.WorkerPool
}

func New() *Engine {
	return &Engine{
		books: make(map[string]*book.OrderBook),
		pool:  utils.NewWorkerPool(8),
	}
}

// Startup loads active instruments and every open LIMIT order, replaying
// them into fresh books ordered by timestamp ascending (spec.md §4.2).
// Market orders are never persisted in open state so none are replayed.
func (e *Engine) Startup(ctx context.Context, store ledger.Ledger) error {
	return store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		instruments, err := tx.ListInstruments(ctx)
		if err != nil {
			return err
		}
		e.mu.Lock()
		for _, instrument := range instruments {
			if instrument.Ticker == common.RubTicker {
				continue
			}
			e.books[instrument.Ticker] = book.New(instrument.Ticker)
		}
		e.mu.Unlock()

		orders, err := tx.ListOpenLimitOrders(ctx)
		if err != nil {
			return err
		}
		for _, o := range orders {
			b, ok := e.bookFor(o.Ticker)
			if !ok {
				log.Warn().Str("ticker", o.Ticker).Str("order", o.ID).
					Msg("skipping open order for unknown instrument during startup replay")
				continue
			}
			b.InsertLimit(&common.InternalOrder{
				ID: o.ID, UserID: o.UserID, Ticker: o.Ticker, Side: o.Side,
				Price: o.Price, Qty: o.Qty, Filled: o.Filled, Status: o.Status,
				Timestamp: o.Timestamp,
			})
		}
		log.Info().Int("instruments", len(instruments)).Int("openOrders", len(orders)).Msg("engine startup replay complete")
		return nil
	})
}

// AddInstrument creates an empty book for a newly admitted ticker.
func (e *Engine) AddInstrument(ticker string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.books[ticker]; !ok {
		e.books[ticker] = book.New(ticker)
	}
}

// RemoveBook discards the book for ticker. It does not cancel open
// orders — draining, if desired, is the admin flow's responsibility
// (spec.md §9 open question, resolved: no forced drain).
func (e *Engine) RemoveBook(ticker string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.books, ticker)
}

func (e *Engine) bookFor(ticker string) (*book.OrderBook, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.books[ticker]
	return b, ok
}

var ErrUnknownTicker = common.ErrUnknownInstrument

// InsertLimit is a thin passthrough: the engine lock is held only to
// look the book up, and the book's own mutex guards the insert.
func (e *Engine) InsertLimit(ticker string, o *common.InternalOrder) error {
	b, ok := e.bookFor(ticker)
	if !ok {
		return ErrUnknownTicker
	}
	b.InsertLimit(o)
	return nil
}

// Cancel is a thin passthrough: the engine lock is held only to look
// the book up, and the book's own mutex guards the removal.
func (e *Engine) Cancel(ticker, orderID string) (bool, error) {
	b, ok := e.bookFor(ticker)
	if !ok {
		return false, ErrUnknownTicker
	}
	return b.Cancel(orderID), nil
}

// Reinsert restores a cancelled order at its original priority after a
// failed unblock, per spec.md §5.
func (e *Engine) Reinsert(ticker string, o *common.InternalOrder) error {
	b, ok := e.bookFor(ticker)
	if !ok {
		return ErrUnknownTicker
	}
	b.Reinsert(o)
	return nil
}

// ProbeMarket builds a feasibility check for a market order without
// mutating the book.
func (e *Engine) ProbeMarket(ticker string, side common.Side, qty, maxCash, maxAsset int64) (book.MatchResult, error) {
	b, ok := e.bookFor(ticker)
	if !ok {
		return book.MatchResult{}, ErrUnknownTicker
	}
	return b.ProbeMarket(side, qty, maxCash, maxAsset), nil
}

// ExecuteMarket consumes liquidity for a market order and returns the
// resulting executions.
func (e *Engine) ExecuteMarket(ticker string, order *common.InternalOrder) ([]common.TradeExecution, error) {
	b, ok := e.bookFor(ticker)
	if !ok {
		return nil, ErrUnknownTicker
	}
	return b.ExecuteMarket(order)
}

// ExecuteMarketBounded atomically probes and, if feasible, executes a
// market order against ticker's book bounded by the caller's available
// balance, avoiding the race a separate probe-then-execute call pair
// would have under concurrent submissions.
func (e *Engine) ExecuteMarketBounded(ticker string, order *common.InternalOrder, maxCash, maxAsset int64) ([]common.TradeExecution, book.MatchResult, error) {
	b, ok := e.bookFor(ticker)
	if !ok {
		return nil, book.MatchResult{}, ErrUnknownTicker
	}
	return b.ExecuteMarketBounded(order, maxCash, maxAsset)
}

// Snapshot aggregates the top `limit` price levels of ticker's book.
func (e *Engine) Snapshot(ticker string, limit int) (book.Snapshot, error) {
	b, ok := e.bookFor(ticker)
	if !ok {
		return book.Snapshot{}, ErrUnknownTicker
	}
	return b.Snapshot(limit), nil
}

// CrossAllPending runs a crossing pass over every book with pending
// activity, fanning out across a bounded worker pool (adapted from the
// teacher's internal/worker.go connection-handling pool, generalized
// here to independent per-book matching work since each book's Cross()
// is self-contained and mutex-protected). Returns every trade produced,
// unsorted; executor.Settle sorts them by (buyer_id, seller_id) before
// settling.
func (e *Engine) CrossAllPending(ctx context.Context) []common.TradeExecution {
	e.mu.RLock()
	active := make([]*book.OrderBook, 0, len(e.books))
	for _, b := range e.books {
		if b.HasActivity() {
			active = append(active, b)
		}
	}
	e.mu.RUnlock()

	if len(active) == 0 {
		return nil
	}

	results := make([][]common.TradeExecution, len(active))
	var wg sync.WaitGroup
	for i, b := range active {
		i, b := i, b
		wg.Add(1)
		e.pool.Submit(func() {
			defer wg.Done()
			results[i] = b.Cross()
		})
	}
	wg.Wait()

	var all []common.TradeExecution
	for _, trades := range results {
		all = append(all, trades...)
	}
	return all
}
