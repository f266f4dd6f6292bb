// Package service implements the user-facing order operations
// (spec.md §4.4): create limit, create market, cancel, list, fetch. It
// couples balance blocking with book insertion under a single
// transactional boundary, and owns the commit/visibility rule that
// in-memory book mutation only follows a committed ledger change.
package service

import (
	"context"
	"time"

	"exchange/internal/common"
	"exchange/internal/engine"
	"exchange/internal/executor"
	"exchange/internal/ledger"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const cancelRetryAttempts = 5

// OrderService couples the Ledger, the matching Engine, and the Trade
// Executor behind the operations spec.md §4.4 names.
type OrderService struct {
	store ledger.Ledger
	eng   *engine.Engine
	exec  *executor.Executor
}

func New(store ledger.Ledger, eng *engine.Engine, exec *executor.Executor) *OrderService {
	return &OrderService{store: store, eng: eng, exec: exec}
}

// CreateLimitRequest describes a resting limit order submission.
type CreateLimitRequest struct {
	UserID string
	Ticker string
	Side   common.Side
	Qty    int64
	Price  int64
}

// CreateMarketRequest describes an immediate market order submission.
type CreateMarketRequest struct {
	UserID string
	Ticker string
	Side   common.Side
	Qty    int64
}

// CreateLimit blocks the required reservation, persists the order row,
// and — only after that transaction commits — inserts the live entry
// into the engine's book (spec.md §5 commit/visibility rule).
func (s *OrderService) CreateLimit(ctx context.Context, req CreateLimitRequest) (string, error) {
	if err := validateLimitRequest(req); err != nil {
		return "", err
	}

	orderID := uuid.NewString()
	now := time.Now().UTC()

	err := s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if _, err := tx.GetInstrument(ctx, req.Ticker); err != nil {
			return err
		}

		reserveTicker, reserveAmount := reservationFor(req.Side, req.Ticker, req.Qty, req.Price)
		if err := tx.BlockFunds(ctx, req.UserID, reserveTicker, reserveAmount); err != nil {
			return err
		}

		order := common.Order{
			ID: orderID, UserID: req.UserID, Ticker: req.Ticker, Side: req.Side,
			Type: common.LimitOrder, Price: req.Price, Qty: req.Qty,
			Filled: 0, Status: common.StatusNew, Timestamp: now,
		}
		return tx.InsertOrder(ctx, order)
	})
	if err != nil {
		return "", err
	}

	internal := &common.InternalOrder{
		ID: orderID, UserID: req.UserID, Ticker: req.Ticker, Side: req.Side,
		Price: req.Price, Qty: req.Qty, Filled: 0, Status: common.StatusNew, Timestamp: now,
	}
	if err := s.eng.InsertLimit(req.Ticker, internal); err != nil {
		log.Error().Err(err).Str("order", orderID).
			Msg("order persisted but book insertion failed: ledger/book divergence")
		return "", common.NewConsistencyError("CreateLimit", "order committed to ledger but could not be inserted into the book")
	}
	return orderID, nil
}

// CreateMarket resolves spec.md §9's open question as block-then-settle:
// the book is only ever probed, never mutated, before the order is
// persisted and its funds blocked; the book-mutating execute step runs
// last, once those ledger writes have succeeded. This ordering matters
// because BlockFunds can still fail on a concurrent balance change (a
// second order, a withdrawal) even after a probe reported the book
// feasible — running the mutation first would have already consumed
// real resting liquidity for an order that then fails to commit.
func (s *OrderService) CreateMarket(ctx context.Context, req CreateMarketRequest) (string, error) {
	if err := validateMarketRequest(req); err != nil {
		return "", err
	}

	orderID := uuid.NewString()
	now := time.Now().UTC()

	err := s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if _, err := tx.GetInstrument(ctx, req.Ticker); err != nil {
			return err
		}

		var maxCash, maxAsset int64
		if req.Side == common.Buy {
			balance, err := tx.GetBalance(ctx, req.UserID, common.RubTicker)
			if err != nil {
				return err
			}
			maxCash = balance.Available
		} else {
			balance, err := tx.GetBalance(ctx, req.UserID, req.Ticker)
			if err != nil {
				return err
			}
			maxAsset = balance.Available
		}

		result, err := s.eng.ProbeMarket(req.Ticker, req.Side, req.Qty, maxCash, maxAsset)
		if err != nil {
			return err
		}
		if !result.Feasible {
			return common.NewDomainConflictError("MARKET_UNFILLABLE", "market order cannot be filled: "+result.Reason)
		}

		order := common.Order{
			ID: orderID, UserID: req.UserID, Ticker: req.Ticker, Side: req.Side,
			Type: common.MarketOrder, Price: 0, Qty: req.Qty, Filled: 0,
			Status: common.StatusNew, Timestamp: now,
		}
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}

		reserveTicker, reserveAmount := marketReservationFor(req.Side, req.Ticker, req.Qty, result.RequiredCash)
		if err := tx.BlockFunds(ctx, req.UserID, reserveTicker, reserveAmount); err != nil {
			return err
		}

		internal := &common.InternalOrder{
			ID: orderID, UserID: req.UserID, Ticker: req.Ticker, Side: req.Side,
			Qty: req.Qty, Filled: 0, Status: common.StatusNew, Timestamp: now,
		}

		// Funds are now committed to the block based on the first probe;
		// re-verify feasibility atomically with the mutation itself, since
		// a concurrent taker could have consumed the same liquidity in
		// between. A shortfall here is no longer a rejectable order — it's
		// a divergence between a committed reservation and the book.
		execs, result2, err := s.eng.ExecuteMarketBounded(req.Ticker, internal, maxCash, maxAsset)
		if err != nil {
			return err
		}
		if !result2.Feasible {
			return common.NewConsistencyError("CreateMarket", "book liquidity vanished between probe and execute: "+result2.Reason)
		}

		if err := s.exec.Settle(ctx, tx, execs); err != nil {
			return err
		}

		if internal.Remaining() != 0 || internal.Status != common.StatusExecuted {
			return common.NewConsistencyError("CreateMarket", "market order settled without reaching filled==qty")
		}
		return tx.UpdateOrderProgress(ctx, orderID, internal.Filled, internal.Status)
	})
	if err != nil {
		return "", err
	}
	return orderID, nil
}

// Cancel removes a live LIMIT order from its book and refunds the
// unblocked reservation. If the book denies removal (already fully
// settled by a concurrent crossing pass) the attempt is retried a
// bounded number of times; persistent denial while the ledger still
// shows the order open is a fatal consistency error (spec.md §4.4).
func (s *OrderService) Cancel(ctx context.Context, userID, orderID string) error {
	return s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.UserID != userID {
			return common.NewNotFoundError("order", orderID)
		}
		if order.Type != common.LimitOrder || !order.IsOpen() {
			return common.ErrOrderTerminal
		}

		var removed bool
		for attempt := 0; attempt < cancelRetryAttempts; attempt++ {
			removed, err = s.eng.Cancel(order.Ticker, orderID)
			if err != nil {
				return err
			}
			if removed {
				break
			}
			// A concurrent crossing pass may be mutating this exact
			// order right now; re-read the ledger's view and retry
			// briefly before declaring a fatal divergence.
			order, err = tx.GetOrderForUpdate(ctx, orderID)
			if err != nil {
				return err
			}
			if !order.IsOpen() {
				// The order settled out from under us; nothing to cancel.
				return common.ErrOrderTerminal
			}
			time.Sleep(time.Millisecond)
		}
		if !removed {
			return common.NewConsistencyError("Cancel", "order open in ledger but not found in book after retries")
		}

		remaining := order.Qty - order.Filled
		refundTicker, refundAmount := reservationFor(order.Side, order.Ticker, remaining, order.Price)
		if err := tx.UnblockFunds(ctx, userID, refundTicker, refundAmount); err != nil {
			// Restore the in-memory entry at its original priority: the
			// ledger-side unblock failed, so the cancellation as a whole
			// is rolled back by the surrounding transaction, and the
			// book must reflect that too.
			s.eng.Reinsert(order.Ticker, &common.InternalOrder{
				ID: order.ID, UserID: order.UserID, Ticker: order.Ticker, Side: order.Side,
				Price: order.Price, Qty: order.Qty, Filled: order.Filled,
				Status: order.Status, Timestamp: order.Timestamp,
			})
			return err
		}

		return tx.UpdateOrderProgress(ctx, orderID, order.Filled, common.StatusCancelled)
	})
}

// Get fetches a single order, ensuring it belongs to userID.
func (s *OrderService) Get(ctx context.Context, userID, orderID string) (common.Order, error) {
	var order common.Order
	err := s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		order, err = tx.GetOrder(ctx, orderID)
		return err
	})
	if err != nil {
		return common.Order{}, err
	}
	if order.UserID != userID {
		return common.Order{}, common.NewNotFoundError("order", orderID)
	}
	return order, nil
}

// List returns every order belonging to userID, oldest first.
func (s *OrderService) List(ctx context.Context, userID string) ([]common.Order, error) {
	var orders []common.Order
	err := s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		orders, err = tx.ListOrdersByUser(ctx, userID)
		return err
	})
	return orders, err
}

func validateLimitRequest(req CreateLimitRequest) error {
	if req.Qty <= 0 {
		return common.NewValidationError("qty", "must be a positive integer")
	}
	if req.Price <= 0 {
		return common.NewValidationError("price", "must be a positive integer")
	}
	if req.Side != common.Buy && req.Side != common.Sell {
		return common.NewValidationError("direction", "must be BUY or SELL")
	}
	return nil
}

func validateMarketRequest(req CreateMarketRequest) error {
	if req.Qty <= 0 {
		return common.NewValidationError("qty", "must be a positive integer")
	}
	if req.Side != common.Buy && req.Side != common.Sell {
		return common.NewValidationError("direction", "must be BUY or SELL")
	}
	return nil
}

// reservationFor computes the (ticker, amount) a LIMIT order of side
// must block/unblock: SELL reserves the asset itself, BUY reserves cash
// at the limit price.
func reservationFor(side common.Side, ticker string, qty, price int64) (string, int64) {
	if side == common.Sell {
		return ticker, qty
	}
	return common.RubTicker, qty * price
}

// marketReservationFor computes the exact funds a settled MARKET order
// must block: BUY blocks the cash actually spent (sum of qty_i*price_i
// from the execution plan); SELL blocks the total quantity sold.
func marketReservationFor(side common.Side, ticker string, qty, requiredCash int64) (string, int64) {
	if side == common.Buy {
		return common.RubTicker, requiredCash
	}
	return ticker, qty
}
