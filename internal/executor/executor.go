// Package executor settles a batch of matches produced by the order
// book against the Ledger inside a single transaction: it transfers
// reserved asset/cash, emits trade records, updates order statuses, and
// refunds price improvement (spec.md §4.3).
package executor

import (
	"context"
	"sort"
	"time"

	"exchange/internal/common"
	"exchange/internal/ledger"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Executor settles TradeExecutions against a Ledger transaction.
type Executor struct{}

func New() *Executor {
	return &Executor{}
}

// Settle commits every execution in order, sorted by (buyer_id,
// seller_id) to keep row-lock acquisition order consistent across
// concurrent settlements (spec.md §5). Any failure aborts the whole
// batch — the caller's ledger.WithTx rolls back every mutation made so
// far in this call.
func (x *Executor) Settle(ctx context.Context, tx ledger.Tx, execs []common.TradeExecution) error {
	if len(execs) == 0 {
		return nil
	}

	sorted := make([]common.TradeExecution, len(execs))
	copy(sorted, execs)
	sort.SliceStable(sorted, func(i, j int) bool {
		bi, si := sorted[i].Bid.UserID, sorted[i].Ask.UserID
		bj, sj := sorted[j].Bid.UserID, sorted[j].Ask.UserID
		if bi != bj {
			return bi < bj
		}
		return si < sj
	})

	for _, exec := range sorted {
		if err := x.settleOne(ctx, tx, exec); err != nil {
			return err
		}
	}
	return nil
}

func (x *Executor) settleOne(ctx context.Context, tx ledger.Tx, exec common.TradeExecution) error {
	buyer := exec.Bid.UserID
	seller := exec.Ask.UserID
	cash := exec.Qty * exec.Price

	// 1. Verify seller's blocked asset covers the fill.
	sellerBalance, err := tx.GetBalance(ctx, seller, exec.Ticker)
	if err != nil {
		return err
	}
	if sellerBalance.Blocked < exec.Qty {
		return common.NewConsistencyError("executor.settleOne", "seller blocked asset below trade quantity")
	}

	// 2. Verify buyer's blocked cash covers the fill.
	buyerBalance, err := tx.GetBalance(ctx, buyer, common.RubTicker)
	if err != nil {
		return err
	}
	if buyerBalance.Blocked < cash {
		return common.NewConsistencyError("executor.settleOne", "buyer blocked cash below trade value")
	}

	// 3. Seller's blocked asset -= qty.
	if err := tx.DebitBlocked(ctx, seller, exec.Ticker, exec.Qty); err != nil {
		return common.NewConsistencyError("executor.settleOne", "debit seller blocked asset: "+err.Error())
	}
	// 4. Buyer's available asset += qty.
	if err := tx.CreditAvailable(ctx, buyer, exec.Ticker, exec.Qty); err != nil {
		return err
	}
	// 5. Buyer's blocked cash -= qty*price.
	if err := tx.DebitBlocked(ctx, buyer, common.RubTicker, cash); err != nil {
		return common.NewConsistencyError("executor.settleOne", "debit buyer blocked cash: "+err.Error())
	}
	// 6. Seller's available cash += qty*price.
	if err := tx.CreditAvailable(ctx, seller, common.RubTicker, cash); err != nil {
		return err
	}
	// 7. Refund price improvement, if any, from buyer's blocked cash.
	if exec.Change > 0 {
		if err := tx.MoveBlockedToAvailable(ctx, buyer, common.RubTicker, exec.Change); err != nil {
			return common.NewConsistencyError("executor.settleOne", "refund price improvement: "+err.Error())
		}
	}

	// 8. Append the trade record. The cash leg is implicit.
	trade := common.Trade{
		ID:        uuid.NewString(),
		BuyerID:   buyer,
		SellerID:  seller,
		Ticker:    exec.Ticker,
		Amount:    exec.Qty,
		Price:     exec.Price,
		Timestamp: time.Now().UTC(),
	}
	if err := tx.InsertTrade(ctx, trade); err != nil {
		return err
	}

	// 9. Persist both orders' filled/status as already computed by the
	// book (Cross/ExecuteMarket mutate InternalOrder in place).
	if err := tx.UpdateOrderProgress(ctx, exec.Bid.ID, exec.Bid.Filled, exec.Bid.Status); err != nil {
		return err
	}
	if err := tx.UpdateOrderProgress(ctx, exec.Ask.ID, exec.Ask.Filled, exec.Ask.Status); err != nil {
		return err
	}

	log.Debug().
		Str("ticker", exec.Ticker).
		Int64("qty", exec.Qty).
		Int64("price", exec.Price).
		Str("buyer", buyer).
		Str("seller", seller).
		Msg("trade settled")
	return nil
}
