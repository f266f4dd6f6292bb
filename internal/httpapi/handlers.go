package httpapi

import (
	"context"
	"net/http"

	"exchange/internal/admin"
	"exchange/internal/common"
	"exchange/internal/engine"
	"exchange/internal/ledger"
	"exchange/internal/service"

	"github.com/gin-gonic/gin"
)

// registerRequest backs POST /api/v1/public/register; the handler
// responds with the stored user record.
type registerRequest struct {
	Name string `json:"name" binding:"required"`
}

func registerHandler(adm *admin.Admin) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, common.NewValidationError("name", "required"))
			return
		}
		user, err := adm.RegisterUser(c.Request.Context(), req.Name)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, user)
	}
}

func listInstrumentsHandler(store ledger.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var instruments []common.Instrument
		err := store.WithTx(c.Request.Context(), func(ctx context.Context, tx ledger.Tx) error {
			var err error
			instruments, err = tx.ListInstruments(ctx)
			return err
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, instruments)
	}
}

func orderBookHandler(eng *engine.Engine, depth int) gin.HandlerFunc {
	return func(c *gin.Context) {
		ticker := c.Param("ticker")
		snap, err := eng.Snapshot(ticker, depth)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

func transactionsHandler(store ledger.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ticker := c.Param("ticker")
		var trades []common.Trade
		err := store.WithTx(c.Request.Context(), func(ctx context.Context, tx ledger.Tx) error {
			var err error
			trades, err = tx.ListTradesByTicker(ctx, ticker, 100)
			return err
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, trades)
	}
}

func balanceHandler(store ledger.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := currentUser(c)
		var balances []common.Balance
		err := store.WithTx(c.Request.Context(), func(ctx context.Context, tx ledger.Tx) error {
			var err error
			balances, err = tx.ListBalances(ctx, userID)
			return err
		})
		if err != nil {
			writeError(c, err)
			return
		}
		// spec.md §6: GET /balance returns {ticker: amount}, amount being
		// the user-visible available+blocked total, not the ledger's
		// internal available/blocked split.
		out := make(map[string]int64, len(balances))
		for _, b := range balances {
			out[b.Ticker] = b.Total()
		}
		c.JSON(http.StatusOK, out)
	}
}

// orderRequest is the tagged sum type spec.md §9 calls for: the
// presence of "price" selects the LIMIT variant, its absence MARKET.
type orderRequest struct {
	Ticker    string `json:"ticker" binding:"required"`
	Direction string `json:"direction" binding:"required"`
	Qty       int64  `json:"qty" binding:"required"`
	Price     *int64 `json:"price"`
}

func createOrderHandler(orders *service.OrderService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req orderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, common.NewValidationError("body", "malformed order request"))
			return
		}
		userID := currentUser(c)
		side := common.Side(req.Direction)

		var orderID string
		var err error
		if req.Price != nil {
			orderID, err = orders.CreateLimit(c.Request.Context(), service.CreateLimitRequest{
				UserID: userID, Ticker: req.Ticker, Side: side, Qty: req.Qty, Price: *req.Price,
			})
		} else {
			orderID, err = orders.CreateMarket(c.Request.Context(), service.CreateMarketRequest{
				UserID: userID, Ticker: req.Ticker, Side: side, Qty: req.Qty,
			})
		}
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"order_id": orderID})
	}
}

func listOrdersHandler(orders *service.OrderService) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := orders.List(c.Request.Context(), currentUser(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, list)
	}
}

func getOrderHandler(orders *service.OrderService) gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := orders.Get(c.Request.Context(), currentUser(c), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

func cancelOrderHandler(orders *service.OrderService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := orders.Cancel(c.Request.Context(), currentUser(c), c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func deleteUserHandler(adm *admin.Admin) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := adm.SoftDeleteUser(c.Request.Context(), c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type instrumentRequest struct {
	Ticker string `json:"ticker" binding:"required"`
	Name   string `json:"name"`
}

func addInstrumentHandler(adm *admin.Admin) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req instrumentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, common.NewValidationError("ticker", "required"))
			return
		}
		if err := adm.AddInstrument(c.Request.Context(), req.Ticker, req.Name); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusCreated)
	}
}

func removeInstrumentHandler(adm *admin.Admin) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := adm.RemoveInstrument(c.Request.Context(), c.Param("ticker")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type balanceRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Ticker string `json:"ticker" binding:"required"`
	Amount int64  `json:"amount" binding:"required"`
}

func depositHandler(adm *admin.Admin) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req balanceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, common.NewValidationError("body", "malformed balance request"))
			return
		}
		if err := adm.Deposit(c.Request.Context(), req.UserID, req.Ticker, req.Amount); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusOK)
	}
}

func withdrawHandler(adm *admin.Admin) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req balanceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, common.NewValidationError("body", "malformed balance request"))
			return
		}
		if err := adm.Withdraw(c.Request.Context(), req.UserID, req.Ticker, req.Amount); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusOK)
	}
}
