// Package httpapi wires the gin.Engine exposing spec.md §6's public,
// user, and admin route groups (spec.md §4.7). It owns request
// decoding, API-key authentication, and the error-taxonomy-to-status
// mapping; every handler delegates the actual work to internal/service,
// internal/admin, internal/engine, and internal/ledger.
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"exchange/internal/admin"
	"exchange/internal/common"
	"exchange/internal/engine"
	"exchange/internal/ledger"
	"exchange/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const userIDKey = "exchange.userID"
const userRoleKey = "exchange.role"

// New builds the full gin.Engine for the exchange's HTTP edge. depth
// bounds how many price levels per side GET /orderbook/:ticker returns
// (EXCHANGE_ORDER_BOOK_DEPTH).
func New(store ledger.Ledger, eng *engine.Engine, orders *service.OrderService, adm *admin.Admin, depth int) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	api := r.Group("/api/v1")

	public := api.Group("/public")
	{
		public.POST("/register", registerHandler(adm))
		public.GET("/instrument", listInstrumentsHandler(store))
		public.GET("/orderbook/:ticker", orderBookHandler(eng, depth))
		public.GET("/transactions/:ticker", transactionsHandler(store))
	}

	user := api.Group("")
	user.Use(authMiddleware(store))
	{
		user.GET("/balance", balanceHandler(store))
		user.POST("/order", createOrderHandler(orders))
		user.GET("/order", listOrdersHandler(orders))
		user.GET("/order/:id", getOrderHandler(orders))
		user.DELETE("/order/:id", cancelOrderHandler(orders))
	}

	adminGroup := api.Group("/admin")
	adminGroup.Use(authMiddleware(store), adminOnly())
	{
		adminGroup.DELETE("/user/:id", deleteUserHandler(adm))
		adminGroup.POST("/instrument", addInstrumentHandler(adm))
		adminGroup.DELETE("/instrument/:ticker", removeInstrumentHandler(adm))
		adminGroup.POST("/balance/deposit", depositHandler(adm))
		adminGroup.POST("/balance/withdraw", withdrawHandler(adm))
	}

	return r
}

// authMiddleware validates the `Authorization: TOKEN key-<uuid>` header
// against the ledger's active user table and stashes the resolved
// identity for downstream handlers.
func authMiddleware(store ledger.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "TOKEN "
		if !strings.HasPrefix(header, prefix) {
			writeError(c, common.NewAuthError("missing or malformed Authorization header"))
			c.Abort()
			return
		}
		apiKey := strings.TrimPrefix(header, prefix)

		var user common.User
		err := store.WithTx(c.Request.Context(), func(ctx context.Context, tx ledger.Tx) error {
			var err error
			user, err = tx.GetUserByAPIKey(ctx, apiKey)
			return err
		})
		if err != nil {
			writeError(c, err)
			c.Abort()
			return
		}

		c.Set(userIDKey, user.ID)
		c.Set(userRoleKey, user.Role)
		c.Next()
	}
}

func adminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := c.Get(userRoleKey)
		if role != common.RoleAdmin {
			writeError(c, common.NewAuthError("admin role required"))
			c.Abort()
			return
		}
		c.Next()
	}
}

func currentUser(c *gin.Context) string {
	id, _ := c.Get(userIDKey)
	userID, _ := id.(string)
	return userID
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request handled")
	}
}

// writeError maps the error taxonomy of spec.md §7 onto HTTP status
// codes.
func writeError(c *gin.Context, err error) {
	switch e := err.(type) {
	case *common.ValidationError:
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": e.Error()})
	case *common.AuthError:
		c.JSON(http.StatusForbidden, gin.H{"error": e.Error()})
	case *common.NotFoundError:
		c.JSON(http.StatusNotFound, gin.H{"error": e.Error()})
	case *common.DomainConflictError:
		c.JSON(http.StatusBadRequest, gin.H{"error": e.Error(), "code": e.Code})
	case *common.ConsistencyError:
		log.Error().Str("op", e.Op).Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).Str("user", currentUser(c)).
			Msg(e.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal consistency error"})
	case *common.TransientError:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": e.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
