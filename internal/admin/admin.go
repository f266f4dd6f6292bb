// Package admin implements the user-registration and instrument/balance
// management surface spec.md §6 names but leaves to the edge layer
// (spec.md §4.6). It is a thin set of ledger-backed operations with no
// state of its own beyond the Engine reference needed to add or remove
// a book alongside an instrument row.
package admin

import (
	"context"
	"fmt"
	"time"

	"exchange/internal/common"
	"exchange/internal/engine"
	"exchange/internal/ledger"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type Admin struct {
	store ledger.Ledger
	eng   *engine.Engine
}

func New(store ledger.Ledger, eng *engine.Engine) *Admin {
	return &Admin{store: store, eng: eng}
}

// RegisterUser creates a new USER-role account with a freshly minted
// API key and returns the stored record (the key included).
func (a *Admin) RegisterUser(ctx context.Context, name string) (common.User, error) {
	if name == "" {
		return common.User{}, common.NewValidationError("name", "must not be empty")
	}
	user := common.User{
		ID:         uuid.NewString(),
		Name:       name,
		APIKey:     fmt.Sprintf("key-%s", uuid.NewString()),
		Role:       common.RoleUser,
		Visibility: common.VisibilityActive,
		CreatedAt:  time.Now().UTC(),
	}
	err := a.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		return tx.InsertUser(ctx, user)
	})
	if err != nil {
		return common.User{}, err
	}
	return user, nil
}

// SoftDeleteUser marks a user DELETED without touching their orders or
// balances — cross-entity cascade was left unspecified and is out of
// scope (spec.md §9).
func (a *Admin) SoftDeleteUser(ctx context.Context, userID string) error {
	return a.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		return tx.SoftDeleteUser(ctx, userID)
	})
}

// AddInstrument inserts a new tradable ticker and opens an empty book
// for it in the engine.
func (a *Admin) AddInstrument(ctx context.Context, ticker, name string) error {
	if ticker == "" || ticker == common.RubTicker {
		return common.NewValidationError("ticker", "must be a non-empty ticker distinct from RUB")
	}
	instrument := common.Instrument{Ticker: ticker, Name: name, Visibility: common.VisibilityActive}
	err := a.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		return tx.InsertInstrument(ctx, instrument)
	})
	if err != nil {
		return err
	}
	a.eng.AddInstrument(ticker)
	return nil
}

// RemoveInstrument drops ticker from the active instrument set and
// discards its book. Per spec.md §9's resolved open question, open
// orders against the instrument are not force-cancelled — they remain
// in the ledger untouched, mirroring the observed behavior of the
// source this spec was distilled from. Any such dangling orders are
// logged, since building a safe drain protocol is unscoped.
func (a *Admin) RemoveInstrument(ctx context.Context, ticker string) error {
	var danglingOrders int
	err := a.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		orders, err := tx.ListOpenLimitOrders(ctx)
		if err != nil {
			return err
		}
		for _, o := range orders {
			if o.Ticker == ticker {
				danglingOrders++
			}
		}
		return tx.RemoveInstrument(ctx, ticker)
	})
	if err != nil {
		return err
	}
	a.eng.RemoveBook(ticker)
	if danglingOrders > 0 {
		log.Warn().Str("ticker", ticker).Int("openOrders", danglingOrders).
			Msg("instrument removed with open orders left unresolved in the ledger")
	}
	return nil
}

// Deposit credits a user's available balance for ticker unconditionally.
func (a *Admin) Deposit(ctx context.Context, userID, ticker string, amount int64) error {
	if amount <= 0 {
		return common.NewValidationError("amount", "must be positive")
	}
	return a.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if ticker != common.RubTicker {
			if _, err := tx.GetInstrument(ctx, ticker); err != nil {
				return err
			}
		}
		return tx.CreditAvailable(ctx, userID, ticker, amount)
	})
}

// Withdraw debits a user's available balance for ticker, failing with
// ErrInsufficientFunds if the balance cannot cover it.
func (a *Admin) Withdraw(ctx context.Context, userID, ticker string, amount int64) error {
	if amount <= 0 {
		return common.NewValidationError("amount", "must be positive")
	}
	return a.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		balance, err := tx.GetBalance(ctx, userID, ticker)
		if err != nil {
			return err
		}
		if balance.Available < amount {
			return common.ErrInsufficientFunds
		}
		return tx.DebitAvailable(ctx, userID, ticker, amount)
	})
}
