// Package reconcile runs the periodic cross-matching pass (spec.md
// §4.5): tick, ask the Engine to cross every book with pending
// activity, settle whatever it produces, and keep going until the
// process is torn down. Supervision follows the teacher's tomb.v2
// pattern for background goroutines (internal/net/server.go's
// sessionHandler/worker loops), adapted here to a single ticking loop
// instead of a connection-handling fan-out.
package reconcile

import (
	"context"
	"time"

	"exchange/internal/engine"
	"exchange/internal/executor"
	"exchange/internal/ledger"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

// Loop owns the reconciliation goroutine's lifecycle.
type Loop struct {
	store    ledger.Ledger
	eng      *engine.Engine
	exec     *executor.Executor
	interval time.Duration
}

func New(store ledger.Ledger, eng *engine.Engine, exec *executor.Executor, interval time.Duration) *Loop {
	return &Loop{store: store, eng: eng, exec: exec, interval: interval}
}

// Run ticks at l.interval, crossing and settling pending books, until
// t is told to die. A settlement error is logged and the loop
// continues — one bad pass must not take down the whole exchange,
// since the underlying ledger transaction already rolled back whatever
// it touched.
func (l *Loop) Run(t *tomb.Tomb) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", l.interval).Msg("reconciliation loop starting")
	for {
		select {
		case <-t.Dying():
			log.Info().Msg("reconciliation loop stopping")
			return nil
		case <-ticker.C:
			l.tick(t.Context(context.Background()))
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	execs := l.eng.CrossAllPending(ctx)
	if len(execs) == 0 {
		return
	}
	err := l.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		return l.exec.Settle(ctx, tx, execs)
	})
	if err != nil {
		log.Error().Err(err).Int("trades", len(execs)).Msg("reconciliation pass failed to settle")
	}
}
