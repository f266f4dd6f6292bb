package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"exchange/internal/admin"
	"exchange/internal/config"
	"exchange/internal/engine"
	"exchange/internal/executor"
	"exchange/internal/httpapi"
	"exchange/internal/ledger"
	"exchange/internal/reconcile"
	"exchange/internal/service"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	tomb "gopkg.in/tomb.v2"
)

func main() {
	root := &cobra.Command{
		Use:   "exchange",
		Short: "RUB-denominated matching exchange server",
		RunE:  runServer,
	}
	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("exchange exited with error")
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	store, err := ledger.Open(cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()

	eng := engine.New()
	if err := eng.Startup(ctx, store); err != nil {
		return fmt.Errorf("engine startup replay: %w", err)
	}

	exec := executor.New()
	orders := service.New(store, eng, exec)
	adm := admin.New(store, eng)
	router := httpapi.New(store, eng, orders, adm, cfg.OrderBookDepth)

	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: router,
	}

	loop := reconcile.New(store, eng, exec, cfg.ReconcileInterval)

	t, ctx := tomb.WithContext(ctx)

	t.Go(func() error {
		return loop.Run(t)
	})

	t.Go(func() error {
		log.Info().Str("addr", cfg.Addr()).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	t.Go(func() error {
		<-t.Dying()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	<-ctx.Done()
	t.Kill(nil)
	return t.Wait()
}
