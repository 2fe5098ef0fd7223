// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/khjohns/unified-timeline/internal/config"
	"github.com/khjohns/unified-timeline/internal/engine"
	"github.com/khjohns/unified-timeline/internal/eventstore"
	"github.com/khjohns/unified-timeline/internal/logging"
	"github.com/khjohns/unified-timeline/internal/notify"
	"github.com/khjohns/unified-timeline/internal/persistence/postgres"
	httptransport "github.com/khjohns/unified-timeline/internal/transport/http"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.NewLogger(cfg.Env)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	if cfg.AutoMigrate {
		if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
			log.Fatalf("schema bootstrap failed: %v", err)
		}
	}

	store := eventstore.NewPostgresStore(pool, logger)
	relay := notify.NewRelay(notify.Deps{
		URL:    cfg.WebhookURL,
		Secret: cfg.WebhookSecret,
		Logger: logger,
	})

	caseEngine := engine.New(engine.Deps{
		Store:  store,
		Rules:  cfg.RuleTable(),
		Relay:  relay,
		Logger: logger,
	})

	handler := httptransport.NewRouter(httptransport.Deps{
		Cases:      caseEngine,
		RuleAdmin:  caseEngine,
		Health:     postgres.NewSchemaHealthChecker(pool),
		Logger:     logger,
		AdminToken: cfg.AdminToken,
		Version:    Version,
		Commit:     Commit,
		BuildDate:  BuildDate,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("api listening",
			"addr", cfg.HTTPAddr,
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
		)

		if err := srv.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		5*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
}
