package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"fabric.evalgo.org/bus"
	"fabric.evalgo.org/common"
	"fabric.evalgo.org/config"
	"fabric.evalgo.org/manager"
	"fabric.evalgo.org/store"
)

var managerCmd = &cobra.Command{
	Use:   "manager",
	Short: "Run the entity manager REST API",
	Long: `Serves the entity CRUD surface with referential integrity checks,
schema breaking-change analysis and the flow start/cancel endpoints.
Entities persist to Postgres when database.dsn is set, otherwise to an
in-memory store.`,
	RunE: runManager,
}

func runManager(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := common.Logger.WithField("service", "manager")

	stores, err := openStores(cfg)
	if err != nil {
		return err
	}

	rabbit, err := bus.NewRabbitBus(bus.Options{
		URL:               cfg.Bus.URL,
		CorrelationHeader: cfg.Correlation.HeaderName,
	})
	if err != nil {
		return err
	}
	defer rabbit.Close()

	server := manager.New(stores, rabbit, manager.Options{
		CorrelationHeader:    cfg.Correlation.HeaderName,
		Auth:                 cfg.Auth,
		Features:             cfg.Features,
		ReferentialIntegrity: cfg.ReferentialIntegrity,
		HTTP:                 cfg.HTTP,
		Logger:               common.Logger,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(fmt.Sprintf(":%d", cfg.HTTP.Port))
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// openStores selects the entity store backend from the configuration.
func openStores(cfg *config.Config) (*store.Stores, error) {
	if cfg.Database.DSN == "" {
		common.Logger.Warn("database.dsn not set, using the in-memory entity store")
		return store.NewMemoryStores(), nil
	}
	return store.NewPostgresStores(cfg.Database.DSN)
}
