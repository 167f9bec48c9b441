package cli

import (
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"fabric.evalgo.org/bus"
	"fabric.evalgo.org/cache"
	"fabric.evalgo.org/common"
	"fabric.evalgo.org/config"
	"fabric.evalgo.org/health"
	"fabric.evalgo.org/manager"
	"fabric.evalgo.org/orchestration"
	"fabric.evalgo.org/scheduler"
	"fabric.evalgo.org/store"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the flow scheduler",
	Long: `Consumes start/cancel commands, admits flows (gated on processor
health), freezes orchestration models into the cache and seeds the entry
steps. Flows carrying a schedule are also started periodically by the
in-process timer.

Entities resolve through the manager API when manager_urls is configured,
otherwise directly from the entity store.`,
	RunE: runScheduler,
}

func runScheduler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := common.Logger.WithField("service", "scheduler")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gateway, err := cache.NewRedisGateway(ctx, cacheOptions(cfg))
	if err != nil {
		return err
	}
	defer gateway.Close()

	rabbit, err := bus.NewRabbitBus(bus.Options{
		URL:               cfg.Bus.URL,
		CorrelationHeader: cfg.Correlation.HeaderName,
	})
	if err != nil {
		return err
	}
	defer rabbit.Close()

	resolver, err := buildResolver(cfg)
	if err != nil {
		return err
	}

	models := orchestration.NewModelStore(gateway, cfg.Cache.OrchestrationMapName, cfg.Cache.ModelTTL)
	monitor := health.NewMonitor(gateway, cfg.Cache.HealthMapName, common.Logger)
	sched := scheduler.New(resolver, models, rabbit, monitor, common.Logger)

	consumeOpts := bus.ConsumeOptions{
		Prefetch:    cfg.Bus.Prefetch,
		Concurrency: cfg.Bus.ConsumerConcurrency,
	}
	if err := rabbit.Consume(ctx, bus.FlowCommandQueue, consumeOpts, sched.FlowCommandHandler()); err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return sched.RunScheduled(groupCtx, cfg.Scheduler.TickInterval) })

	logger.Info("scheduler running")
	<-groupCtx.Done()
	logger.Info("shutting down")
	rabbit.Wait()
	if err := group.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// buildResolver picks the entity source: the manager REST API when base URLs
// are configured, the entity store otherwise.
func buildResolver(cfg *config.Config) (scheduler.Resolver, error) {
	if cfg.ManagerURLs.OrchestratedFlow != "" {
		return manager.NewClient(cfg.ManagerURLs, cfg.Correlation.HeaderName), nil
	}
	if cfg.Database.DSN == "" {
		return nil, errors.New("scheduler needs manager_urls.orchestrated_flow or database.dsn")
	}
	stores, err := store.NewPostgresStores(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	return scheduler.NewStoreResolver(stores), nil
}
