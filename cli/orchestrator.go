package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"fabric.evalgo.org/bus"
	"fabric.evalgo.org/cache"
	"fabric.evalgo.org/common"
	"fabric.evalgo.org/config"
	"fabric.evalgo.org/deadletter"
	"fabric.evalgo.org/orchestration"
)

var orchestratorCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Run the orchestration engine",
	Long: `Consumes activity executed/failed events and advances workflow
branches: evaluating entry conditions, fanning out to successor steps and
cleaning up activity data. Fatal events are recorded in the dead-letter
journal.`,
	RunE: runOrchestrator,
}

func runOrchestrator(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := common.Logger.WithField("service", "orchestrator")

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

	journal, err := deadletter.Open(cfg.DeadLetter.Path)
	if err != nil {
		return err
	}
	defer journal.Close()

	models := orchestration.NewModelStore(gateway, cfg.Cache.OrchestrationMapName, cfg.Cache.ModelTTL)
	engine := orchestration.NewEngine(models, gateway, rabbit, orchestration.EngineOptions{
		ActivityMapName: cfg.Cache.ActivityMapName,
		ActivityTTL:     cfg.Cache.ActivityTTL,
		Logger:          common.Logger,
	})
	consumer := orchestration.NewConsumer(engine, journal, common.Logger)

	consumeOpts := bus.ConsumeOptions{
		Prefetch:    cfg.Bus.Prefetch,
		Concurrency: cfg.Bus.ConsumerConcurrency,
	}
	if err := rabbit.Consume(ctx, bus.ExecutedEventQueue, consumeOpts, consumer.ExecutedHandler()); err != nil {
		return err
	}
	if err := rabbit.Consume(ctx, bus.FailedEventQueue, consumeOpts, consumer.FailedHandler()); err != nil {
		return err
	}

	logger.Info("orchestrator running")
	<-ctx.Done()
	logger.Info("shutting down")
	rabbit.Wait()
	return nil
}

func cacheOptions(cfg *config.Config) cache.Options {
	return cache.Options{
		Addr:             cfg.Cache.Addr,
		Password:         cfg.Cache.Password,
		DB:               cfg.Cache.DB,
		OperationTimeout: cfg.Cache.OperationTimeout,
	}
}
