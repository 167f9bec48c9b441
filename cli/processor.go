package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"fabric.evalgo.org/bus"
	"fabric.evalgo.org/cache"
	"fabric.evalgo.org/common"
	"fabric.evalgo.org/config"
	"fabric.evalgo.org/domain"
	"fabric.evalgo.org/processor"
)

var (
	inputSchemaFile  string
	outputSchemaFile string
)

var processorCmd = &cobra.Command{
	Use:   "processor",
	Short: "Run a processor host",
	Long: `Consumes execute commands from this processor's queue, runs the
resolved activity with timeout and schema validation, writes the result to
the cache and reports the outcome. The processor identity (version, name)
comes from the service configuration section; instances sharing an identity
compete on one queue.

Without registered plugins every command runs the pass-through activity,
which copies its input to its output unchanged.`,
	RunE: runProcessor,
}

func init() {
	processorCmd.Flags().StringVar(&inputSchemaFile, "input-schema", "", "JSON schema file validating activity input")
	processorCmd.Flags().StringVar(&outputSchemaFile, "output-schema", "", "JSON schema file validating activity output")
}

func runProcessor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	proc := domain.Processor{
		ID:      uuid.New(),
		Version: cfg.Service.Version,
		Name:    cfg.Service.Name,
	}
	instanceID := fmt.Sprintf("%s-%s", proc.CompositeKey(), uuid.NewString()[:8])
	logger := common.Logger.WithFields(logrus.Fields{
		"service":  "processor",
		"instance": instanceID,
	})

	inputSchema, err := readSchemaFile(inputSchemaFile)
	if err != nil {
		return err
	}
	outputSchema, err := readSchemaFile(outputSchemaFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gateway, err := connectCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer gateway.Close()

	rabbit, err := connectBus(ctx, cfg)
	if err != nil {
		return err
	}
	defer rabbit.Close()

	runtime := processor.NewRuntime(proc, gateway, rabbit, processor.RuntimeOptions{
		Registry:               processor.NewRegistry(),
		Fallback:               passThrough,
		ActivityMapName:        cfg.Cache.ActivityMapName,
		ActivityTTL:            cfg.Cache.ActivityTTL,
		InputSchema:            inputSchema,
		OutputSchema:           outputSchema,
		EnableInputValidation:  cfg.SchemaValidation.EnableInputValidation,
		EnableOutputValidation: cfg.SchemaValidation.EnableOutputValidation,
		Logger:                 common.Logger,
	})

	reporter := processor.NewHealthReporter(
		gateway,
		cfg.Cache.HealthMapName,
		proc.CompositeKey(),
		instanceID,
		cfg.HealthMonitor.HealthCheckInterval,
		cfg.HealthMonitor.EntryTTL,
		common.Logger,
	)

	consumeOpts := bus.ConsumeOptions{
		Prefetch:    cfg.Bus.Prefetch,
		Concurrency: cfg.Bus.ConsumerConcurrency,
	}
	if err := rabbit.Consume(ctx, runtime.QueueName(), consumeOpts, runtime.CommandHandler()); err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return reporter.Run(groupCtx) })

	logger.WithField("queue", runtime.QueueName()).Info("processor running")
	<-groupCtx.Done()
	logger.Info("shutting down")
	rabbit.Wait()
	if err := group.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// passThrough is the default activity: the output is the input.
var passThrough = processor.ActivityFunc(
	func(ctx context.Context, frame domain.ExecutionFrame, entities []domain.Assignment, input []byte) ([]byte, error) {
		return input, nil
	})

func readSchemaFile(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	return data, nil
}

// connectRetryInterval paces endless connection retries on processor startup.
const connectRetryInterval = 5 * time.Second

// connectCache dials the cache, retrying endlessly when configured to.
func connectCache(ctx context.Context, cfg *config.Config) (*cache.RedisGateway, error) {
	for {
		gateway, err := cache.NewRedisGateway(ctx, cacheOptions(cfg))
		if err == nil {
			return gateway, nil
		}
		if !cfg.ProcessorInit.RetryEndlessly {
			return nil, err
		}
		common.Logger.WithError(err).Warn("cache unavailable, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(connectRetryInterval):
		}
	}
}

// connectBus dials the broker, retrying endlessly when configured to.
func connectBus(ctx context.Context, cfg *config.Config) (*bus.RabbitBus, error) {
	for {
		rabbit, err := bus.NewRabbitBus(bus.Options{
			URL:               cfg.Bus.URL,
			CorrelationHeader: cfg.Correlation.HeaderName,
		})
		if err == nil {
			return rabbit, nil
		}
		if !cfg.ProcessorInit.RetryEndlessly {
			return nil, err
		}
		common.Logger.WithError(err).Warn("broker unavailable, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(connectRetryInterval):
		}
	}
}
