package cli

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"fabric.evalgo.org/bus"
)

var cancelReason string

var startCmd = &cobra.Command{
	Use:   "start <flow-id>",
	Short: "Publish a start command for an orchestrated flow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return publishFlowCommand(cmd, args[0], bus.FlowActionStart, "")
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <flow-id>",
	Short: "Publish a cancel command for a running flow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return publishFlowCommand(cmd, args[0], bus.FlowActionCancel, cancelReason)
	},
}

func init() {
	cancelCmd.Flags().StringVar(&cancelReason, "reason", "", "reason recorded with the cancellation")
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(cancelCmd)
}

func publishFlowCommand(cmd *cobra.Command, rawID, action, reason string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	flowID, err := uuid.Parse(rawID)
	if err != nil {
		return fmt.Errorf("invalid flow id %q: %w", rawID, err)
	}

	rabbit, err := bus.NewRabbitBus(bus.Options{
		URL:               cfg.Bus.URL,
		CorrelationHeader: cfg.Correlation.HeaderName,
	})
	if err != nil {
		return err
	}
	defer rabbit.Close()

	correlationID := uuid.New()
	command := bus.OrchestratedFlowCommand{
		Action:             action,
		OrchestratedFlowID: flowID,
		CorrelationID:      correlationID,
		Reason:             reason,
	}
	if err := rabbit.Publish(cmd.Context(), bus.FlowCommandQueue, command); err != nil {
		return err
	}

	fmt.Printf("%s command published for flow %s (correlation %s)\n", action, flowID, correlationID)
	return nil
}
