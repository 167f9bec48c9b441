package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"fabric.evalgo.org/workflow"
)

var seedCmd = &cobra.Command{
	Use:   "seed <definition.yaml>",
	Short: "Load a workflow definition into the entity store",
	Long: `Parses a YAML workflow definition, resolves its step graph and
creates the processors, steps, workflow, assignments and orchestrated flow
in the entity store. Prints the flow ID to start it with.`,
	Args: cobra.ExactArgs(1),
	RunE: runSeed,
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("seed requires database.dsn")
	}

	file, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open definition: %w", err)
	}
	defer file.Close()

	definition, err := workflow.Parse(file)
	if err != nil {
		return err
	}
	bundle, err := definition.Build()
	if err != nil {
		return err
	}

	stores, err := openStores(cfg)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	for _, proc := range bundle.Processors {
		if err := stores.Processors.Create(ctx, proc); err != nil {
			return fmt.Errorf("failed to create processor %s: %w", proc.CompositeKey(), err)
		}
	}
	for _, step := range bundle.Steps {
		if err := stores.Steps.Create(ctx, step); err != nil {
			return fmt.Errorf("failed to create step %s: %w", step.ID, err)
		}
	}
	if err := stores.Workflows.Create(ctx, bundle.Workflow); err != nil {
		return fmt.Errorf("failed to create workflow %s: %w", bundle.Workflow.CompositeKey(), err)
	}
	for _, assignment := range bundle.Assignments {
		if err := stores.Assignments.Create(ctx, assignment); err != nil {
			return fmt.Errorf("failed to create assignment %s: %w", assignment.ID, err)
		}
	}
	if err := stores.Flows.Create(ctx, bundle.Flow); err != nil {
		return fmt.Errorf("failed to create flow: %w", err)
	}

	fmt.Printf("workflow %s seeded, flow id %s\n", bundle.Workflow.CompositeKey(), bundle.Flow.ID)
	return nil
}
