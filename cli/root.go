// Package cli wires the fabric services into one binary. Each subcommand runs
// one service role: the entity manager REST API, the orchestration engine, a
// processor host or the scheduler. The seed command loads a workflow bundle
// into the entity store.
//
// Configuration is shared across roles and loaded from a YAML file, a .env
// file and FABRIC_-prefixed environment variables, in ascending precedence.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"fabric.evalgo.org/common"
	"fabric.evalgo.org/config"
	"fabric.evalgo.org/version"
)

// envPrefix namespaces the environment variables of every fabric service.
const envPrefix = "FABRIC"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "fabric",
	Short: "Distributed dataflow orchestration fabric",
	Long: `fabric runs the services of the dataflow orchestration fabric:
the entity managers, the orchestration engine, processor hosts and the
scheduler. Workflows are directed step graphs; activity data travels
through the distributed cache while commands and events travel over the
message bus.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")

	rootCmd.AddCommand(managerCmd)
	rootCmd.AddCommand(orchestratorCmd)
	rootCmd.AddCommand(processorCmd)
	rootCmd.AddCommand(schedulerCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command and returns a process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

// loadConfig loads the shared configuration and initializes logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(envPrefix, cfgFile)
	if err != nil {
		return nil, err
	}
	common.InitLogging(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build and dependency information",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := version.GetBuildInfo()
		fmt.Printf("%s %s (%s)\n", info.MainModule, info.MainVersion, info.GoVersion)
		for _, dep := range info.Dependencies {
			fmt.Printf("  %s %s\n", dep.Path, dep.Version)
		}
		return nil
	},
}
