package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ajitpratap0/nebula-connectors/pkg/config"
	"github.com/ajitpratap0/nebula-connectors/pkg/connector/registry"
	"github.com/ajitpratap0/nebula-connectors/pkg/logger"

	// Register every connector
	_ "github.com/ajitpratap0/nebula-connectors/pkg/connector/destinations"
	_ "github.com/ajitpratap0/nebula-connectors/pkg/connector/sources"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	err := newRootCmd().Execute()
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Every flag can also be set through a
// NEBULA_ environment variable (NEBULA_METRICS_ADDR for --metrics-addr).
func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("NEBULA")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "nebula-connectors",
		Short:         "Incremental API and Kafka extractors",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return v.BindPFlags(cmd.Flags())
		},
	}
	root.PersistentFlags().String("config", "pipeline.yaml", "Path to the pipeline YAML file")
	root.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); overrides the file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "nebula-connectors v%s\n", version)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List available connectors",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			for _, info := range registry.GetRegistry().List() {
				fmt.Fprintf(out, "%-12s %-14s %s\n", info.Type, info.Name, info.Description)
			}
		},
	})

	root.AddCommand(newRunCmd(v), newStateCmd(v))
	return root
}

// loadPipeline reads the pipeline file and installs the global logger.
func loadPipeline(v *viper.Viper) (*config.PipelineConfig, error) {
	pc, err := config.LoadPipeline(v.GetString("config"))
	if err != nil {
		return nil, err
	}
	if lvl := v.GetString("log-level"); lvl != "" {
		pc.Log.Level = lvl
	}
	if err := logger.Init(pc.Log); err != nil {
		return nil, err
	}
	return pc, nil
}
