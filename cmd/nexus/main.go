// Command nexus runs the gateway process: serve the Platform Pump against
// configured channels, manage local migration state, and report component
// health.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// shutdownGrace bounds how long serve waits for in-flight runs to drain
// after a shutdown signal before Stop returns anyway.
const shutdownGrace = 20 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "nexus",
		Short: "nexus runs the multi-tenant agent gateway",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to nexus.yaml (defaults to ./nexus.yaml or $NEXUS_CONFIG)")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newMigrateCmd(&configPath))
	root.AddCommand(newDoctorCmd(&configPath))

	return root
}

// resolveConfigPath applies the flag/env/default precedence for locating
// the config file: --config, then $NEXUS_CONFIG, then ./nexus.yaml.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("NEXUS_CONFIG"); env != "" {
		return env
	}
	return "nexus.yaml"
}
