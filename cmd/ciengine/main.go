// Package main is the ci-forge engine entry point: a single binary with
// serve/rebuild/cancel subcommands, in the same cobra rootCmd-plus-
// subcommand-vars shape as the teacher's cmd/cli/main.go.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// must panics if err is non-nil. Used for flag-registration errors only.
func must(err error) {
	if err != nil {
		panic(fmt.Errorf("ciengine: initialization error: %w", err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "ciengine",
	Short: "ci-forge continuous-integration evaluation engine",
	Long:  "Watches pull requests and refs on a forge, evaluates declarative build pipelines, and publishes commit statuses.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine and its web API",
	RunE:  runServe,
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Force a rebuild of a cache branch via a running engine's web API",
	RunE:  runRebuild,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel a live build via a running engine's web API",
	RunE:  runCancel,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "ciengine.yaml", "Path to the engine's YAML configuration file")
	serveCmd.Flags().String("addr", ":8080", "Address the web API listens on")
	serveCmd.Flags().String("metrics-addr", ":9090", "Address the Prometheus /metrics endpoint listens on")

	rebuildCmd.Flags().String("api", "http://localhost:8080", "Base URL of a running engine's web API")
	rebuildCmd.Flags().String("branch", "", "Cache branch to rebuild, e.g. build/<fingerprint> (required)")
	must(rebuildCmd.MarkFlagRequired("branch"))

	cancelCmd.Flags().String("api", "http://localhost:8080", "Base URL of a running engine's web API")
	cancelCmd.Flags().String("branch", "", "Cache branch to cancel, e.g. build/<fingerprint> (required)")
	must(cancelCmd.MarkFlagRequired("branch"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(cancelCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
