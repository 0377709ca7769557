// cunode is a compute unit: it deterministically replays a process's
// message log through sandboxed WASM evaluators and serves the
// resulting state over HTTP.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "cunode",
	Short:   "cunode - deterministic compute unit",
	Long:    `cunode evaluates process message logs through sandboxed WASM modules and serves process state on demand.`,
	Version: fmt.Sprintf("%s (%s)", version, commit),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (YAML)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
