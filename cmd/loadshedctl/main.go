// Command loadshedctl runs the load-shedding engine as a standalone
// broker process and offers a config-validation subcommand, following
// the teacher's cmd/distributed bootstrap shape (load config, build
// logger, start server, wait for signal, graceful shutdown) wrapped in a
// spf13/cobra command tree instead of a flag-only main.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "loadshedctl",
		Short: "Run and inspect the broker load-shedding engine",
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default: search standard locations)")

	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newConfigCmd(&configPath))
	return cmd
}

func colorStatus(ok bool, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if ok {
		color.Green("OK   %s", msg)
	} else {
		color.Red("FAIL %s", msg)
	}
}
