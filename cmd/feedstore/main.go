// Command feedstore polls a ThingSpeak channel and writes the latest
// temperature and humidity reading into MySQL.
//
//	feedstore run -c config.yaml
//	feedstore validate -c config.yaml
//	feedstore version
package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

// Set at build time via -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
)

var rootCmd = &cobra.Command{
	Use:   "feedstore",
	Short: "Copy ThingSpeak sensor readings into MySQL",
	Long: `feedstore fetches the latest entry of a ThingSpeak channel on a fixed
interval and inserts its temperature and humidity fields into a MySQL table.

Failed fetches and failed inserts are logged and skipped; the next attempt
happens after the poll interval.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "feedstore %s (%s)\n", version, commit)
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.AddCommand(versionCmd)
}

func newLogger(cmd *cobra.Command) *log.Logger {
	debug, _ := cmd.Flags().GetBool("debug")

	level := log.InfoLevel
	if debug {
		level = log.DebugLevel
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Level:           level,
	})
	log.SetDefault(logger)
	return logger
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
