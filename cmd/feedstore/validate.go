package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Load the config file and environment overrides and report the
effective settings without contacting ThingSpeak or the database.

Example:
  feedstore validate -c config.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "config.yaml", "path to config file")
	validateCmd.Flags().String("env-file", ".env", "optional env file loaded before the config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	host := fmt.Sprintf("%s:%d", cfg.Database.Host, cfg.Database.Port)
	if cfg.Database.Discover != "" {
		host = "mdns " + cfg.Database.Discover
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Config is valid!")
	fmt.Fprintf(out, "  Channel:       %s/channels/%s\n", cfg.ThingSpeak.BaseURL, cfg.ThingSpeak.ChannelID)
	fmt.Fprintf(out, "  Fields:        temperature=%s humidity=%s\n", cfg.ThingSpeak.TemperatureField, cfg.ThingSpeak.HumidityField)
	fmt.Fprintf(out, "  Poll interval: %s\n", cfg.PollInterval.Duration())
	fmt.Fprintf(out, "  Database:      %s@%s/%s.%s\n", cfg.Database.User, host, cfg.Database.Name, cfg.Database.Table)
	return nil
}
