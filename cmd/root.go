// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRootCommand enables all children commands to read flags from CLI flags,
// environment variables prefixed with GENPIPE, or config.yaml (in that order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("GENPIPE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/genpipe", "$HOME/.genpipe", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	return &cobra.Command{
		Use:   "genpipe",
		Short: "A generation access-control and delivery pipeline",
		Long: `A generation access-control and delivery pipeline.

genpipe meters generation requests against per-tier quotas, serves previously
generated artifacts from pooled caches, assembles multi-artifact papers as
durable background jobs, and validates artifact consistency before delivery.`,
	}
}
