package cmd

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/Affilience/genpipe/internal/build"
)

// NewVersionCommand returns the command to get the genpipe version.
func NewVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Return the genpipe version",
		Long:  "Return the genpipe version.",
		RunE:  version,
		Args:  cobra.NoArgs,
	}

	return cmd
}

// print out the built version
func version(_ *cobra.Command, _ []string) error {
	log.Printf("genpipe Version %s Date %s commit id %s ", build.Version, build.Date, build.Commit)
	return nil
}
