package cmd

import (
	"github.com/spf13/cobra"

	"github.com/perimetric/periscope/lib/consts"
)

func getVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show application version",
		Long:  "Show the application version and exit.",
		Run: func(cmd *cobra.Command, args []string) {
			fprintf(stdout, "periscope %s\n", consts.FullVersion())
		},
	}
}
