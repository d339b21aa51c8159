package commands

import (
	"log"

	"github.com/spf13/cobra"
)

var verbose bool

func Execute() error {
	root := &cobra.Command{
		Use:          "mls-kat",
		Short:        "MLS key schedule known-answer tests",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.SetPrefix("mls-kat: ")
			log.SetFlags(0)
			if verbose {
				log.SetFlags(log.LstdFlags)
			}
		},
	}

	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log with timestamps")

	root.AddCommand(generateCmd(), verifyCmd())
	return root.Execute()
}
