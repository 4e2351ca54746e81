package cmd

import (
	"log"

	"github.com/spf13/cobra"
	"github.com/xtopbot/xtopsupport/xtopsupport"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the support bot and admin API",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		x, err := xtopsupport.New(cfg)
		if err != nil {
			log.Fatalf("error creating xtopsupport: %s", err.Error())
		}

		if err = x.Run(ctx); err != nil {
			log.Fatalf("error running xtopsupport: %s", err.Error())
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
