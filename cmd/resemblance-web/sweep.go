package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one expiry sweep and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		rep, err := a.Reaper.Sweep(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "candidates: %d, deleted: %d, skipped: %d, artifact errors: %d, retained: %d\n",
			rep.Candidates, rep.Deleted, rep.Skipped, rep.ArtifactErrors, rep.Retained)
		return nil
	},
}
