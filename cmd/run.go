package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	runSource string
	runID     string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process a single property record end to end",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("run"); err != nil {
			return err
		}
		col, err := collectorFor(runSource)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		result := env.Integrator.ProcessOne(ctx, col, runID)

		zap.L().Info("run complete",
			zap.String("source", runSource),
			zap.String("id", runID),
			zap.Bool("success", result.Success),
			zap.Bool("saved", result.SavedToDB),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(renderResult(result)); err != nil {
			return err
		}

		if !result.Success {
			return exitPartial("")
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runSource, "source", "", "record source: maricopa or phoenix (required)")
	runCmd.Flags().StringVar(&runID, "id", "", "record identifier: parcel number or MLS number (required)")
	_ = runCmd.MarkFlagRequired("source")
	_ = runCmd.MarkFlagRequired("id")
	rootCmd.AddCommand(runCmd)
}
