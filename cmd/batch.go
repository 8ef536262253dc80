package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sunbelt-data/property-cli/internal/integrate"
)

var (
	batchSource string
	batchZips   []string
	batchLimit  int
	batchStream bool
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Process many records by zip code",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("batch"); err != nil {
			return err
		}
		col, err := collectorFor(batchSource)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		sel := integrate.Selector{Zips: batchZips, Limit: batchLimit}

		if batchStream {
			return streamBatch(cmd, env, col, sel)
		}

		batch, err := env.Integrator.ProcessBatch(ctx, col, sel)
		if err != nil && batch.Total == 0 {
			return err
		}

		zap.L().Info("batch complete",
			zap.String("source", batchSource),
			zap.Int("total", batch.Total),
			zap.Int("valid", batch.Valid),
			zap.Int("saved", batch.Saved),
			zap.Int("failed", batch.Failed),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(batch); err != nil {
			return err
		}

		if batch.Valid == 0 && batch.Total > 0 {
			return exitPartial("no records processed successfully")
		}
		if batch.Failed > 0 || batch.Saved < batch.Valid {
			return exitPartial("")
		}
		return nil
	},
}

func streamBatch(cmd *cobra.Command, env *pipelineEnv, col integrate.Collector, sel integrate.Selector) error {
	ctx := cmd.Context()
	ch, err := env.Integrator.ProcessStream(ctx, col, sel)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	total, succeeded := 0, 0
	for result := range ch {
		total++
		if result.Success && result.SavedToDB {
			succeeded++
		}
		if err := enc.Encode(renderResult(result)); err != nil {
			return err
		}
	}

	zap.L().Info("stream complete", zap.Int("total", total), zap.Int("succeeded", succeeded))
	if succeeded < total {
		return exitPartial("")
	}
	return nil
}

func init() {
	batchCmd.Flags().StringVar(&batchSource, "source", "", "record source: maricopa or phoenix (required)")
	batchCmd.Flags().StringSliceVar(&batchZips, "zips", nil, "zip codes to fetch (default from config)")
	batchCmd.Flags().IntVar(&batchLimit, "limit", 0, "max records to process (0 = no limit)")
	batchCmd.Flags().BoolVar(&batchStream, "stream", false, "emit results as they complete instead of one summary")
	_ = batchCmd.MarkFlagRequired("source")
	rootCmd.AddCommand(batchCmd)
}
