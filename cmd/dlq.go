package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sunbelt-data/property-cli/internal/model"
	"github.com/sunbelt-data/property-cli/internal/pipeline"
	"github.com/sunbelt-data/property-cli/internal/resilience"
	"github.com/sunbelt-data/property-cli/internal/store"
)

var dlqLimit int

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay the dead-letter queue",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		items, err := st.ListDLQ(ctx, dlqLimit)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	},
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry [id]",
	Short: "Re-run dead-lettered requests through the pipeline",
	Long:  "Replays the identified item, or every queued item when no id is given. Items that now succeed are removed.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		items, err := env.Store.ListDLQ(ctx, dlqLimit)
		if err != nil {
			return err
		}
		if len(args) == 1 {
			items = filterDLQ(items, args[0])
			if len(items) == 0 {
				return fmt.Errorf("dlq item %s not found", args[0])
			}
		}

		retryPipe, err := newDLQRetryPipeline(env)
		if err != nil {
			return err
		}

		dlq := store.NewDLQ(env.Store)
		op := func(ctx context.Context, req model.ExtractionRequest) error {
			result := retryPipe.Process(ctx, req.Raw)
			if !result.IsValid || result.Property == nil {
				if len(result.Errors) > 0 {
					return fmt.Errorf("still failing: %s", result.Errors[0])
				}
				return fmt.Errorf("still invalid")
			}
			return env.Store.SaveProperty(ctx, *result.Property)
		}

		retried, failed := 0, 0
		for _, item := range items {
			if err := resilience.RetryItem(ctx, dlq, item, op); err != nil {
				zap.L().Warn("dlq retry failed", zap.String("id", item.ID), zap.Error(err))
				failed++
				continue
			}
			retried++
		}

		zap.L().Info("dlq retry complete", zap.Int("retried", retried), zap.Int("failed", failed))
		fmt.Fprintf(os.Stdout, "retried %d, failed %d\n", retried, failed)
		if failed > 0 {
			return exitPartial("")
		}
		return nil
	},
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete every dead-lettered request",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.PurgeDLQ(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "purged %d items\n", n)
		return nil
	},
}

// newDLQRetryPipeline builds a pipeline with dead-lettering switched off:
// an item that still fails during replay must stay where it is, not be
// enqueued a second time under a fresh id.
func newDLQRetryPipeline(env *pipelineEnv) (*pipeline.Pipeline, error) {
	retryCfg := *cfg
	retryCfg.Errors.DLQEnabled = false
	return pipeline.New(retryCfg, pipeline.Deps{
		Client:  env.Client,
		Cache:   env.Cache,
		Monitor: env.Monitor,
	})
}

func filterDLQ(items []model.DLQItem, id string) []model.DLQItem {
	for _, item := range items {
		if item.ID == id {
			return []model.DLQItem{item}
		}
	}
	return nil
}

func init() {
	dlqCmd.PersistentFlags().IntVar(&dlqLimit, "limit", 100, "max items to list or retry")
	dlqCmd.AddCommand(dlqListCmd, dlqRetryCmd, dlqPurgeCmd)
	rootCmd.AddCommand(dlqCmd)
}
