package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/segment-cli/internal/catalog"
	"github.com/sells-group/segment-cli/internal/fetcher"
	"github.com/sells-group/segment-cli/internal/model"
	"github.com/sells-group/segment-cli/internal/progress"
	"github.com/sells-group/segment-cli/internal/resilience"
)

var segmentCmd = &cobra.Command{
	Use:   "segment",
	Short: "Segment a list of products",
	Long:  "Submits the given product ids (or the whole file catalog) as one run and executes it to completion. SIGINT cancels the run; in-flight batches still commit.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		catalogPath, _ := cmd.Flags().GetString("catalog")
		env, err := initEnv(ctx, "segment", catalogPath)
		if err != nil {
			return err
		}
		defer env.Close()

		ids, err := productIDs(ctx, cmd, env.Catalog)
		if err != nil {
			return err
		}

		runCfg, err := runConfigFromFlags(cmd)
		if err != nil {
			return err
		}

		run, err := env.Orchestrator.Submit(ctx, ids, runCfg)
		if err != nil {
			return eris.Wrap(err, "segment: submit")
		}
		zap.L().Info("run submitted", zap.String("run_id", run.ID), zap.Int("products", run.TotalProducts))

		// Execute gets a context that survives SIGINT so the orchestrator can
		// record the cancellation; the signal is forwarded as Cancel.
		execCtx, release := context.WithCancel(context.WithoutCancel(ctx))
		defer release()
		go func() {
			select {
			case <-ctx.Done():
				zap.L().Warn("interrupt received, cancelling run", zap.String("run_id", run.ID))
				if err := env.Orchestrator.Cancel(execCtx, run.ID); err != nil {
					zap.L().Warn("cancel failed", zap.String("run_id", run.ID), zap.Error(err))
				}
			case <-execCtx.Done():
			}
		}()

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			logProgress(execCtx, env.Broker, run.ID)
		}()

		done, err := env.Orchestrator.Execute(execCtx, run.ID)
		release()
		wg.Wait()
		if done != nil {
			formatRunResult(os.Stdout, done)
		}
		return err
	},
}

func init() {
	registerSegmentFlags(segmentCmd)
	rootCmd.AddCommand(segmentCmd)
}

func registerSegmentFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("catalog", "", "product catalog file or URL (.csv, .xlsx, .json, .xml, or a .zip holding one of those); overrides catalog.path")
	f.StringSlice("ids", nil, "product ids to segment, comma separated")
	f.String("ids-file", "", "file with one product id per line")
	f.String("model", "", "model id (default from config)")
	f.Float64("temperature", -1, "sampling temperature (default from config)")
	f.Int("extraction-batch-size", 0, "products per extraction batch (default from config)")
	f.Int("refinement-batch-size", 0, "products per refinement batch (default from config)")
	f.Int("concurrency", 0, "concurrent batches per phase (default from config)")
	f.String("category", "", "catalog category passed to extraction prompts")
}

// idLister is implemented by catalogs that can enumerate their products.
type idLister interface {
	IDs() []string
}

// productIDs resolves the ids to segment: --ids, then --ids-file, then every
// product of an enumerable catalog.
func productIDs(ctx context.Context, cmd *cobra.Command, cat catalog.Catalog) ([]string, error) {
	ids, _ := cmd.Flags().GetStringSlice("ids")
	if len(ids) > 0 {
		return ids, nil
	}

	if path, _ := cmd.Flags().GetString("ids-file"); path != "" {
		return readIDsFile(ctx, path)
	}

	if l, ok := cat.(idLister); ok {
		return l.IDs(), nil
	}
	return nil, eris.Wrap(resilience.ErrInvalidInput, "segment: --ids or --ids-file is required for this catalog")
}

// readIDsFile reads the first column of every non-comment line.
func readIDsFile(ctx context.Context, path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "open ids file %s", path)
	}
	defer f.Close() //nolint:errcheck

	rowCh, errCh := fetcher.StreamCSV(ctx, f, fetcher.CSVOptions{Comment: '#', TrimSpace: true})
	var ids []string
	for row := range rowCh {
		if len(row) == 0 || strings.TrimSpace(row[0]) == "" {
			continue
		}
		ids = append(ids, strings.TrimSpace(row[0]))
	}
	if err := <-errCh; err != nil {
		return nil, eris.Wrapf(err, "read ids file %s", path)
	}
	return ids, nil
}

// runConfigFromFlags overlays command flags on the configured defaults.
func runConfigFromFlags(cmd *cobra.Command) (model.RunConfig, error) {
	rc := cfg.RunConfig()
	f := cmd.Flags()

	if v, _ := f.GetString("model"); v != "" {
		rc.Model = v
	}
	if v, _ := f.GetFloat64("temperature"); v >= 0 {
		rc.Temperature = v
	}
	if v, _ := f.GetInt("extraction-batch-size"); v > 0 {
		rc.ExtractionBatchSize = v
	}
	if v, _ := f.GetInt("refinement-batch-size"); v > 0 {
		rc.RefinementBatchSize = v
	}
	if v, _ := f.GetInt("concurrency"); v > 0 {
		if v > 64 {
			return rc, eris.Wrap(resilience.ErrInvalidInput, "--concurrency must be between 1 and 64")
		}
		rc.Concurrency = v
	}
	if v, _ := f.GetString("category"); v != "" {
		rc.Category = v
	}
	return rc, nil
}

// logProgress logs every progress event of a run until its topic closes or
// ctx is done.
func logProgress(ctx context.Context, broker *progress.Broker, runID string) {
	for ev := range broker.Subscribe(ctx, runID, 0) {
		zap.L().Info("progress",
			zap.String("run_id", ev.RunID),
			zap.String("stage", string(ev.Stage)),
			zap.Float64("percent", ev.Percent),
			zap.Int("calls_done", ev.CallsDone),
			zap.Int("calls_total", ev.CallsTotal),
			zap.Int("cache_hits", ev.CacheHits),
		)
	}
}

// formatRunResult writes the outcome of a run, with its segment counts when
// it completed.
func formatRunResult(out io.Writer, run *model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", run.ID)
	_, _ = fmt.Fprintf(w, "Stage:\t%s\n", run.Stage)
	_, _ = fmt.Fprintf(w, "Products:\t%d\n", run.TotalProducts)
	_, _ = fmt.Fprintf(w, "Calls:\t%d/%d\n", run.CallsDone, run.CallsTotal)

	if run.Stage == model.StageFailed {
		if run.Cancelled {
			_, _ = fmt.Fprintln(w, "Cancelled:\tyes")
		}
		if run.FailedPhase != "" {
			_, _ = fmt.Fprintf(w, "Failed at:\t%s %s\n", run.FailedPhase, run.FailedBatch)
		}
		_, _ = fmt.Fprintf(w, "Error:\t%s\n", run.LastError)
	}

	if s := run.Summary; s != nil {
		_, _ = fmt.Fprintf(w, "Model calls:\t%d (%d cache hits)\n", s.ModelCalls, s.CacheHits)
		_, _ = fmt.Fprintf(w, "Tokens:\t%d in / %d out\n", s.InputTokens, s.OutputTokens)
		_, _ = fmt.Fprintf(w, "Estimated cost:\t$%.4f\n", s.EstimatedCost)
		_, _ = fmt.Fprintf(w, "Duration:\t%s\n", (time.Duration(s.DurationMs) * time.Millisecond).Round(time.Millisecond))
		_, _ = fmt.Fprintln(w)
		_, _ = fmt.Fprintln(w, "SEGMENT\tPRODUCTS")
		_, _ = fmt.Fprintln(w, "-------\t--------")
		for _, c := range s.SegmentCounts {
			_, _ = fmt.Fprintf(w, "%s\t%d\n", c.Name, c.Products)
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\n", model.OutOfScopeName, s.OutOfScope)
		if s.Unresolved > 0 {
			_, _ = fmt.Fprintf(w, "unresolved\t%d\n", s.Unresolved)
		}
	}
	_ = w.Flush()
}
