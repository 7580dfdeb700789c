package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/khatiwada051/WebCrawler/internal/crawl"
)

// newRunCmd creates the 'run' subcommand: a one-shot crawl of a single
// site that blocks until the job reaches a terminal status.
func newRunCmd() *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:   "run <site-id>",
		Short: "Crawls one site and waits for completion",
		Long: `Submits a single crawl job for the named site definition and polls its
status until it completes, fails or is cancelled. Intended for manual runs
and definition debugging; the serve command is the production surface.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOneShot(cmd.Context(), args[0], scope)
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "crawl only the named listing (default: all listings)")
	return cmd
}

func runOneShot(parent context.Context, siteID, scope string) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		eng.close(closeCtx, logger)
	}()

	job, err := eng.sched.Submit(ctx, crawl.JobRequest{SiteID: siteID, Scope: scope})
	if err != nil {
		return fmt.Errorf("submit job: %w", err)
	}
	logger.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("site", siteID),
		zap.String("scope", scope),
	)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := eng.sched.Cancel(context.Background(), job.ID); err != nil {
				logger.Warn("cancel job", zap.Error(err))
			}
			return fmt.Errorf("interrupted: %w", ctx.Err())
		case <-ticker.C:
		}

		current, err := eng.sched.Status(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("job status: %w", err)
		}
		if !current.Status.IsTerminal() {
			continue
		}

		logger.Info("job finished",
			zap.String("job_id", current.ID),
			zap.String("status", string(current.Status)),
			zap.String("reason", current.Reason),
			zap.Int("listing_pages", current.Counters.ListingPages),
			zap.Int("detail_pages", current.Counters.DetailPages),
			zap.Int("items_extracted", current.Counters.ItemsExtracted),
			zap.Int("tasks_failed", current.Counters.TasksFailed),
			zap.Int("retries", current.Counters.Retries),
		)
		if current.Status == crawl.JobStatusFailed {
			return fmt.Errorf("job %s failed: %s", current.ID, current.Reason)
		}
		return nil
	}
}
