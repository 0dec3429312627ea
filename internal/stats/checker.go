// ABOUTME: Background consistency check over every conversation's stats
// ABOUTME: Logs drift once per suppression window and optionally repairs the counter

package stats

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/convstore/internal/clock"
	"github.com/2389/convstore/internal/dedupe"
	"github.com/2389/convstore/internal/store"
)

// CheckerConfig controls a Checker. Zero values select defaults.
type CheckerConfig struct {
	Interval          time.Duration // time between passes, default 10m
	Repair            bool          // overwrite drifted message counters
	PageSize          int           // conversation IDs read per page, default 100
	ReportSuppression time.Duration // how long a drift report is not repeated, default 1h
}

func (c CheckerConfig) withDefaults() CheckerConfig {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Minute
	}
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.ReportSuppression <= 0 {
		c.ReportSuppression = time.Hour
	}
	return c
}

// Report summarizes one pass of the checker.
type Report struct {
	Checked  int
	Drifted  []Drift
	Repaired int
	Errors   int
}

// Checker walks every conversation and compares its fast and recount stats.
type Checker struct {
	agg      *Aggregator
	store    store.StatsStore
	cfg      CheckerConfig
	reported *dedupe.Cache
	logger   *slog.Logger
}

// NewChecker creates a Checker. The clock drives report suppression.
func NewChecker(s store.StatsStore, cfg CheckerConfig, c clock.Clock, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Checker{
		agg:      NewAggregator(s, logger),
		store:    s,
		cfg:      cfg,
		reported: dedupe.New(cfg.ReportSuppression, 10000, c),
		logger:   logger.With("component", "stats-checker"),
	}
}

// Run performs a pass immediately and then one per interval until ctx is done.
// A pass that fails with a retryable store error is logged and retried on the
// next tick; any other failure ends Run.
func (c *Checker) Run(ctx context.Context) error {
	c.logger.Info("consistency checker started", "interval", c.cfg.Interval, "repair", c.cfg.Repair)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		report, err := c.CheckAll(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			c.logger.Info("consistency checker stopped")
			return nil
		case store.Retryable(err):
			// The next tick starts a fresh pass
			c.logger.Warn("consistency pass failed, retrying next interval", "error", err, "checked", report.Checked)
		case err != nil:
			return err
		default:
			c.logger.Debug("consistency pass complete",
				"checked", report.Checked,
				"drifted", len(report.Drifted),
				"repaired", report.Repaired,
				"errors", report.Errors,
			)
		}

		select {
		case <-ctx.Done():
			c.logger.Info("consistency checker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// CheckAll runs a single pass over every conversation. Per-conversation
// failures are logged and counted; only a failure to list conversations or
// a cancelled context ends the pass early.
func (c *Checker) CheckAll(ctx context.Context) (Report, error) {
	var report Report
	after := ""

	for {
		ids, err := c.store.ListConversationIDs(ctx, after, c.cfg.PageSize)
		if err != nil {
			return report, err
		}
		if len(ids) == 0 {
			return report, nil
		}

		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			c.check(ctx, id, &report)
		}
		after = ids[len(ids)-1]
	}
}

func (c *Checker) check(ctx context.Context, id string, report *Report) {
	drift, err := c.agg.Verify(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		// Deleted since it was listed
		return
	}
	report.Checked++
	if err != nil {
		report.Errors++
		c.logger.Error("checking conversation stats", "conversation_id", id, "error", err)
		return
	}
	if drift == nil {
		return
	}
	report.Drifted = append(report.Drifted, *drift)

	if !c.reported.CheckAndMark(id) {
		c.logger.Warn("conversation stats drifted",
			"conversation_id", id,
			"maintained_messages", drift.Maintained.MessageCount,
			"counted_messages", drift.Recomputed.MessageCount,
		)
	}

	if !c.cfg.Repair || drift.MessageCountDelta() == 0 {
		return
	}
	if _, _, err := c.store.RepairMessageCount(ctx, id); err != nil {
		report.Errors++
		c.logger.Error("repairing message count", "conversation_id", id, "error", err)
		return
	}
	report.Repaired++
	c.reported.Forget(id)
}
