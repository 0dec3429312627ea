// ABOUTME: Per-conversation statistics with a fast path and a recount path
// ABOUTME: Verify compares the two to detect drift in the maintained message counter

package stats

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/convstore/internal/store"
)

// Drift describes a conversation whose maintained statistics disagree with
// a recount from the rows.
type Drift struct {
	ConversationID string
	Maintained     store.ConversationStats
	Recomputed     store.ConversationStats
}

// MessageCountDelta is maintained minus recounted messages.
func (d Drift) MessageCountDelta() int {
	return d.Maintained.MessageCount - d.Recomputed.MessageCount
}

// Aggregator answers stats queries over a StatsStore.
type Aggregator struct {
	store  store.StatsStore
	logger *slog.Logger
}

// NewAggregator creates an Aggregator.
func NewAggregator(s store.StatsStore, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		store:  s,
		logger: logger.With("component", "stats"),
	}
}

// GetConversationStats returns stats using the maintained message counter.
func (a *Aggregator) GetConversationStats(ctx context.Context, conversationID string) (*store.ConversationStats, error) {
	return a.store.ConversationStats(ctx, conversationID)
}

// Recompute returns stats derived entirely from the stored rows.
func (a *Aggregator) Recompute(ctx context.Context, conversationID string) (*store.ConversationStats, error) {
	return a.store.RecomputeConversationStats(ctx, conversationID)
}

// Verify compares the fast and recount paths and returns nil when they agree.
// A writer committing between the two reads can make them differ briefly, so
// a mismatch is confirmed with a second pair of reads before it is reported.
func (a *Aggregator) Verify(ctx context.Context, conversationID string) (*Drift, error) {
	var drift *Drift
	for range 2 {
		fast, err := a.store.ConversationStats(ctx, conversationID)
		if err != nil {
			return nil, fmt.Errorf("reading stats: %w", err)
		}
		slow, err := a.store.RecomputeConversationStats(ctx, conversationID)
		if err != nil {
			return nil, fmt.Errorf("recomputing stats: %w", err)
		}
		if equal(fast, slow) {
			return nil, nil
		}
		drift = &Drift{ConversationID: conversationID, Maintained: *fast, Recomputed: *slow}
	}

	a.logger.Debug("stats drift confirmed", "conversation_id", conversationID, "delta", drift.MessageCountDelta())
	return drift, nil
}

func equal(a, b *store.ConversationStats) bool {
	if a.MessageCount != b.MessageCount ||
		a.AgentExecutionsCount != b.AgentExecutionsCount ||
		a.FailedExecutionsCount != b.FailedExecutionsCount ||
		a.ToolExecutionsCount != b.ToolExecutionsCount {
		return false
	}
	if (a.LastMessageAt == nil) != (b.LastMessageAt == nil) {
		return false
	}
	return a.LastMessageAt == nil || a.LastMessageAt.Equal(*b.LastMessageAt)
}
