// ABOUTME: Tests for the stats aggregator and the consistency checker
// ABOUTME: Uses MockStore with injected counter drift

package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/convstore/internal/clock"
	"github.com/2389/convstore/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func seedConversation(t *testing.T, s *store.MockStore, messages int) string {
	t.Helper()
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, store.NewConversation{Title: "seed"})
	require.NoError(t, err)
	for i := range messages {
		_, err := s.AppendMessage(ctx, store.NewMessage{
			ConversationID: conv.ID,
			Role:           store.RoleUser,
			Content:        fmt.Sprintf("message %d", i),
		})
		require.NoError(t, err)
	}
	return conv.ID
}

func TestAggregator_StatsPaths(t *testing.T) {
	ctx := context.Background()
	s := store.NewMockStore()
	id := seedConversation(t, s, 3)

	_, err := s.RecordExecution(ctx, store.NewAgentExecution{
		ConversationID: id,
		Query:          "q",
		Success:        false,
		Error:          ptr("boom"),
	})
	require.NoError(t, err)

	agg := NewAggregator(s, quietLogger())

	fast, err := agg.GetConversationStats(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, fast.MessageCount)
	assert.Equal(t, 1, fast.AgentExecutionsCount)
	assert.Equal(t, 1, fast.FailedExecutionsCount)
	require.NotNil(t, fast.LastMessageAt)

	slow, err := agg.Recompute(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, fast, slow)
}

func TestAggregator_VerifyClean(t *testing.T) {
	s := store.NewMockStore()
	id := seedConversation(t, s, 2)

	drift, err := NewAggregator(s, quietLogger()).Verify(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, drift)
}

func TestAggregator_VerifyDetectsDrift(t *testing.T) {
	s := store.NewMockStore()
	id := seedConversation(t, s, 2)
	s.Drift(id, 3)

	drift, err := NewAggregator(s, quietLogger()).Verify(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, drift)
	assert.Equal(t, id, drift.ConversationID)
	assert.Equal(t, 5, drift.Maintained.MessageCount)
	assert.Equal(t, 2, drift.Recomputed.MessageCount)
	assert.Equal(t, 3, drift.MessageCountDelta())
}

func TestAggregator_VerifyMissingConversation(t *testing.T) {
	s := store.NewMockStore()

	_, err := NewAggregator(s, quietLogger()).Verify(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestChecker_CheckAll(t *testing.T) {
	ctx := context.Background()
	s := store.NewMockStore()

	clean := seedConversation(t, s, 1)
	drifted := seedConversation(t, s, 2)
	s.Drift(drifted, -1)

	checker := NewChecker(s, CheckerConfig{PageSize: 1}, clock.NewFake(time.Now()), quietLogger())
	report, err := checker.CheckAll(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 0, report.Repaired)
	require.Len(t, report.Drifted, 1)
	assert.Equal(t, drifted, report.Drifted[0].ConversationID)
	assert.Equal(t, -1, report.Drifted[0].MessageCountDelta())

	got, err := s.GetConversation(ctx, clean)
	require.NoError(t, err)
	assert.Equal(t, 1, got.MessageCount)

	// Without repair the drift is still there on the next pass
	report, err = checker.CheckAll(ctx)
	require.NoError(t, err)
	assert.Len(t, report.Drifted, 1)
}

func TestChecker_Repair(t *testing.T) {
	ctx := context.Background()
	s := store.NewMockStore()
	id := seedConversation(t, s, 4)
	s.Drift(id, 7)

	checker := NewChecker(s, CheckerConfig{Repair: true}, clock.NewFake(time.Now()), quietLogger())
	report, err := checker.CheckAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repaired)
	assert.Len(t, report.Drifted, 1)

	conv, err := s.GetConversation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 4, conv.MessageCount)

	report, err = checker.CheckAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Drifted)
	assert.Equal(t, 0, report.Repaired)
}

func TestChecker_EmptyStore(t *testing.T) {
	checker := NewChecker(store.NewMockStore(), CheckerConfig{}, nil, quietLogger())

	report, err := checker.CheckAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{}, report)
}

// failingStats fails the recount for one conversation.
type failingStats struct {
	*store.MockStore
	failID string
}

func (f *failingStats) RecomputeConversationStats(ctx context.Context, id string) (*store.ConversationStats, error) {
	if id == f.failID {
		return nil, &store.StorageError{Op: "recompute stats", Err: errors.New("disk on fire")}
	}
	return f.MockStore.RecomputeConversationStats(ctx, id)
}

func TestChecker_ContinuesPastErrors(t *testing.T) {
	s := store.NewMockStore()
	bad := seedConversation(t, s, 1)
	good := seedConversation(t, s, 1)
	s.Drift(good, 2)

	checker := NewChecker(&failingStats{MockStore: s, failID: bad}, CheckerConfig{}, nil, quietLogger())
	report, err := checker.CheckAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 1, report.Errors)
	require.Len(t, report.Drifted, 1)
	assert.Equal(t, good, report.Drifted[0].ConversationID)
}

func TestChecker_CancelledContext(t *testing.T) {
	s := store.NewMockStore()
	seedConversation(t, s, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	checker := NewChecker(s, CheckerConfig{}, nil, quietLogger())
	_, err := checker.CheckAll(ctx)
	require.Error(t, err)
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	s := store.NewMockStore()
	seedConversation(t, s, 1)

	ctx, cancel := context.WithCancel(context.Background())
	checker := NewChecker(s, CheckerConfig{Interval: time.Hour}, nil, quietLogger())

	done := make(chan error, 1)
	go func() { done <- checker.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// flakyListing fails the first listing calls with err.
type flakyListing struct {
	*store.MockStore
	failures int32
	err      error
	calls    atomic.Int32
}

func (f *flakyListing) ListConversationIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, f.err
	}
	return f.MockStore.ListConversationIDs(ctx, afterID, limit)
}

func TestChecker_RunSurvivesStorageErrors(t *testing.T) {
	s := store.NewMockStore()
	seedConversation(t, s, 1)

	flaky := &flakyListing{
		MockStore: s,
		failures:  1,
		err:       &store.StorageError{Op: "listing conversations", Err: errors.New("connection reset")},
	}
	checker := NewChecker(flaky, CheckerConfig{Interval: 10 * time.Millisecond}, nil, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- checker.Run(ctx) }()

	// The failed first pass is followed by a successful one that lists again
	require.Eventually(t, func() bool { return flaky.calls.Load() >= 3 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestChecker_RunStopsOnPermanentError(t *testing.T) {
	flaky := &flakyListing{
		MockStore: store.NewMockStore(),
		failures:  1,
		err:       &store.ValidationError{Field: "limit", Reason: "bad"},
	}
	checker := NewChecker(flaky, CheckerConfig{Interval: 10 * time.Millisecond}, nil, quietLogger())

	err := checker.Run(context.Background())
	assert.ErrorIs(t, err, store.ErrValidation)
	assert.Equal(t, int32(1), flaky.calls.Load())
}

func ptr[T any](v T) *T {
	return &v
}
