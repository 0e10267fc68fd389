package tokens

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stitchcli/stitch/pkg/events"
)

type fakeQuerier struct {
	sizes []int64
	errs  []error
	calls int
}

func (f *fakeQuerier) ContextSize(context.Context, string) (int64, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return 0, f.errs[i]
	}
	if i < len(f.sizes) {
		return f.sizes[i], nil
	}
	return 0, errors.New("no more responses")
}

func TestApplyTurnEndAccumulates(t *testing.T) {
	t.Parallel()
	a := New("s1", &fakeQuerier{})

	a.ApplyTurnEnd(&events.TokenUsage{InputTokens: 100, OutputTokens: 20, CacheReadTokens: 50}, 0.01)
	a.ApplyTurnEnd(&events.TokenUsage{InputTokens: 200, OutputTokens: 40, CacheCreationTokens: 10}, 0.02)
	a.ApplyTurnEnd(nil, 0.005)

	totals := a.Totals()
	assert.Equal(t, int64(300), totals.InputTokens)
	assert.Equal(t, int64(60), totals.OutputTokens)
	assert.Equal(t, int64(50), totals.CacheReadTokens)
	assert.Equal(t, int64(10), totals.CacheCreationTokens)
	assert.InDelta(t, 0.035, totals.Cost, 1e-9)
}

func TestSeedReplacesTotals(t *testing.T) {
	t.Parallel()
	a := New("s1", &fakeQuerier{})
	a.ApplyTurnEnd(&events.TokenUsage{InputTokens: 5}, 0)

	a.Seed(Totals{InputTokens: 9000, OutputTokens: 1200, Cost: 1.5}, 4800)

	assert.Equal(t, int64(9000), a.Totals().InputTokens)
	size, ok := a.ContextTokens()
	assert.True(t, ok)
	assert.Equal(t, int64(4800), size)
}

func TestRefreshSucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()
	q := &fakeQuerier{
		errs:  []error{errors.New("timeout"), errors.New("timeout"), nil},
		sizes: []int64{0, 0, 12345},
	}
	a := New("s1", q, WithBackoff(time.Millisecond))

	size, err := a.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(12345), size)
	assert.Equal(t, 3, q.calls)
}

func TestRefreshExhaustionPreservesLastKnownGood(t *testing.T) {
	t.Parallel()
	q := &fakeQuerier{errs: []error{errors.New("down"), errors.New("down"), errors.New("down")}}
	a := New("s1", q, WithBackoff(time.Millisecond))
	a.SetContextTokens(7777)

	_, err := a.Refresh(context.Background())
	require.Error(t, err)
	assert.Equal(t, 3, q.calls)

	// The stale-but-valid estimate survives the failed refresh.
	size, ok := a.ContextTokens()
	assert.True(t, ok)
	assert.Equal(t, int64(7777), size)
}

func TestRefreshHonorsContextCancellation(t *testing.T) {
	t.Parallel()
	q := &fakeQuerier{errs: []error{errors.New("down"), errors.New("down"), errors.New("down")}}
	a := New("s1", q, WithBackoff(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := a.Refresh(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, q.calls, "no retry after cancellation")
}

func TestBillingAndContextNeverConflated(t *testing.T) {
	t.Parallel()
	a := New("s1", &fakeQuerier{})
	a.Seed(Totals{InputTokens: 1000}, 500)

	a.SetContextTokens(999)
	assert.Equal(t, int64(1000), a.Totals().InputTokens, "context refresh must not touch billing totals")

	a.ApplyTurnEnd(&events.TokenUsage{InputTokens: 100}, 0)
	size, _ := a.ContextTokens()
	assert.Equal(t, int64(999), size, "billing accumulation must not touch the context estimate")
}
