package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "state", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLastCheckin(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)

	_, ok, err := l.LastCheckin(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	recs := []*Record{
		{RunID: uuid.NewString(), Outcome: OutcomeSubmitted, StartedAt: base, FinishedAt: base.Add(time.Minute), CheckinStatus: 200},
		{RunID: uuid.NewString(), Outcome: OutcomeSubmitted, StartedAt: base.Add(time.Hour), FinishedAt: base.Add(time.Hour + time.Minute), CheckinStatus: 200},
		{RunID: uuid.NewString(), Outcome: OutcomeRetained, StartedAt: base.Add(2 * time.Hour), FinishedAt: base.Add(2*time.Hour + time.Minute), CheckinStatus: 500},
	}
	for _, rec := range recs {
		require.NoError(t, l.Record(ctx, rec))
	}

	last, ok, err := l.LastCheckin(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, last.Equal(base.Add(time.Hour+time.Minute)), "got %v", last)

	recent, err := l.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, OutcomeRetained, recent[0].Outcome)
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	now := time.Now().UTC()

	require.NoError(t, l.Record(ctx, &Record{RunID: uuid.NewString(), Outcome: OutcomeAborted, StartedAt: now.Add(-48 * time.Hour)}))
	require.NoError(t, l.Record(ctx, &Record{RunID: uuid.NewString(), Outcome: OutcomeSubmitted, StartedAt: now}))

	n, err := l.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	recent, err := l.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}
