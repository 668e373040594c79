package janitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dotsetgreg/dotchat/pkg/history"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingEvictor struct {
	cutoffs []time.Time
}

func (r *recordingEvictor) EvictIdle(cutoff time.Time) int {
	r.cutoffs = append(r.cutoffs, cutoff)
	return 2
}

func TestNew_RejectsInvalidSchedule(t *testing.T) {
	_, err := New("every tuesday", time.Hour, &recordingEvictor{})
	assert.Error(t, err)
}

func TestSweep_UsesTTLCutoff(t *testing.T) {
	ev := &recordingEvictor{}
	j, err := New("*/10 * * * *", 24*time.Hour, ev)
	require.NoError(t, err)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return now }

	assert.Equal(t, 2, j.Sweep())
	assert.Equal(t, []time.Time{now.Add(-24 * time.Hour)}, ev.cutoffs)

	status := j.Status()
	assert.Equal(t, 2, status["evicted"])
	assert.Equal(t, "2026-03-02T12:00:00Z", status["last_run"])
}

func TestSweep_ZeroTTLDisablesEviction(t *testing.T) {
	ev := &recordingEvictor{}
	j, err := New("* * * * *", 0, ev)
	require.NoError(t, err)
	assert.Zero(t, j.Sweep())
	assert.Empty(t, ev.cutoffs)
}

func TestNext_FollowsSchedule(t *testing.T) {
	j, err := New("*/10 * * * *", time.Hour, &recordingEvictor{})
	require.NoError(t, err)
	next, err := j.Next(time.Date(2026, 3, 2, 12, 3, 30, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 12, 10, 0, 0, time.UTC), next)
}

func TestSweep_EvictsFromHistoryStore(t *testing.T) {
	store := history.NewStore(10)
	store.Append(history.Message{ID: "m1", ConversationID: "c1", Segments: []history.Segment{history.Text("hi")}})

	j, err := New("* * * * *", time.Minute, store)
	require.NoError(t, err)
	j.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	assert.Equal(t, 1, j.Sweep())
	assert.Empty(t, store.Conversations())
}

func TestStartStop(t *testing.T) {
	j, err := New("* * * * *", time.Hour, &recordingEvictor{})
	require.NoError(t, err)
	j.Start(context.Background())
	j.Start(context.Background())
	j.Stop()
	j.Stop()
}
