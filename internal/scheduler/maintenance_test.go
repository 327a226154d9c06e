package scheduler

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfall/warden/internal/clock"
)

type stubResetter struct{ calls int }

func (r *stubResetter) ResetDailyWindow() { r.calls++ }

type stubPruner struct {
	cutoff time.Time
	pruned int64
}

func (p *stubPruner) Prune(before time.Time) (int64, error) {
	p.cutoff = before
	return p.pruned, nil
}

func TestDailyResetJobRollsWindow(t *testing.T) {
	resetter := &stubResetter{}
	job := NewDailyResetJob(resetter, zerolog.Nop())

	require.NoError(t, job.Run())

	assert.Equal(t, 1, resetter.calls)
	assert.Equal(t, "daily_reset", job.Name())
}

func TestSnapshotPruneJobUsesRetentionCutoff(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewVirtual(now)
	pruner := &stubPruner{pruned: 7}
	job := NewSnapshotPruneJob(pruner, 72*time.Hour, clk, zerolog.Nop())

	require.NoError(t, job.Run())

	assert.Equal(t, now.Add(-72*time.Hour), pruner.cutoff)
}
