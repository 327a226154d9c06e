package scheduler

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfall/warden/internal/clock"
)

// DailyWindowResetter rolls the daily-loss accounting window.
type DailyWindowResetter interface {
	ResetDailyWindow()
}

// SnapshotPruner drops balance snapshots older than a cutoff.
type SnapshotPruner interface {
	Prune(before time.Time) (int64, error)
}

// DailyResetJob resets the daily-loss window at the start of each UTC day.
type DailyResetJob struct {
	assessor DailyWindowResetter
	log      zerolog.Logger
}

// NewDailyResetJob creates the daily reset job.
func NewDailyResetJob(assessor DailyWindowResetter, log zerolog.Logger) *DailyResetJob {
	return &DailyResetJob{
		assessor: assessor,
		log:      log.With().Str("job", "daily_reset").Logger(),
	}
}

// Name returns the job name.
func (j *DailyResetJob) Name() string { return "daily_reset" }

// Run resets the daily-loss accounting window.
func (j *DailyResetJob) Run() error {
	j.assessor.ResetDailyWindow()
	j.log.Info().Msg("Daily loss window reset")
	return nil
}

// SnapshotPruneJob drops balance snapshots older than the retention window.
type SnapshotPruneJob struct {
	snapshots SnapshotPruner
	retention time.Duration
	clk       clock.Clock
	log       zerolog.Logger
}

// NewSnapshotPruneJob creates the snapshot pruning job.
func NewSnapshotPruneJob(snapshots SnapshotPruner, retention time.Duration, clk clock.Clock, log zerolog.Logger) *SnapshotPruneJob {
	return &SnapshotPruneJob{
		snapshots: snapshots,
		retention: retention,
		clk:       clk,
		log:       log.With().Str("job", "snapshot_prune").Logger(),
	}
}

// Name returns the job name.
func (j *SnapshotPruneJob) Name() string { return "snapshot_prune" }

// Run prunes snapshots older than the retention window.
func (j *SnapshotPruneJob) Run() error {
	cutoff := j.clk.Now().Add(-j.retention)
	pruned, err := j.snapshots.Prune(cutoff)
	if err != nil {
		return err
	}
	if pruned > 0 {
		j.log.Info().Int64("pruned", pruned).Time("cutoff", cutoff).Msg("Pruned balance snapshots")
	}
	return nil
}
