package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/3liz/qgswps/internal/model"
)

func newScheduler(ctx context.Context, cfg model.Server, task func()) (gocron.Scheduler, error) {
	var job gocron.JobDefinition
	switch {
	case cfg.CleanupSchedule != "":
		if _, err := model.ParseSchedule(cfg.CleanupSchedule); err != nil {
			return nil, fmt.Errorf("parsing server.cleanup_schedule: %w", err)
		}
		job = gocron.CronJob(cfg.CleanupSchedule, false)
		slog.DebugContext(ctx, "cleanup scheduled", "cron", cfg.CleanupSchedule)
	case cfg.CleanupInterval > 0:
		job = gocron.DurationJob(cfg.CleanupInterval)
		slog.DebugContext(ctx, "cleanup scheduled", "interval", cfg.CleanupInterval.String())
	default:
		return nil, errors.New("both cleanup_schedule and cleanup_interval are empty")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(job, gocron.NewTask(task), gocron.WithSingletonMode(gocron.LimitModeReschedule))
	if err != nil {
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}

// Dangling reports a record that has no timestamp, or that was not
// updated within its timeout while not terminal.
func Dangling(rec model.JobRecord, now time.Time, timeout time.Duration) bool {
	if rec.Updated.IsZero() {
		return true
	}
	return !rec.Status.Terminal() && now.Sub(rec.Updated) >= rec.Timeout(timeout)
}

// Expired reports a terminal, unpinned record past its expiration.
func Expired(rec model.JobRecord, now time.Time, expiration time.Duration) bool {
	if !rec.Status.Terminal() || rec.Pinned {
		return false
	}
	if rec.ExpireAt != nil {
		return !now.Before(*rec.ExpireAt)
	}
	return now.Sub(rec.Updated) >= rec.Expiration(expiration)
}

// Cleanup deletes dangling and expired records with their workdirs. It
// logs failures and goes on, the number of deleted records is returned.
func (e *Executor) Cleanup(ctx context.Context, now time.Time) (int, error) {
	var victims []model.JobRecord
	for rec, err := range e.store.Records(ctx) {
		if err != nil {
			return 0, fmt.Errorf("listing records: %w", err)
		}
		if rec.Pinned {
			continue
		}
		if Dangling(rec, now, e.cfg.ResponseTimeout) || Expired(rec, now, e.cfg.ResponseExpiration) {
			victims = append(victims, rec)
		}
	}

	deleted := 0
	for _, rec := range victims {
		if err := os.RemoveAll(e.Workdir(rec.UUID)); err != nil {
			slog.WarnContext(ctx, "cleanup: removing workdir", "job_id", rec.UUID, "error", err)
		}
		if err := e.store.DeleteResponse(ctx, rec.UUID); err != nil {
			slog.ErrorContext(ctx, "cleanup: deleting record", "job_id", rec.UUID, "error", err)
			continue
		}
		slog.DebugContext(ctx, "cleanup: job removed", "job_id", rec.UUID, "status", rec.Status)
		deleted++
	}
	if deleted > 0 {
		slog.InfoContext(ctx, "cleanup done", "deleted", deleted)
	}
	return deleted, nil
}
