package audit

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/acumenpress/commerce/internal/store"
)

const retentionBatchSize = 500

// Retention archives and purges execution records past the retention window.
// The sweep runs off-peak on a cron schedule and never touches the request
// path.
type Retention struct {
	store    store.Store
	archiver Archiver
	days     int
	schedule string
	cron     *cron.Cron
	log      zerolog.Logger
}

// NewRetention constructs a sweeper. archiver may be nil, in which case
// expired records are purged without archival. schedule defaults to 03:00
// daily.
func NewRetention(st store.Store, archiver Archiver, days int, schedule string, log zerolog.Logger) *Retention {
	if schedule == "" {
		schedule = "0 3 * * *"
	}
	return &Retention{
		store:    st,
		archiver: archiver,
		days:     days,
		schedule: schedule,
		log:      log.With().Str("component", "retention").Logger(),
	}
}

// Start schedules the sweep. No-op when the retention window is unset.
func (r *Retention) Start() error {
	if r.days <= 0 {
		r.log.Info().Msg("audit retention disabled")
		return nil
	}
	r.cron = cron.New()
	if _, err := r.cron.AddFunc(r.schedule, r.sweep); err != nil {
		return err
	}
	r.cron.Start()
	r.log.Info().Int("days", r.days).Str("schedule", r.schedule).Msg("audit retention scheduled")
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *Retention) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

func (r *Retention) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	cutoff := time.Now().UTC().AddDate(0, 0, -r.days)

	if r.archiver != nil {
		for {
			batch, err := r.store.ExecutionsBefore(ctx, cutoff, retentionBatchSize)
			if err != nil {
				r.log.Error().Err(err).Msg("retention fetch failed")
				return
			}
			if len(batch) == 0 {
				break
			}
			key, err := r.archiver.ArchiveBatch(ctx, batch)
			if err != nil {
				// leave the rows in place; the next sweep retries
				r.log.Error().Err(err).Msg("retention archive failed")
				return
			}
			last := batch[len(batch)-1].CreatedAt.Add(time.Millisecond)
			removed, err := r.store.DeleteExecutionsBefore(ctx, minTime(last, cutoff))
			if err != nil {
				r.log.Error().Err(err).Msg("retention purge failed")
				return
			}
			r.log.Info().Int64("removed", removed).Str("archive_key", key).Msg("retention batch archived")
			if len(batch) < retentionBatchSize {
				break
			}
		}
		return
	}

	removed, err := r.store.DeleteExecutionsBefore(ctx, cutoff)
	if err != nil {
		r.log.Error().Err(err).Msg("retention purge failed")
		return
	}
	if removed > 0 {
		r.log.Info().Int64("removed", removed).Msg("expired execution records purged")
	}
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
