package orchestrator

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/kalbasit/ccindex/pkg/validator"
)

// CollectionYear identifies a collection directory and the year its
// captures belong to, as supplied by a caller's directory-listing routine.
type CollectionYear struct {
	Collection string
	Year       string
}

// SetupCron creates the orchestrator's cron scheduler. The cron instance is
// constructed once, then jobs are scheduled onto it before StartCron runs it
// in its own goroutine.
func (o *Orchestrator) SetupCron(timezone *time.Location) {
	var opts []cron.Option
	if timezone != nil {
		opts = append(opts, cron.WithLocation(timezone))
	}

	o.cron = cron.New(opts...)
}

// AddRevalidateCronJob schedules a periodic re-validation sweep: every tick,
// list lists the collections under management and the orchestrator
// re-validates each one, rebuilding any collection database the validator
// reports as RETRYABLE_FAILURE. This is how a long-running "serve" process
// recovers a collection whose index was corrupted by an interrupted run
// without an operator re-invoking "ingest" by hand.
func (o *Orchestrator) AddRevalidateCronJob(ctx context.Context, schedule cron.Schedule, list func(context.Context) ([]CollectionYear, error)) {
	zerolog.Ctx(ctx).Info().Time("next-run", schedule.Next(time.Now())).Msg("adding a cronjob for index re-validation")

	o.cron.Schedule(schedule, cron.FuncJob(func() {
		o.runRevalidateSweep(ctx, list)
	}))
}

// StartCron starts the cron scheduler in its own goroutine. It is a no-op
// if SetupCron was never called.
func (o *Orchestrator) StartCron() {
	if o.cron == nil {
		return
	}

	o.cron.Start()
}

// StopCron stops the cron scheduler and waits for any in-flight job to
// finish, or for ctx to be done.
func (o *Orchestrator) StopCron(ctx context.Context) {
	if o.cron == nil {
		return
	}

	select {
	case <-o.cron.Stop().Done():
	case <-ctx.Done():
	}
}

func (o *Orchestrator) runRevalidateSweep(ctx context.Context, list func(context.Context) ([]CollectionYear, error)) {
	log := zerolog.Ctx(ctx).With().Str("sweep", "revalidate").Logger()

	collections, err := list(ctx)
	if err != nil {
		log.Error().Err(err).Msg("listing collections for revalidation sweep")

		return
	}

	for _, cy := range collections {
		status, err := validator.Validate(ctx, o.validatorConfig(ctx), cy.Collection, cy.Year, o.manifest)
		if err != nil {
			log.Error().Err(err).Str("collection", cy.Collection).Msg("revalidating collection")

			continue
		}

		if DeriveState(status) != StateRetryableFailure {
			continue
		}

		log.Warn().Str("collection", cy.Collection).Msg("revalidation sweep found anomalies, rebuilding")

		if err := o.rebuildCollectionDB(ctx, cy.Collection, cy.Year); err != nil {
			log.Error().Err(err).Str("collection", cy.Collection).Msg("revalidation sweep rebuild failed")
		}
	}
}
