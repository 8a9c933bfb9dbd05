package recovery

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"digit-trading-bot/internal/database"
	"digit-trading-bot/internal/errs"
)

// Rollover closes every ledger row dated before date. Recoveries still open
// at rollover count as unsuccessful. Returns the number of rows closed.
func (c *Controller) Rollover(ctx context.Context, date time.Time) (int, error) {
	day := database.TradingDay(date)
	rows, err := c.store.ListOpenDailyPnLBefore(ctx, day)
	if err != nil {
		return 0, errs.Wrap(errs.KindPersistence, "recovery.rollover", err)
	}

	now := c.now()
	closed := 0
	for _, row := range rows {
		var wasActive bool
		_, err := c.store.UpdateDailyPnL(ctx, row.UserID, row.Date, func(d *database.DailyPnL) error {
			wasActive = d.IsRecoveryActive
			d.IsRecoveryActive = false
			d.RecoveryStartedAt = nil
			at := now
			d.ClosedAt = &at
			return nil
		})
		if err != nil {
			c.logger.Error().Err(err).Str("user_id", row.UserID).Time("date", row.Date).Msg("Failed to close daily ledger")
			continue
		}
		closed++

		if wasActive {
			c.recordStrategy(ctx, row.UserID, func(s *database.AiRecoveryStrategy) {
				s.IsActive = false
				s.SuccessRate = successRate(s)
			})
			if c.notifier != nil {
				c.notifier.PublishRecovery(row.UserID, false, row.DailyPnL, row.CurrentBalance)
			}
		}
	}

	if closed > 0 {
		c.logger.Info().Int("rows", closed).Time("date", day).Msg("Daily ledgers rolled over")
	}
	return closed, nil
}

// RolloverJob runs Rollover on a cron schedule
type RolloverJob struct {
	cron       *cron.Cron
	controller *Controller
	baseCtx    context.Context
}

// NewRolloverJob schedules the rollover with a six-field (seconds) cron spec
func NewRolloverJob(ctx context.Context, controller *Controller, spec string) (*RolloverJob, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if spec == "" {
		spec = "5 0 0 * * *"
	}

	j := &RolloverJob{
		cron:       cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		controller: controller,
		baseCtx:    ctx,
	}
	if _, err := j.cron.AddFunc(spec, j.run); err != nil {
		return nil, errs.Wrap(errs.KindConfig, "recovery.rollover_job", err)
	}
	return j, nil
}

func (j *RolloverJob) run() {
	ctx, cancel := context.WithTimeout(j.baseCtx, time.Minute)
	defer cancel()
	if _, err := j.controller.Rollover(ctx, j.controller.now()); err != nil {
		j.controller.logger.Error().Err(err).Msg("Daily rollover failed")
	}
}

// Start runs a catch-up rollover for days missed while stopped, then starts the schedule
func (j *RolloverJob) Start() {
	j.run()
	j.cron.Start()
	j.controller.logger.Info().Msg("Rollover job started")
}

// Stop stops the schedule and waits for a running rollover
func (j *RolloverJob) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	j.controller.logger.Info().Msg("Rollover job stopped")
}
