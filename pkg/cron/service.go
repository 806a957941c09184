// MateCode - Claude Code Telegram bridge
// License: MIT

// Package cron injects configured prompts on a schedule, through the same
// path an operator message takes.
package cron

import (
	"context"
	"time"

	"github.com/adhocore/gronx"

	"github.com/zhaopengme/matecode/pkg/config"
	"github.com/zhaopengme/matecode/pkg/logger"
)

const componentName = "cron"

// Runner is the dispatcher's scheduled-prompt entrypoint.
type Runner interface {
	RunScheduledPrompt(ctx context.Context, name, prompt string) bool
}

type Service struct {
	jobs   []config.CronJob
	runner Runner
	gron   gronx.Gronx
	now    func() time.Time
}

func NewService(jobs []config.CronJob, runner Runner) *Service {
	return &Service{
		jobs:   jobs,
		runner: runner,
		gron:   *gronx.New(),
		now:    time.Now,
	}
}

// Run checks schedules once a minute. Invalid expressions are reported once
// at startup and skipped thereafter.
func (s *Service) Run(ctx context.Context) error {
	valid := make([]config.CronJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		if !s.gron.IsValid(job.Schedule) {
			logger.ErrorCF(componentName, "Invalid cron schedule, job disabled", map[string]interface{}{
				"job":      job.Name,
				"schedule": job.Schedule,
			})
			continue
		}
		valid = append(valid, job)
	}
	if len(valid) == 0 {
		logger.InfoC(componentName, "No cron jobs configured")
		<-ctx.Done()
		return ctx.Err()
	}

	logger.InfoCF(componentName, "Cron service started", map[string]interface{}{
		"jobs": len(valid),
	})

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.InfoC(componentName, "Cron service stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx, valid)
		}
	}
}

// tick runs every job due at the current minute.
func (s *Service) tick(ctx context.Context, jobs []config.CronJob) {
	ref := s.now().Truncate(time.Minute)
	for _, job := range jobs {
		due, err := s.gron.IsDue(job.Schedule, ref)
		if err != nil {
			logger.WarnCF(componentName, "Schedule check failed", map[string]interface{}{
				"job":   job.Name,
				"error": err.Error(),
			})
			continue
		}
		if due {
			s.runner.RunScheduledPrompt(ctx, job.Name, job.Prompt)
		}
	}
}
