package cron

import (
	"context"
	"testing"
	"time"

	"github.com/zhaopengme/matecode/pkg/config"
)

type recordingRunner struct {
	ran  []string
	busy bool
}

func (r *recordingRunner) RunScheduledPrompt(_ context.Context, name, _ string) bool {
	if r.busy {
		return false
	}
	r.ran = append(r.ran, name)
	return true
}

func TestTickRunsDueJobs(t *testing.T) {
	runner := &recordingRunner{}
	s := NewService(nil, runner)
	// 03:30 every day; reference time matches.
	s.now = func() time.Time {
		return time.Date(2025, 6, 1, 3, 30, 0, 0, time.UTC)
	}

	jobs := []config.CronJob{
		{Name: "nightly", Schedule: "30 3 * * *", Prompt: "summarize"},
		{Name: "weekly", Schedule: "0 9 * * 1", Prompt: "plan"},
	}
	s.tick(context.Background(), jobs)

	if len(runner.ran) != 1 || runner.ran[0] != "nightly" {
		t.Errorf("tick ran %v, want only the nightly job", runner.ran)
	}
}

func TestTickSkipsWhenNotDue(t *testing.T) {
	runner := &recordingRunner{}
	s := NewService(nil, runner)
	s.now = func() time.Time {
		return time.Date(2025, 6, 1, 4, 0, 0, 0, time.UTC)
	}

	s.tick(context.Background(), []config.CronJob{
		{Name: "nightly", Schedule: "30 3 * * *", Prompt: "summarize"},
	})

	if len(runner.ran) != 0 {
		t.Errorf("tick ran %v, want none", runner.ran)
	}
}

func TestInvalidScheduleDetected(t *testing.T) {
	s := NewService(nil, &recordingRunner{})
	if s.gron.IsValid("not a schedule") {
		t.Error("nonsense expression must be invalid")
	}
	if !s.gron.IsValid("*/5 * * * *") {
		t.Error("standard five-field expression must be valid")
	}
}
