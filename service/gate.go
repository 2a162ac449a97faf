package service

import (
	"context"
	"media-pipeline/constant"
	"media-pipeline/entities"
	"media-pipeline/repository"
	"time"
)

// Gate caps how many jobs of one type a user may have in flight. It is advisory and re-checked
// every time a job is popped.
type Gate struct {
	jobs  repository.JobRepository
	limit int
	delay time.Duration
}

func NewGate(jobs repository.JobRepository, limit int, delay time.Duration) *Gate {
	if limit <= 0 {
		limit = constant.MaxActiveVideoJobs
	}
	if delay <= 0 {
		delay = constant.GateDelay
	}
	return &Gate{jobs: jobs, limit: limit, delay: delay}
}

// Admit reports whether job may start now. Only jobs of the same owner and type that are
// PROCESSING, or were queued before job, count against the limit, so the oldest waiting jobs
// always get the free slots.
func (g *Gate) Admit(ctx context.Context, job *entities.Job) (bool, error) {
	ahead, err := g.jobs.CountActiveAhead(ctx, job)
	if err != nil {
		return false, err
	}
	return ahead < g.limit, nil
}

// Delay is how long a rejected job waits before it is reconsidered.
func (g *Gate) Delay() time.Duration {
	return g.delay
}
