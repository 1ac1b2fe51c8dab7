// Package stats defines the uniform observability snapshot the scheduler
// exposes via getStats()/getModelStats() (spec §4.7, §6).
package stats

import (
	"ratefleet/internal/domain"
	"ratefleet/internal/modellimiter"
	"ratefleet/internal/semaphore"
)

// LimiterStats is the top-level snapshot returned by Scheduler.GetStats().
type LimiterStats struct {
	Label      string
	Models     map[string]modellimiter.Stats
	JobTypes   map[string]domain.JobTypeState
	Memory     semaphore.Stats
	Allocation domain.Allocation
}
