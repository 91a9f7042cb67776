package manager

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs ConsolidateMemories on a cron schedule. It is optional:
// callers that trigger consolidation from their own job runner (or never
// at all) have no reason to construct one.
type Scheduler struct {
	cron      *cron.Cron
	manager   *Manager
	olderThan time.Duration
	minCount  int
}

// NewScheduler builds a Scheduler that, on every firing of spec (standard
// five-field cron syntax), consolidates memories older than olderThan into
// groups of at least minCount.
func NewScheduler(m *Manager, spec string, olderThan time.Duration, minCount int) (*Scheduler, error) {
	s := &Scheduler{
		cron:      cron.New(),
		manager:   m,
		olderThan: olderThan,
		minCount:  minCount,
	}
	if _, err := s.cron.AddFunc(spec, s.runOnce); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins running the schedule in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and blocks until any in-flight run completes.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := s.manager.ConsolidateMemories(ctx, time.Now().Add(-s.olderThan), s.minCount); err != nil {
		log.Printf("manager: scheduled consolidation failed: %v", err)
	}
}
