package memory

import (
	"github.com/robfig/cron/v3"
)

// Scheduler drives the mid-term tier's daily reset on a cron schedule, as a
// belt-and-braces complement to the lazy per-access check in midTermTurns:
// even a user with no traffic around midnight gets their cached day marker
// cleared promptly.
type Scheduler struct {
	cron *cron.Cron
	mgr  *Manager
}

// NewScheduler builds a Scheduler bound to mgr. Call Start to begin running
// it; Stop to shut it down.
func NewScheduler(mgr *Manager) *Scheduler {
	return &Scheduler{cron: cron.New(), mgr: mgr}
}

// Start schedules the midnight sweep and begins running it in the
// background.
func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc("0 0 * * *", s.sweepMidTerm)
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

func (s *Scheduler) sweepMidTerm() {
	s.mgr.midMu.Lock()
	defer s.mgr.midMu.Unlock()
	for userID := range s.mgr.midDay {
		delete(s.mgr.midDay, userID)
	}
}

// Stop halts the scheduler, waiting for any in-flight job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
