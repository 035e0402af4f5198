package policy

import "time"

// Timer clamps: the floor stops rearm storms when a deadline is
// already in the past (sleep/resume), the ceiling bounds the interval
// against clock arithmetic overflow and far-future deadlines.
const (
	endTimerIntervalMin = 100 * time.Millisecond
	endTimerIntervalMax = 24 * time.Hour
)

// OnClockChanged recomputes the pending timer after a material system
// time change. The deadline arithmetic is against wall-clock now, so
// a jump in either direction moves the interval.
func (s *Service) OnClockChanged() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateEndTimerLocked()
}

// updateEndTimerLocked re-arms the single pending timer at the soonest
// upcoming expiration, or cancels it when no rule is scheduled.
func (s *Service) updateEndTimerLocked() {
	deadline, ok, err := s.store.MinPendingEndTime()
	if err != nil {
		s.errorSink(err.Error())
		return
	}

	if s.endTimer != nil {
		s.endTimer.Stop()
		s.endTimer = nil
	}

	if !ok {
		s.pendingDeadline = time.Time{}
		return
	}

	interval := s.clock.Until(deadline)
	if interval < 0 {
		interval = 0
	}
	if interval > endTimerIntervalMax {
		interval = endTimerIntervalMax
	}
	if interval < endTimerIntervalMin {
		interval = endTimerIntervalMin
	}

	s.pendingDeadline = deadline
	s.endTimer = time.AfterFunc(interval, s.processExpired)
}

// PendingDeadline returns the armed expiration, zero when none.
func (s *Service) PendingDeadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingDeadline
}

// processExpired flips every lapsed scheduled block to blocked through
// the full update path (store transaction, notification, driver push),
// then recomputes the next deadline; back-to-back expirations resolve
// on the recursive re-arm.
func (s *Service) processExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired, err := s.store.ExpiredRules(s.clock.Now())
	if err != nil {
		s.errorSink(err.Error())
		s.updateEndTimerLocked()
		return
	}

	for i := range expired {
		r := &expired[i]
		s.log.Info("scheduled block reached", "id", r.ID, "path", r.Path)

		r.Blocked = true
		r.KillProcess = false
		r.EndTime = time.Time{}

		if err := s.updateRuleLocked(r); err != nil {
			// Already reported; keep processing the rest.
			continue
		}
		s.metrics.ExpiryFiresTotal.Inc()
	}

	s.updateEndTimerLocked()
}
