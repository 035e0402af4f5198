// Package policy orchestrates every rule mutation: it validates the
// group reference, commits to the store, coalesces change
// notifications, and pushes the change to the kernel filter.
//
// Ordering is fixed: the store commit always precedes the driver push,
// so a failed push can never corrupt committed state. The filter may
// lag the store until the next successful sync, which is why every
// mutation unconditionally attempts one.
package policy

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"grimm.is/palisade/internal/clock"
	"grimm.is/palisade/internal/driver"
	"grimm.is/palisade/internal/events"
	"grimm.is/palisade/internal/logging"
	"grimm.is/palisade/internal/metrics"
	"grimm.is/palisade/internal/rule"
	"grimm.is/palisade/internal/store"
	"grimm.is/palisade/internal/wire"
)

// ErrInvalidGroup rejects writes referencing a group index that does
// not resolve to a live group. Detected before any durable write.
var ErrInvalidGroup = errors.New("invalid group index")

// SyncError wraps a driver failure that happened after a successful
// store commit. The store is authoritative; the push is not retried.
type SyncError struct {
	Err error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("filter sync failed (policy store is still updated): %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// batchSnapshotThreshold caps per-entry driver pushes in one batch
// operation; beyond it a single full snapshot is cheaper than O(n)
// deltas.
const batchSnapshotThreshold = 7

// Manager is the capability surface shared by the privileged Service
// and the forwarding RPC client, so unprivileged processes call the
// exact same contract.
type Manager interface {
	AddRule(r rule.Rule) (int64, error)
	UpdateRule(r rule.Rule) error
	UpdateRuleName(id int64, name string) error
	SetRulesBlocked(ids []int64, blocked, killProcess bool) error
	DeleteRules(ids []int64) error
	PurgeRules() (int, error)
	Rules() ([]rule.Rule, error)
	ResyncDriver() error
}

// Options carries the external collaborators. All are optional.
type Options struct {
	// Clock drives end-time arithmetic; defaults to the system clock.
	Clock clock.Clock

	// NotifyTick is the notification coalescing window.
	NotifyTick time.Duration

	// OnAlerted, OnChanged and OnUpdated receive the debounced
	// notifications: at most one call per window per channel.
	OnAlerted func()
	OnChanged func()
	OnUpdated func()

	// ErrorSink receives one human-readable message per store or
	// driver failure. Defaults to the error log.
	ErrorSink func(msg string)

	// DriveMaskSink receives the volume bitmask after every
	// successful push, replacing the previous mask.
	DriveMaskSink func(mask uint32)

	// NameLookup resolves a path to a display name when a rule is
	// auto-created from a blocked-connection report. Failures return
	// "" and never block the add.
	NameLookup func(path string) string

	// FileExists is the purge pass's disk probe; defaults to os.Stat.
	FileExists func(path string) bool
}

// Service is the privileged policy manager.
type Service struct {
	mu sync.Mutex

	store *store.Store
	drv   driver.Client
	conf  *rule.Conf

	// groups mirrors conf.Groups with store-assigned ids, indexed by
	// group order index.
	groups []rule.Group

	clock   clock.Clock
	log     *logging.Logger
	metrics *metrics.Registry

	alertedTrigger *events.Trigger
	changedTrigger *events.Trigger
	updatedTrigger *events.Trigger

	errorSink     func(string)
	driveMaskSink func(uint32)
	nameLookup    func(string) string
	fileExists    func(string) bool

	endTimer        *time.Timer
	pendingDeadline time.Time

	driveMask uint32
}

// NewService wires the manager to its store, driver and collaborators,
// and reconciles the configured groups into the store.
func NewService(st *store.Store, drv driver.Client, conf *rule.Conf, opts Options) (*Service, error) {
	groups, err := st.SyncGroups(conf.Groups)
	if err != nil {
		return nil, fmt.Errorf("sync groups: %w", err)
	}

	s := &Service{
		store:   st,
		drv:     drv,
		conf:    conf,
		groups:  groups,
		clock:   opts.Clock,
		log:     logging.WithComponent("policy"),
		metrics: metrics.Get(),
	}
	if s.clock == nil {
		s.clock = &clock.RealClock{}
	}

	s.errorSink = opts.ErrorSink
	if s.errorSink == nil {
		s.errorSink = func(msg string) { s.log.Error(msg) }
	}
	s.driveMaskSink = opts.DriveMaskSink
	if s.driveMaskSink == nil {
		s.driveMaskSink = func(uint32) {}
	}
	s.nameLookup = opts.NameLookup
	if s.nameLookup == nil {
		s.nameLookup = func(string) string { return "" }
	}
	s.fileExists = opts.FileExists
	if s.fileExists == nil {
		s.fileExists = func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		}
	}

	noop := func() {}
	onAlerted, onChanged, onUpdated := opts.OnAlerted, opts.OnChanged, opts.OnUpdated
	if onAlerted == nil {
		onAlerted = noop
	}
	if onChanged == nil {
		onChanged = noop
	}
	if onUpdated == nil {
		onUpdated = noop
	}
	s.alertedTrigger = events.NewTrigger(opts.NotifyTick, onAlerted)
	s.changedTrigger = events.NewTrigger(opts.NotifyTick, onChanged)
	s.updatedTrigger = events.NewTrigger(opts.NotifyTick, onUpdated)

	return s, nil
}

// Start runs the startup sequence: optional purge of rules whose
// executables vanished, the initial end-time timer, and one full
// snapshot so the filter starts from the store's state.
func (s *Service) Start(purge bool) error {
	if purge {
		if _, err := s.PurgeRules(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.updateEndTimerLocked()
	err := s.resyncDriverLocked(false)
	s.mu.Unlock()
	return err
}

// Stop cancels the pending timer and debouncers.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.endTimer != nil {
		s.endTimer.Stop()
		s.endTimer = nil
	}
	s.pendingDeadline = time.Time{}
	s.mu.Unlock()

	s.alertedTrigger.Stop()
	s.changedTrigger.Stop()
	s.updatedTrigger.Stop()
}

// groupByIndex resolves a group order index against the live table.
func (s *Service) groupByIndex(index int) (rule.Group, error) {
	if index < 0 || index >= len(s.groups) {
		return rule.Group{}, fmt.Errorf("%w: %d", ErrInvalidGroup, index)
	}
	return s.groups[index], nil
}

// AddRule inserts (or, on a path collision, overwrites) a rule and
// pushes the change to the filter.
func (s *Service) AddRule(r rule.Rule) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.upsertLocked(&r)
	if err != nil {
		return 0, err
	}
	r.ID = id

	if err := s.syncRuleLocked(&r, wire.OpAdd); err != nil {
		return id, err
	}
	return id, nil
}

// ReportBlockedConn handles an unexpected blocked connection observed
// by the filter: unless the path is already managed, a rule is
// auto-created in the default group with the alert flag raised.
func (s *Service) ReportBlockedConn(originPath string, blocked bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := rule.NormalizePath(originPath)

	id, err := s.store.RuleIDByPath(path)
	if err != nil {
		s.errorSink(err.Error())
		return 0, err
	}
	if id > 0 {
		return 0, nil // already added by the user
	}

	r := rule.Rule{
		OriginPath: originPath,
		Path:       path,
		Name:       s.nameLookup(originPath),
		GroupIndex: 0,
		Blocked:    blocked,
		Alerted:    true,
	}

	id, err = s.upsertLocked(&r)
	if err != nil {
		return 0, err
	}

	s.metrics.AlertRulesTotal.Inc()
	s.alertedTrigger.Activate()
	return id, nil
}

// upsertLocked is the shared add-or-update path: group validation,
// encode pre-check, transaction, timer re-arm, changed notification.
func (s *Service) upsertLocked(r *rule.Rule) (int64, error) {
	group, err := s.groupByIndex(r.GroupIndex)
	if err != nil {
		return 0, err
	}

	// Encode failures abort before any durable write.
	if _, _, err := wire.EncodeEntry(r, wire.OpAdd); err != nil {
		return 0, err
	}

	id, err := s.store.Upsert(r, group.ID)
	if err != nil {
		s.errorSink(err.Error())
		return 0, err
	}

	s.metrics.MutationsTotal.WithLabelValues("upsert").Inc()
	if r.HasEndTime() {
		s.updateEndTimerLocked()
	}
	s.changedTrigger.Activate()
	return id, nil
}

// UpdateRule overwrites all writable fields of an existing rule and
// pushes the change.
func (s *Service) UpdateRule(r rule.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateRuleLocked(&r)
}

func (s *Service) updateRuleLocked(r *rule.Rule) error {
	group, err := s.groupByIndex(r.GroupIndex)
	if err != nil {
		return err
	}

	if _, _, err := wire.EncodeEntry(r, wire.OpUpdate); err != nil {
		return err
	}

	if err := s.store.Update(r, group.ID); err != nil {
		s.errorSink(err.Error())
		return err
	}

	s.metrics.MutationsTotal.WithLabelValues("update").Inc()
	s.updateEndTimerLocked()
	s.updatedTrigger.Activate()

	return s.syncRuleLocked(r, wire.OpUpdate)
}

// UpdateRuleName changes only the display name. The filter does not
// carry names, so no push happens.
func (s *Service) UpdateRuleName(id int64, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.UpdateName(id, name); err != nil {
		s.errorSink(err.Error())
		return err
	}

	s.metrics.MutationsTotal.WithLabelValues("rename").Inc()
	s.updatedTrigger.Activate()
	return nil
}

// SetRulesBlocked flips the enforcement state of a batch of rules.
// Past the batch threshold, or when any touched rule is wildcard, one
// trailing snapshot replaces per-entry pushes.
func (s *Service) SetRulesBlocked(ids []int64, blocked, killProcess bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	needSnapshot := len(ids) > batchSnapshotThreshold

	var firstErr error
	for _, id := range ids {
		if err := s.setRuleBlockedLocked(id, blocked, killProcess, &needSnapshot); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	s.updateEndTimerLocked()

	if needSnapshot {
		if err := s.resyncDriverLocked(false); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Service) setRuleBlockedLocked(id int64, blocked, killProcess bool, needSnapshot *bool) error {
	r, err := s.store.RuleByID(id)
	if err != nil {
		s.errorSink(err.Error())
		return err
	}

	// An alerted rule is always saved, even unchanged: the save itself
	// confirms it.
	if !r.Alerted && r.Blocked == blocked && r.KillProcess == killProcess {
		return nil
	}

	if err := s.store.UpdateBlocked(id, blocked, killProcess); err != nil {
		s.errorSink(err.Error())
		return err
	}

	s.metrics.MutationsTotal.WithLabelValues("block").Inc()
	s.updatedTrigger.Activate()

	r.Blocked = blocked
	r.KillProcess = killProcess
	r.EndTime = time.Time{}
	r.Alerted = false

	if r.IsWildcard {
		*needSnapshot = true
		return nil
	}
	if *needSnapshot {
		return nil // covered by the trailing snapshot
	}
	return s.pushEntryLocked(&r, wire.OpUpdate)
}

// DeleteRules removes a batch of rules. The delete result carries the
// path and wildcard flag, which decide between per-entry removals and
// one trailing snapshot.
func (s *Service) DeleteRules(ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteRulesLocked(ids)
}

func (s *Service) deleteRulesLocked(ids []int64) error {
	needSnapshot := len(ids) > batchSnapshotThreshold

	var firstErr error
	for _, id := range ids {
		path, isWildcard, err := s.store.Delete(id)
		if err != nil {
			s.errorSink(err.Error())
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		s.metrics.MutationsTotal.WithLabelValues("delete").Inc()
		s.changedTrigger.Activate()

		if isWildcard {
			needSnapshot = true
			continue
		}
		if needSnapshot {
			continue
		}
		removal := rule.Rule{ID: id, Path: path}
		if err := s.pushEntryLocked(&removal, wire.OpDelete); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.updateEndTimerLocked()

	if needSnapshot {
		if err := s.resyncDriverLocked(false); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Rules returns every rule in (group order, id) order.
func (s *Service) Rules() ([]rule.Rule, error) {
	var out []rule.Rule
	err := s.store.Walk(func(r rule.Rule) bool {
		out = append(out, r)
		return true
	})
	return out, err
}

// Walk visits rules in order with early exit, without materializing
// the table.
func (s *Service) Walk(visit func(r rule.Rule) bool) error {
	return s.store.Walk(visit)
}

// ResyncDriver pushes one full snapshot.
func (s *Service) ResyncDriver() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resyncDriverLocked(false)
}

// SyncFlags pushes only the global option header.
func (s *Service) SyncFlags() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resyncDriverLocked(true)
}

// OnDriveMaskChanged re-pushes the snapshot when a volume referenced
// by current policy paths (re)appears.
func (s *Service) OnDriveMaskChanged(addedMask uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.driveMask&addedMask == 0 {
		return nil
	}
	return s.resyncDriverLocked(false)
}

// DriveMask returns the volume bitmask of the last successful push.
func (s *Service) DriveMask() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.driveMask
}

// syncRuleLocked chooses the push granularity for one changed rule:
// wildcard rules change match ordering for other rules, so partial
// updates are unsound and a full snapshot goes out instead.
func (s *Service) syncRuleLocked(r *rule.Rule, op wire.Op) error {
	if r.IsWildcard {
		return s.resyncDriverLocked(false)
	}
	return s.pushEntryLocked(r, op)
}

func (s *Service) pushEntryLocked(r *rule.Rule, op wire.Op) error {
	buf, mask, err := wire.EncodeEntry(r, op)
	if err != nil {
		s.errorSink(err.Error())
		s.metrics.RecordSync("entry", err)
		return err
	}

	remove := op == wire.OpDelete
	if err := s.drv.WriteApp(buf, remove); err != nil {
		s.metrics.RecordSync("entry", err)
		syncErr := &SyncError{Err: err}
		s.errorSink(syncErr.Error())
		return syncErr
	}
	s.metrics.RecordSync("entry", nil)

	if !remove {
		s.driveMask |= mask
		s.driveMaskSink(s.driveMask)
	}
	return nil
}

func (s *Service) resyncDriverLocked(onlyFlags bool) error {
	var buf []byte
	var mask uint32
	var err error

	kind := "snapshot"
	if onlyFlags {
		kind = "flags"
		buf, err = wire.EncodeFlags(s.conf)
	} else {
		var rules []rule.Rule
		rules, err = s.Rules()
		if err == nil {
			buf, mask, err = wire.EncodeSnapshot(s.conf, rules)
		}
	}
	if err != nil {
		s.errorSink(err.Error())
		s.metrics.RecordSync(kind, err)
		return err
	}

	if err := s.drv.WriteConf(buf, onlyFlags); err != nil {
		s.metrics.RecordSync(kind, err)
		syncErr := &SyncError{Err: err}
		s.errorSink(syncErr.Error())
		return syncErr
	}
	s.metrics.RecordSync(kind, nil)

	if !onlyFlags {
		s.driveMask = mask
		s.driveMaskSink(s.driveMask)
	}
	return nil
}
