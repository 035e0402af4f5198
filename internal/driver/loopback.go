package driver

import (
	"fmt"
	"sync"

	"grimm.is/palisade/internal/rule"
	"grimm.is/palisade/internal/wire"
)

// Loopback is an in-process filter emulation: it decodes every pushed
// buffer and maintains the table the real filter would hold. It backs
// the dev/test driver mode and doubles as a protocol check, since a
// buffer the loopback rejects is a buffer the kernel side would
// reject too.
type Loopback struct {
	mu          sync.Mutex
	optionFlags uint32
	groups      []rule.Group
	entries     map[int64]rule.Rule
}

// NewLoopback creates an empty loopback filter.
func NewLoopback() *Loopback {
	return &Loopback{entries: make(map[int64]rule.Rule)}
}

// WriteApp decodes and applies a single-entry delta.
func (l *Loopback) WriteApp(buf []byte, remove bool) error {
	e, err := wire.DecodeEntry(buf)
	if err != nil {
		return fmt.Errorf("loopback: %w", err)
	}
	if remove != (e.Op == wire.OpDelete) {
		return fmt.Errorf("loopback: op %d does not match remove=%v", e.Op, remove)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e.Op == wire.OpDelete {
		delete(l.entries, e.Rule.ID)
	} else {
		l.entries[e.Rule.ID] = e.Rule
	}
	return nil
}

// WriteConf decodes and applies a snapshot, replacing the whole table
// unless onlyFlags is set.
func (l *Loopback) WriteConf(buf []byte, onlyFlags bool) error {
	snap, err := wire.DecodeSnapshot(buf)
	if err != nil {
		return fmt.Errorf("loopback: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.optionFlags = snap.OptionFlags
	l.groups = snap.Groups
	if onlyFlags {
		return nil
	}
	l.entries = make(map[int64]rule.Rule, len(snap.Entries))
	for _, e := range snap.Entries {
		l.entries[e.Rule.ID] = e.Rule
	}
	return nil
}

// Close is a no-op.
func (l *Loopback) Close() error { return nil }

// Entry returns the filter's view of one rule.
func (l *Loopback) Entry(id int64) (rule.Rule, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.entries[id]
	return r, ok
}

// Len returns how many entries the filter holds.
func (l *Loopback) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// OptionFlags returns the last pushed global option flags.
func (l *Loopback) OptionFlags() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.optionFlags
}
