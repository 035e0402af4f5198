// Package wire serializes policy state into the fixed binary layout
// consumed by the kernel filter. There is no schema negotiation: the
// layout here must match the consumer byte for byte, so every record
// carries a magic and a version and all integers are little-endian.
//
// Two encode targets exist. An entry record describes one rule change
// (add, update or removal) and is the cheap delta path. A snapshot
// carries the global option flags, the ordered group table and every
// rule, and is required whenever a wildcard rule or anything
// group-scoped changes, since those affect match ordering across rules.
package wire

import (
	"encoding/binary"
	"fmt"

	"grimm.is/palisade/internal/rule"
)

const (
	// EntryMagic and SnapshotMagic tag the two buffer kinds.
	EntryMagic    uint16 = 0x504C // "LP"
	SnapshotMagic uint16 = 0x5046 // "FP"

	// Version is bumped on any layout change.
	Version uint8 = 1

	// MaxPathLen bounds the path bytes in one record.
	MaxPathLen = 4096
)

// Op discriminates what the driver should do with an entry record.
type Op uint8

const (
	OpAdd Op = iota + 1
	OpUpdate
	OpDelete
)

// Rule flag bits within an entry record.
const (
	flagWildcard uint16 = 1 << iota
	flagUseGroupPerm
	flagApplyChild
	flagKillChild
	flagLanOnly
	flagLogBlocked
	flagLogConn
	flagBlocked
	flagKillProcess
)

// entryFixedLen is the record size before the variable path bytes:
// magic(2) version(1) op(1) id(8) flags(2) group(1) reserved(1)
// accept(4) reject(4) endTime(8) pathLen(2).
const entryFixedLen = 34

// EncodeError reports a field that cannot be represented in the fixed
// layout. It is detected before any driver write.
type EncodeError struct {
	Field  string
	Reason string
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode %s: %s", e.Field, e.Reason)
}

func validate(r *rule.Rule) error {
	if len(r.Path) > MaxPathLen {
		return &EncodeError{Field: "path", Reason: fmt.Sprintf("%d bytes exceeds %d", len(r.Path), MaxPathLen)}
	}
	zoneMask := uint32(1)<<rule.MaxZones - 1
	if r.AcceptZones&^zoneMask != 0 {
		return &EncodeError{Field: "acceptZones", Reason: fmt.Sprintf("bits above zone %d set", rule.MaxZones)}
	}
	if r.RejectZones&^zoneMask != 0 {
		return &EncodeError{Field: "rejectZones", Reason: fmt.Sprintf("bits above zone %d set", rule.MaxZones)}
	}
	if r.GroupIndex < 0 || r.GroupIndex >= rule.MaxGroups {
		return &EncodeError{Field: "groupIndex", Reason: fmt.Sprintf("%d outside [0,%d)", r.GroupIndex, rule.MaxGroups)}
	}
	return nil
}

func ruleFlags(r *rule.Rule, blocked bool) uint16 {
	var f uint16
	set := func(bit uint16, on bool) {
		if on {
			f |= bit
		}
	}
	set(flagWildcard, r.IsWildcard)
	set(flagUseGroupPerm, r.UseGroupPerm)
	set(flagApplyChild, r.ApplyChild)
	set(flagKillChild, r.KillChild)
	set(flagLanOnly, r.LanOnly)
	set(flagLogBlocked, r.LogBlocked)
	set(flagLogConn, r.LogConn)
	set(flagBlocked, blocked)
	set(flagKillProcess, r.KillProcess)
	return f
}

func appendEntry(buf []byte, r *rule.Rule, op Op, blocked bool) []byte {
	// Wildcard rules have no single path; the pattern list travels in
	// OriginPath.
	path := r.Path
	if r.IsWildcard {
		path = r.OriginPath
	}

	buf = binary.LittleEndian.AppendUint16(buf, EntryMagic)
	buf = append(buf, Version, byte(op))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(r.ID))
	buf = binary.LittleEndian.AppendUint16(buf, ruleFlags(r, blocked))
	buf = append(buf, byte(r.GroupIndex), 0)
	buf = binary.LittleEndian.AppendUint32(buf, r.AcceptZones)
	buf = binary.LittleEndian.AppendUint32(buf, r.RejectZones)
	var endMs int64
	if r.HasEndTime() {
		endMs = r.EndTime.UnixMilli()
	}
	buf = binary.LittleEndian.AppendUint64(buf, uint64(endMs))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(path)))
	buf = append(buf, path...)
	return buf
}

// EncodeEntry serializes one rule change. The returned drive mask
// covers the volumes referenced by the rule's path (zero for
// removals, which carry only identity).
func EncodeEntry(r *rule.Rule, op Op) (buf []byte, driveMask uint32, err error) {
	if err := validate(r); err != nil {
		return nil, 0, err
	}

	wildPath := r.Path
	if r.IsWildcard {
		wildPath = r.OriginPath
	}
	if len(wildPath) > MaxPathLen {
		return nil, 0, &EncodeError{Field: "path", Reason: fmt.Sprintf("%d bytes exceeds %d", len(wildPath), MaxPathLen)}
	}

	buf = appendEntry(make([]byte, 0, entryFixedLen+len(wildPath)), r, op, r.Blocked)
	if op != OpDelete {
		driveMask = PathDriveMask(wildPath)
	}
	return buf, driveMask, nil
}

// EncodeSnapshot serializes the global options, the ordered group
// table and all rules. Rules must already be in (group order, id)
// order, the order Store.Walk yields. The effective blocked state of
// a rule inheriting its group's permission is resolved here and
// nowhere earlier, so the stored fields stay independently editable.
func EncodeSnapshot(conf *rule.Conf, rules []rule.Rule) (buf []byte, driveMask uint32, err error) {
	if len(conf.Groups) > rule.MaxGroups {
		return nil, 0, &EncodeError{Field: "groups", Reason: fmt.Sprintf("%d groups exceeds %d", len(conf.Groups), rule.MaxGroups)}
	}

	buf = make([]byte, 0, 16+len(conf.Groups)*2+len(rules)*(entryFixedLen+64))
	buf = binary.LittleEndian.AppendUint16(buf, SnapshotMagic)
	buf = append(buf, Version, 0)
	buf = binary.LittleEndian.AppendUint32(buf, conf.OptionFlags())

	buf = append(buf, byte(len(conf.Groups)))
	for _, g := range conf.Groups {
		var enabled byte
		if g.Enabled {
			enabled = 1
		}
		buf = append(buf, byte(g.OrderIndex), enabled)
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(rules)))
	for i := range rules {
		r := &rules[i]
		if err := validate(r); err != nil {
			return nil, 0, err
		}

		blocked := r.Blocked
		if r.UseGroupPerm {
			if g, ok := conf.GroupAt(r.GroupIndex); ok && !g.Enabled {
				blocked = true
			}
		}

		buf = appendEntry(buf, r, OpAdd, blocked)

		p := r.Path
		if r.IsWildcard {
			p = r.OriginPath
		}
		driveMask |= PathDriveMask(p)
	}

	return buf, driveMask, nil
}

// EncodeFlags serializes only the snapshot header (global options and
// group states), for pushes where no rule rows changed.
func EncodeFlags(conf *rule.Conf) ([]byte, error) {
	buf, _, err := EncodeSnapshot(conf, nil)
	return buf, err
}

// PathDriveMask returns the volume bitmask for one path: bit N for
// drive letter 'A'+N on drive-lettered paths, bit 0 for rooted unix
// paths, nothing for patterns or relative paths.
func PathDriveMask(path string) uint32 {
	if len(path) >= 3 && path[1] == ':' && (path[2] == '/' || path[2] == '\\') {
		c := path[0]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		if c >= 'A' && c <= 'Z' {
			return 1 << (c - 'A')
		}
		return 0
	}
	if len(path) > 0 && path[0] == '/' {
		return 1
	}
	return 0
}
