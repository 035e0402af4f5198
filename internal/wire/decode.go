package wire

import (
	"encoding/binary"
	"fmt"
	"time"

	"grimm.is/palisade/internal/rule"
)

// Entry is one decoded rule change.
type Entry struct {
	Op   Op
	Rule rule.Rule
}

// Snapshot is a decoded full-table push.
type Snapshot struct {
	OptionFlags uint32
	Groups      []rule.Group
	Entries     []Entry
}

// DecodeError reports a malformed buffer.
type DecodeError struct {
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode at offset %d: %s", e.Offset, e.Reason)
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) fail(reason string) error {
	return &DecodeError{Offset: r.off, Reason: reason}
}

func (r *reader) bytes(n int) ([]byte, error) {
	if r.off+n > len(r.buf) {
		return nil, r.fail(fmt.Sprintf("need %d bytes, %d left", n, len(r.buf)-r.off))
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) u8() (uint8, error) {
	b, err := r.bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) u64() (uint64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func decodeEntry(rd *reader) (Entry, error) {
	var e Entry

	magic, err := rd.u16()
	if err != nil {
		return e, err
	}
	if magic != EntryMagic {
		return e, rd.fail(fmt.Sprintf("bad entry magic %#04x", magic))
	}
	version, err := rd.u8()
	if err != nil {
		return e, err
	}
	if version != Version {
		return e, rd.fail(fmt.Sprintf("unsupported version %d", version))
	}
	op, err := rd.u8()
	if err != nil {
		return e, err
	}
	if Op(op) < OpAdd || Op(op) > OpDelete {
		return e, rd.fail(fmt.Sprintf("unknown op %d", op))
	}
	e.Op = Op(op)

	id, err := rd.u64()
	if err != nil {
		return e, err
	}
	e.Rule.ID = int64(id)

	flags, err := rd.u16()
	if err != nil {
		return e, err
	}
	groupIndex, err := rd.u8()
	if err != nil {
		return e, err
	}
	if _, err := rd.u8(); err != nil { // reserved
		return e, err
	}
	e.Rule.GroupIndex = int(groupIndex)

	if e.Rule.AcceptZones, err = rd.u32(); err != nil {
		return e, err
	}
	if e.Rule.RejectZones, err = rd.u32(); err != nil {
		return e, err
	}

	endMs, err := rd.u64()
	if err != nil {
		return e, err
	}
	if endMs != 0 {
		e.Rule.EndTime = time.UnixMilli(int64(endMs))
	}

	pathLen, err := rd.u16()
	if err != nil {
		return e, err
	}
	if int(pathLen) > MaxPathLen {
		return e, rd.fail(fmt.Sprintf("path length %d exceeds %d", pathLen, MaxPathLen))
	}
	path, err := rd.bytes(int(pathLen))
	if err != nil {
		return e, err
	}

	e.Rule.IsWildcard = flags&flagWildcard != 0
	e.Rule.UseGroupPerm = flags&flagUseGroupPerm != 0
	e.Rule.ApplyChild = flags&flagApplyChild != 0
	e.Rule.KillChild = flags&flagKillChild != 0
	e.Rule.LanOnly = flags&flagLanOnly != 0
	e.Rule.LogBlocked = flags&flagLogBlocked != 0
	e.Rule.LogConn = flags&flagLogConn != 0
	e.Rule.Blocked = flags&flagBlocked != 0
	e.Rule.KillProcess = flags&flagKillProcess != 0

	if e.Rule.IsWildcard {
		e.Rule.OriginPath = string(path)
	} else {
		e.Rule.Path = string(path)
	}

	return e, nil
}

// DecodeEntry parses a single entry record. It is the exact inverse of
// EncodeEntry and is used by the loopback driver and the tests.
func DecodeEntry(buf []byte) (Entry, error) {
	rd := &reader{buf: buf}
	e, err := decodeEntry(rd)
	if err != nil {
		return Entry{}, err
	}
	if rd.off != len(buf) {
		return Entry{}, rd.fail(fmt.Sprintf("%d trailing bytes", len(buf)-rd.off))
	}
	return e, nil
}

// DecodeSnapshot parses a full-table buffer.
func DecodeSnapshot(buf []byte) (*Snapshot, error) {
	rd := &reader{buf: buf}

	magic, err := rd.u16()
	if err != nil {
		return nil, err
	}
	if magic != SnapshotMagic {
		return nil, rd.fail(fmt.Sprintf("bad snapshot magic %#04x", magic))
	}
	version, err := rd.u8()
	if err != nil {
		return nil, err
	}
	if version != Version {
		return nil, rd.fail(fmt.Sprintf("unsupported version %d", version))
	}
	if _, err := rd.u8(); err != nil { // reserved
		return nil, err
	}

	snap := &Snapshot{}
	if snap.OptionFlags, err = rd.u32(); err != nil {
		return nil, err
	}

	groupCount, err := rd.u8()
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(groupCount); i++ {
		orderIndex, err := rd.u8()
		if err != nil {
			return nil, err
		}
		enabled, err := rd.u8()
		if err != nil {
			return nil, err
		}
		snap.Groups = append(snap.Groups, rule.Group{
			OrderIndex: int(orderIndex),
			Enabled:    enabled != 0,
		})
	}

	entryCount, err := rd.u32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < entryCount; i++ {
		e, err := decodeEntry(rd)
		if err != nil {
			return nil, err
		}
		snap.Entries = append(snap.Entries, e)
	}

	if rd.off != len(buf) {
		return nil, rd.fail(fmt.Sprintf("%d trailing bytes", len(buf)-rd.off))
	}
	return snap, nil
}
