// Package rule defines the domain model for per-application firewall
// policy: one Rule per managed program, Groups that order and gate
// rules, and the Conf aggregate pushed to the kernel filter.
package rule

import (
	"path/filepath"
	"strings"
	"time"
)

// MaxZones is the number of traffic zones the kernel filter supports.
// Zone bitmasks wider than this are rejected at encode time.
const MaxZones = 16

// MaxGroups is the number of rule groups the kernel filter supports.
const MaxGroups = 16

// Rule is one managed application's policy row.
type Rule struct {
	ID int64

	// OriginPath is the path or pattern exactly as the user entered it.
	// Wildcard rules may carry a multi-line list of patterns here.
	OriginPath string

	// Path is the normalized single-path form used for exact lookups.
	// Empty for wildcard rules.
	Path string

	Name       string
	IsWildcard bool

	// GroupIndex refers to a Group by its order index. UseGroupPerm
	// makes the rule inherit the group's enabled state instead of its
	// own Blocked flag; precedence between the two is resolved only
	// when the driver snapshot is built.
	GroupIndex   int
	UseGroupPerm bool

	ApplyChild  bool
	KillChild   bool
	LanOnly     bool
	LogBlocked  bool
	LogConn     bool
	Blocked     bool
	KillProcess bool

	AcceptZones uint32
	RejectZones uint32

	// EndTime schedules an automatic transition to Blocked once the
	// wall clock passes it. Zero means no scheduled block. Only
	// meaningful while Blocked is false.
	EndTime time.Time

	CreateTime time.Time

	// Alerted marks a rule auto-created from an unexpected blocked
	// connection that the user has not yet confirmed. Cleared on any
	// explicit save.
	Alerted bool
}

// HasEndTime reports whether the rule carries a scheduled block.
func (r *Rule) HasEndTime() bool {
	return !r.EndTime.IsZero()
}

// Group is an ordered collection of rules with its own enabled state.
type Group struct {
	ID         int64
	OrderIndex int
	Name       string
	Enabled    bool
}

// Conf aggregates the global filter options and the ordered group
// table. It is the unit serialized into a full driver snapshot.
type Conf struct {
	FilterEnabled   bool
	StopTraffic     bool
	StopInetTraffic bool
	LogStat         bool

	// Groups ordered by OrderIndex.
	Groups []Group
}

// GroupAt resolves a group index. The second return is false for an
// index that does not refer to a live group; writes referencing such
// an index are rejected before touching the store.
func (c *Conf) GroupAt(index int) (Group, bool) {
	if index < 0 || index >= len(c.Groups) {
		return Group{}, false
	}
	return c.Groups[index], true
}

// OptionFlags packs the global options into the bitfield carried in
// the snapshot header.
func (c *Conf) OptionFlags() uint32 {
	var flags uint32
	if c.FilterEnabled {
		flags |= 1 << 0
	}
	if c.StopTraffic {
		flags |= 1 << 1
	}
	if c.StopInetTraffic {
		flags |= 1 << 2
	}
	if c.LogStat {
		flags |= 1 << 3
	}
	return flags
}

// NormalizePath converts a user-entered path into the canonical form
// stored in the path column and matched exactly by the filter.
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = strings.ReplaceAll(p, "\\", "/")
	return filepath.Clean(p)
}

// IsLocalFilePath reports whether the path refers to a file resident
// on a local volume, i.e. something the purge pass may stat. Wildcard
// patterns and multi-line lists never qualify.
func IsLocalFilePath(p string) bool {
	if p == "" || strings.ContainsAny(p, "*?\n") {
		return false
	}
	if len(p) >= 3 && p[1] == ':' && (p[2] == '/' || p[2] == '\\') {
		return true // windows drive path
	}
	return strings.HasPrefix(p, "/")
}
