package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/palisade/internal/rule"
)

func sampleRule() rule.Rule {
	return rule.Rule{
		ID:          42,
		OriginPath:  "/usr/bin/curl",
		Path:        "/usr/bin/curl",
		Name:        "curl",
		GroupIndex:  2,
		ApplyChild:  true,
		LanOnly:     true,
		LogConn:     true,
		AcceptZones: 0b101,
		RejectZones: 0b010,
		EndTime:     time.Date(2026, 5, 1, 18, 30, 0, 0, time.UTC),
	}
}

func TestEntryRoundTrip(t *testing.T) {
	r := sampleRule()

	buf, mask, err := EncodeEntry(&r, OpUpdate)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), mask, "rooted unix path maps to volume bit 0")

	e, err := DecodeEntry(buf)
	require.NoError(t, err)

	assert.Equal(t, OpUpdate, e.Op)
	assert.Equal(t, r.ID, e.Rule.ID)
	assert.Equal(t, r.Path, e.Rule.Path)
	assert.Equal(t, r.GroupIndex, e.Rule.GroupIndex)
	assert.Equal(t, r.AcceptZones, e.Rule.AcceptZones)
	assert.Equal(t, r.RejectZones, e.Rule.RejectZones)
	assert.True(t, e.Rule.ApplyChild)
	assert.True(t, e.Rule.LanOnly)
	assert.True(t, e.Rule.LogConn)
	assert.False(t, e.Rule.Blocked)
	assert.False(t, e.Rule.KillChild)
	assert.Equal(t, r.EndTime.UnixMilli(), e.Rule.EndTime.UnixMilli())
}

func TestEntryRoundTrip_Wildcard(t *testing.T) {
	r := rule.Rule{
		ID:         7,
		OriginPath: "/opt/*/bin/app\n/srv/*/run",
		IsWildcard: true,
		Blocked:    true,
	}

	buf, mask, err := EncodeEntry(&r, OpAdd)
	require.NoError(t, err)
	assert.Zero(t, mask, "patterns reference no concrete volume")

	e, err := DecodeEntry(buf)
	require.NoError(t, err)
	assert.True(t, e.Rule.IsWildcard)
	assert.Equal(t, r.OriginPath, e.Rule.OriginPath, "pattern list must survive byte-exact")
	assert.True(t, e.Rule.Blocked)
}

func TestEncodeEntry_Removal(t *testing.T) {
	r := rule.Rule{ID: 9, Path: "/usr/bin/curl"}

	buf, mask, err := EncodeEntry(&r, OpDelete)
	require.NoError(t, err)
	assert.Zero(t, mask, "removals contribute nothing to the drive mask")

	e, err := DecodeEntry(buf)
	require.NoError(t, err)
	assert.Equal(t, OpDelete, e.Op)
	assert.Equal(t, "/usr/bin/curl", e.Rule.Path)
}

func TestEncodeEntry_Limits(t *testing.T) {
	t.Run("path too long", func(t *testing.T) {
		r := rule.Rule{Path: string(make([]byte, MaxPathLen+1))}
		_, _, err := EncodeEntry(&r, OpAdd)
		var encErr *EncodeError
		require.ErrorAs(t, err, &encErr)
		assert.Equal(t, "path", encErr.Field)
	})

	t.Run("zone bits out of range", func(t *testing.T) {
		r := rule.Rule{Path: "/a", AcceptZones: 1 << rule.MaxZones}
		_, _, err := EncodeEntry(&r, OpAdd)
		var encErr *EncodeError
		require.ErrorAs(t, err, &encErr)
		assert.Equal(t, "acceptZones", encErr.Field)
	})

	t.Run("group index out of range", func(t *testing.T) {
		r := rule.Rule{Path: "/a", GroupIndex: rule.MaxGroups}
		_, _, err := EncodeEntry(&r, OpAdd)
		var encErr *EncodeError
		require.ErrorAs(t, err, &encErr)
		assert.Equal(t, "groupIndex", encErr.Field)
	})
}

func TestSnapshotRoundTrip(t *testing.T) {
	conf := &rule.Conf{
		FilterEnabled: true,
		LogStat:       true,
		Groups: []rule.Group{
			{OrderIndex: 0, Name: "Main", Enabled: true},
			{OrderIndex: 1, Name: "Restricted", Enabled: false},
		},
	}
	rules := []rule.Rule{
		{ID: 1, Path: "/usr/bin/curl", GroupIndex: 0},
		{ID: 2, Path: "C:/Games/game.exe", GroupIndex: 1},
	}

	buf, mask, err := EncodeSnapshot(conf, rules)
	require.NoError(t, err)
	assert.Equal(t, uint32(1|1<<2), mask, "volume bits for / and C:")

	snap, err := DecodeSnapshot(buf)
	require.NoError(t, err)
	assert.Equal(t, conf.OptionFlags(), snap.OptionFlags)
	require.Len(t, snap.Groups, 2)
	assert.True(t, snap.Groups[0].Enabled)
	assert.False(t, snap.Groups[1].Enabled)
	require.Len(t, snap.Entries, 2)
	assert.Equal(t, int64(1), snap.Entries[0].Rule.ID)
	assert.Equal(t, "C:/Games/game.exe", snap.Entries[1].Rule.Path)
}

func TestSnapshot_GroupPermResolvedAtBuild(t *testing.T) {
	conf := &rule.Conf{
		Groups: []rule.Group{
			{OrderIndex: 0, Enabled: true},
			{OrderIndex: 1, Enabled: false},
		},
	}
	rules := []rule.Rule{
		// Not blocked itself, but inherits its disabled group's state.
		{ID: 1, Path: "/a", GroupIndex: 1, UseGroupPerm: true},
		// Same group, own flag only.
		{ID: 2, Path: "/b", GroupIndex: 1},
	}

	buf, _, err := EncodeSnapshot(conf, rules)
	require.NoError(t, err)

	snap, err := DecodeSnapshot(buf)
	require.NoError(t, err)
	assert.True(t, snap.Entries[0].Rule.Blocked, "inherited group state resolves to blocked")
	assert.False(t, snap.Entries[1].Rule.Blocked)
}

func TestEncodeFlags(t *testing.T) {
	conf := &rule.Conf{StopTraffic: true, Groups: []rule.Group{{OrderIndex: 0, Enabled: true}}}

	buf, err := EncodeFlags(conf)
	require.NoError(t, err)

	snap, err := DecodeSnapshot(buf)
	require.NoError(t, err)
	assert.Equal(t, conf.OptionFlags(), snap.OptionFlags)
	assert.Empty(t, snap.Entries)
}

func TestPathDriveMask(t *testing.T) {
	tests := []struct {
		path string
		want uint32
	}{
		{"/usr/bin/curl", 1},
		{"C:/Windows/notepad.exe", 1 << 2},
		{"c:/lower.exe", 1 << 2},
		{"Z:\\backslash.exe", 1 << 25},
		{"relative/path", 0},
		{"", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PathDriveMask(tt.path), "path %q", tt.path)
	}
}

func TestDecode_Malformed(t *testing.T) {
	r := sampleRule()
	buf, _, err := EncodeEntry(&r, OpAdd)
	require.NoError(t, err)

	t.Run("truncated", func(t *testing.T) {
		_, err := DecodeEntry(buf[:10])
		var decErr *DecodeError
		assert.ErrorAs(t, err, &decErr)
	})

	t.Run("bad magic", func(t *testing.T) {
		bad := append([]byte{}, buf...)
		bad[0] ^= 0xFF
		_, err := DecodeEntry(bad)
		var decErr *DecodeError
		assert.ErrorAs(t, err, &decErr)
	})

	t.Run("trailing garbage", func(t *testing.T) {
		_, err := DecodeEntry(append(append([]byte{}, buf...), 0xAA))
		var decErr *DecodeError
		assert.ErrorAs(t, err, &decErr)
	})
}
