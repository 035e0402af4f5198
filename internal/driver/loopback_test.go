package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/palisade/internal/rule"
	"grimm.is/palisade/internal/wire"
)

func TestLoopback_DeltaLifecycle(t *testing.T) {
	lb := NewLoopback()

	r := rule.Rule{ID: 5, Path: "/usr/bin/curl", Blocked: true}
	buf, _, err := wire.EncodeEntry(&r, wire.OpAdd)
	require.NoError(t, err)
	require.NoError(t, lb.WriteApp(buf, false))

	got, ok := lb.Entry(5)
	require.True(t, ok)
	assert.True(t, got.Blocked)

	del, _, err := wire.EncodeEntry(&rule.Rule{ID: 5, Path: "/usr/bin/curl"}, wire.OpDelete)
	require.NoError(t, err)
	require.NoError(t, lb.WriteApp(del, true))

	_, ok = lb.Entry(5)
	assert.False(t, ok)
}

func TestLoopback_RejectsOpMismatch(t *testing.T) {
	lb := NewLoopback()

	buf, _, err := wire.EncodeEntry(&rule.Rule{ID: 1, Path: "/a"}, wire.OpAdd)
	require.NoError(t, err)
	assert.Error(t, lb.WriteApp(buf, true))
}

func TestLoopback_SnapshotReplacesTable(t *testing.T) {
	lb := NewLoopback()

	stale, _, err := wire.EncodeEntry(&rule.Rule{ID: 99, Path: "/stale"}, wire.OpAdd)
	require.NoError(t, err)
	require.NoError(t, lb.WriteApp(stale, false))

	conf := &rule.Conf{
		FilterEnabled: true,
		Groups:        []rule.Group{{OrderIndex: 0, Enabled: true}},
	}
	buf, _, err := wire.EncodeSnapshot(conf, []rule.Rule{{ID: 1, Path: "/a"}})
	require.NoError(t, err)
	require.NoError(t, lb.WriteConf(buf, false))

	assert.Equal(t, 1, lb.Len())
	_, ok := lb.Entry(99)
	assert.False(t, ok, "snapshot replaces the whole table")
	assert.Equal(t, conf.OptionFlags(), lb.OptionFlags())
}

func TestLoopback_OnlyFlagsKeepsEntries(t *testing.T) {
	lb := NewLoopback()

	entry, _, err := wire.EncodeEntry(&rule.Rule{ID: 3, Path: "/keep"}, wire.OpAdd)
	require.NoError(t, err)
	require.NoError(t, lb.WriteApp(entry, false))

	conf := &rule.Conf{StopTraffic: true, Groups: []rule.Group{{OrderIndex: 0}}}
	buf, err := wire.EncodeFlags(conf)
	require.NoError(t, err)
	require.NoError(t, lb.WriteConf(buf, true))

	assert.Equal(t, 1, lb.Len(), "flags-only push must not clear entries")
	assert.Equal(t, conf.OptionFlags(), lb.OptionFlags())
}

func TestLoopback_RejectsGarbage(t *testing.T) {
	lb := NewLoopback()
	assert.Error(t, lb.WriteApp([]byte{1, 2, 3}, false))
	assert.Error(t, lb.WriteConf([]byte{1, 2, 3}, false))
}
