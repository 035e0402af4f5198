package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/palisade/internal/clock"
	"grimm.is/palisade/internal/rule"
)

func newTestStore(t *testing.T) (*Store, []rule.Group) {
	t.Helper()

	s, err := Open(Options{
		Path:  ":memory:",
		Clock: clock.NewMockClock(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	groups, err := s.SyncGroups([]rule.Group{
		{OrderIndex: 0, Name: "Main", Enabled: true},
		{OrderIndex: 1, Name: "Restricted", Enabled: false},
	})
	require.NoError(t, err)
	require.Len(t, groups, 2)

	return s, groups
}

func TestUpsert_SamePathOverwrites(t *testing.T) {
	s, groups := newTestStore(t)

	first := &rule.Rule{
		OriginPath: "/usr/bin/curl",
		Path:       "/usr/bin/curl",
		Name:       "curl",
		Blocked:    false,
	}
	id1, err := s.Upsert(first, groups[0].ID)
	require.NoError(t, err)
	require.NotZero(t, id1)

	second := &rule.Rule{
		OriginPath: "/usr/bin/curl",
		Path:       "/usr/bin/curl",
		Name:       "curl (edited)",
		Blocked:    true,
		LanOnly:    true,
	}
	id2, err := s.Upsert(second, groups[1].ID)
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "path collision must resolve to the existing id")

	count := 0
	require.NoError(t, s.Walk(func(r rule.Rule) bool {
		count++
		return true
	}))
	assert.Equal(t, 1, count, "exactly one row per path")

	got, err := s.RuleByID(id1)
	require.NoError(t, err)
	assert.Equal(t, "curl (edited)", got.Name)
	assert.True(t, got.Blocked)
	assert.True(t, got.LanOnly)
	assert.Equal(t, 1, got.GroupIndex)
}

func TestUpsert_AlertReconciled(t *testing.T) {
	s, groups := newTestStore(t)

	id, err := s.Upsert(&rule.Rule{
		OriginPath: "/opt/unknown",
		Path:       "/opt/unknown",
		Alerted:    true,
	}, groups[0].ID)
	require.NoError(t, err)

	got, err := s.RuleByID(id)
	require.NoError(t, err)
	assert.True(t, got.Alerted)

	// Re-upserting without the flag clears the side record.
	_, err = s.Upsert(&rule.Rule{
		OriginPath: "/opt/unknown",
		Path:       "/opt/unknown",
	}, groups[0].ID)
	require.NoError(t, err)

	got, err = s.RuleByID(id)
	require.NoError(t, err)
	assert.False(t, got.Alerted)
}

func TestUpdate_ClearsAlert(t *testing.T) {
	s, groups := newTestStore(t)

	id, err := s.Upsert(&rule.Rule{
		OriginPath: "/opt/app",
		Path:       "/opt/app",
		Alerted:    true,
	}, groups[0].ID)
	require.NoError(t, err)

	r, err := s.RuleByID(id)
	require.NoError(t, err)
	r.Name = "confirmed"
	require.NoError(t, s.Update(&r, groups[0].ID))

	got, err := s.RuleByID(id)
	require.NoError(t, err)
	assert.False(t, got.Alerted, "an explicit full edit counts as confirmation")
	assert.Equal(t, "confirmed", got.Name)
}

func TestUpdate_UnknownID(t *testing.T) {
	s, groups := newTestStore(t)

	err := s.Update(&rule.Rule{ID: 999, OriginPath: "x"}, groups[0].ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateName_KeepsAlert(t *testing.T) {
	s, groups := newTestStore(t)

	id, err := s.Upsert(&rule.Rule{
		OriginPath: "/opt/app",
		Path:       "/opt/app",
		Alerted:    true,
	}, groups[0].ID)
	require.NoError(t, err)

	require.NoError(t, s.UpdateName(id, "renamed"))

	got, err := s.RuleByID(id)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.True(t, got.Alerted, "rename must not touch the alert flag")
}

func TestUpdateBlocked_ClearsEndTimeAndAlert(t *testing.T) {
	s, groups := newTestStore(t)

	id, err := s.Upsert(&rule.Rule{
		OriginPath: "/opt/app",
		Path:       "/opt/app",
		EndTime:    time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC),
		Alerted:    true,
	}, groups[0].ID)
	require.NoError(t, err)

	require.NoError(t, s.UpdateBlocked(id, true, false))

	got, err := s.RuleByID(id)
	require.NoError(t, err)
	assert.True(t, got.Blocked)
	assert.False(t, got.KillProcess)
	assert.True(t, got.EndTime.IsZero(), "blocking must clear the scheduled end time")
	assert.False(t, got.Alerted)
}

func TestDelete_ReturnsDriverFields(t *testing.T) {
	s, groups := newTestStore(t)

	id, err := s.Upsert(&rule.Rule{
		OriginPath: "/opt/app",
		Path:       "/opt/app",
		Alerted:    true,
	}, groups[0].ID)
	require.NoError(t, err)

	path, wildcard, err := s.Delete(id)
	require.NoError(t, err)
	assert.Equal(t, "/opt/app", path)
	assert.False(t, wildcard)

	_, err = s.RuleByID(id)
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = s.Delete(id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete_Wildcard(t *testing.T) {
	s, groups := newTestStore(t)

	id, err := s.Upsert(&rule.Rule{
		OriginPath: "/opt/*/bin/app",
		IsWildcard: true,
	}, groups[0].ID)
	require.NoError(t, err)

	path, wildcard, err := s.Delete(id)
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.True(t, wildcard)
}

func TestMinPendingEndTime(t *testing.T) {
	s, groups := newTestStore(t)

	_, ok, err := s.MinPendingEndTime()
	require.NoError(t, err)
	assert.False(t, ok, "no pending rules yet")

	t1 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 5, 1, 13, 0, 0, 0, time.UTC)

	_, err = s.Upsert(&rule.Rule{OriginPath: "/a", Path: "/a", EndTime: t2}, groups[0].ID)
	require.NoError(t, err)
	_, err = s.Upsert(&rule.Rule{OriginPath: "/b", Path: "/b", EndTime: t1}, groups[0].ID)
	require.NoError(t, err)

	// Blocked rows never count, whatever their end time says.
	_, err = s.Upsert(&rule.Rule{
		OriginPath: "/c", Path: "/c", Blocked: true,
		EndTime: t1.Add(-time.Hour),
	}, groups[0].ID)
	require.NoError(t, err)

	got, ok, err := s.MinPendingEndTime()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, t1.UnixMilli(), got.UnixMilli())
}

func TestExpiredRules(t *testing.T) {
	s, groups := newTestStore(t)

	t1 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 5, 1, 13, 0, 0, 0, time.UTC)

	id1, err := s.Upsert(&rule.Rule{OriginPath: "/a", Path: "/a", EndTime: t1}, groups[0].ID)
	require.NoError(t, err)
	_, err = s.Upsert(&rule.Rule{OriginPath: "/b", Path: "/b", EndTime: t2}, groups[0].ID)
	require.NoError(t, err)

	expired, err := s.ExpiredRules(t1)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, id1, expired[0].ID)

	expired, err = s.ExpiredRules(t2)
	require.NoError(t, err)
	assert.Len(t, expired, 2)
}

func TestWalk_OrderAndEarlyExit(t *testing.T) {
	s, groups := newTestStore(t)

	// Insert out of group order; walk must come back group-ordered.
	_, err := s.Upsert(&rule.Rule{OriginPath: "/restricted", Path: "/restricted"}, groups[1].ID)
	require.NoError(t, err)
	_, err = s.Upsert(&rule.Rule{OriginPath: "/main", Path: "/main"}, groups[0].ID)
	require.NoError(t, err)

	var paths []string
	require.NoError(t, s.Walk(func(r rule.Rule) bool {
		paths = append(paths, r.Path)
		return true
	}))
	assert.Equal(t, []string{"/main", "/restricted"}, paths)

	visits := 0
	require.NoError(t, s.Walk(func(r rule.Rule) bool {
		visits++
		return false
	}))
	assert.Equal(t, 1, visits)
}

func TestSyncGroups_Idempotent(t *testing.T) {
	s, groups := newTestStore(t)

	again, err := s.SyncGroups([]rule.Group{
		{OrderIndex: 0, Name: "Main renamed", Enabled: false},
		{OrderIndex: 1, Name: "Restricted", Enabled: false},
	})
	require.NoError(t, err)
	assert.Equal(t, groups[0].ID, again[0].ID, "order index keys the group row")
	assert.Equal(t, "Main renamed", again[0].Name)
}

func TestRuleIDByPath(t *testing.T) {
	s, groups := newTestStore(t)

	id, err := s.RuleIDByPath("/missing")
	require.NoError(t, err)
	assert.Zero(t, id)

	want, err := s.Upsert(&rule.Rule{OriginPath: "/opt/app", Path: "/opt/app"}, groups[0].ID)
	require.NoError(t, err)

	id, err = s.RuleIDByPath("/opt/app")
	require.NoError(t, err)
	assert.Equal(t, want, id)
}
