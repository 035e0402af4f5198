package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/palisade/internal/rule"
)

func TestExpiry_TimerTracksEarliestDeadline(t *testing.T) {
	env := newTestEnv(t, Options{})

	assert.True(t, env.svc.PendingDeadline().IsZero())

	later := testEpoch.Add(2 * time.Hour)
	sooner := testEpoch.Add(30 * time.Minute)

	_, err := env.svc.AddRule(rule.Rule{OriginPath: "/a", Path: "/a", EndTime: later})
	require.NoError(t, err)
	assert.True(t, env.svc.PendingDeadline().Equal(later))

	// A sooner deadline pulls the single timer forward.
	_, err = env.svc.AddRule(rule.Rule{OriginPath: "/b", Path: "/b", EndTime: sooner})
	require.NoError(t, err)
	assert.True(t, env.svc.PendingDeadline().Equal(sooner))

	// A blocked rule never schedules anything.
	_, err = env.svc.AddRule(rule.Rule{
		OriginPath: "/c", Path: "/c",
		Blocked: true, EndTime: testEpoch.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.True(t, env.svc.PendingDeadline().Equal(sooner))
}

func TestExpiry_ProcessExpiredBlocksAndRearms(t *testing.T) {
	env := newTestEnv(t, Options{})

	t1 := testEpoch.Add(10 * time.Minute)
	t2 := testEpoch.Add(20 * time.Minute)
	t3 := testEpoch.Add(30 * time.Minute)

	id1, err := env.svc.AddRule(rule.Rule{OriginPath: "/r1", Path: "/r1", EndTime: t1})
	require.NoError(t, err)
	id2, err := env.svc.AddRule(rule.Rule{OriginPath: "/r2", Path: "/r2", EndTime: t2})
	require.NoError(t, err)
	id3, err := env.svc.AddRule(rule.Rule{OriginPath: "/r3", Path: "/r3", EndTime: t3})
	require.NoError(t, err)
	env.drv.Reset()

	env.clock.Set(t1)
	env.svc.processExpired()

	r1, err := env.store.RuleByID(id1)
	require.NoError(t, err)
	assert.True(t, r1.Blocked)
	assert.True(t, r1.EndTime.IsZero(), "the lapsed schedule is consumed")

	r2, err := env.store.RuleByID(id2)
	require.NoError(t, err)
	assert.False(t, r2.Blocked)
	r3, err := env.store.RuleByID(id3)
	require.NoError(t, err)
	assert.False(t, r3.Blocked)

	assert.True(t, env.svc.PendingDeadline().Equal(t2), "timer re-arms at the next deadline")

	// The transition went through the full update path, driver included.
	assert.Len(t, env.drv.AppWrites(), 1)
}

func TestExpiry_ProcessExpiredHandlesBatch(t *testing.T) {
	env := newTestEnv(t, Options{})

	t1 := testEpoch.Add(5 * time.Minute)
	t2 := testEpoch.Add(6 * time.Minute)

	_, err := env.svc.AddRule(rule.Rule{OriginPath: "/r1", Path: "/r1", EndTime: t1})
	require.NoError(t, err)
	_, err = env.svc.AddRule(rule.Rule{OriginPath: "/r2", Path: "/r2", EndTime: t2})
	require.NoError(t, err)

	// The clock jumped past both deadlines (sleep/resume); one pass
	// handles every lapsed rule.
	env.clock.Set(t2.Add(time.Second))
	env.svc.processExpired()

	rules, err := env.svc.Rules()
	require.NoError(t, err)
	for _, r := range rules {
		assert.True(t, r.Blocked, "rule %d", r.ID)
		assert.True(t, r.EndTime.IsZero())
	}
	assert.True(t, env.svc.PendingDeadline().IsZero())
}

func TestExpiry_UnblockRestoresSchedule(t *testing.T) {
	env := newTestEnv(t, Options{})

	deadline := testEpoch.Add(time.Hour)
	id, err := env.svc.AddRule(rule.Rule{OriginPath: "/a", Path: "/a", EndTime: deadline})
	require.NoError(t, err)

	require.NoError(t, env.svc.SetRulesBlocked([]int64{id}, true, false))
	assert.True(t, env.svc.PendingDeadline().IsZero(), "blocking consumes the schedule")

	// Unblocking does not resurrect the cleared end time.
	require.NoError(t, env.svc.SetRulesBlocked([]int64{id}, false, false))
	got, err := env.store.RuleByID(id)
	require.NoError(t, err)
	assert.True(t, got.EndTime.IsZero())
	assert.True(t, env.svc.PendingDeadline().IsZero())
}

func TestExpiry_DeleteLastPendingCancelsTimer(t *testing.T) {
	env := newTestEnv(t, Options{})

	id, err := env.svc.AddRule(rule.Rule{
		OriginPath: "/a", Path: "/a",
		EndTime: testEpoch.Add(time.Hour),
	})
	require.NoError(t, err)
	require.NotZero(t, env.svc.PendingDeadline())

	require.NoError(t, env.svc.DeleteRules([]int64{id}))
	assert.True(t, env.svc.PendingDeadline().IsZero())
}

func TestExpiry_OnClockChanged(t *testing.T) {
	env := newTestEnv(t, Options{})

	deadline := testEpoch.Add(time.Hour)
	_, err := env.svc.AddRule(rule.Rule{OriginPath: "/a", Path: "/a", EndTime: deadline})
	require.NoError(t, err)

	// A backwards clock jump keeps the same deadline armed.
	env.clock.Set(testEpoch.Add(-time.Hour))
	env.svc.OnClockChanged()
	assert.True(t, env.svc.PendingDeadline().Equal(deadline))
}
