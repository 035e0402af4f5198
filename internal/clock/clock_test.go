package clock

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	c := &RealClock{}

	before := time.Now()
	result := c.Now()
	after := time.Now()

	if result.Before(before) || result.After(after) {
		t.Errorf("Now() returned %v, expected between %v and %v", result, before, after)
	}
}

func TestMockClock_Now(t *testing.T) {
	mockTime := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	mock := NewMockClock(mockTime)

	if got := mock.Now(); !got.Equal(mockTime) {
		t.Errorf("MockClock.Now() returned %v, expected exactly %v", got, mockTime)
	}
}

func TestMockClock_Advance(t *testing.T) {
	mockTime := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	mock := NewMockClock(mockTime)

	mock.Advance(time.Hour)

	expected := mockTime.Add(time.Hour)
	if got := mock.Now(); !got.Equal(expected) {
		t.Errorf("after Advance, Now() = %v, expected %v", got, expected)
	}
}

func TestMockClock_Set(t *testing.T) {
	mock := NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	newTime := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)
	mock.Set(newTime)

	if got := mock.Now(); !got.Equal(newTime) {
		t.Errorf("after Set, Now() = %v, expected %v", got, newTime)
	}
}

func TestMockClock_Until(t *testing.T) {
	mockTime := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	mock := NewMockClock(mockTime)

	deadline := mockTime.Add(30 * time.Minute)
	if got := mock.Until(deadline); got != 30*time.Minute {
		t.Errorf("Until() = %v, expected 30m", got)
	}
}
