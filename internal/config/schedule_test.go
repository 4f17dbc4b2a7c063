package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImmediatelyAlwaysActive(t *testing.T) {
	c := ScheduleCondition{Kind: Immediately}
	active, err := c.Active(time.Now())
	require.NoError(t, err)
	assert.True(t, active)
}

func TestGraveYardNeverActive(t *testing.T) {
	c := ScheduleCondition{Kind: GraveYard}
	active, err := c.Active(time.Now())
	require.NoError(t, err)
	assert.False(t, active)
}

func TestLocalNaiveTimeWindowWrapsPastMidnight(t *testing.T) {
	c := ScheduleCondition{Kind: LocalNaiveTimeWindow, From: "22:00", To: "06:00"}

	night := time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)
	active, err := c.Active(night)
	require.NoError(t, err)
	assert.True(t, active)

	earlyMorning := time.Date(2026, 1, 1, 5, 0, 0, 0, time.UTC)
	active, err = c.Active(earlyMorning)
	require.NoError(t, err)
	assert.True(t, active)

	midday := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	active, err = c.Active(midday)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestLocalNaiveTimeWindowNonWrapping(t *testing.T) {
	c := ScheduleCondition{Kind: LocalNaiveTimeWindow, From: "09:00", To: "17:00"}

	inWindow := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	active, err := c.Active(inWindow)
	require.NoError(t, err)
	assert.True(t, active)

	outside := time.Date(2026, 1, 1, 20, 0, 0, 0, time.UTC)
	active, err = c.Active(outside)
	require.NoError(t, err)
	assert.False(t, active)
}
