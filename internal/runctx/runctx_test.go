package runctx

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionFromNilRunsOnlyStop(t *testing.T) {
	c := New()
	var ran []string
	err := c.Transition(&StopStart{Stop: "stop-a", Start: "start-a"}, func(cmd string) error {
		ran = append(ran, cmd)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"stop-a"}, ran)
	assert.Equal(t, "stop-a", c.Current().Stop)
}

func TestTransitionBetweenDifferentStopStartsRunsStartThenStop(t *testing.T) {
	c := New()
	require.NoError(t, c.Transition(&StopStart{Stop: "stop-a", Start: "start-a"}, func(string) error { return nil }))

	var ran []string
	err := c.Transition(&StopStart{Stop: "stop-b", Start: "start-b"}, func(cmd string) error {
		ran = append(ran, cmd)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"start-a", "stop-b"}, ran)
}

func TestTransitionToNilRunsOnlyStart(t *testing.T) {
	c := New()
	require.NoError(t, c.Transition(&StopStart{Stop: "stop-a", Start: "start-a"}, func(string) error { return nil }))

	var ran []string
	err := c.Transition(nil, func(cmd string) error {
		ran = append(ran, cmd)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"start-a"}, ran)
	assert.Nil(t, c.Current())
}

func TestTransitionIsNoopForUnchangedConfig(t *testing.T) {
	c := New()
	cfg := &StopStart{Stop: "s", Start: "t"}
	require.NoError(t, c.Transition(cfg, func(string) error { return nil }))

	calls := 0
	require.NoError(t, c.Transition(&StopStart{Stop: "s", Start: "t"}, func(string) error {
		calls++
		return nil
	}))
	assert.Zero(t, calls)
}

func TestWindowEndSkipsMoveWhenDisabled(t *testing.T) {
	called := false
	err := WindowEnd(false, func() error { called = true; return nil })
	require.NoError(t, err)
	assert.False(t, called)
}

func TestWindowEndPropagatesMoveError(t *testing.T) {
	err := WindowEnd(true, func() error { return errors.New("boom") })
	require.Error(t, err)
}
