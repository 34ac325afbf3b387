package campaign

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionGraph(t *testing.T) {
	allowed := map[Status][]Status{
		StatusDraft:   {StatusPlanned},
		StatusPlanned: {StatusActive, StatusPaused},
		StatusActive:  {StatusPaused, StatusCompleted},
		StatusPaused:  {StatusActive},
	}

	isAllowed := func(from, to Status) bool {
		for _, next := range allowed[from] {
			if next == to {
				return true
			}
		}
		return false
	}

	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			c := &Campaign{Status: from}
			err := c.Apply(to)
			if isAllowed(from, to) {
				assert.NoError(t, err, "%s -> %s", from, to)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", from, to)
				assert.Equal(t, from, c.Status)
			}
		}
	}
}

func TestPause_Idempotent(t *testing.T) {
	c := &Campaign{Status: StatusActive}

	changed, err := c.Pause()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusPaused, c.Status)

	changed, err = c.Pause()
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, StatusPaused, c.Status)

	done := &Campaign{Status: StatusCompleted}
	changed, err = done.Pause()
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, StatusCompleted, done.Status)
}

func TestStoppable(t *testing.T) {
	assert.True(t, Stoppable(StatusActive))
	assert.True(t, Stoppable(StatusPlanned))
	assert.False(t, Stoppable(StatusDraft))
	assert.False(t, Stoppable(StatusPaused))
	assert.False(t, Stoppable(StatusCompleted))
}
