package org

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSandboxPatch_Fields(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	on := SandboxPatch{Enabled: true, At: at}.Fields()
	require.Len(t, on, 4)
	assert.Equal(t, FieldSandboxMode, on[0])
	assert.Equal(t, "1", on[1])
	assert.Equal(t, FieldSandboxEnabledAt, on[2])
	assert.Equal(t, at.Format(time.RFC3339Nano), on[3])

	off := SandboxPatch{Enabled: false, At: at}.Fields()
	assert.Equal(t, "0", off[1])
	assert.Equal(t, FieldSandboxDisabledAt, off[2])
}

func TestSettingsFromHash(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	s := SettingsFromHash("org-1", map[string]string{
		FieldSandboxMode:      "1",
		FieldSandboxEnabledAt: at.Format(time.RFC3339Nano),
		"brand_voice":         "casual",
		"timezone":            "Europe/Berlin",
	})

	assert.Equal(t, "org-1", s.OrganizationID)
	assert.True(t, s.SandboxMode)
	require.NotNil(t, s.SandboxEnabledAt)
	assert.True(t, s.SandboxEnabledAt.Equal(at))
	assert.Equal(t, map[string]string{"brand_voice": "casual", "timezone": "Europe/Berlin"}, s.Extra)
}

func TestSettingsFromHash_Empty(t *testing.T) {
	s := SettingsFromHash("org-1", nil)
	assert.False(t, s.SandboxMode)
	assert.Nil(t, s.SandboxEnabledAt)
	assert.Nil(t, s.Extra)
}
