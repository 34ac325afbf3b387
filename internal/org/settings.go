package org

import "time"

// Hash field names for the sandbox portion of an organization's settings.
// Everything else in the hash belongs to other parts of the product and is
// never read or written by this core.
const (
	FieldSandboxMode       = "sandbox_mode"
	FieldSandboxEnabledAt  = "sandbox_enabled_at"
	FieldSandboxDisabledAt = "sandbox_disabled_at"
)

// Settings is the typed view of an organization's settings record. Extra
// carries the free-form keys owned elsewhere.
type Settings struct {
	OrganizationID    string            `json:"organization_id"`
	SandboxMode       bool              `json:"sandbox_mode"`
	SandboxEnabledAt  *time.Time        `json:"sandbox_enabled_at,omitempty"`
	SandboxDisabledAt *time.Time        `json:"sandbox_disabled_at,omitempty"`
	Extra             map[string]string `json:"extra,omitempty"`
}

// SandboxPatch is the only shape a sandbox toggle writes.
type SandboxPatch struct {
	Enabled bool
	At      time.Time
}

// Fields returns the hash field/value pairs the patch touches, and nothing
// more: writing exactly these is what keeps a sandbox toggle from clobbering
// unrelated settings.
func (p SandboxPatch) Fields() []interface{} {
	mode := "0"
	atField := FieldSandboxDisabledAt
	if p.Enabled {
		mode = "1"
		atField = FieldSandboxEnabledAt
	}
	return []interface{}{
		FieldSandboxMode, mode,
		atField, p.At.UTC().Format(time.RFC3339Nano),
	}
}

// SettingsFromHash builds the typed settings view from a raw settings hash.
// Unknown keys land in Extra untouched.
func SettingsFromHash(orgID string, fields map[string]string) *Settings {
	s := &Settings{OrganizationID: orgID}
	for k, v := range fields {
		switch k {
		case FieldSandboxMode:
			s.SandboxMode = v == "1"
		case FieldSandboxEnabledAt:
			if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
				s.SandboxEnabledAt = &ts
			}
		case FieldSandboxDisabledAt:
			if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
				s.SandboxDisabledAt = &ts
			}
		default:
			if s.Extra == nil {
				s.Extra = make(map[string]string)
			}
			s.Extra[k] = v
		}
	}
	return s
}
