package attendance

import (
	"time"
)

// Status is the attendance state of one subject in the current cycle.
type Status string

const (
	StatusPresent Status = "present"
	StatusAbsent  Status = "absent"
	StatusExcused Status = "excused"
)

// Valid reports whether s is one of the three tracked statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPresent, StatusAbsent, StatusExcused:
		return true
	}
	return false
}

// Mode decides how long a record stays valid.
type Mode string

const (
	// ModeDuration expires each record ExpiryHours after it was set.
	ModeDuration Mode = "duration"
	// ModeWindow ties validity to a daily clock interval.
	ModeWindow Mode = "window"
)

// DateLayout is the calendar-date format of the watermarks.
const DateLayout = "2006-01-02"

// OrgConfig is the per-organization configuration. Empty identifiers mean "not configured".
type OrgConfig struct {
	OrgID               string    `json:"org_id"`
	PresentRoleID       string    `json:"present_role_id,omitempty"`
	AbsentRoleID        string    `json:"absent_role_id,omitempty"`
	ExcusedRoleID       string    `json:"excused_role_id,omitempty"`
	PermittedRoleID     string    `json:"permitted_role_id,omitempty"`
	WelcomeChannelID    string    `json:"welcome_channel_id,omitempty"`
	ReportChannelID     string    `json:"report_channel_id,omitempty"`
	LastReportMessageID string    `json:"last_report_message_id,omitempty"`
	LastReportChannelID string    `json:"last_report_channel_id,omitempty"`
	Mode                Mode      `json:"mode"`
	ExpiryHours         int       `json:"expiry_hours"`
	WindowStart         TimeOfDay `json:"window_start"`
	WindowEnd           TimeOfDay `json:"window_end"`
	UTCOffsetMinutes    int       `json:"utc_offset_minutes"`
	AllowSelfMarking    bool      `json:"allow_self_marking"`
	RequireAdminExcuse  bool      `json:"require_admin_excuse"`
	LastOpenedDate      string    `json:"last_opened_date,omitempty"`
	LastProcessedDate   string    `json:"last_processed_date,omitempty"`
}

// Defaults used for any field the store does not carry.
const (
	DefaultExpiryHours = 12
	DefaultWindowStart = TimeOfDay(0)
	DefaultWindowEnd   = TimeOfDay(23*60 + 59)
)

// DefaultConfig returns the configuration of an organization that never wrote anything.
func DefaultConfig(orgID string, utcOffsetMinutes int) OrgConfig {
	return OrgConfig{
		OrgID:              orgID,
		Mode:               ModeDuration,
		ExpiryHours:        DefaultExpiryHours,
		WindowStart:        DefaultWindowStart,
		WindowEnd:          DefaultWindowEnd,
		UTCOffsetMinutes:   utcOffsetMinutes,
		AllowSelfMarking:   true,
		RequireAdminExcuse: true,
	}
}

// Location is the fixed-offset calendar of the organization.
func (c OrgConfig) Location() *time.Location {
	return time.FixedZone("", c.UTCOffsetMinutes*60)
}

// RoleFor returns the configured role marking status s.
func (c OrgConfig) RoleFor(s Status) string {
	switch s {
	case StatusPresent:
		return c.PresentRoleID
	case StatusAbsent:
		return c.AbsentRoleID
	case StatusExcused:
		return c.ExcusedRoleID
	}
	return ""
}

// ConflictingRoles returns the configured roles of the two statuses other than s.
func (c OrgConfig) ConflictingRoles(s Status) []string {
	var out []string
	for _, other := range []Status{StatusPresent, StatusAbsent, StatusExcused} {
		if other == s {
			continue
		}
		if id := c.RoleFor(other); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// StatusRoles returns every configured status role.
func (c OrgConfig) StatusRoles() []string {
	var out []string
	for _, id := range []string{c.PresentRoleID, c.AbsentRoleID, c.ExcusedRoleID} {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

// SetupItem is one entry of the setup checklist.
type SetupItem struct {
	Name string `json:"name"`
	Done bool   `json:"done"`
}

// SetupChecklist lists what an administrator still has to configure.
func (c OrgConfig) SetupChecklist() []SetupItem {
	return []SetupItem{
		{Name: "time window", Done: c.Mode == ModeWindow},
		{Name: "report channel", Done: c.ReportChannelID != ""},
		{Name: "present role", Done: c.PresentRoleID != ""},
		{Name: "absent role", Done: c.AbsentRoleID != ""},
		{Name: "excused role", Done: c.ExcusedRoleID != ""},
		{Name: "permitted role", Done: c.PermittedRoleID != ""},
	}
}

// SetupStatus is the checklist with its overall state.
type SetupStatus struct {
	Items    []SetupItem `json:"items"`
	Complete bool        `json:"complete"`
}

// SetupComplete reports whether every checklist item is done.
func (c OrgConfig) SetupComplete() bool {
	for _, item := range c.SetupChecklist() {
		if !item.Done {
			return false
		}
	}
	return true
}

// Record is the current-cycle status of one subject.
type Record struct {
	SubjectID       string    `json:"subject_id"`
	Status          Status    `json:"status"`
	Timestamp       time.Time `json:"timestamp"`
	Reason          string    `json:"reason,omitempty"`
	OriginChannelID string    `json:"origin_channel_id,omitempty"`
}

// Stats is one leaderboard row.
type Stats struct {
	SubjectID    string `json:"subject_id"`
	PresentCount int    `json:"present_count"`
	AbsentCount  int    `json:"absent_count"`
	ExcusedCount int    `json:"excused_count"`
}

// MessageRef addresses a published message.
type MessageRef struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
}

// Member is a subject as seen by the external directory.
type Member struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Bot         bool   `json:"bot"`
}
