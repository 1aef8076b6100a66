package attendance

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// LegacyRecord is any stored record shape: a bare timestamp string (meaning
// present) or an object whose fields may be missing.
type LegacyRecord struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	ChannelID string `json:"channel_id"`
	Reason    string `json:"reason"`
}

// UnmarshalJSON accepts either a string or an object.
func (l *LegacyRecord) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var ts string
		if err := json.Unmarshal(b, &ts); err != nil {
			return err
		}
		*l = LegacyRecord{Status: string(StatusPresent), Timestamp: ts}
		return nil
	}
	var obj struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
		ChannelID FlexID `json:"channel_id"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*l = LegacyRecord{Status: obj.Status, Timestamp: obj.Timestamp, ChannelID: string(obj.ChannelID), Reason: obj.Reason}
	return nil
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
}

// ParseLegacyTimestamp parses RFC 3339 or a naive ISO timestamp, reading naive values in loc.
func ParseLegacyTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty timestamp", ErrInvalidInput)
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts.UTC(), nil
	}
	for _, layout := range naiveLayouts {
		if ts, err := time.ParseInLocation(layout, s, loc); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrInvalidInput, s)
}

// NormalizeRecord converts a stored shape into a Record. Missing or unknown status
// means present; an unparseable timestamp becomes the zero time, which expiry
// treats as stale.
func NormalizeRecord(subjectID string, l LegacyRecord, loc *time.Location) Record {
	status := Status(strings.ToLower(strings.TrimSpace(l.Status)))
	if !status.Valid() {
		status = StatusPresent
	}
	ts, _ := ParseLegacyTimestamp(l.Timestamp, loc)
	return Record{
		SubjectID:       subjectID,
		Status:          status,
		Timestamp:       ts,
		Reason:          l.Reason,
		OriginChannelID: l.ChannelID,
	}
}

// FlexID is an identifier stored either as a JSON string or a JSON number.
type FlexID string

// UnmarshalJSON keeps the digits of numeric ids without float rounding.
func (f *FlexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*f = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexID(s)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		*f = FlexID(n.String())
	}
	return nil
}

// LegacyDocument is one per-organization JSON file of the file-based store.
type LegacyDocument struct {
	PresentRoleID       FlexID                  `json:"attendance_role_id"`
	AbsentRoleID        FlexID                  `json:"absent_role_id"`
	ExcusedRoleID       FlexID                  `json:"excused_role_id"`
	PermittedRoleID     FlexID                  `json:"allowed_role_id"`
	WelcomeChannelID    FlexID                  `json:"welcome_channel_id"`
	ReportChannelID     FlexID                  `json:"report_channel_id"`
	LastReportMessageID FlexID                  `json:"last_report_message_id"`
	LastReportChannelID FlexID                  `json:"last_report_channel_id"`
	Settings            LegacySettings          `json:"settings"`
	Records             map[string]LegacyRecord `json:"records"`
}

// LegacySettings is the nested settings object of a LegacyDocument.
type LegacySettings struct {
	Mode               string `json:"attendance_mode"`
	ExpiryHours        *int   `json:"attendance_expiry_hours"`
	WindowStart        string `json:"window_start_time"`
	WindowEnd          string `json:"window_end_time"`
	LastProcessedDate  string `json:"last_processed_date"`
	LastOpenedDate     string `json:"last_opened_date"`
	AllowSelfMarking   *bool  `json:"allow_self_marking"`
	RequireAdminExcuse *bool  `json:"require_admin_excuse"`
}

// Config maps the document onto defaults. Invalid window times keep the default.
func (d LegacyDocument) Config(orgID string, utcOffsetMinutes int) OrgConfig {
	cfg := DefaultConfig(orgID, utcOffsetMinutes)
	cfg.PresentRoleID = string(d.PresentRoleID)
	cfg.AbsentRoleID = string(d.AbsentRoleID)
	cfg.ExcusedRoleID = string(d.ExcusedRoleID)
	cfg.PermittedRoleID = string(d.PermittedRoleID)
	cfg.WelcomeChannelID = string(d.WelcomeChannelID)
	cfg.ReportChannelID = string(d.ReportChannelID)
	cfg.LastReportMessageID = string(d.LastReportMessageID)
	cfg.LastReportChannelID = string(d.LastReportChannelID)

	s := d.Settings
	if Mode(s.Mode) == ModeWindow {
		cfg.Mode = ModeWindow
	}
	if s.ExpiryHours != nil && *s.ExpiryHours > 0 {
		cfg.ExpiryHours = *s.ExpiryHours
	}
	if t, err := ParseTimeOfDay(s.WindowStart); err == nil {
		cfg.WindowStart = t
	}
	if t, err := ParseTimeOfDay(s.WindowEnd); err == nil {
		cfg.WindowEnd = t
	}
	if s.AllowSelfMarking != nil {
		cfg.AllowSelfMarking = *s.AllowSelfMarking
	}
	if s.RequireAdminExcuse != nil {
		cfg.RequireAdminExcuse = *s.RequireAdminExcuse
	}
	cfg.LastProcessedDate = s.LastProcessedDate
	cfg.LastOpenedDate = s.LastOpenedDate
	return cfg
}

// NormalizedRecords returns the document's records in normalized form.
func (d LegacyDocument) NormalizedRecords(loc *time.Location) map[string]Record {
	out := make(map[string]Record, len(d.Records))
	for subject, rec := range d.Records {
		out[subject] = NormalizeRecord(subject, rec, loc)
	}
	return out
}
