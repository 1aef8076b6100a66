package attendance

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeOfDay is a minute-precision clock time, minutes since midnight.
type TimeOfDay int

// NewTimeOfDay builds a TimeOfDay from hour and minute.
func NewTimeOfDay(hour, minute int) TimeOfDay {
	return TimeOfDay(hour*60 + minute)
}

// Valid reports whether t is a minute of the day.
func (t TimeOfDay) Valid() bool { return t >= 0 && t < 24*60 }

// Hour returns the hour component.
func (t TimeOfDay) Hour() int { return int(t) / 60 }

// Minute returns the minute component.
func (t TimeOfDay) Minute() int { return int(t) % 60 }

// String formats as 24h "HH:MM", the persisted form.
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

// Display formats as 12h "8:00 AM".
func (t TimeOfDay) Display() string {
	h := t.Hour() % 12
	if h == 0 {
		h = 12
	}
	suffix := "AM"
	if t.Hour() >= 12 {
		suffix = "PM"
	}
	return fmt.Sprintf("%d:%02d %s", h, t.Minute(), suffix)
}

// MarshalJSON encodes as "HH:MM".
func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON accepts anything ParseTimeOfDay does.
func (t *TimeOfDay) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ClockOf returns the time of day of ts in its own location.
func ClockOf(ts time.Time) TimeOfDay {
	return NewTimeOfDay(ts.Hour(), ts.Minute())
}

// ParseTimeOfDay accepts "14:30", "2:30pm", "2pm", "14" and "2:30 p.m.".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	in := strings.ToLower(s)
	in = strings.NewReplacer(" ", "", ".", "").Replace(in)
	if in == "" {
		return 0, fmt.Errorf("%w: empty time", ErrInvalidTime)
	}

	meridiem := ""
	if strings.HasSuffix(in, "am") || strings.HasSuffix(in, "pm") {
		meridiem = in[len(in)-2:]
		in = in[:len(in)-2]
	}

	hourPart, minPart, hasMin := strings.Cut(in, ":")
	hour, err := strconv.Atoi(hourPart)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	minute := 0
	if hasMin {
		if len(minPart) == 0 || len(minPart) > 2 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidTime, s)
		}
		if minute, err = strconv.Atoi(minPart); err != nil || minute > 59 || minute < 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidTime, s)
		}
	}

	switch meridiem {
	case "":
		if hour < 0 || hour > 23 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidTime, s)
		}
	default:
		if hour < 1 || hour > 12 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidTime, s)
		}
		hour %= 12
		if meridiem == "pm" {
			hour += 12
		}
	}
	return NewTimeOfDay(hour, minute), nil
}

// ParseWindow splits "6am to 11:59pm", "08:00 - 17:00" or "8am 5pm" into its two times.
func ParseWindow(s string) (TimeOfDay, TimeOfDay, error) {
	raw := strings.ToLower(strings.TrimSpace(s))
	var parts []string
	switch {
	case strings.Contains(raw, " to "):
		parts = strings.SplitN(raw, " to ", 2)
	case strings.Contains(raw, "-"):
		parts = strings.SplitN(raw, "-", 2)
	default:
		parts = strings.Fields(raw)
	}
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: separate start and end with \"to\" or \"-\"", ErrInvalidTime)
	}
	start, err := ParseTimeOfDay(parts[0])
	if err != nil {
		return 0, 0, err
	}
	end, err := ParseTimeOfDay(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

// InWindow reports whether clock lies in [start, end], wrapping past midnight when start > end.
func InWindow(start, end, clock TimeOfDay) bool {
	if start <= end {
		return start <= clock && clock <= end
	}
	return clock >= start || clock <= end
}

// IsOpen decides whether self-reporting is allowed at now. Duration mode is always open.
// The reason is display text only.
func IsOpen(cfg OrgConfig, now time.Time) (bool, string) {
	if cfg.Mode != ModeWindow {
		return true, ""
	}
	local := now.In(cfg.Location())
	clock := ClockOf(local)
	if InWindow(cfg.WindowStart, cfg.WindowEnd, clock) {
		return true, ""
	}
	return false, fmt.Sprintf("Attendance is only allowed between %s and %s. (Current Time: %s)",
		cfg.WindowStart.Display(), cfg.WindowEnd.Display(), clock.Display())
}

// Bounds returns the window start and end on the organization-local day of now.
func Bounds(cfg OrgConfig, now time.Time) (time.Time, time.Time) {
	local := now.In(cfg.Location())
	y, m, d := local.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, local.Location())
	return day.Add(time.Duration(cfg.WindowStart) * time.Minute),
		day.Add(time.Duration(cfg.WindowEnd) * time.Minute)
}

// WindowText renders the window bounds, empty outside window mode.
func WindowText(cfg OrgConfig) string {
	if cfg.Mode != ModeWindow {
		return ""
	}
	return cfg.WindowStart.Display() + " - " + cfg.WindowEnd.Display()
}

// lastOpen returns the end of the window's final minute. IsOpen accepts the
// whole end minute, so edges measure against the minute after it.
func lastOpen(cfg OrgConfig, local time.Time) (time.Time, time.Time) {
	start, end := Bounds(cfg, local)
	return start, end.Add(time.Minute)
}

// CloseTarget returns the date whose window has closed and is due for processing
// at now: today once the end minute has passed, yesterday before the start, and
// nothing while now lies between the two bounds.
func CloseTarget(cfg OrgConfig, now time.Time) (string, bool) {
	local := now.In(cfg.Location())
	start, end := lastOpen(cfg, local)
	switch {
	case !local.Before(end):
		return local.Format(DateLayout), true
	case local.Before(start), end.Day() != local.Day():
		// a window ending at 23:59 closes at midnight
		return local.AddDate(0, 0, -1).Format(DateLayout), true
	}
	return "", false
}

// OpenDate returns the date on which the window open at now started. An overnight
// window opened yesterday while now is before today's end.
func OpenDate(cfg OrgConfig, now time.Time) (string, bool) {
	local := now.In(cfg.Location())
	start, end := lastOpen(cfg, local)
	if cfg.WindowStart <= cfg.WindowEnd {
		if !local.Before(start) && local.Before(end) {
			return local.Format(DateLayout), true
		}
		return "", false
	}
	switch {
	case !local.Before(start):
		return local.Format(DateLayout), true
	case local.Before(end):
		return local.AddDate(0, 0, -1).Format(DateLayout), true
	}
	return "", false
}
