package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"registrar/internal/attendance"
)

// maxSection caps one rendered status list.
const maxSection = 1000

// Entry is one subject line of the report.
type Entry struct {
	SubjectID string
	Name      string
	Status    attendance.Status
	Reason    string
}

// Snapshot is the deterministic content of a report.
type Snapshot struct {
	Open       bool
	WindowText string
	Deadline   string
	Entries    []Entry // sorted by name, then id
	Taken      time.Time
}

// Build renders cfg and recs at now. names maps subject ids to display names.
func Build(cfg attendance.OrgConfig, recs map[string]attendance.Record, names map[string]string, now time.Time) Snapshot {
	open, _ := attendance.IsOpen(cfg, now)
	snap := Snapshot{
		Open:       open,
		WindowText: attendance.WindowText(cfg),
		Taken:      now.In(cfg.Location()),
	}
	if cfg.Mode == attendance.ModeWindow {
		snap.Deadline = cfg.WindowEnd.Display()
	}
	for id, rec := range recs {
		name := names[id]
		if name == "" {
			name = "Unknown (" + id + ")"
		}
		snap.Entries = append(snap.Entries, Entry{SubjectID: id, Name: name, Status: rec.Status, Reason: rec.Reason})
	}
	sort.Slice(snap.Entries, func(i, j int) bool {
		a, b := strings.ToLower(snap.Entries[i].Name), strings.ToLower(snap.Entries[j].Name)
		if a != b {
			return a < b
		}
		return snap.Entries[i].SubjectID < snap.Entries[j].SubjectID
	})
	return snap
}

// State is the change-detection key: open flag, window bounds and the records
// ordered by subject id. Render time and display names are left out.
func (s Snapshot) State() string {
	entries := append([]Entry(nil), s.Entries...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].SubjectID < entries[j].SubjectID })

	var b strings.Builder
	fmt.Fprintf(&b, "%t|%s|", s.Open, s.WindowText)
	for _, e := range entries {
		fmt.Fprintf(&b, "%s:%s:%s;", e.SubjectID, e.Status, e.Reason)
	}
	return b.String()
}

// Hash is the xxhash of State.
func (s Snapshot) Hash() uint64 {
	return xxhash.Sum64String(s.State())
}

// Render formats the snapshot as message text.
func (s Snapshot) Render() string {
	var b strings.Builder
	b.WriteString("**Daily Attendance Report**\n")
	fmt.Fprintf(&b, "Date: %s\n", s.Taken.Format("January 02, 2006"))
	fmt.Fprintf(&b, "Time: %s\n", s.Taken.Format("03:04 PM"))
	if s.Deadline != "" {
		fmt.Fprintf(&b, "Deadline: %s\n", s.Deadline)
	}
	if s.Open {
		b.WriteString("Status: OPEN\n")
	} else {
		b.WriteString("Status: CLOSED\n")
	}

	for _, st := range []struct {
		status attendance.Status
		title  string
	}{
		{attendance.StatusPresent, "Present"},
		{attendance.StatusAbsent, "Absent"},
		{attendance.StatusExcused, "Excused"},
	} {
		var lines []string
		for _, e := range s.Entries {
			if e.Status != st.status {
				continue
			}
			line := "- " + e.Name
			if e.Reason != "" {
				line += " (" + e.Reason + ")"
			}
			lines = append(lines, line)
		}
		fmt.Fprintf(&b, "\n**%s** (%d)\n%s\n", st.title, len(lines), section(lines))
	}
	return b.String()
}

func section(lines []string) string {
	if len(lines) == 0 {
		return "None"
	}
	text := strings.Join(lines, "\n")
	if len(text) > maxSection {
		cut := strings.LastIndex(text[:maxSection-50], "\n")
		if cut <= 0 {
			cut = maxSection - 50
		}
		return text[:cut] + "\n... (truncated)"
	}
	return text
}
