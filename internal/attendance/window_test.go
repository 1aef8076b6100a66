package attendance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var manila = time.FixedZone("", 8*3600)

func windowConfig(start, end TimeOfDay) OrgConfig {
	cfg := DefaultConfig("org", 480)
	cfg.Mode = ModeWindow
	cfg.WindowStart = start
	cfg.WindowEnd = end
	return cfg
}

func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 10, hour, minute, 0, 0, manila)
}

func TestIsOpenClosedBeforeStart(t *testing.T) {
	cfg := windowConfig(NewTimeOfDay(8, 0), NewTimeOfDay(17, 0))

	open, reason := IsOpen(cfg, at(7, 0))

	assert.False(t, open)
	assert.Contains(t, reason, "8:00 AM")
	assert.Contains(t, reason, "5:00 PM")
	assert.Contains(t, reason, "7:00 AM")
}

func TestIsOpenBoundariesInclusive(t *testing.T) {
	cfg := windowConfig(NewTimeOfDay(8, 0), NewTimeOfDay(17, 0))

	for _, tc := range []struct {
		h, m int
		want bool
	}{
		{7, 59, false},
		{8, 0, true},
		{12, 30, true},
		{17, 0, true},
		{17, 1, false},
	} {
		open, _ := IsOpen(cfg, at(tc.h, tc.m))
		assert.Equal(t, tc.want, open, "%02d:%02d", tc.h, tc.m)
	}
}

func TestIsOpenOvernightWrap(t *testing.T) {
	cfg := windowConfig(NewTimeOfDay(22, 0), NewTimeOfDay(6, 0))

	for _, tc := range []struct {
		h, m int
		want bool
	}{
		{21, 59, false},
		{22, 0, true},
		{23, 30, true},
		{0, 0, true},
		{6, 0, true},
		{6, 1, false},
		{12, 0, false},
	} {
		open, _ := IsOpen(cfg, at(tc.h, tc.m))
		assert.Equal(t, tc.want, open, "%02d:%02d", tc.h, tc.m)
	}
}

func TestIsOpenDurationModeAlwaysOpen(t *testing.T) {
	cfg := DefaultConfig("org", 480)
	cfg.WindowStart = NewTimeOfDay(8, 0)
	cfg.WindowEnd = NewTimeOfDay(9, 0)

	open, reason := IsOpen(cfg, at(23, 0))
	assert.True(t, open)
	assert.Empty(t, reason)
}

func TestIsOpenUsesOrganizationOffset(t *testing.T) {
	cfg := windowConfig(NewTimeOfDay(8, 0), NewTimeOfDay(17, 0))
	// 23:30 UTC is 07:30 the next morning at +08:00.
	now := time.Date(2026, 3, 9, 23, 30, 0, 0, time.UTC)

	open, _ := IsOpen(cfg, now)
	assert.False(t, open)

	open, _ = IsOpen(cfg, now.Add(time.Hour))
	assert.True(t, open)
}

func TestParseTimeOfDay(t *testing.T) {
	for in, want := range map[string]TimeOfDay{
		"14:30":     NewTimeOfDay(14, 30),
		"2:30pm":    NewTimeOfDay(14, 30),
		"2pm":       NewTimeOfDay(14, 0),
		"14":        NewTimeOfDay(14, 0),
		"2:30 p.m.": NewTimeOfDay(14, 30),
		"12am":      NewTimeOfDay(0, 0),
		"12pm":      NewTimeOfDay(12, 0),
		"11:59PM":   NewTimeOfDay(23, 59),
		"08:00":     NewTimeOfDay(8, 0),
		"6:5":       NewTimeOfDay(6, 5),
	} {
		got, err := ParseTimeOfDay(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"", "25:00", "13pm", "0am", "9:60", "noon", "9:123"} {
		_, err := ParseTimeOfDay(in)
		assert.ErrorIs(t, err, ErrInvalidTime, in)
	}
}

func TestParseWindow(t *testing.T) {
	for in, want := range map[string][2]TimeOfDay{
		"6am to 11:59pm": {NewTimeOfDay(6, 0), NewTimeOfDay(23, 59)},
		"08:00 - 17:00":  {NewTimeOfDay(8, 0), NewTimeOfDay(17, 0)},
		"8am 5pm":        {NewTimeOfDay(8, 0), NewTimeOfDay(17, 0)},
		"10pm to 6am":    {NewTimeOfDay(22, 0), NewTimeOfDay(6, 0)},
	} {
		start, end, err := ParseWindow(in)
		require.NoError(t, err, in)
		assert.Equal(t, want[0], start, in)
		assert.Equal(t, want[1], end, in)
	}

	_, _, err := ParseWindow("8am")
	assert.ErrorIs(t, err, ErrInvalidTime)
}

func TestTimeOfDayFormatting(t *testing.T) {
	assert.Equal(t, "08:05", NewTimeOfDay(8, 5).String())
	assert.Equal(t, "8:05 AM", NewTimeOfDay(8, 5).Display())
	assert.Equal(t, "12:00 AM", NewTimeOfDay(0, 0).Display())
	assert.Equal(t, "12:30 PM", NewTimeOfDay(12, 30).Display())
	assert.Equal(t, "11:59 PM", NewTimeOfDay(23, 59).Display())
}

func TestCloseTarget(t *testing.T) {
	cfg := windowConfig(NewTimeOfDay(8, 0), NewTimeOfDay(17, 0))

	target, ok := CloseTarget(cfg, at(18, 1))
	assert.True(t, ok)
	assert.Equal(t, "2026-03-10", target)

	target, ok = CloseTarget(cfg, at(2, 0))
	assert.True(t, ok)
	assert.Equal(t, "2026-03-09", target)

	_, ok = CloseTarget(cfg, at(12, 0))
	assert.False(t, ok)
}

func TestCloseTargetWaitsOutTheEndMinute(t *testing.T) {
	cfg := windowConfig(NewTimeOfDay(8, 0), NewTimeOfDay(17, 0))

	_, ok := CloseTarget(cfg, at(17, 0).Add(40*time.Second))
	assert.False(t, ok)
	open, _ := IsOpen(cfg, at(17, 0).Add(40*time.Second))
	assert.True(t, open)

	target, ok := CloseTarget(cfg, at(17, 1))
	assert.True(t, ok)
	assert.Equal(t, "2026-03-10", target)
}

func TestCloseTargetFullDayWindow(t *testing.T) {
	cfg := windowConfig(NewTimeOfDay(0, 0), NewTimeOfDay(23, 59))

	target, ok := CloseTarget(cfg, at(23, 59).Add(30*time.Second))
	assert.True(t, ok)
	assert.Equal(t, "2026-03-09", target)

	target, ok = CloseTarget(cfg, at(0, 0))
	assert.True(t, ok)
	assert.Equal(t, "2026-03-09", target)
}

func TestCloseTargetOvernight(t *testing.T) {
	cfg := windowConfig(NewTimeOfDay(22, 0), NewTimeOfDay(6, 0))

	// Inside the overnight window the previous close is the one due.
	target, ok := CloseTarget(cfg, at(3, 0))
	assert.True(t, ok)
	assert.Equal(t, "2026-03-09", target)

	target, ok = CloseTarget(cfg, at(6, 1))
	assert.True(t, ok)
	assert.Equal(t, "2026-03-10", target)
}

func TestOpenDate(t *testing.T) {
	cfg := windowConfig(NewTimeOfDay(8, 0), NewTimeOfDay(17, 0))
	date, ok := OpenDate(cfg, at(8, 0))
	assert.True(t, ok)
	assert.Equal(t, "2026-03-10", date)
	date, ok = OpenDate(cfg, at(17, 0))
	assert.True(t, ok)
	assert.Equal(t, "2026-03-10", date)
	_, ok = OpenDate(cfg, at(17, 1))
	assert.False(t, ok)

	wrap := windowConfig(NewTimeOfDay(22, 0), NewTimeOfDay(6, 0))
	date, ok = OpenDate(wrap, at(23, 0))
	assert.True(t, ok)
	assert.Equal(t, "2026-03-10", date)
	date, ok = OpenDate(wrap, at(1, 0))
	assert.True(t, ok)
	assert.Equal(t, "2026-03-09", date)
	_, ok = OpenDate(wrap, at(12, 0))
	assert.False(t, ok)
}

func TestSeedWatermark(t *testing.T) {
	cfg := windowConfig(NewTimeOfDay(8, 0), NewTimeOfDay(17, 0))

	SeedWatermark(&cfg, at(19, 0))
	assert.Equal(t, "2026-03-10", cfg.LastProcessedDate)

	// never backwards
	SeedWatermark(&cfg, at(12, 0))
	assert.Equal(t, "2026-03-10", cfg.LastProcessedDate)

	fresh := windowConfig(NewTimeOfDay(8, 0), NewTimeOfDay(17, 0))
	SeedWatermark(&fresh, at(12, 0))
	assert.Equal(t, "2026-03-09", fresh.LastProcessedDate)
}
