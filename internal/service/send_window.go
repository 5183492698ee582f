package service

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/unclebandit/smsdispatch/internal/model"
)

// SendWindow is the local-time window in which messages may go out.
type SendWindow struct {
	Location *time.Location
	// Quiet hours as minutes after local midnight. Start after End wraps
	// midnight; Start equal to End means no quiet period.
	QuietStart int
	QuietEnd   int
	// Empty means every day.
	AllowedDays map[time.Weekday]bool
	Disabled    bool
}

// ParseClock parses "HH:MM" into minutes after midnight.
func ParseClock(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	return h*60 + m, nil
}

func (w SendWindow) loc() *time.Location {
	if w.Location == nil {
		return time.UTC
	}
	return w.Location
}

func (w SendWindow) quiet(minute int) bool {
	switch {
	case w.QuietStart == w.QuietEnd:
		return false
	case w.QuietStart < w.QuietEnd:
		return minute >= w.QuietStart && minute < w.QuietEnd
	default:
		return minute >= w.QuietStart || minute < w.QuietEnd
	}
}

func (w SendWindow) dayAllowed(d time.Weekday) bool {
	return len(w.AllowedDays) == 0 || w.AllowedDays[d]
}

// Allowed reports whether a message may be sent at t.
func (w SendWindow) Allowed(t time.Time) bool {
	if w.Disabled {
		return true
	}
	local := t.In(w.loc())
	if !w.dayAllowed(local.Weekday()) {
		return false
	}
	return !w.quiet(local.Hour()*60 + local.Minute())
}

// NextAllowed returns the earliest instant at or after t that is inside the
// window. Windows only open at local midnight or at the end of quiet hours,
// so those are the only candidates checked.
func (w SendWindow) NextAllowed(t time.Time) time.Time {
	if w.Allowed(t) {
		return t
	}
	local := t.In(w.loc())
	y, m, d := local.Date()
	for i := 0; i <= 8; i++ {
		candidates := []time.Time{
			time.Date(y, m, d+i, 0, 0, 0, 0, w.loc()),
			time.Date(y, m, d+i, w.QuietEnd/60, w.QuietEnd%60, 0, 0, w.loc()),
		}
		for _, c := range candidates {
			if c.After(t) && w.Allowed(c) {
				return c.UTC()
			}
		}
	}
	return t.Add(24 * time.Hour)
}

// firstLocation loads the first valid zone name. Unknown names are skipped
// so a bad lead timezone falls back to the campaign or default one.
func firstLocation(zones []string) (*time.Location, error) {
	var lastErr error
	for _, z := range zones {
		if z == "" {
			continue
		}
		loc, err := time.LoadLocation(z)
		if err == nil {
			return loc, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, fmt.Errorf("load timezone: %w", lastErr)
	}
	return time.UTC, nil
}

// WindowPolicy holds the organization-wide defaults for send windows.
type WindowPolicy struct {
	DefaultTimezone string
	QuietStart      string
	QuietEnd        string
	AllowedDays     []time.Weekday
}

// For resolves the window for one lead of a campaign. Timezones resolve lead
// first, then campaign, then the default.
func (p WindowPolicy) For(c *model.Campaign, lead *model.Lead) (SendWindow, error) {
	if c != nil && !c.RespectQuietHours {
		return SendWindow{Disabled: true}, nil
	}

	var zones []string
	if lead != nil && lead.Timezone != "" {
		zones = append(zones, lead.Timezone)
	}
	if c != nil && c.Timezone != "" {
		zones = append(zones, c.Timezone)
	}
	zones = append(zones, p.DefaultTimezone)
	loc, err := firstLocation(zones)
	if err != nil {
		return SendWindow{}, err
	}

	startStr, endStr := p.QuietStart, p.QuietEnd
	if c != nil && c.QuietHoursStart != "" && c.QuietHoursEnd != "" {
		startStr, endStr = c.QuietHoursStart, c.QuietHoursEnd
	}
	w := SendWindow{Location: loc}
	if startStr != "" && endStr != "" {
		if w.QuietStart, err = ParseClock(startStr); err != nil {
			return SendWindow{}, err
		}
		if w.QuietEnd, err = ParseClock(endStr); err != nil {
			return SendWindow{}, err
		}
	}

	days := p.AllowedDays
	if c != nil && len(c.AllowedDays) > 0 {
		days = c.AllowedDays
	}
	if len(days) > 0 {
		w.AllowedDays = make(map[time.Weekday]bool, len(days))
		for _, d := range days {
			w.AllowedDays[d] = true
		}
	}
	return w, nil
}
