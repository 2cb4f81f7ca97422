// FILE: session.go
// Package strategy – Trading session windows.
//
// A Session is a list of daily "HH:MM-HH:MM" windows evaluated in one
// location. A window whose end is before its start wraps midnight
// (e.g. "22:00-02:00"). An empty session is always open.
package strategy

import (
	"fmt"
	"strings"
	"time"
)

// Window is a daily interval as offsets from local midnight. End is exclusive.
type Window struct {
	Start time.Duration
	End   time.Duration
}

func (w Window) contains(tod time.Duration) bool {
	switch {
	case w.Start == w.End:
		return true
	case w.Start < w.End:
		return tod >= w.Start && tod < w.End
	default:
		return tod >= w.Start || tod < w.End
	}
}

func (w Window) String() string {
	return fmt.Sprintf("%s-%s", clock(w.Start), clock(w.End))
}

func clock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}

// Session is a set of windows in a location.
type Session struct {
	windows []Window
	loc     *time.Location
}

// ParseSession parses windows such as "08:00-22:00". A nil location means UTC.
func ParseSession(specs []string, loc *time.Location) (Session, error) {
	if loc == nil {
		loc = time.UTC
	}
	s := Session{loc: loc}
	for _, raw := range specs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		a, b, ok := strings.Cut(raw, "-")
		if !ok {
			return Session{}, fmt.Errorf("session %q: want HH:MM-HH:MM", raw)
		}
		start, err := parseClock(a)
		if err != nil {
			return Session{}, fmt.Errorf("session %q: %w", raw, err)
		}
		end, err := parseClock(b)
		if err != nil {
			return Session{}, fmt.Errorf("session %q: %w", raw, err)
		}
		s.windows = append(s.windows, Window{Start: start, End: end})
	}
	return s, nil
}

func parseClock(v string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("bad clock %q", v)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Open reports whether t falls inside any window.
func (s Session) Open(t time.Time) bool {
	if len(s.windows) == 0 {
		return true
	}
	loc := s.loc
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	tod := time.Duration(lt.Hour())*time.Hour + time.Duration(lt.Minute())*time.Minute +
		time.Duration(lt.Second())*time.Second
	for _, w := range s.windows {
		if w.contains(tod) {
			return true
		}
	}
	return false
}

func (s Session) String() string {
	if len(s.windows) == 0 {
		return "always"
	}
	parts := make([]string, len(s.windows))
	for i, w := range s.windows {
		parts[i] = w.String()
	}
	return strings.Join(parts, ",")
}
