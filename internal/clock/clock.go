// Package clock provides the wall-clock port used by the runtime and the
// timestamp format shared by every persisted file and wire frame.
package clock

import (
	"fmt"
	"strings"
	"time"
)

// Layout is ISO8601 with millisecond precision and a numeric UTC offset,
// e.g. "2026-03-01T14:05:09.042+08:00". The offset is always numeric so
// stamps written in one timezone parse unchanged in another.
const Layout = "2006-01-02T15:04:05.000-07:00"

// Clock supplies the current time. The runtime never calls time.Now
// directly so tests can drive turn ordering deterministically.
type Clock interface {
	Now() time.Time
}

// System returns a Clock backed by time.Now.
func System() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Format renders t in Layout.
func Format(t time.Time) string { return t.Format(Layout) }

// Parse accepts Layout first and falls back to RFC3339 variants for files
// written by older builds.
func Parse(s string) (time.Time, error) {
	if t, err := time.Parse(Layout, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// Stamp is a time.Time that marshals to Layout. Persisted structs use
// Stamp so org.json and conversation files carry the stable form.
type Stamp struct {
	time.Time
}

// StampOf wraps t.
func StampOf(t time.Time) Stamp { return Stamp{Time: t} }

// Now returns the clock's current time as a Stamp.
func Now(c Clock) Stamp { return Stamp{Time: c.Now()} }

func (s Stamp) MarshalJSON() ([]byte, error) {
	if s.IsZero() {
		return []byte(`""`), nil
	}
	return []byte(`"` + Format(s.Time) + `"`), nil
}

func (s *Stamp) UnmarshalJSON(b []byte) error {
	raw := strings.Trim(string(b), `"`)
	if raw == "" || raw == "null" {
		s.Time = time.Time{}
		return nil
	}
	t, err := Parse(raw)
	if err != nil {
		return err
	}
	s.Time = t
	return nil
}

// String renders the stamp in Layout, empty for the zero value.
func (s Stamp) String() string {
	if s.IsZero() {
		return ""
	}
	return Format(s.Time)
}

// Fake is a manually advanced Clock for tests.
type Fake struct {
	T time.Time
}

// NewFake starts at a fixed instant so test output is reproducible.
func NewFake() *Fake {
	return &Fake{T: time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)}
}

func (f *Fake) Now() time.Time { return f.T }

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) { f.T = f.T.Add(d) }
