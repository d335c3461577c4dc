// Package clock abstracts the time source so that rate-limit windows, idle
// detection, and day-boundary checks are testable without sleeping.
package clock

import "time"

// Clock supplies the current time. Components take a Clock instead of calling
// time.Now directly; tests substitute a Fake.
type Clock interface {
	Now() time.Time
}

// System is the real clock backed by time.Now.
type System struct{}

// Now returns the current wall-clock time.
func (System) Now() time.Time { return time.Now() }

// Fake is a manually advanced clock for tests. It is not goroutine-safe;
// tests that share one across goroutines must provide their own ordering.
type Fake struct {
	Current time.Time
}

// NewFake returns a Fake pinned to the given instant.
func NewFake(t time.Time) *Fake { return &Fake{Current: t} }

// Now returns the fake's current instant.
func (f *Fake) Now() time.Time { return f.Current }

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) { f.Current = f.Current.Add(d) }
