// A thin wrapper over the system clock which can be implemented for use in tests.
package clock

import "time"

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func NewSystemClock() Clock {
	return &systemClock{}
}

func (sc *systemClock) Now() time.Time {
	return time.Now()
}

// A clock fixed at a settable instant, for tests that compare
// server-reported times against locally observed ones.
type TestClock struct {
	Time time.Time
}

func NewTestClock(t time.Time) *TestClock {
	return &TestClock{Time: t}
}

func (tc *TestClock) Now() time.Time {
	return tc.Time
}
