package clock

import "github.com/jonboulle/clockwork"

// Clock is the time source for every deferred action in the subsystem:
// partial-line flushes, the hotkey safety timeout and registry eviction.
// Production code uses Real(); tests use Fake() and advance time by hand.
type Clock = clockwork.Clock

// Timer is a pending AfterFunc call.
type Timer = clockwork.Timer

// Real returns the wall clock.
func Real() Clock { return clockwork.NewRealClock() }

// Stop cancels t. A nil t is valid and reports false.
func Stop(t Timer) bool {
	if t == nil {
		return false
	}
	return t.Stop()
}
