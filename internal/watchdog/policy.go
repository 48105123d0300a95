package watchdog

import "time"

// Action is the enforcement decision for one entry in one poll cycle.
type Action int

const (
	// ActionNone leaves the task alone.
	ActionNone Action = iota

	// ActionInterrupt cancels the task's context with a deadline error.
	ActionInterrupt

	// ActionWarn emits the single continue-on-timeout warning.
	ActionWarn
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionInterrupt:
		return "interrupt"
	case ActionWarn:
		return "warn"
	default:
		return "unknown"
	}
}

// Decide returns what the watchdog should do about s at time now.
//
// An entry that has not passed its deadline, or whose owner already finished,
// gets ActionNone. Otherwise soft enforcement warns exactly once
// and hard enforcement interrupts exactly once.
func Decide(s EntryState, ownerAlive, continueOnTimeout bool, now time.Time) Action {
	if !ownerAlive || !s.Expired(now) {
		return ActionNone
	}

	if continueOnTimeout {
		if s.Warned {
			return ActionNone
		}
		return ActionWarn
	}

	if s.Interrupted {
		return ActionNone
	}
	return ActionInterrupt
}
