package supervisor

import "strings"

// State tracks where a fuzzing session is in its lifecycle. Transitions are
// driven by substring matches against the child's output stream, which is
// best-effort rather than authoritative. Finished, Error and Terminated are
// absorbing: once reached, output lines no longer move the state.
type State int

const (
	Initializing State = iota
	Starting
	Running
	Exploring
	FinalPhase
	Finished
	Error
	Terminated
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Exploring:
		return "exploring"
	case FinalPhase:
		return "final_phase"
	case Finished:
		return "finished"
	case Error:
		return "error"
	case Terminated:
		return "terminated"
	}
	return "unknown"
}

func (s State) absorbing() bool {
	return s == Finished || s == Error || s == Terminated
}

// stateKeywords maps case-insensitive output fragments to target states,
// checked in order so the more specific phrases win.
var stateKeywords = []struct {
	fragment string
	state    State
}{
	{"started :-)", Starting},
	{"starting", Starting},
	{"in progress", Running},
	{"final phase", FinalPhase},
	{"finished", Finished},
	{"exploring", Exploring},
}

// stateFromLine returns the state hinted at by one output line, if any.
func stateFromLine(line string) (State, bool) {
	lower := strings.ToLower(line)
	for _, kw := range stateKeywords {
		if strings.Contains(lower, kw.fragment) {
			return kw.state, true
		}
	}
	return 0, false
}
