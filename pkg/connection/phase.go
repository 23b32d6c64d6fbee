package connection

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"
)

// Phase is one step of a connection's lifecycle. Ordering is
// significant: phases only ever advance (skipping forward is legal,
// e.g. Alerting straight to Connected), and once Releasing is entered the
// only remaining move is to Released. Released is terminal.
type Phase int

const (
	Uninitialised Phase = iota
	SetUpPhase
	Proceeding
	Alerting
	Connected
	Established
	Releasing
	Released

	numPhases
)

func (p Phase) String() string {
	switch p {
	case Uninitialised:
		return "Uninitialised"
	case SetUpPhase:
		return "SetUp"
	case Proceeding:
		return "Proceeding"
	case Alerting:
		return "Alerting"
	case Connected:
		return "Connected"
	case Established:
		return "Established"
	case Releasing:
		return "Releasing"
	case Released:
		return "Released"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// canAdvance is the single authority on legal phase moves, checked
// before the state machine is driven so an illegal request can never
// disturb it.
func canAdvance(from, to Phase) bool {
	switch {
	case to == from:
		return true // idempotent re-entry is a no-op
	case from == Released:
		return false
	case from == Releasing:
		return to == Released
	case to == Released:
		return false // must pass through Releasing
	case to == Established:
		return from == Connected
	default:
		return to > from
	}
}

// phaseEvent names the machine event that lands in each phase.
var phaseEvent = map[Phase]string{
	SetUpPhase:  "setup",
	Proceeding:  "proceed",
	Alerting:    "alert",
	Connected:   "connect",
	Established: "establish",
	Releasing:   "release",
	Released:    "released",
}

func phaseNames(phases ...Phase) []string {
	out := make([]string, len(phases))
	for i, p := range phases {
		out[i] = p.String()
	}
	return out
}

// newPhaseFSM builds the machine with every legal forward jump encoded
// as an event source list. Released has no outgoing events at all.
func newPhaseFSM(onEnter func(Phase)) *fsm.FSM {
	return fsm.NewFSM(
		Uninitialised.String(),
		fsm.Events{
			{Name: "setup", Src: phaseNames(Uninitialised), Dst: SetUpPhase.String()},
			{Name: "proceed", Src: phaseNames(Uninitialised, SetUpPhase), Dst: Proceeding.String()},
			{Name: "alert", Src: phaseNames(Uninitialised, SetUpPhase, Proceeding), Dst: Alerting.String()},
			{Name: "connect", Src: phaseNames(Uninitialised, SetUpPhase, Proceeding, Alerting), Dst: Connected.String()},
			{Name: "establish", Src: phaseNames(Connected), Dst: Established.String()},
			{Name: "release", Src: phaseNames(Uninitialised, SetUpPhase, Proceeding, Alerting, Connected, Established), Dst: Releasing.String()},
			{Name: "released", Src: phaseNames(Releasing), Dst: Released.String()},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				onEnter(parsePhase(e.Dst))
			},
		},
	)
}

func parsePhase(s string) Phase {
	for p := Uninitialised; p < numPhases; p++ {
		if p.String() == s {
			return p
		}
	}
	return Uninitialised
}
