package dma

import (
	"fmt"
)

// State is the transfer status of a bound physical channel.
type State int

const (
	StateIdle State = iota
	StateOngoing
	StateRxDone
	StateTxDone
	StateFullDuplexDone
	StateCompleted
	StatePauseRequested
	StatePausedNow
	StateResumeRequested
	StateResumedNow
	StateTerminated
)

var stateNames = map[State]string{
	StateIdle:            "IDLE",
	StateOngoing:         "ONGOING",
	StateRxDone:          "RX_DONE",
	StateTxDone:          "TX_DONE",
	StateFullDuplexDone:  "FULL_DUPLEX_DONE",
	StateCompleted:       "COMPLETED",
	StatePauseRequested:  "PAUSE_REQUESTED",
	StatePausedNow:       "PAUSED",
	StateResumeRequested: "RESUME_REQUESTED",
	StateResumedNow:      "RESUMED",
	StateTerminated:      "TERMINATED",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type event int

const (
	evStart     event = iota // A descriptor was programmed
	evRxDone                 // Receive side finished
	evTxDone                 // Transmit side finished
	evFinish                 // Both sides were accounted for
	evPause                  // Client asked for a pause
	evPaused                 // Channel stopped issuing blocks
	evResume                 // Client asked to resume
	evResumed                // Remaining blocks were re-armed
	evTerminate              // Client terminated the channel
	evReset                  // Channel was unbound
)

var eventNames = [...]string{"start", "rx-done", "tx-done", "finish", "pause", "paused", "resume", "resumed", "terminate", "reset"}

func (e event) String() string {
	return eventNames[e]
}

// xferState is the per-channel state plus the flags that qualify it.
type xferState struct {
	st     State
	needRx bool
	needTx bool
	rx     bool
	tx     bool
	// remaining is the number of LLIs that were still to run when the pause took effect.
	remaining int
}

// running reports whether the hardware may be working through a descriptor.
func (x *xferState) running() bool {
	switch x.st {
	case StateOngoing, StateRxDone, StateTxDone, StateResumedNow:
		return true
	}
	return false
}

// startable reports whether a new descriptor may be programmed.
func (x *xferState) startable() bool {
	switch x.st {
	case StateIdle, StateCompleted, StateResumedNow:
		return true
	}
	return false
}

// apply moves the state machine for ev. Invalid transitions leave the state alone.
func (x *xferState) apply(ev event) error {
	next, err := x.transition(ev)
	if err != nil {
		return err
	}
	*x = next
	return nil
}

// transition is the complete transition table.
func (x xferState) transition(ev event) (xferState, error) {
	invalid := func() (xferState, error) {
		if ev == evResume {
			return x, fmt.Errorf("resume in state %v: %w", x.st, ErrNotPaused)
		}
		return x, fmt.Errorf("%v in state %v: %w", ev, x.st, ErrInvalidState)
	}
	// Terminated wins over everything, and only reset leaves it.
	switch ev {
	case evTerminate:
		x.st = StateTerminated
		return x, nil
	case evReset:
		return xferState{st: StateIdle}, nil
	}
	if x.st == StateTerminated {
		return invalid()
	}

	switch ev {
	case evStart:
		if !x.startable() {
			return invalid()
		}
		return xferState{st: StateOngoing, needRx: x.needRx, needTx: x.needTx}, nil
	case evRxDone, evTxDone:
		if !x.running() {
			return invalid()
		}
		if ev == evRxDone {
			x.rx = true
		} else {
			x.tx = true
		}
		switch {
		case (x.rx || !x.needRx) && (x.tx || !x.needTx):
			x.st = StateFullDuplexDone
		case x.rx:
			x.st = StateRxDone
		default:
			x.st = StateTxDone
		}
		return x, nil
	case evFinish:
		if x.st != StateFullDuplexDone {
			return invalid()
		}
		x.st = StateCompleted
		return x, nil
	case evPause:
		if !x.running() {
			return invalid()
		}
		x.st = StatePauseRequested
		return x, nil
	case evPaused:
		if x.st != StatePauseRequested {
			return invalid()
		}
		x.st = StatePausedNow
		return x, nil
	case evResume:
		switch x.st {
		case StatePauseRequested:
			// The pause never took effect: carry on as if it hadn't been asked for.
			x.st = StateOngoing
		case StatePausedNow:
			x.st = StateResumeRequested
		default:
			return invalid()
		}
		return x, nil
	case evResumed:
		if x.st != StateResumeRequested {
			return invalid()
		}
		x.st = StateResumedNow
		x.remaining = 0
		return x, nil
	}
	panic(fmt.Sprintf("dma: unhandled event %d", int(ev)))
}
