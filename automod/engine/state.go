package engine

// Position of a message event in the evaluation state machine:
//
//	Received -> Matched -> Recorded -> Escalated -> Dispatched
//
// NoMatch, DispatchFailed and DispatchSucceeded are terminal. Retries happen inside dispatch and never re-enter an earlier state.
type State string

const (
	StateReceived          State = "received"
	StateMatched           State = "matched"
	StateRecorded          State = "recorded"
	StateEscalated         State = "escalated"
	StateNoMatch           State = "no-match"
	StateDispatchFailed    State = "dispatch-failed"
	StateDispatchSucceeded State = "dispatch-succeeded"
)

func (s State) Terminal() bool {
	switch s {
	case StateNoMatch, StateDispatchFailed, StateDispatchSucceeded:
		return true
	}
	return false
}
