package engine

// State is the lifecycle state of a plan item instance (and of a case
// instance, which reuses the subset active/completed/terminated/failed).
type State string

const (
	Available            State = "available"
	Enabled              State = "enabled"
	Active               State = "active"
	AsyncActive          State = "asyncActive"
	Completed            State = "completed"
	Terminated           State = "terminated"
	WaitingForRepetition State = "waitingForRepetition"
	Disabled             State = "disabled"
	Suspended            State = "suspended"
	Failed               State = "failed"
	Unavailable          State = "unavailable"
)

// Terminal reports whether no further transitions can leave this state.
//
// Failed is not terminal: a reactivation rule can revive a failed
// instance.
func (s State) Terminal() bool {
	return s == Completed || s == Terminated
}

// Busy reports whether the instance is doing work (its behavior has been
// executed and has not finished).
func (s State) Busy() bool {
	return s == Active || s == AsyncActive
}

// Transition is an event in the plan item lifecycle state machine.
type Transition string

const (
	Create      Transition = "create"
	Enable      Transition = "enable"
	Disable     Transition = "disable"
	Reenable    Transition = "reenable"
	Start       Transition = "start"
	ManualStart Transition = "manualStart"
	Occur       Transition = "occur"
	Complete    Transition = "complete"
	Terminate   Transition = "terminate"
	Exit        Transition = "exit"
	Dismiss     Transition = "dismiss"
	Fault       Transition = "fault"
	SuspendT    Transition = "suspend"
	Resume      Transition = "resume"
	Reactivate  Transition = "reactivate"
)

// created is the pseudo-state an instance has before Create.
const created State = ""

// endStates enumerates the sources for the terminate/exit family.
var endable = []State{
	Available, Enabled, Active, AsyncActive, Disabled,
	Suspended, Failed, WaitingForRepetition, Unavailable,
}

// transitions is the lifecycle transition table: event -> from -> to.
var transitions = map[Transition]map[State]State{
	Create:      {created: Available},
	Enable:      {Available: Enabled},
	Disable:     {Enabled: Disabled},
	Reenable:    {Disabled: Enabled},
	Start:       {Available: Active},
	ManualStart: {Enabled: Active},
	Occur:       {Available: Completed, Active: Completed},
	Complete:    {Active: Completed, AsyncActive: Completed},
	Terminate:   endAll(),
	Exit:        endAll(),
	Dismiss: {
		Available:            Terminated,
		Enabled:              Terminated,
		Unavailable:          Terminated,
		WaitingForRepetition: Terminated,
	},
	Fault:      {Active: Failed, AsyncActive: Failed},
	SuspendT:   {Active: Suspended},
	Resume:     {Suspended: Active},
	Reactivate: {Failed: Active},
}

func endAll() map[State]State {
	acc := make(map[State]State, len(endable))
	for _, s := range endable {
		acc[s] = Terminated
	}
	return acc
}

// nextState gives the state reached by taking the transition from the
// given state, and whether the transition is legal at all.
func nextState(from State, t Transition) (State, bool) {
	froms, have := transitions[t]
	if !have {
		return from, false
	}
	to, have := froms[from]
	return to, have
}

// StandardEvent maps a lifecycle transition to the standard event name
// that sentry on-parts reference.
//
// ManualStart reads as "start", and dismiss reads as "exit" (a dismissal
// is a structural removal, which dependents observe as an exit).
func (t Transition) StandardEvent() string {
	switch t {
	case ManualStart:
		return string(Start)
	case Dismiss:
		return string(Exit)
	default:
		return string(t)
	}
}

// EndEvent reports whether the transition ends an instance.
func (t Transition) EndEvent() bool {
	switch t {
	case Complete, Occur, Terminate, Exit, Dismiss:
		return true
	}
	return false
}
