package replset

import "fmt"

// MemberState is the per-host membership lifecycle
type MemberState uint8

const (
	StateNotMember MemberState = iota
	StateJoining
	StateMember
	StateLeaving
	StateRemoved
)

func (s MemberState) String() string {
	switch s {
	case StateNotMember:
		return "NOT_MEMBER"
	case StateJoining:
		return "JOINING"
	case StateMember:
		return "MEMBER"
	case StateLeaving:
		return "LEAVING"
	case StateRemoved:
		return "REMOVED"
	default:
		return "UNKNOWN"
	}
}

var validTransitions = map[MemberState][]MemberState{
	StateNotMember: {StateJoining},
	StateJoining:   {StateMember, StateNotMember},
	StateMember:    {StateLeaving},
	StateLeaving:   {StateRemoved, StateMember},
	StateRemoved:   {StateJoining},
}

// CanTransition reports whether from -> to is a legal lifecycle step
func CanTransition(from, to MemberState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError reports an illegal lifecycle step
type TransitionError struct {
	Host string
	From MemberState
	To   MemberState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid membership transition for %s: %s -> %s", e.Host, e.From, e.To)
}

// Lifecycle tracks member states for one reconciliation attempt. It is seeded
// from the stored configuration and discarded when the attempt ends.
type Lifecycle struct {
	states map[string]MemberState
}

// NewLifecycle marks every member of cfg as StateMember
func NewLifecycle(cfg Config) *Lifecycle {
	l := &Lifecycle{states: make(map[string]MemberState, len(cfg.Members))}
	for _, m := range cfg.Members {
		l.states[m.Host] = StateMember
	}
	return l
}

// State returns the state of a host endpoint
func (l *Lifecycle) State(host string) MemberState {
	if s, ok := l.states[host]; ok {
		return s
	}
	return StateNotMember
}

// States returns a copy of all tracked states
func (l *Lifecycle) States() map[string]MemberState {
	out := make(map[string]MemberState, len(l.states))
	for k, v := range l.states {
		out[k] = v
	}
	return out
}

func (l *Lifecycle) move(host string, to MemberState) error {
	from := l.State(host)
	if !CanTransition(from, to) {
		return &TransitionError{Host: host, From: from, To: to}
	}
	l.states[host] = to
	return nil
}

// Transition is an in-flight proposal: joiners are Joining, leavers are Leaving
type Transition struct {
	lifecycle *Lifecycle
	prior     map[string]MemberState
	joining   []string
	leaving   []string
	done      bool
}

// Begin moves the plan's joiners to Joining and leavers to Leaving.
// On error nothing is changed.
func (l *Lifecycle) Begin(plan Plan) (*Transition, error) {
	t := &Transition{
		lifecycle: l,
		prior:     make(map[string]MemberState, len(plan.Joining)+len(plan.Leaving)),
	}

	for _, m := range plan.Joining {
		t.prior[m.Host] = l.State(m.Host)
		if err := l.move(m.Host, StateJoining); err != nil {
			t.restore()
			return nil, err
		}
		t.joining = append(t.joining, m.Host)
	}
	for _, m := range plan.Leaving {
		t.prior[m.Host] = l.State(m.Host)
		if err := l.move(m.Host, StateLeaving); err != nil {
			t.restore()
			return nil, err
		}
		t.leaving = append(t.leaving, m.Host)
	}

	return t, nil
}

// Commit finalizes a submitted proposal: Joining -> Member, Leaving -> Removed
func (t *Transition) Commit() error {
	if t.done {
		return fmt.Errorf("transition already finished")
	}
	t.done = true
	for _, h := range t.joining {
		if err := t.lifecycle.move(h, StateMember); err != nil {
			return err
		}
	}
	for _, h := range t.leaving {
		if err := t.lifecycle.move(h, StateRemoved); err != nil {
			return err
		}
	}
	return nil
}

// Abort puts every affected host back in its prior state
func (t *Transition) Abort() {
	if t.done {
		return
	}
	t.done = true
	t.restore()
}

func (t *Transition) restore() {
	for h, s := range t.prior {
		t.lifecycle.states[h] = s
	}
}
