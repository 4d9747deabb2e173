package runner

// State is the interface every Sync Runner state implements.
type State interface {
	Name() string
}

type idleState struct{}

func (idleState) Name() string { return "idle" }

type electingState struct{}

func (electingState) Name() string { return "electing" }

type runningState struct{}

func (runningState) Name() string { return "running" }

var (
	// Idle: engine=∅, host=∅, connections=∅.
	Idle State = idleState{}
	// Electing: engine=∅, host=∅, connections≠∅.
	Electing State = electingState{}
	// Running: engine≠∅, host=one member of connections, connections≠∅.
	Running State = runningState{}
)

// StateRecorder records the sequence of states a Runner passes through,
// for tests asserting transition paths.
type StateRecorder struct {
	path []string
}

// NewStateRecorder returns an empty recorder.
func NewStateRecorder() *StateRecorder {
	return &StateRecorder{path: make([]string, 0)}
}

// Record appends state's name to the path.
func (r *StateRecorder) Record(state State) {
	r.path = append(r.path, state.Name())
}

// Path returns the recorded sequence of state names.
func (r *StateRecorder) Path() []string {
	return r.path
}

// currentState derives the runner's state purely from (engine, host,
// connections), matching the definitions in the state machine.
func currentState(hasEngine, hasHost bool, connectionCount int) State {
	switch {
	case connectionCount == 0:
		return Idle
	case hasEngine && hasHost:
		return Running
	default:
		return Electing
	}
}
