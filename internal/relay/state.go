package relay

// State is a step of a single reconciliation pass.
type State int

const (
	StateFetchingCandidates State = iota
	StateFiltering
	StateFetchingMetadata
	StateRendering
	StateDelivering
	StateCommitting
	StateDone
	// StateDoneEmpty: no candidate was new.
	StateDoneEmpty
	// StateDoneNoRenderable: every new candidate failed its metadata fetch.
	StateDoneNoRenderable
	// StateDoneBusy: another pass held the run lock.
	StateDoneBusy
	StateFailed
)

var stateNames = map[State]string{
	StateFetchingCandidates: "FETCHING_CANDIDATES",
	StateFiltering:          "FILTERING",
	StateFetchingMetadata:   "FETCHING_METADATA",
	StateRendering:          "RENDERING",
	StateDelivering:         "DELIVERING",
	StateCommitting:         "COMMITTING",
	StateDone:               "DONE",
	StateDoneEmpty:          "DONE_EMPTY",
	StateDoneNoRenderable:   "DONE_NO_RENDERABLE",
	StateDoneBusy:           "DONE_BUSY",
	StateFailed:             "FAILED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Succeeded reports whether s is one of the DONE terminal states.
func (s State) Succeeded() bool {
	switch s {
	case StateDone, StateDoneEmpty, StateDoneNoRenderable, StateDoneBusy:
		return true
	}
	return false
}
