package model

import "time"

// Run state constants.
const (
	StateReceived   = "received"
	StateGenerating = "generating"
	StatePublishing = "publishing"
	StatePersisting = "persisting"
	StateNotifying  = "notifying"
	StateDone       = "done"
	StateFailed     = "failed"
)

// Error kinds recorded on failed runs.
const (
	ErrorKindInvalid      = "invalid"
	ErrorKindUpstream     = "upstream"
	ErrorKindNotFound     = "not_found"
	ErrorKindStore        = "store"
	ErrorKindNotification = "notification"
	ErrorKindInternal     = "internal"
)

// States lists every run state in pipeline order.
var States = []string{
	StateReceived,
	StateGenerating,
	StatePublishing,
	StatePersisting,
	StateNotifying,
	StateDone,
	StateFailed,
}

// validTransitions maps each state to the set of states it may transition to.
// Round 2 skips persisting, so publishing may go straight to notifying.
var validTransitions = map[string]map[string]bool{
	StateReceived: {
		StateGenerating: true,
		StateFailed:     true,
	},
	StateGenerating: {
		StatePublishing: true,
		StateFailed:     true,
	},
	StatePublishing: {
		StatePersisting: true,
		StateNotifying:  true,
		StateFailed:     true,
	},
	StatePersisting: {
		StateNotifying: true,
		StateFailed:    true,
	},
	StateNotifying: {
		StateDone:   true,
		StateFailed: true,
	},
}

// ValidTransition reports whether transitioning from one state to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether state ends a run.
func Terminal(state string) bool {
	return state == StateDone || state == StateFailed
}

// Run is the durable record of one pipeline execution.
type Run struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id"`
	Round      int        `json:"round"`
	State      string     `json:"state"`
	ErrorKind  string     `json:"error_kind,omitempty"`
	Error      string     `json:"error,omitempty"`
	RepoURL    string     `json:"repo_url,omitempty"`
	CommitSHA  string     `json:"commit_sha,omitempty"`
	PagesURL   string     `json:"pages_url,omitempty"`
	Notified   bool       `json:"notified"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// RunEvent represents a single persisted state transition of a run.
type RunEvent struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Seq       int       `json:"seq"`
	State     string    `json:"state"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
