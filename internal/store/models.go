package store

import "time"

// SessionRecord is the journal entry of one finished override, relinquish or
// out-of-service session. Values are stored rendered, as they were shown to
// the operator.
type SessionRecord struct {
	ID       string          `json:"id"`
	Kind     string          `json:"kind"`
	Device   string          `json:"device"`
	Object   string          `json:"object"`
	Property string          `json:"property"`
	Slot     int             `json:"slot,omitempty"`
	Value    string          `json:"value,omitempty"`
	State    string          `json:"state"`
	Error    string          `json:"error,omitempty"`
	Attempts []AttemptRecord `json:"attempts,omitempty"`
	ReadBack string          `json:"read_back,omitempty"`
	Started  time.Time       `json:"started"`
	Finished time.Time       `json:"finished"`
}

// AttemptRecord is one relinquish strategy and its outcome.
type AttemptRecord struct {
	Strategy string `json:"strategy"`
	Error    string `json:"error,omitempty"`
}

// Point is a named commandable target, e.g. "ahu1-damper" for
// 10.0.0.5 analogOutput:1.
type Point struct {
	Name        string    `json:"name"`
	Device      string    `json:"device"`
	Object      string    `json:"object"`
	Priority    int       `json:"priority,omitempty"`
	Type        string    `json:"type,omitempty"` // value type hint
	Description string    `json:"description,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}
