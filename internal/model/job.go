package model

import (
	"time"
)

// JobStatus is the lifecycle state of a job record.
type JobStatus string

const (
	StatusNone      JobStatus = "no_status"
	StatusAccepted  JobStatus = "accepted"
	StatusStarted   JobStatus = "started"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
	StatusDismissed JobStatus = "dismissed"
)

func (s JobStatus) rank() int {
	switch s {
	case StatusNone, "":
		return 0
	case StatusAccepted:
		return 1
	case StatusStarted:
		return 2
	case StatusSucceeded, StatusFailed, StatusDismissed:
		return 3
	}
	return -1
}

// Terminal reports whether no further transition may leave s.
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusDismissed
}

// CanTransition enforces the state machine:
//
//	NoStatus -> Accepted -> Started -> {Succeeded | Failed}
//	any non terminal -> Dismissed
//
// Forward jumps (e.g. Accepted -> Failed) are allowed, staying in the same
// non terminal state is allowed (progress updates).
func (s JobStatus) CanTransition(to JobStatus) bool {
	if to.rank() < 0 || s.rank() < 0 {
		return false
	}
	if s.Terminal() {
		return false
	}
	if to == StatusDismissed {
		return true
	}
	return to.rank() >= s.rank()
}

// ExecMode is how a client asked for an execution to be handled.
type ExecMode int

const (
	// ModeSync executes and returns the response, nothing is stored.
	ModeSync ExecMode = iota
	// ModeStore executes synchronously and keeps the response document.
	ModeStore
	// ModeAsync returns immediately and keeps the response up to date.
	ModeAsync
)

// Stored reports whether the response document is persisted.
func (m ExecMode) Stored() bool { return m >= ModeStore }

// JobRecord is the persisted state of one execution request.
type JobRecord struct {
	UUID              string     `json:"uuid"`
	Identifier        string     `json:"identifier"`
	Version           string     `json:"version,omitempty"`
	MapURI            string     `json:"map_uri,omitempty"`
	Realm             string     `json:"realm,omitempty"`
	Service           string     `json:"service,omitempty"`
	Status            JobStatus  `json:"status"`
	PercentDone       int        `json:"percent_done"`
	Message           string     `json:"message"`
	TimeStart         time.Time  `json:"time_start"`
	TimeEnd           *time.Time `json:"time_end,omitempty"`
	ExpireAt          *time.Time `json:"expire_at,omitempty"`
	Updated           time.Time  `json:"updated"`
	TimeoutSeconds    int        `json:"timeout_seconds"`
	ExpirationSeconds int        `json:"expiration_seconds"`
	Pinned            bool       `json:"pinned"`
	Pid               int        `json:"pid,omitempty"`
	OutputFiles       []string   `json:"output_files,omitempty"`
}

// Timeout returns the job timeout or def when the record has none.
func (r JobRecord) Timeout(def time.Duration) time.Duration {
	if r.TimeoutSeconds > 0 {
		return time.Duration(r.TimeoutSeconds) * time.Second
	}
	return def
}

// Expiration returns the job expiration or def when the record has none.
func (r JobRecord) Expiration(def time.Duration) time.Duration {
	if r.ExpirationSeconds > 0 {
		return time.Duration(r.ExpirationSeconds) * time.Second
	}
	return def
}

// JobRequest is what is logged when an execution is accepted.
type JobRequest struct {
	Identifier string
	Version    string
	MapURI     string
	Realm      string
	Service    string
	Timeout    time.Duration
	Expiration time.Duration
	Body       []byte
}

// StatusUpdate is merged into a JobRecord. Nil fields are left untouched and
// an empty Status keeps the current one.
type StatusUpdate struct {
	Status      JobStatus
	Message     *string
	PercentDone *int
	Pid         *int
	OutputFiles []string
	Timestamp   time.Time
}

// Apply merges u into r. The caller checks the transition beforehand.
func (u StatusUpdate) Apply(r *JobRecord) {
	ts := u.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if u.Message != nil {
		r.Message = *u.Message
	}
	if u.PercentDone != nil {
		r.PercentDone = min(max(*u.PercentDone, -1), 100)
	}
	if u.Pid != nil {
		r.Pid = *u.Pid
	}
	if u.OutputFiles != nil {
		r.OutputFiles = append([]string(nil), u.OutputFiles...)
	}
	if u.Status != "" {
		r.Status = u.Status
	}
	r.Updated = ts
	if r.Status.Terminal() {
		end := ts
		r.TimeEnd = &end
		r.Pid = 0
		if r.Pinned {
			r.ExpireAt = nil
		} else {
			exp := end.Add(time.Duration(r.ExpirationSeconds) * time.Second)
			r.ExpireAt = &exp
		}
	}
}

func Ptr[T any](v T) *T {
	return &v
}
