package models

import "fmt"

// JobStatus is the closed set of job lifecycle states. It is also used for the
// AI status mirror kept on insights.
type JobStatus string

const (
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"
)

// AllJobStatuses lists every job status in lifecycle order.
var AllJobStatuses = []JobStatus{JobQueued, JobRunning, JobSucceeded, JobFailed}

// ParseJobStatus converts persisted text into a JobStatus.
func ParseJobStatus(s string) (JobStatus, error) {
	st := JobStatus(s)
	switch st {
	case JobQueued, JobRunning, JobSucceeded, JobFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

func (s JobStatus) String() string { return string(s) }

// Active reports whether the job still occupies the (shop, product) slot.
func (s JobStatus) Active() bool {
	switch s {
	case JobQueued, JobRunning:
		return true
	case JobSucceeded, JobFailed:
		return false
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed:
		return true
	case JobQueued, JobRunning:
		return false
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the job state machine.
// The stores enforce the source side with conditional UPDATEs and check the
// target of every finalizing write against this table:
//
//	QUEUED  -> RUNNING              claim
//	QUEUED  -> FAILED               superseded by a forced regenerate
//	RUNNING -> SUCCEEDED            executor success
//	RUNNING -> QUEUED               retry scheduled (attempts below ceiling) or stale reclaim
//	RUNNING -> FAILED               attempts exhausted, insight missing, or superseded
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobQueued:
		return to == JobRunning || to == JobFailed
	case JobRunning:
		return to == JobSucceeded || to == JobQueued || to == JobFailed
	case JobSucceeded, JobFailed:
		return false
	}
	return false
}

// RunStatus is the closed set of run states.
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
)

// ParseRunStatus converts persisted text into a RunStatus.
func ParseRunStatus(s string) (RunStatus, error) {
	st := RunStatus(s)
	switch st {
	case RunRunning, RunCompleted:
		return st, nil
	}
	return "", fmt.Errorf("unknown run status %q", s)
}

func (s RunStatus) String() string { return string(s) }
