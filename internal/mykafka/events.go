package mykafka

import "time"

const (
	EventUserCreated     = "user.created"
	EventUserLogin       = "user.login"
	EventUserDeleted     = "user.deleted"
	EventUserActivated   = "user.activated"
	EventUserDeactivated = "user.deactivated"

	EventJobSubmitted = "job.submitted"
	EventJobRunning   = "job.running"
	EventJobDone      = "job.done"
	EventJobFailed    = "job.failed"
	EventJobDeleted   = "job.deleted"
)

type UserEvent struct {
	Type     string    `json:"type"`
	UserID   string    `json:"user_id"`
	Username string    `json:"username,omitempty"`
	Role     string    `json:"role,omitempty"`
	ActorID  string    `json:"actor_id,omitempty"`
	At       time.Time `json:"at"`
}

type JobEvent struct {
	Type     string    `json:"type"`
	JobID    string    `json:"job_id"`
	OwnerID  string    `json:"owner_id"`
	Filename string    `json:"filename,omitempty"`
	Status   string    `json:"status"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}
