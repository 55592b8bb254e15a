package domain

import "time"

// Event records one successful job state transition, emitted by the job
// store for the surrounding notification/logging layer.
type Event struct {
	JobID  string    `json:"job_id"`
	From   JobState  `json:"from"`
	To     JobState  `json:"to"`
	At     time.Time `json:"at"`
	Detail string    `json:"detail,omitempty"`
}
