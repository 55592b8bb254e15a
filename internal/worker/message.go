package worker

import "encoding/json"

// JobMessage is the payload carried on the job queue. The API service
// publishes one per created job; the worker service consumes them and
// admits the referenced job into the pipeline.
type JobMessage struct {
	JobID string `json:"job_id"`
}

// EncodeJobMessage marshals the message for publishing.
func EncodeJobMessage(jobID string) ([]byte, error) {
	return json.Marshal(JobMessage{JobID: jobID})
}
