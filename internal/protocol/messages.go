package protocol

import "time"

// JobRequest asks a scribe node to transcribe a video.
type JobRequest struct {
	JobID  string `json:"job_id,omitempty"`
	Input  string `json:"input"`
	Output string `json:"output,omitempty"`
	Format string `json:"format,omitempty"`
}

// ChunkProgress is published once per transcribed chunk.
type ChunkProgress struct {
	JobID     string    `json:"job_id"`
	Index     int       `json:"index"`
	StartMS   int       `json:"start_ms"`
	EndMS     int       `json:"end_ms"`
	Text      string    `json:"text,omitempty"`
	Error     string    `json:"error,omitempty"`
	Done      int       `json:"done"`
	Total     int       `json:"total"`
	Timestamp time.Time `json:"timestamp"`
}

// JobStatus reports where a job is. It is the reply to a JobRequest and
// the payload of the done event.
type JobStatus struct {
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	Input     string    `json:"input,omitempty"`
	Output    string    `json:"output,omitempty"`
	Text      string    `json:"text,omitempty"`
	Error     string    `json:"error,omitempty"`
	Chunks    int       `json:"chunks,omitempty"`
	Failed    int       `json:"failed,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NodeHeartbeat is published by every scribe node on its heartbeat subject.
type NodeHeartbeat struct {
	NodeID     string    `json:"node_id"`
	ActiveJobs int       `json:"active_jobs"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectJobRequest  = "scribe.job.request"
	SubjectJobProgress = "scribe.job.progress"
	SubjectJobDone     = "scribe.job.done"

	SubjectNodeAnnounce  = "scribe.node.announce"
	SubjectNodeHeartbeat = "scribe.node.heartbeat"

	// StreamJobs keeps done events for late subscribers.
	StreamJobs = "SCRIBE_JOBS"
)
