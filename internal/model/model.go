// Package model holds the types shared by the queue, the batch scheduler,
// the registry and the storage layer.
package model

import "time"

// TaskKind is the kind of work a job carries.
type TaskKind string

const TaskPost TaskKind = "post"

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
)

// DefaultDestinationName is the placeholder name given to destinations added without one.
const DefaultDestinationName = "Unnamed Channel"

// Attachment describes an uploaded file referenced by a job.
type Attachment struct {
	Path         string `json:"path"`
	OriginalName string `json:"originalName"`
	Size         int64  `json:"size"`
	MimeType     string `json:"mimeType"`
}

// JobRequest is what callers hand to the queue.
type JobRequest struct {
	Type        TaskKind     `json:"type"`
	Message     string       `json:"message"`
	PostType    string       `json:"postType"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Job is one queued unit of work. It is persisted as-is.
type Job struct {
	ID          string       `json:"id"`
	AddedAt     time.Time    `json:"addedAt"`
	Status      JobStatus    `json:"status"`
	Type        TaskKind     `json:"type"`
	Message     string       `json:"message"`
	PostType    string       `json:"postType"`
	Attachments []Attachment `json:"attachments"`
}

// AttachmentPaths returns the local paths of the job's attachments.
func (j Job) AttachmentPaths() []string {
	out := make([]string, 0, len(j.Attachments))
	for _, a := range j.Attachments {
		if a.Path != "" {
			out = append(out, a.Path)
		}
	}
	return out
}

// Destination is a single chat target.
type Destination struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	Failures  int    `json:"failures"`
	Paused    bool   `json:"paused,omitempty"`
	Broadcast bool   `json:"-"`
}

// Result aggregates the per-destination outcomes of one job.
type Result struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Outcome is the persisted record of one job attempt.
type Outcome struct {
	JobID     string    `json:"job_id"`
	PostType  string    `json:"post_type"`
	StartedAt time.Time `json:"started_at"`
	TookMS    int64     `json:"took_ms"`
	Success   int       `json:"success"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Error     string    `json:"error,omitempty"`
}
