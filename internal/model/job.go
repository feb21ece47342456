package model

import "time"

type JobStatus string

const (
	JobQueued              JobStatus = "queued"
	JobRunning             JobStatus = "running"
	JobCompleted           JobStatus = "completed"
	JobCompletedWithErrors JobStatus = "completed_with_errors"
	JobFailed              JobStatus = "failed"
)

func (s JobStatus) Finished() bool {
	switch s {
	case JobCompleted, JobCompletedWithErrors, JobFailed:
		return true
	}
	return false
}

// CanAdvance reports whether a job in status s may move to next. Job status
// never regresses; the only move out of a finished status is
// completed -> completed_with_errors, caused by a late failure receipt.
func (s JobStatus) CanAdvance(next JobStatus) bool {
	if s == next {
		return false
	}
	switch s {
	case JobQueued:
		return true
	case JobRunning:
		return next != JobQueued
	case JobCompleted:
		return next == JobCompletedWithErrors
	}
	return false
}

// ReasonInvalidRow is recorded as LastError for rows rejected at submission.
const ReasonInvalidRow = "INVALID_ROW"

type Job struct {
	ID         string      `json:"id"`
	Status     JobStatus   `json:"status"`
	Total      int         `json:"total"`
	Body       string      `json:"body,omitempty"`
	Error      string      `json:"error,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
	Recipients []Recipient `json:"recipients"`
}

// NewJob is the input to JobStore.Create.
type NewJob struct {
	Body       string
	Recipients []Recipient
}

// Clone returns a deep copy of the job.
func (j Job) Clone() Job {
	out := j
	out.Recipients = make([]Recipient, len(j.Recipients))
	for i, r := range j.Recipients {
		out.Recipients[i] = r.Clone()
	}
	return out
}

type Counts struct {
	Pending   int `json:"pending"`
	Sending   int `json:"sending"`
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Read      int `json:"read"`
	Failed    int `json:"failed"`
}

func (c *Counts) Add(s RecipientStatus) {
	switch s {
	case RecipientPending:
		c.Pending++
	case RecipientSending:
		c.Sending++
	case RecipientSent:
		c.Sent++
	case RecipientDelivered:
		c.Delivered++
	case RecipientRead:
		c.Read++
	case RecipientFailed:
		c.Failed++
	}
}

func (j Job) Counts() Counts {
	var c Counts
	for _, r := range j.Recipients {
		c.Add(r.Status)
	}
	return c
}

type JobSummary struct {
	ID        string    `json:"id"`
	Status    JobStatus `json:"status"`
	Total     int       `json:"total"`
	Counts    Counts    `json:"counts"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (j Job) Summary() JobSummary {
	return JobSummary{
		ID:        j.ID,
		Status:    j.Status,
		Total:     j.Total,
		Counts:    j.Counts(),
		Error:     j.Error,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
}
