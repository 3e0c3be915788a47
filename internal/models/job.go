package models

import (
	"errors"
	"fmt"
	"time"
)

// JobState is the lifecycle state of a harvest job.
type JobState string

const (
	JobConfigured JobState = "configured"
	JobRunning    JobState = "running"
	JobSucceeded  JobState = "succeeded"
	JobFailed     JobState = "failed"
	JobPartial    JobState = "partial"
)

// ErrInvalidTransition is returned for a state change the lifecycle forbids.
var ErrInvalidTransition = errors.New("invalid job state transition")

var allowedTransitions = map[JobState][]JobState{
	JobConfigured: {JobRunning},
	JobRunning:    {JobSucceeded, JobFailed, JobPartial},
}

// CanTransition reports whether s may move to next.
func (s JobState) CanTransition(next JobState) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s is a final state.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobPartial
}

// AdvancesWatermark reports whether jobs in state s count towards the
// service watermark.
func (s JobState) AdvancesWatermark() bool {
	return s == JobSucceeded || s == JobPartial
}

// Window is a harvest time range. A nil Until is open-ended.
type Window struct {
	From  time.Time  `json:"from"`
	Until *time.Time `json:"until,omitempty"`
}

// Validate checks From <= Until when Until is bound.
func (w Window) Validate() error {
	if w.Until != nil && w.Until.Before(w.From) {
		return fmt.Errorf("window from %s is after until %s", w.From.Format(time.RFC3339), w.Until.Format(time.RFC3339))
	}
	return nil
}

// JobOptions are the request parameters of a harvest.
type JobOptions struct {
	MetadataPrefix string `json:"metadata_prefix"`
	SetSpec        string `json:"set_spec,omitempty"`
	IgnoreDeleted  bool   `json:"ignore_deleted"`
}

// JobCounters tracks what a job did with the records it saw.
type JobCounters struct {
	Processed        int `json:"processed"`
	Inserted         int `json:"inserted"`
	Updated          int `json:"updated"`
	Unchanged        int `json:"unchanged"`
	Deleted          int `json:"deleted"`
	Ignored          int `json:"ignored"`
	Skipped          int `json:"skipped"`
	Pages            int `json:"pages"`
	CompleteListSize int `json:"complete_list_size"`
}

// Job is one harvest attempt against a service.
type Job struct {
	ID        string `json:"id"`
	ServiceID string `json:"service_id"`
	Window
	JobOptions
	State          JobState   `json:"state"`
	EffectiveUntil *time.Time `json:"effective_until,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	LastRecordAt   *time.Time `json:"last_record_at,omitempty"`
	JobCounters
	Error string `json:"error,omitempty"`
}

// NewJob returns a configured job.
func NewJob(id, serviceID string, w Window, opts JobOptions, now time.Time) (*Job, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	w.From = w.From.UTC()
	if w.Until != nil {
		u := w.Until.UTC()
		w.Until = &u
	}
	return &Job{
		ID:         id,
		ServiceID:  serviceID,
		Window:     w,
		JobOptions: opts,
		State:      JobConfigured,
		CreatedAt:  now.UTC(),
	}, nil
}

func (j *Job) transition(next JobState) error {
	if !j.State.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, next)
	}
	j.State = next
	return nil
}

// Start moves a configured job to running. An open-ended window is pinned
// to now.
func (j *Job) Start(now time.Time) error {
	if err := j.transition(JobRunning); err != nil {
		return err
	}
	now = now.UTC()
	j.StartedAt = &now
	until := now
	if j.Until != nil {
		until = *j.Until
	}
	j.EffectiveUntil = &until
	return nil
}

// Advance raises the watermark to ts if ts is later. The watermark never
// drops below From. It reports whether the watermark moved.
func (j *Job) Advance(ts time.Time) bool {
	ts = ts.UTC()
	if ts.Before(j.From) {
		ts = j.From
	}
	if j.LastRecordAt != nil && !ts.After(*j.LastRecordAt) {
		return false
	}
	j.LastRecordAt = &ts
	return true
}

// Finish moves a running job to its terminal state. A cancelled job is
// always partial; a fault before any processed record is a failure.
func (j *Job) Finish(now time.Time, cause error, cancelled bool) error {
	next := JobSucceeded
	switch {
	case cancelled:
		next = JobPartial
	case cause != nil && j.Processed == 0:
		next = JobFailed
	case cause != nil:
		next = JobPartial
	}
	if err := j.transition(next); err != nil {
		return err
	}
	now = now.UTC()
	j.EndedAt = &now
	if cause != nil {
		j.Error = cause.Error()
	}
	return nil
}

// Clone returns a deep copy safe to hand to other goroutines.
func (j *Job) Clone() *Job {
	c := *j
	c.Until = cloneTime(j.Until)
	c.EffectiveUntil = cloneTime(j.EffectiveUntil)
	c.StartedAt = cloneTime(j.StartedAt)
	c.EndedAt = cloneTime(j.EndedAt)
	c.LastRecordAt = cloneTime(j.LastRecordAt)
	return &c
}

// Duration is the wall time the job ran, or zero if it never started.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.EndedAt == nil {
		return 0
	}
	return j.EndedAt.Sub(*j.StartedAt)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
