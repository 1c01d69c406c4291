package pipeline

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Transition records one state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Job is one scoring execution. It is owned by the goroutine running it and
// handed to the caller only once terminal.
type Job struct {
	ID          string       `json:"id"`
	CallID      string       `json:"call_id"`
	State       State        `json:"state"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at,omitempty"`
	Err         error        `json:"-"`
	Error       string       `json:"error,omitempty"`
	Retryable   bool         `json:"retryable"`
	Transitions []Transition `json:"transitions"`
}

func newJob(callID string, now time.Time) *Job {
	return &Job{
		ID:        uuid.New().String(),
		CallID:    callID,
		State:     StateQueued,
		StartedAt: now,
	}
}

func (j *Job) transition(to State, at time.Time) error {
	if !CanTransition(j.State, to) {
		return &TransitionError{From: j.State, To: to}
	}
	j.Transitions = append(j.Transitions, Transition{From: j.State, To: to, At: at})
	j.State = to
	if to.IsTerminal() {
		j.CompletedAt = at
	}
	return nil
}

// Entered reports whether the job ever reached state s.
func (j *Job) Entered(s State) bool {
	if j.State == s {
		return true
	}
	for _, t := range j.Transitions {
		if t.To == s {
			return true
		}
	}
	return false
}

// Duration is the wall time from queued to terminal, zero while running.
func (j *Job) Duration() time.Duration {
	if j.CompletedAt.IsZero() {
		return 0
	}
	return j.CompletedAt.Sub(j.StartedAt)
}

type retryable interface {
	Retryable() bool
}

// fail moves the job to a failure state and records err.
func (j *Job) fail(to State, err error, at time.Time) error {
	if terr := j.transition(to, at); terr != nil {
		return terr
	}
	j.Err = err
	j.Error = err.Error()
	var r retryable
	if errors.As(err, &r) {
		j.Retryable = r.Retryable()
	}
	return nil
}
