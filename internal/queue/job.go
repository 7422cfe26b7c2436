package queue

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"time"
	"unicode/utf8"
)

// BackoffType selects how retry delays grow
type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffFixed       BackoffType = "fixed"
)

const maxErrorBytes = 2048

// Backoff is the retry delay policy of a job
type Backoff struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// JobOptions controls priority, retries and retention of a job
type JobOptions struct {
	// Lower values are claimed first. Equal priorities are FIFO.
	Priority int `json:"priority"`
	// Total attempts including the first one.
	Attempts   int           `json:"attempts"`
	Backoff    Backoff       `json:"backoff"`
	MaxBackoff time.Duration `json:"maxBackoff,omitempty"`
	// Delay before the first attempt.
	Delay time.Duration `json:"delay,omitempty"`
	// RemoveOnComplete drops a job as soon as it succeeds.
	RemoveOnComplete bool `json:"removeOnComplete"`
	// Retention is how long failed (and kept completed) jobs stay inspectable.
	Retention time.Duration `json:"retention"`
}

// DefaultJobOptions returns 3 attempts with exponential backoff from 2s,
// completed jobs removed and failed jobs kept for 7 days
func DefaultJobOptions() JobOptions {
	return JobOptions{
		Attempts: 3,
		Backoff: Backoff{
			Type:  BackoffExponential,
			Delay: 2 * time.Second,
		},
		MaxBackoff:       5 * time.Minute,
		RemoveOnComplete: true,
		Retention:        7 * 24 * time.Hour,
	}
}

// BackoffDelay returns the wait before the next attempt once attemptsMade attempts failed
func (o JobOptions) BackoffDelay(attemptsMade int) time.Duration {
	if attemptsMade <= 0 || o.Backoff.Delay <= 0 {
		return 0
	}

	d := o.Backoff.Delay
	if o.Backoff.Type != BackoffFixed {
		// delay * 2^(attempts-1)
		factor := math.Pow(2, float64(attemptsMade-1))
		d = time.Duration(factor * float64(o.Backoff.Delay))
	}

	if o.MaxBackoff > 0 && (d > o.MaxBackoff || d < 0) {
		return o.MaxBackoff
	}
	return d
}

// Job is one unit of work on a queue
type Job struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Payload      json.RawMessage `json:"payload"`
	Options      JobOptions      `json:"options"`
	AttemptsMade int             `json:"attemptsMade"`
	LastError    string          `json:"lastError,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	ProcessedAt  *time.Time      `json:"processedAt,omitempty"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`
}

// Attempt returns the 1-based number of the attempt in progress
func (j *Job) Attempt() int {
	return j.AttemptsMade + 1
}

// IsFinalAttempt reports whether a failure of the current attempt exhausts the job
func (j *Job) IsFinalAttempt() bool {
	return j.Attempt() >= j.Options.Attempts
}

// Decode unmarshals the payload into v
func (j *Job) Decode(v interface{}) error {
	return json.Unmarshal(j.Payload, v)
}

func (j *Job) clone() *Job {
	c := *j
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	return &c
}

type unrecoverableError struct {
	err error
}

func (e *unrecoverableError) Error() string { return e.err.Error() }

func (e *unrecoverableError) Unwrap() error { return e.err }

// Unrecoverable marks err so the job fails at once instead of being retried
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &unrecoverableError{err: err}
}

// IsUnrecoverable reports whether err was marked with Unrecoverable
func IsUnrecoverable(err error) bool {
	var u *unrecoverableError
	return errors.As(err, &u)
}

func jitter(r *rand.Rand, maxJitter time.Duration) time.Duration {
	if maxJitter <= 0 || r == nil {
		return 0
	}
	// [0, maxJitter]
	return time.Duration(r.Int63n(int64(maxJitter) + 1)) //nolint:gosec
}

func truncateError(err error, maxBytes int) string {
	if err == nil {
		return ""
	}
	s := err.Error()
	if len(s) <= maxBytes {
		return s
	}
	b := []byte(s[:maxBytes])
	for len(b) > 0 && !utf8.Valid(b) {
		b = b[:len(b)-1]
	}
	return string(b)
}
