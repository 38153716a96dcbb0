package jobs

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Job header constants
const (
	// HeaderJobLockDigest carries the unique-job lock digest computed at enqueue time
	HeaderJobLockDigest = "job_lock_digest"
	// HeaderJobFailureReason records the last failure when a job is retried
	HeaderJobFailureReason = "job_failure_reason"
	// HeaderJobFailedAt records when the last failure happened
	HeaderJobFailedAt = "job_failed_at"
	// HeaderJobRescheduled marks jobs put back on the queue after a lock conflict
	HeaderJobRescheduled = "job_rescheduled"
)

// Job describes one unit of work: the job class (Name), its arguments (Payload, a JSON array),
// the job id and the queue it travels on.
type Job struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Queue       string            `json:"queue"`
	Payload     []byte            `json:"payload"`
	Headers     map[string]string `json:"headers,omitempty"`
	RunAt       time.Time         `json:"run_at"`
	Attempt     int               `json:"attempt"`
	MaxAttempts int               `json:"max_attempts"`
	CreatedAt   time.Time         `json:"created_at"`
}

// NewJob builds a job with a generated id and JSON-encoded arguments.
func NewJob(name, queue string, args ...any) (*Job, error) {
	if args == nil {
		args = []any{}
	}
	payload, err := MarshalPayloadJSON(args)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Job{
		ID:        NewJobID(),
		Name:      strings.TrimSpace(name),
		Queue:     strings.TrimSpace(queue),
		Payload:   payload,
		Headers:   map[string]string{},
		RunAt:     now,
		CreatedAt: now,
	}, nil
}

// NewJobID returns a fresh job identifier.
func NewJobID() string {
	return uuid.NewString()
}

// Validate checks the required fields used by runtime behavior.
func (j *Job) Validate() error {
	if j == nil {
		return jobsError(ErrValidation, "job is nil")
	}
	if strings.TrimSpace(j.ID) == "" {
		return jobsError(ErrValidation, "job id is required")
	}
	if strings.TrimSpace(j.Name) == "" {
		return jobsError(ErrValidation, "job name is required")
	}
	if strings.TrimSpace(j.Queue) == "" {
		return jobsError(ErrValidation, "job queue is required")
	}
	if len(j.Payload) == 0 {
		return jobsError(ErrValidation, "job payload is required")
	}
	if j.Attempt < 0 {
		return jobsError(ErrValidation, "job attempt must be >= 0")
	}
	if j.MaxAttempts < 0 {
		return jobsError(ErrValidation, "job max attempts must be >= 0")
	}
	if j.MaxAttempts > 0 && j.Attempt > j.MaxAttempts {
		return jobsError(ErrValidation, "job attempt cannot exceed max attempts")
	}
	return nil
}

// Args decodes the job payload into positional arguments. A payload that is not a JSON array is
// returned as the single argument.
func (j *Job) Args() ([]any, error) {
	if j == nil || len(bytes.TrimSpace(j.Payload)) == 0 {
		return []any{}, nil
	}
	decoder := json.NewDecoder(bytes.NewReader(j.Payload))
	decoder.UseNumber()

	var decoded any
	if err := decoder.Decode(&decoded); err != nil {
		return nil, errors.Join(jobsError(ErrValidation, "decode job payload failed"), err)
	}
	if args, ok := decoded.([]any); ok {
		return args, nil
	}
	return []any{decoded}, nil
}

// LockDigest returns the lock digest stored on the job, if any.
func (j *Job) LockDigest() string {
	if j == nil || j.Headers == nil {
		return ""
	}
	return strings.TrimSpace(j.Headers[HeaderJobLockDigest])
}

// SetLockDigest stores the lock digest on the job headers.
func (j *Job) SetLockDigest(digest string) {
	if j == nil {
		return
	}
	if j.Headers == nil {
		j.Headers = map[string]string{}
	}
	j.Headers[HeaderJobLockDigest] = strings.TrimSpace(digest)
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	return cloneJob(j)
}

// MarshalPayloadJSON marshals job arguments into a payload.
func MarshalPayloadJSON(payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Join(jobsError(ErrValidation, "marshal job payload failed"), err)
	}
	return data, nil
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	copyJob := *job
	copyJob.Payload = cloneBytes(job.Payload)
	copyJob.Headers = cloneHeaders(job.Headers)
	return &copyJob
}

func cloneHeaders(input map[string]string) map[string]string {
	if len(input) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(input))
	for k, v := range input {
		out[k] = v
	}
	return out
}

func cloneBytes(input []byte) []byte {
	if len(input) == 0 {
		return nil
	}
	out := make([]byte, len(input))
	copy(out, input)
	return out
}
