package uniquejobs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nimburion/uniquejobs/pkg/jobs"
)

// RuntimeSuffix is appended to a digest to name the execution-time lock.
const RuntimeSuffix = ":RUN"

// Digest returns the lock digest for job. A digest already stored on the job is reused so that
// the client and server processes agree on the key.
func Digest(job *jobs.Job, config *LockConfig) (string, error) {
	if job == nil {
		return "", uniqueError(ErrInvalidArgument, "job is required")
	}
	if existing := job.LockDigest(); existing != "" {
		return existing, nil
	}
	return ComputeDigest(job, config)
}

// ComputeDigest always derives the digest from the job's class, queue and lock args.
func ComputeDigest(job *jobs.Job, config *LockConfig) (string, error) {
	if job == nil {
		return "", uniqueError(ErrInvalidArgument, "job is required")
	}
	if config == nil {
		return "", uniqueError(ErrInvalidArgument, "lock config is required")
	}

	args, err := job.Args()
	if err != nil {
		return "", err
	}
	if config.LockArgs != nil {
		if args, err = config.LockArgs(args); err != nil {
			return "", errors.Join(uniqueError(ErrValidation, "lock args method failed"), err)
		}
	}
	if args == nil {
		args = []any{}
	}

	fingerprint := map[string]any{"lock_args": args}
	if !config.UniqueAcrossWorkers {
		fingerprint["class"] = strings.TrimSpace(job.Name)
	}
	if !config.UniqueAcrossQueues {
		fingerprint["queue"] = strings.TrimSpace(job.Queue)
	}
	encoded, err := json.Marshal(fingerprint)
	if err != nil {
		return "", errors.Join(uniqueError(ErrValidation, "encode lock fingerprint failed"), err)
	}
	sum := sha256.Sum256(encoded)

	prefix := strings.TrimRight(strings.TrimSpace(config.LockPrefix), ":")
	if prefix == "" {
		prefix = DefaultLockPrefix
	}
	return prefix + ":" + hex.EncodeToString(sum[:]), nil
}

// RuntimeDigest names the execution-time lock of digest.
func RuntimeDigest(digest string) string {
	if strings.HasSuffix(digest, RuntimeSuffix) {
		return digest
	}
	return digest + RuntimeSuffix
}

// FirstArgs keeps the first n arguments.
func FirstArgs(n int) LockArgsFunc {
	return func(args []any) ([]any, error) {
		if n < 0 {
			return nil, fmt.Errorf("argument count must be >= 0, got %d", n)
		}
		if len(args) <= n {
			return args, nil
		}
		return args[:n], nil
	}
}

// NoArgs drops every argument, making the job class the only discriminator.
func NoArgs(args []any) ([]any, error) {
	return []any{}, nil
}

// DefaultLockArgsMethods are the named lock args methods available to ParseOptions callers.
func DefaultLockArgsMethods() map[string]LockArgsFunc {
	return map[string]LockArgsFunc{
		"first": FirstArgs(1),
		"none":  NoArgs,
	}
}
