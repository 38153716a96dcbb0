package uniquejobs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// DefaultLockPrefix prefixes every digest unless the job sets lock_prefix.
const DefaultLockPrefix = "uniquejobs"

// LockConfig is the validated, per-attempt view of a job's Options. It is never persisted.
type LockConfig struct {
	Type                LockType
	TTL                 time.Duration
	Timeout             time.Duration
	OnClientConflict    ConflictKind
	OnServerConflict    ConflictKind
	LockPrefix          string
	LockArgs            LockArgsFunc
	UniqueAcrossQueues  bool
	UniqueAcrossWorkers bool

	// Errors maps option keys to problems found by the validators. Deprecation warnings are
	// recorded here too but do not make the config invalid.
	Errors map[string]string

	warnings map[string]struct{}
}

// NewLockConfig copies opts into a fresh config. It performs no validation.
func NewLockConfig(opts Options) *LockConfig {
	prefix := strings.TrimSpace(opts.LockPrefix)
	if prefix == "" {
		prefix = DefaultLockPrefix
	}
	return &LockConfig{
		Type:                opts.Lock,
		TTL:                 opts.LockTTL,
		Timeout:             opts.LockTimeout,
		OnClientConflict:    opts.OnClientConflict,
		OnServerConflict:    opts.OnServerConflict,
		LockPrefix:          prefix,
		LockArgs:            opts.LockArgs,
		UniqueAcrossQueues:  opts.UniqueAcrossQueues,
		UniqueAcrossWorkers: opts.UniqueAcrossWorkers,
		Errors:              map[string]string{},
		warnings:            map[string]struct{}{},
	}
}

// ConflictFor returns the configured conflict kind for origin.
func (c *LockConfig) ConflictFor(origin Origin) ConflictKind {
	if origin == OriginServer {
		return c.OnServerConflict
	}
	return c.OnClientConflict
}

// Valid reports whether the config has no errors besides deprecation warnings.
func (c *LockConfig) Valid() bool {
	return c.Err() == nil
}

// Err joins every non-warning entry of Errors, sorted by key.
func (c *LockConfig) Err() error {
	if c == nil {
		return uniqueError(ErrValidation, "lock config is nil")
	}
	keys := make([]string, 0, len(c.Errors))
	for key := range c.Errors {
		if _, warning := c.warnings[key]; warning {
			continue
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil
	}
	sort.Strings(keys)
	errs := make([]error, 0, len(keys))
	for _, key := range keys {
		errs = append(errs, uniqueError(ErrValidation, fmt.Sprintf("%s %s", key, c.Errors[key])))
	}
	return errors.Join(errs...)
}

// Warnings returns the deprecation warnings recorded on the config.
func (c *LockConfig) Warnings() map[string]string {
	out := make(map[string]string, len(c.warnings))
	for key := range c.warnings {
		out[key] = c.Errors[key]
	}
	return out
}

func (c *LockConfig) addError(key, message string) {
	if c.Errors == nil {
		c.Errors = map[string]string{}
	}
	c.Errors[key] = message
}

func (c *LockConfig) addWarning(key, message string) {
	c.addError(key, message)
	if c.warnings == nil {
		c.warnings = map[string]struct{}{}
	}
	c.warnings[key] = struct{}{}
}
