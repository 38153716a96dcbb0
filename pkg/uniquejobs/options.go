package uniquejobs

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// LockType names a locking policy.
type LockType string

const (
	LockUntilExecuting         LockType = "until_executing"
	LockUntilExecuted          LockType = "until_executed"
	LockWhileExecuting         LockType = "while_executing"
	LockUntilAndWhileExecuting LockType = "until_and_while_executing"
	LockUntilExpired           LockType = "until_expired"
	// LockWhileExecutingReject is while_executing with the server conflict strategy fixed to reject.
	LockWhileExecutingReject LockType = "while_executing_reject"
)

var lockTypes = map[LockType]struct{}{
	LockUntilExecuting:         {},
	LockUntilExecuted:          {},
	LockWhileExecuting:         {},
	LockUntilAndWhileExecuting: {},
	LockUntilExpired:           {},
	LockWhileExecutingReject:   {},
}

// LockTypes lists the supported lock types in a stable order.
func LockTypes() []LockType {
	out := make([]LockType, 0, len(lockTypes))
	for lockType := range lockTypes {
		out = append(out, lockType)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Known reports whether the lock type is supported.
func (t LockType) Known() bool {
	_, ok := lockTypes[t]
	return ok
}

// ConflictKind names a conflict strategy. The empty kind drops the conflicting job silently.
type ConflictKind string

const (
	ConflictNone       ConflictKind = ""
	ConflictRaise      ConflictKind = "raise"
	ConflictReject     ConflictKind = "reject"
	ConflictReschedule ConflictKind = "reschedule"
	ConflictReplace    ConflictKind = "replace"
	ConflictLog        ConflictKind = "log"
)

// LockArgsFunc selects the arguments that take part in the lock digest.
type LockArgsFunc func(args []any) ([]any, error)

// Options are the locking options a job declares.
type Options struct {
	Lock                LockType
	LockTTL             time.Duration
	LockTimeout         time.Duration
	OnClientConflict    ConflictKind
	OnServerConflict    ConflictKind
	LockArgs            LockArgsFunc
	LockPrefix          string
	UniqueAcrossQueues  bool
	UniqueAcrossWorkers bool

	// Deprecations maps each deprecated key found by ParseOptions to a warning.
	Deprecations map[string]string
}

// Option keys recognized by ParseOptions.
const (
	KeyLock                = "lock"
	KeyLockTTL             = "lock_ttl"
	KeyLockTimeout         = "lock_timeout"
	KeyOnConflict          = "on_conflict"
	KeyOnClientConflict    = "on_client_conflict"
	KeyOnServerConflict    = "on_server_conflict"
	KeyLockArgsMethod      = "lock_args_method"
	KeyLockPrefix          = "lock_prefix"
	KeyUniqueAcrossQueues  = "unique_across_queues"
	KeyUniqueAcrossWorkers = "unique_across_workers"
)

var deprecatedKeys = map[string]string{
	"unique":          KeyLock,
	"unique_args":     KeyLockArgsMethod,
	"lock_args":       KeyLockArgsMethod,
	"unique_prefix":   KeyLockPrefix,
	"lock_expiration": KeyLockTTL,
}

// ParseOptions reads raw options as found in job declarations or YAML files. lock_args_method
// accepts a LockArgsFunc or the name of an entry in methods. Unknown keys are ignored.
func ParseOptions(raw map[string]any, methods map[string]LockArgsFunc) (Options, error) {
	normalized := make(map[string]any, len(raw))
	var opts Options

	deprecated := make([]string, 0)
	for key := range raw {
		if _, ok := deprecatedKeys[key]; ok {
			deprecated = append(deprecated, key)
		}
	}
	sort.Strings(deprecated)
	for _, key := range deprecated {
		replacement := deprecatedKeys[key]
		if opts.Deprecations == nil {
			opts.Deprecations = map[string]string{}
		}
		opts.Deprecations[key] = fmt.Sprintf("is deprecated, use `%s: %v` instead", replacement, raw[key])
		if _, set := raw[replacement]; !set {
			normalized[replacement] = raw[key]
		}
	}
	for key, value := range raw {
		if _, ok := deprecatedKeys[key]; ok {
			continue
		}
		normalized[key] = value
	}

	if value, ok := normalized[KeyLock]; ok {
		lockType, err := asString(KeyLock, value)
		if err != nil {
			return Options{}, err
		}
		opts.Lock = LockType(strings.ToLower(lockType))
	}
	if value, ok := normalized[KeyLockTTL]; ok {
		ttl, err := asDuration(KeyLockTTL, value)
		if err != nil {
			return Options{}, err
		}
		opts.LockTTL = ttl
	}
	if value, ok := normalized[KeyLockTimeout]; ok {
		timeout, err := asDuration(KeyLockTimeout, value)
		if err != nil {
			return Options{}, err
		}
		opts.LockTimeout = timeout
	}
	if value, ok := normalized[KeyOnConflict]; ok {
		client, server, err := asConflictPair(value)
		if err != nil {
			return Options{}, err
		}
		opts.OnClientConflict, opts.OnServerConflict = client, server
	}
	if value, ok := normalized[KeyOnClientConflict]; ok {
		kind, err := asString(KeyOnClientConflict, value)
		if err != nil {
			return Options{}, err
		}
		opts.OnClientConflict = ConflictKind(strings.ToLower(kind))
	}
	if value, ok := normalized[KeyOnServerConflict]; ok {
		kind, err := asString(KeyOnServerConflict, value)
		if err != nil {
			return Options{}, err
		}
		opts.OnServerConflict = ConflictKind(strings.ToLower(kind))
	}
	if value, ok := normalized[KeyLockArgsMethod]; ok && value != nil {
		fn, err := asLockArgsFunc(value, methods)
		if err != nil {
			return Options{}, err
		}
		opts.LockArgs = fn
	}
	if value, ok := normalized[KeyLockPrefix]; ok {
		prefix, err := asString(KeyLockPrefix, value)
		if err != nil {
			return Options{}, err
		}
		opts.LockPrefix = prefix
	}
	if value, ok := normalized[KeyUniqueAcrossQueues]; ok {
		flag, err := asBool(KeyUniqueAcrossQueues, value)
		if err != nil {
			return Options{}, err
		}
		opts.UniqueAcrossQueues = flag
	}
	if value, ok := normalized[KeyUniqueAcrossWorkers]; ok {
		flag, err := asBool(KeyUniqueAcrossWorkers, value)
		if err != nil {
			return Options{}, err
		}
		opts.UniqueAcrossWorkers = flag
	}
	return opts, nil
}

func asString(key string, value any) (string, error) {
	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed), nil
	case LockType:
		return string(typed), nil
	case ConflictKind:
		return string(typed), nil
	case fmt.Stringer:
		return strings.TrimSpace(typed.String()), nil
	case nil:
		return "", nil
	default:
		return "", uniqueError(ErrValidation, fmt.Sprintf("%s must be a string, got %T", key, value))
	}
}

func asBool(key string, value any) (bool, error) {
	switch typed := value.(type) {
	case bool:
		return typed, nil
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(typed))
		if err != nil {
			return false, uniqueError(ErrValidation, fmt.Sprintf("%s must be a boolean, got %q", key, typed))
		}
		return parsed, nil
	default:
		return false, uniqueError(ErrValidation, fmt.Sprintf("%s must be a boolean, got %T", key, value))
	}
}

// asDuration accepts durations, Go duration strings and numbers of seconds.
func asDuration(key string, value any) (time.Duration, error) {
	switch typed := value.(type) {
	case time.Duration:
		return typed, nil
	case int:
		return time.Duration(typed) * time.Second, nil
	case int64:
		return time.Duration(typed) * time.Second, nil
	case float64:
		return secondsToDuration(typed), nil
	case json.Number:
		seconds, err := typed.Float64()
		if err != nil {
			return 0, uniqueError(ErrValidation, fmt.Sprintf("%s must be a duration, got %q", key, typed))
		}
		return secondsToDuration(seconds), nil
	case string:
		trimmed := strings.TrimSpace(typed)
		if trimmed == "" {
			return 0, nil
		}
		if seconds, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return secondsToDuration(seconds), nil
		}
		parsed, err := time.ParseDuration(trimmed)
		if err != nil {
			return 0, uniqueError(ErrValidation, fmt.Sprintf("%s must be a duration, got %q", key, typed))
		}
		return parsed, nil
	case nil:
		return 0, nil
	default:
		return 0, uniqueError(ErrValidation, fmt.Sprintf("%s must be a duration, got %T", key, value))
	}
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(math.Round(seconds * float64(time.Second)))
}

func asConflictPair(value any) (ConflictKind, ConflictKind, error) {
	var sides map[string]any
	switch typed := value.(type) {
	case map[string]any:
		sides = typed
	case map[string]string:
		sides = make(map[string]any, len(typed))
		for k, v := range typed {
			sides[k] = v
		}
	default:
		kind, err := asString(KeyOnConflict, value)
		if err != nil {
			return "", "", err
		}
		return ConflictKind(strings.ToLower(kind)), ConflictKind(strings.ToLower(kind)), nil
	}

	var client, server ConflictKind
	for side, raw := range sides {
		kind, err := asString(KeyOnConflict+"."+side, raw)
		if err != nil {
			return "", "", err
		}
		switch strings.ToLower(strings.TrimSpace(side)) {
		case string(OriginClient):
			client = ConflictKind(strings.ToLower(kind))
		case string(OriginServer):
			server = ConflictKind(strings.ToLower(kind))
		default:
			return "", "", uniqueError(ErrValidation, fmt.Sprintf("%s has unknown side %q", KeyOnConflict, side))
		}
	}
	return client, server, nil
}

func asLockArgsFunc(value any, methods map[string]LockArgsFunc) (LockArgsFunc, error) {
	switch typed := value.(type) {
	case LockArgsFunc:
		return typed, nil
	case func([]any) ([]any, error):
		return typed, nil
	case string:
		name := strings.TrimSpace(typed)
		if fn, ok := methods[name]; ok && fn != nil {
			return fn, nil
		}
		return nil, uniqueError(ErrValidation, fmt.Sprintf("%s %q is not registered", KeyLockArgsMethod, name))
	default:
		return nil, uniqueError(ErrValidation, fmt.Sprintf("%s must be a function or a method name, got %T", KeyLockArgsMethod, value))
	}
}
