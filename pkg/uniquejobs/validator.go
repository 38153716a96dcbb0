package uniquejobs

import (
	"fmt"
	"sort"
)

// Validate builds a LockConfig from opts and validates it for every side the lock type runs on.
// while_executing is checked as a server-only policy and until_executing as a client-only one.
func Validate(opts Options) *LockConfig {
	config := validateCommon(opts)
	if runsOn(config.Type, OriginClient) {
		ValidateClient(config)
	}
	if runsOn(config.Type, OriginServer) {
		ValidateServer(config)
	}
	return config
}

// ValidateOrigin builds a LockConfig and validates it for the process it runs in. A lock type
// that takes no lock in that process skips the side-specific checks.
func ValidateOrigin(opts Options, origin Origin) *LockConfig {
	config := validateCommon(opts)
	if !runsOn(config.Type, origin) {
		return config
	}
	if origin == OriginServer {
		ValidateServer(config)
	} else {
		ValidateClient(config)
	}
	return config
}

func runsOn(lockType LockType, origin Origin) bool {
	switch lockType {
	case LockWhileExecuting, LockWhileExecutingReject:
		return origin == OriginServer
	case LockUntilExecuting:
		return origin == OriginClient
	default:
		return true
	}
}

// ValidateClient rejects conflict strategies that make no sense while enqueueing. Reschedule
// needs a consumed job to put back on the queue.
func ValidateClient(config *LockConfig) *LockConfig {
	if config.OnClientConflict == ConflictReschedule {
		config.addError(KeyOnClientConflict, fmt.Sprintf("%s is incompatible with the client process", config.OnClientConflict))
	}
	return config
}

// ValidateServer rejects conflict strategies that make no sense while executing. A running job
// cannot be displaced.
func ValidateServer(config *LockConfig) *LockConfig {
	if config.OnServerConflict == ConflictReplace {
		config.addError(KeyOnServerConflict, fmt.Sprintf("%s is incompatible with the server process", config.OnServerConflict))
	}
	return config
}

func validateCommon(opts Options) *LockConfig {
	config := NewLockConfig(opts)

	deprecated := make([]string, 0, len(opts.Deprecations))
	for key := range opts.Deprecations {
		deprecated = append(deprecated, key)
	}
	sort.Strings(deprecated)
	for _, key := range deprecated {
		config.addWarning(key, opts.Deprecations[key])
	}

	switch {
	case config.Type == "":
		config.addError(KeyLock, "is required")
	case !config.Type.Known():
		config.addError(KeyLock, fmt.Sprintf("%q is not a known lock type", config.Type))
	}
	if !KnownConflictKind(config.OnClientConflict) {
		config.addError(KeyOnClientConflict, fmt.Sprintf("%q is not a known conflict strategy", config.OnClientConflict))
	}
	if !KnownConflictKind(config.OnServerConflict) {
		config.addError(KeyOnServerConflict, fmt.Sprintf("%q is not a known conflict strategy", config.OnServerConflict))
	}
	if config.TTL < 0 {
		config.addError(KeyLockTTL, "must be >= 0")
	}
	if config.Timeout < 0 {
		config.addError(KeyLockTimeout, "must be >= 0")
	}
	if config.Type == LockUntilExpired && config.TTL <= 0 {
		config.addError(KeyLockTTL, "must be > 0 for until_expired")
	}
	return config
}
