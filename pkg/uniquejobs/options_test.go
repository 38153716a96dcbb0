package uniquejobs

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseOptions(t *testing.T) {
	opts, err := ParseOptions(map[string]any{
		"lock":                  "Until_Executed",
		"lock_ttl":              30,
		"lock_timeout":          "1.5",
		"on_conflict":           map[string]any{"client": "log", "server": "reschedule"},
		"lock_args_method":      "first",
		"lock_prefix":           "billing",
		"unique_across_queues":  true,
		"unique_across_workers": "false",
	}, DefaultLockArgsMethods())
	if err != nil {
		t.Fatalf("parse options: %v", err)
	}
	if opts.Lock != LockUntilExecuted {
		t.Fatalf("expected until_executed, got %q", opts.Lock)
	}
	if opts.LockTTL != 30*time.Second {
		t.Fatalf("expected 30s ttl, got %v", opts.LockTTL)
	}
	if opts.LockTimeout != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s timeout, got %v", opts.LockTimeout)
	}
	if opts.OnClientConflict != ConflictLog || opts.OnServerConflict != ConflictReschedule {
		t.Fatalf("unexpected conflict pair %q/%q", opts.OnClientConflict, opts.OnServerConflict)
	}
	if opts.LockArgs == nil {
		t.Fatal("expected lock args method to resolve")
	}
	if opts.LockPrefix != "billing" || !opts.UniqueAcrossQueues || opts.UniqueAcrossWorkers {
		t.Fatalf("unexpected options %+v", opts)
	}
	if len(opts.Deprecations) != 0 {
		t.Fatalf("expected no deprecations, got %v", opts.Deprecations)
	}
}

func TestParseOptions_SingleConflictAppliesToBothSides(t *testing.T) {
	opts, err := ParseOptions(map[string]any{"lock": "while_executing", "on_conflict": "Reject"}, nil)
	if err != nil {
		t.Fatalf("parse options: %v", err)
	}
	if opts.OnClientConflict != ConflictReject || opts.OnServerConflict != ConflictReject {
		t.Fatalf("expected reject on both sides, got %q/%q", opts.OnClientConflict, opts.OnServerConflict)
	}

	opts, err = ParseOptions(map[string]any{
		"on_conflict":        "raise",
		"on_server_conflict": "log",
	}, nil)
	if err != nil {
		t.Fatalf("parse options: %v", err)
	}
	if opts.OnClientConflict != ConflictRaise || opts.OnServerConflict != ConflictLog {
		t.Fatalf("expected explicit side to win, got %q/%q", opts.OnClientConflict, opts.OnServerConflict)
	}
}

func TestParseOptions_DeprecatedKeys(t *testing.T) {
	opts, err := ParseOptions(map[string]any{
		"unique":          "until_executing",
		"lock_expiration": json.Number("60"),
		"unique_prefix":   "legacy",
	}, nil)
	if err != nil {
		t.Fatalf("parse options: %v", err)
	}
	if opts.Lock != LockUntilExecuting || opts.LockTTL != time.Minute || opts.LockPrefix != "legacy" {
		t.Fatalf("expected deprecated keys to map onto current ones, got %+v", opts)
	}
	for _, key := range []string{"unique", "lock_expiration", "unique_prefix"} {
		if !strings.Contains(opts.Deprecations[key], "is deprecated") {
			t.Fatalf("expected deprecation for %s, got %v", key, opts.Deprecations)
		}
	}

	opts, err = ParseOptions(map[string]any{"unique": "until_executing", "lock": "until_expired"}, nil)
	if err != nil {
		t.Fatalf("parse options: %v", err)
	}
	if opts.Lock != LockUntilExpired {
		t.Fatalf("expected current key to win over deprecated one, got %q", opts.Lock)
	}
}

func TestParseOptions_Errors(t *testing.T) {
	cases := []map[string]any{
		{"lock": 12},
		{"lock_ttl": "soon"},
		{"lock_ttl": []string{"1"}},
		{"unique_across_queues": "maybe"},
		{"on_conflict": map[string]any{"worker": "reject"}},
		{"lock_args_method": "missing"},
		{"lock_args_method": 3},
	}
	for _, raw := range cases {
		if _, err := ParseOptions(raw, DefaultLockArgsMethods()); !errors.Is(err, ErrValidation) {
			t.Fatalf("expected ErrValidation for %v, got %v", raw, err)
		}
	}
}

func TestParseOptions_LockArgsFunction(t *testing.T) {
	called := false
	fn := func(args []any) ([]any, error) {
		called = true
		return args, nil
	}
	opts, err := ParseOptions(map[string]any{"lock_args_method": fn}, nil)
	if err != nil {
		t.Fatalf("parse options: %v", err)
	}
	if _, err := opts.LockArgs(nil); err != nil || !called {
		t.Fatalf("expected the given function to be used, err=%v", err)
	}
}

func TestAsDuration(t *testing.T) {
	cases := map[string]struct {
		value any
		want  time.Duration
	}{
		"duration":        {value: 2 * time.Minute, want: 2 * time.Minute},
		"int seconds":     {value: 5, want: 5 * time.Second},
		"int64 seconds":   {value: int64(7), want: 7 * time.Second},
		"float seconds":   {value: 0.25, want: 250 * time.Millisecond},
		"go duration":     {value: "90s", want: 90 * time.Second},
		"numeric string":  {value: " 3 ", want: 3 * time.Second},
		"empty string":    {value: "", want: 0},
		"nil":             {value: nil, want: 0},
		"negative number": {value: -1, want: -time.Second},
	}
	for name, tc := range cases {
		got, err := asDuration("lock_ttl", tc.value)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: expected %v, got %v", name, tc.want, got)
		}
	}
}

func TestLockTypes(t *testing.T) {
	types := LockTypes()
	if len(types) != 6 {
		t.Fatalf("expected 6 lock types, got %v", types)
	}
	for idx := 1; idx < len(types); idx++ {
		if types[idx-1] >= types[idx] {
			t.Fatalf("expected sorted lock types, got %v", types)
		}
	}
	if LockType("until_forever").Known() {
		t.Fatal("expected unknown lock type")
	}
}
