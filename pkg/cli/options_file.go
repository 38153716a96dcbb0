package cli

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/nimburion/uniquejobs/pkg/config"
	"github.com/nimburion/uniquejobs/pkg/uniquejobs"
	"gopkg.in/yaml.v3"
)

// optionsFile is the YAML layout of locks.options_file:
//
//	jobs:
//	  ReportWorker:
//	    lock: until_executed
//	    lock_ttl: 10m
//	    on_conflict:
//	      client: reject
//	      server: reschedule
//	    lock_args_method: first
type optionsFile struct {
	Jobs map[string]map[string]any `yaml:"jobs"`
}

// JobOptions are the options declared for one job.
type JobOptions struct {
	Name    string
	Options uniquejobs.Options
}

// ReadOptionsFile parses path into per-job options sorted by job name. lock_args_method names
// resolve against methods.
func ReadOptionsFile(path string, methods map[string]uniquejobs.LockArgsFunc) ([]JobOptions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read options file %s: %w", path, err)
	}
	var file optionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode options file %s: %w", path, err)
	}

	names := make([]string, 0, len(file.Jobs))
	for name := range file.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)

	declared := make([]JobOptions, 0, len(names))
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("options file %s declares a job without a name", path)
		}
		opts, err := uniquejobs.ParseOptions(file.Jobs[name], methods)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", name, err)
		}
		declared = append(declared, JobOptions{Name: name, Options: opts})
	}
	return declared, nil
}

// NewRegistry builds the registry shared by client and server from the lock defaults and the
// options file, when one is configured.
func NewRegistry(cfg config.LocksConfig, methods map[string]uniquejobs.LockArgsFunc) (*uniquejobs.Registry, error) {
	registry := uniquejobs.NewRegistry(uniquejobs.Defaults{
		LockTTL:     cfg.TTL,
		LockTimeout: cfg.Timeout,
		LockPrefix:  cfg.Prefix,
	})
	if strings.TrimSpace(cfg.OptionsFile) == "" {
		return registry, nil
	}
	declared, err := ReadOptionsFile(cfg.OptionsFile, methods)
	if err != nil {
		return nil, err
	}
	for _, job := range declared {
		if err := registry.Register(job.Name, job.Options); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
