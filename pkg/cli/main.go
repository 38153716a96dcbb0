package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/nimburion/uniquejobs/pkg/config"
	"github.com/nimburion/uniquejobs/pkg/jobs"
	"github.com/nimburion/uniquejobs/pkg/observability/logger"
	"github.com/nimburion/uniquejobs/pkg/uniquejobs"
	"github.com/spf13/cobra"
)

const defaultEnvPrefix = "UNIQUEJOBS"

// BuildInfo is stamped into the binary at build time.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// Options defines callbacks and overrides for the command tree.
type Options struct {
	Name        string
	Description string
	ConfigPath  string
	EnvPrefix   string
	Build       BuildInfo

	// Optional: named lock_args_method entries usable from the options file, merged over the
	// built-in ones.
	LockArgsMethods map[string]uniquejobs.LockArgsFunc

	// Optional: registers job handlers. The worker command exists only when set.
	ConfigureWorker func(cfg *config.Config, log logger.Logger, worker jobs.Worker, client *uniquejobs.Client) error

	// Optional: override store and backend construction (useful for tests/custom adapters).
	StoreFactory   StoreFactory
	BackendFactory BackendFactory
}

func (o *Options) lockArgsMethods() map[string]uniquejobs.LockArgsFunc {
	methods := uniquejobs.DefaultLockArgsMethods()
	for name, fn := range o.LockArgsMethods {
		methods[name] = fn
	}
	return methods
}

func (o *Options) storeFactory() StoreFactory {
	if o.StoreFactory != nil {
		return o.StoreFactory
	}
	return NewStore
}

func (o *Options) backendFactory() BackendFactory {
	if o.BackendFactory != nil {
		return o.BackendFactory
	}
	return NewBackend
}

// NewCommand creates the command tree: worker, enqueue, digest, validate, locks, healthcheck,
// config and version.
func NewCommand(opts Options) *cobra.Command {
	if opts.Name == "" {
		opts.Name = "uniquejobs"
	}
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = defaultEnvPrefix
	}

	rootCmd := &cobra.Command{
		Use:           opts.Name,
		Short:         opts.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var cfgPath string
	var secretFilePath string
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config-file", "c", opts.ConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&secretFilePath, "secret-file", "", "path to secrets file (sets <PREFIX>_SECRETS_FILE)")
	config.RegisterFlags(rootCmd.PersistentFlags())

	loadConfig := func(cmd *cobra.Command) (*config.Config, logger.Logger, error) {
		return LoadConfigAndLogger(cmd, cfgPath, opts.EnvPrefix, secretFilePath)
	}
	withRuntime := func(cmd *cobra.Command, run func(ctx context.Context, rt *runtime) error) error {
		cfg, log, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		rt, err := opts.newRuntime(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := rt.Close(context.WithoutCancel(ctx)); closeErr != nil {
				log.Error("failed to close runtime", "error", closeErr)
			}
		}()
		return run(ctx, rt)
	}

	if opts.ConfigureWorker != nil {
		rootCmd.AddCommand(newWorkerCommand(opts, withRuntime))
	}
	rootCmd.AddCommand(
		newEnqueueCommand(withRuntime),
		newDigestCommand(opts, loadConfig),
		newValidateCommand(opts, loadConfig),
		newLocksCommand(withRuntime),
		newHealthcheckCommand(withRuntime),
		newConfigCommand(loadConfig),
		newVersionCommand(opts),
	)
	return rootCmd
}

type runtimeRunner func(cmd *cobra.Command, run func(ctx context.Context, rt *runtime) error) error

type configLoader func(cmd *cobra.Command) (*config.Config, logger.Logger, error)

func newWorkerCommand(opts Options, withRuntime runtimeRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the jobs worker with execution-time locks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				client, err := uniquejobs.NewClient(rt.deps, rt.registry, rt.backend)
				if err != nil {
					return fmt.Errorf("create lock client: %w", err)
				}
				server, err := uniquejobs.NewServer(rt.deps, rt.registry)
				if err != nil {
					return fmt.Errorf("create lock server: %w", err)
				}

				jobsCfg := rt.cfg.Jobs
				worker, err := jobs.NewWorker(rt.backend, rt.log, jobs.WorkerConfig{
					Queues:      jobsCfg.Queues,
					Concurrency: jobsCfg.Concurrency,
					LeaseTTL:    jobsCfg.LeaseTTL,
					StopTimeout: jobsCfg.StopTimeout,
					Retry: jobs.RetryPolicy{
						MaxAttempts:    jobsCfg.MaxAttempts,
						InitialBackoff: jobsCfg.InitialBackoff,
						MaxBackoff:     jobsCfg.MaxBackoff,
						AttemptTimeout: jobsCfg.AttemptTimeout,
					},
				})
				if err != nil {
					return fmt.Errorf("create worker: %w", err)
				}
				worker.Use(server.Middleware())
				if err := opts.ConfigureWorker(rt.cfg, rt.log, worker, client); err != nil {
					return fmt.Errorf("configure worker: %w", err)
				}

				if rt.cfg.Metrics.Enabled {
					rt.metrics.Handle("/healthz", rt.healthRegistry().Handler())
					go func() {
						if err := rt.metrics.Serve(ctx, rt.cfg.Metrics.Address); err != nil {
							rt.log.Error("metrics server stopped", "error", err)
						}
					}()
				}
				go rt.purgeExpired(ctx, rt.cfg.Store.Postgres.PurgeInterval)

				rt.log.Info("worker starting",
					"queues", strings.Join(jobsCfg.Queues, ","),
					"store", rt.cfg.Store.Type,
					"locked_jobs", strings.Join(rt.registry.Names(), ","),
				)
				return worker.Start(ctx)
			})
		},
	}
}

func newEnqueueCommand(withRuntime runtimeRunner) *cobra.Command {
	var queue string
	cmd := &cobra.Command{
		Use:   "enqueue JOB_NAME [ARG...]",
		Short: "Enqueue a job through its client lock",
		Long:  "Enqueue a job. Each ARG is decoded as JSON when possible and kept as a string otherwise.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := jobs.NewJob(args[0], queue, parseJobArgs(args[1:])...)
			if err != nil {
				return err
			}
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				client, err := uniquejobs.NewClient(rt.deps, rt.registry, rt.backend)
				if err != nil {
					return fmt.Errorf("create lock client: %w", err)
				}
				jid, err := client.Enqueue(ctx, job)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if jid == "" {
					fmt.Fprintf(out, "skipped %s: lock held for %s\n", job.Name, job.LockDigest())
					return nil
				}
				fmt.Fprintf(out, "enqueued %s %s\n", job.Name, jid)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&queue, "queue", "q", "default", "queue name")
	return cmd
}

func newDigestCommand(opts Options, loadConfig configLoader) *cobra.Command {
	var queue string
	cmd := &cobra.Command{
		Use:   "digest JOB_NAME [ARG...]",
		Short: "Print the lock digest a job would use",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			registry, err := NewRegistry(cfg.Locks, opts.lockArgsMethods())
			if err != nil {
				return fmt.Errorf("load job options: %w", err)
			}
			jobOpts, ok := registry.Lookup(args[0])
			if !ok {
				return fmt.Errorf("job %s has no lock options", args[0])
			}
			job, err := jobs.NewJob(args[0], queue, parseJobArgs(args[1:])...)
			if err != nil {
				return err
			}
			digest, err := uniquejobs.ComputeDigest(job, uniquejobs.NewLockConfig(jobOpts))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "digest:  %s\n", digest)
			fmt.Fprintf(out, "runtime: %s\n", uniquejobs.RuntimeDigest(digest))
			return nil
		},
	}
	cmd.Flags().StringVarP(&queue, "queue", "q", "default", "queue name")
	return cmd
}

func newValidateCommand(opts Options, loadConfig configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [OPTIONS_FILE]",
		Short: "Validate job lock options for both client and server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, _, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				path = cfg.Locks.OptionsFile
			}
			if strings.TrimSpace(path) == "" {
				return errors.New("no options file given (pass one or set locks.options_file)")
			}
			declared, err := ReadOptionsFile(path, opts.lockArgsMethods())
			if err != nil {
				return err
			}
			invalid := ValidateJobOptions(cmd.OutOrStdout(), declared)
			if invalid > 0 {
				return fmt.Errorf("%d job(s) have invalid lock options", invalid)
			}
			return nil
		},
	}
}

// ValidateJobOptions writes one report line per problem and returns the number of invalid jobs.
func ValidateJobOptions(out io.Writer, declared []JobOptions) int {
	invalid := 0
	for _, job := range declared {
		valid := true
		for _, origin := range []uniquejobs.Origin{uniquejobs.OriginClient, uniquejobs.OriginServer} {
			lockConfig := uniquejobs.ValidateOrigin(job.Options, origin)
			if err := lockConfig.Err(); err != nil {
				valid = false
				for _, line := range strings.Split(err.Error(), "\n") {
					fmt.Fprintf(out, "%s [%s] error: %s\n", job.Name, origin, line)
				}
			}
			if origin == uniquejobs.OriginClient {
				warnings := lockConfig.Warnings()
				keys := make([]string, 0, len(warnings))
				for key := range warnings {
					keys = append(keys, key)
				}
				sort.Strings(keys)
				for _, key := range keys {
					fmt.Fprintf(out, "%s warning: %s: %s\n", job.Name, key, warnings[key])
				}
			}
		}
		if valid {
			fmt.Fprintf(out, "%s ok (%s)\n", job.Name, job.Options.Lock)
		} else {
			invalid++
		}
	}
	return invalid
}

func newLocksCommand(withRuntime runtimeRunner) *cobra.Command {
	locksCmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect and release lock records",
	}

	var runtimeLock bool
	resolve := func(digest string) string {
		if runtimeLock {
			return uniquejobs.RuntimeDigest(digest)
		}
		return digest
	}
	locksCmd.PersistentFlags().BoolVar(&runtimeLock, "runtime", false, "address the execution-time lock of the digest")

	locksCmd.AddCommand(&cobra.Command{
		Use:   "get DIGEST",
		Short: "Show which job holds a lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := resolve(args[0])
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				holder, found, err := rt.store.Get(ctx, key)
				if err != nil {
					return err
				}
				if !found {
					fmt.Fprintf(cmd.OutOrStdout(), "%s is free\n", key)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s held by %s\n", key, holder)
				return nil
			})
		},
	})

	locksCmd.AddCommand(&cobra.Command{
		Use:   "delete DIGEST",
		Short: "Release a lock regardless of its holder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := resolve(args[0])
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				holder, found, err := rt.store.Get(ctx, key)
				if err != nil {
					return err
				}
				if !found {
					fmt.Fprintf(cmd.OutOrStdout(), "%s is free\n", key)
					return nil
				}
				deleted, err := rt.store.DeleteIfEquals(ctx, key, holder)
				if err != nil {
					return err
				}
				if !deleted {
					return fmt.Errorf("%s changed holder while deleting, retry", key)
				}
				rt.log.Warn("lock deleted by operator", "lock_digest", key, "holder", holder)
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s (held by %s)\n", key, holder)
				return nil
			})
		},
	})
	return locksCmd
}

func newHealthcheckCommand(withRuntime runtimeRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check connectivity to the lock store and the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				result := rt.healthRegistry().Check(ctx)
				for _, check := range result.Checks {
					line := fmt.Sprintf("%s: %s (%s)", check.Name, check.Status, check.Duration)
					if check.Error != "" {
						line += ": " + check.Error
					}
					fmt.Fprintln(cmd.OutOrStdout(), line)
				}
				if !result.IsHealthy() {
					return errors.New("dependencies are unhealthy")
				}
				return nil
			})
		},
	}
}

func newConfigCommand(loadConfig configLoader) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, err := loadConfig(cmd); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	})

	var showSecrets bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if showSecrets {
				fmt.Fprint(cmd.OutOrStdout(), cfg.String())
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), cfg.Redacted())
			return nil
		},
	}
	showCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "show secret values")
	configCmd.AddCommand(showCmd)
	return configCmd
}

func newVersionCommand(opts Options) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Service:    %s\n", opts.Name)
			fmt.Fprintf(out, "Version:    %s\n", valueOr(opts.Build.Version, "dev"))
			fmt.Fprintf(out, "Commit:     %s\n", valueOr(opts.Build.Commit, "unknown"))
			fmt.Fprintf(out, "Build Time: %s\n", valueOr(opts.Build.BuildTime, "unknown"))
		},
	}
}

// LoadConfigAndLogger loads configuration with the command's flags and builds the zap logger,
// writing to the command's error stream.
func LoadConfigAndLogger(cmd *cobra.Command, cfgPath, envPrefix, secretFilePath string) (*config.Config, logger.Logger, error) {
	if err := applySecretFileFlag(envPrefix, secretFilePath); err != nil {
		return nil, nil, err
	}
	cfg, err := config.NewViperLoader(cfgPath, envPrefix).WithFlags(cmd.Flags()).Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logger.NewZapLogger(logger.Config{
		Level:  logger.LogLevel(cfg.Log.Level),
		Format: logger.LogFormat(cfg.Log.Format),
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	if cfg.Log.Level == string(logger.DebugLevel) {
		log.Debug("effective configuration", "config", cfg.Redacted())
	}
	return cfg, log, nil
}

func applySecretFileFlag(envPrefix, secretFilePath string) error {
	if secretFilePath == "" {
		return nil
	}
	info, err := os.Stat(secretFilePath)
	if err != nil {
		return fmt.Errorf("secret file %s is not accessible: %w", secretFilePath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("secret file %s must not be a directory", secretFilePath)
	}
	return os.Setenv(strings.ToUpper(envPrefix)+"_SECRETS_FILE", filepath.Clean(secretFilePath))
}

func parseJobArgs(raw []string) []any {
	args := make([]any, 0, len(raw))
	for _, value := range raw {
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			args = append(args, decoded)
			continue
		}
		args = append(args, value)
	}
	return args
}

func valueOr(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// Execute runs the command and exits with appropriate code.
func Execute(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
