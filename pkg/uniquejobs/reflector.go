package uniquejobs

import (
	"context"
	"strings"

	"github.com/nimburion/uniquejobs/pkg/jobs"
	"github.com/nimburion/uniquejobs/pkg/observability/logger"
	"github.com/nimburion/uniquejobs/pkg/observability/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
)

// Event names an observable lock transition.
type Event string

const (
	EventLocked                    Event = "locked"
	EventLockFailed                Event = "lock_failed"
	EventUnlocked                  Event = "unlocked"
	EventUnlockFailed              Event = "unlock_failed"
	EventExecutionFailed           Event = "execution_failed"
	EventRejected                  Event = "rejected"
	EventRescheduled               Event = "rescheduled"
	EventRescheduleFailed          Event = "reschedule_failed"
	EventReplaced                  Event = "replaced"
	EventAfterUnlockCallbackFailed Event = "after_unlock_callback_failed"
)

// Reflector receives lock lifecycle events. Implementations must not block.
type Reflector interface {
	Reflect(ctx context.Context, event Event, job *jobs.Job, err error)
}

// ReflectorFunc adapts a function to Reflector.
type ReflectorFunc func(ctx context.Context, event Event, job *jobs.Job, err error)

func (f ReflectorFunc) Reflect(ctx context.Context, event Event, job *jobs.Job, err error) {
	f(ctx, event, job, err)
}

// NopReflector discards events.
type NopReflector struct{}

func (NopReflector) Reflect(context.Context, Event, *jobs.Job, error) {}

// MultiReflector fans events out in order.
type MultiReflector []Reflector

func (m MultiReflector) Reflect(ctx context.Context, event Event, job *jobs.Job, err error) {
	for _, reflector := range m {
		if reflector != nil {
			reflector.Reflect(ctx, event, job, err)
		}
	}
}

// LogReflector logs failures at warn level and everything else at debug level.
type LogReflector struct {
	log logger.Logger
}

// NewLogReflector returns a reflector writing to log.
func NewLogReflector(log logger.Logger) *LogReflector {
	if log == nil {
		log = logger.Nop()
	}
	return &LogReflector{log: log}
}

func (r *LogReflector) Reflect(ctx context.Context, event Event, job *jobs.Job, err error) {
	fields := jobFields(job)
	fields = append(fields, "event", string(event))
	if err != nil {
		fields = append(fields, "error", err)
	}
	log := r.log.WithContext(ctx)
	switch event {
	case EventLockFailed, EventUnlockFailed, EventExecutionFailed, EventRescheduleFailed, EventAfterUnlockCallbackFailed:
		log.Warn("unique job lock event", fields...)
	default:
		log.Debug("unique job lock event", fields...)
	}
}

// MetricsReflector counts events per queue and job name.
type MetricsReflector struct {
	events *prometheus.CounterVec
}

// NewMetricsReflector registers uniquejobs_lock_events_total on registerer.
func NewMetricsReflector(registerer prometheus.Registerer) (*MetricsReflector, error) {
	events := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uniquejobs_lock_events_total",
			Help: "Total number of unique job lock events",
		},
		[]string{"event", "queue", "job_name"},
	)
	if registerer != nil {
		if err := registerer.Register(events); err != nil {
			return nil, err
		}
	}
	return &MetricsReflector{events: events}, nil
}

func (r *MetricsReflector) Reflect(_ context.Context, event Event, job *jobs.Job, _ error) {
	queue, name := "unknown", "unknown"
	if job != nil {
		queue = labelOrUnknown(job.Queue)
		name = labelOrUnknown(job.Name)
	}
	r.events.WithLabelValues(string(event), queue, name).Inc()
}

// TraceReflector adds each event to the span carried by ctx.
type TraceReflector struct{}

func (TraceReflector) Reflect(ctx context.Context, event Event, job *jobs.Job, err error) {
	attrs := []attribute.KeyValue{attribute.String("uniquejobs.event", string(event))}
	if job != nil {
		attrs = append(attrs,
			attribute.String("uniquejobs.job_id", job.ID),
			attribute.String("uniquejobs.lock_digest", job.LockDigest()),
		)
	}
	if err != nil {
		attrs = append(attrs, attribute.String("uniquejobs.error", err.Error()))
	}
	tracing.AddEvent(ctx, "uniquejobs."+string(event), attrs...)
}

func jobFields(job *jobs.Job) []any {
	if job == nil {
		return []any{}
	}
	return []any{
		"job_id", job.ID,
		"job_name", job.Name,
		"queue", job.Queue,
		"lock_digest", job.LockDigest(),
	}
}

func labelOrUnknown(value string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return "unknown"
}
