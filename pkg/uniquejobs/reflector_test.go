package uniquejobs

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nimburion/uniquejobs/pkg/jobs"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestLogReflector_Levels(t *testing.T) {
	log := &lockTestLogger{}
	reflector := NewLogReflector(log)
	job := testJob("jid-1")

	reflector.Reflect(context.Background(), EventLocked, job, nil)
	reflector.Reflect(context.Background(), EventUnlockFailed, job, errors.New("token mismatch"))

	lines := log.lines()
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %v", lines)
	}
	if !strings.HasPrefix(lines[0], "debug") || !strings.Contains(lines[0], "locked") {
		t.Fatalf("expected debug line for locked, got %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "warn") || !strings.Contains(lines[1], "token mismatch") {
		t.Fatalf("expected warn line with error, got %q", lines[1])
	}
	if NewLogReflector(nil) == nil {
		t.Fatal("expected reflector with nop logger")
	}
}

func TestMetricsReflector_CountsEvents(t *testing.T) {
	registry := prometheus.NewRegistry()
	reflector, err := NewMetricsReflector(registry)
	if err != nil {
		t.Fatalf("new metrics reflector: %v", err)
	}
	job := testJob("jid-1")
	reflector.Reflect(context.Background(), EventRejected, job, nil)
	reflector.Reflect(context.Background(), EventRejected, job, nil)
	reflector.Reflect(context.Background(), EventLocked, nil, nil)

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	counts := map[string]float64{}
	for _, family := range families {
		if family.GetName() != "uniquejobs_lock_events_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			labels := map[string]string{}
			for _, pair := range metric.GetLabel() {
				labels[pair.GetName()] = pair.GetValue()
			}
			counts[labels["event"]+"/"+labels["queue"]+"/"+labels["job_name"]] = metric.GetCounter().GetValue()
		}
	}
	if counts["rejected/default/ReportWorker"] != 2 {
		t.Fatalf("expected 2 rejected events, got %v", counts)
	}
	if counts["locked/unknown/unknown"] != 1 {
		t.Fatalf("expected unknown labels for a nil job, got %v", counts)
	}

	if _, err := NewMetricsReflector(registry); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

func TestTraceReflector_AddsSpanEvents(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		_ = provider.Shutdown(context.Background())
	})

	ctx, span := otel.Tracer("uniquejobs-test").Start(context.Background(), "process")
	job := testJob("jid-1")
	job.SetLockDigest("uniquejobs:abc")
	TraceReflector{}.Reflect(ctx, EventExecutionFailed, job, errors.New("boom"))
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected one span, got %d", len(ended))
	}
	events := ended[0].Events()
	if len(events) != 1 || events[0].Name != "uniquejobs.execution_failed" {
		t.Fatalf("unexpected events %+v", events)
	}
	found := false
	for _, attr := range events[0].Attributes {
		if string(attr.Key) == "uniquejobs.lock_digest" && attr.Value.AsString() == "uniquejobs:abc" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected digest attribute, got %v", events[0].Attributes)
	}
}

func TestMultiReflector_FansOut(t *testing.T) {
	first := &recordingReflector{}
	var seen []Event
	multi := MultiReflector{first, nil, ReflectorFunc(func(_ context.Context, event Event, _ *jobs.Job, _ error) {
		seen = append(seen, event)
	})}
	multi.Reflect(context.Background(), EventReplaced, testJob("jid-1"), nil)
	NopReflector{}.Reflect(context.Background(), EventReplaced, nil, nil)

	if first.count(EventReplaced) != 1 || len(seen) != 1 || seen[0] != EventReplaced {
		t.Fatalf("expected both reflectors to see the event, got %v %v", first.snapshot(), seen)
	}
}
