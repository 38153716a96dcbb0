package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegistryHandlerServesLocalAndDefaultMetrics(t *testing.T) {
	registry := NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "uniquejobs_registry_test_total",
		Help: "test counter",
	})
	registry.MustRegister(counter)
	counter.Add(3)

	recorder := httptest.NewRecorder()
	registry.Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(recorder.Result().Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	text := string(body)
	if !strings.Contains(text, "uniquejobs_registry_test_total 3") {
		t.Fatalf("expected local counter in output:\n%s", text)
	}
	if !strings.Contains(text, "go_goroutines") {
		t.Fatalf("expected default registry metrics in output")
	}
}

func TestRegistryRegistererRejectsDuplicates(t *testing.T) {
	registry := NewRegistry()
	opts := prometheus.CounterOpts{Name: "uniquejobs_duplicate_total", Help: "dup"}
	if err := registry.Registerer().Register(prometheus.NewCounter(opts)); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := registry.Registerer().Register(prometheus.NewCounter(opts)); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

func TestRegistryServeMountsExtraRoutes(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := listener.Addr().String()
	_ = listener.Close()

	registry := NewRegistry()
	registry.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- registry.Serve(ctx, addr) }()

	var body string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		data, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		body = string(data)
		break
	}
	if body != "ok" {
		t.Fatalf("expected extra route served, got %q", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatal("serve did not stop")
	}
}
