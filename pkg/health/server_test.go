package health

import (
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ssmdio/ssmd/pkg/logging"
	"github.com/ssmdio/ssmd/pkg/metrics"
)

func startServer(t *testing.T, ready ReadyFunc, registry *prometheus.Registry) string {
	t.Helper()
	s, err := NewServer(":0", ready, registry, logging.Nop())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go s.Serve(ln)
	t.Cleanup(func() { s.Shutdown() })
	return ln.Addr().String()
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestHealthAndReady(t *testing.T) {
	var up atomic.Bool
	addr := startServer(t, up.Load, prometheus.NewRegistry())

	if code, body := get(t, "http://"+addr+"/health"); code != 200 || body != "ok\n" {
		t.Fatalf("/health = %d %q", code, body)
	}
	if code, _ := get(t, "http://"+addr+"/ready"); code != http.StatusServiceUnavailable {
		t.Fatalf("/ready while down = %d, want 503", code)
	}

	up.Store(true)
	if code, body := get(t, "http://"+addr+"/ready"); code != 200 || body != "ready\n" {
		t.Fatalf("/ready while up = %d %q", code, body)
	}

	if code, _ := get(t, "http://"+addr+"/nope"); code != http.StatusNotFound {
		t.Fatalf("unknown path = %d, want 404", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := metrics.New(prometheus.WrapRegistererWith(prometheus.Labels{"service": "ssmd"}, registry))
	m.MessagesTotal.WithLabelValues("kalshi", "trade").Add(7)

	addr := startServer(t, nil, registry)

	code, body := get(t, "http://"+addr+"/metrics")
	if code != 200 {
		t.Fatalf("/metrics = %d", code)
	}
	want := `ssmd_connector_messages_total{feed="kalshi",message_type="trade",service="ssmd"} 7`
	if !strings.Contains(body, want) {
		t.Fatalf("/metrics missing %q in:\n%s", want, body)
	}
}

func TestNilReadyAlwaysReady(t *testing.T) {
	addr := startServer(t, nil, prometheus.NewRegistry())
	if code, _ := get(t, "http://"+addr+"/ready"); code != 200 {
		t.Fatalf("/ready with nil func = %d", code)
	}
}

func TestNewServerValidation(t *testing.T) {
	if _, err := NewServer("", nil, prometheus.NewRegistry(), logging.Nop()); err == nil {
		t.Fatal("empty addr accepted")
	}
	if _, err := NewServer(":8080", nil, nil, logging.Nop()); err == nil {
		t.Fatal("nil registry accepted")
	}
}
