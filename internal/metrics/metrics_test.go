package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestIntermediate_RenderContainsFixedNames(t *testing.T) {
	m := NewIntermediate()
	m.RegistrationsTotal.Add(5)
	m.RelayBytesTotal.Add(1024)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	body, err := io.ReadAll(rec.Result().Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	out := string(body)

	for _, name := range []string{
		"ztna_active_connections",
		"ztna_relay_bytes_total",
		"ztna_registrations_total",
		"ztna_registration_rejections_total",
		"ztna_datagrams_relayed_total",
		"ztna_signaling_sessions_total",
		"ztna_retry_tokens_validated",
		"ztna_retry_token_failures",
		"ztna_uptime_seconds",
	} {
		if !strings.Contains(out, name) {
			t.Fatalf("expected metric %q in output:\n%s", name, out)
		}
	}
	if !strings.Contains(out, "ztna_registrations_total 5") {
		t.Fatalf("expected registrations_total to read 5:\n%s", out)
	}
}

func TestConnector_RenderContainsFixedNames(t *testing.T) {
	m := NewConnector()
	m.ForwardedPacketsTotal.Add(42)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	body, _ := io.ReadAll(rec.Result().Body)
	out := string(body)

	for _, name := range []string{
		"ztna_connector_forwarded_packets_total",
		"ztna_connector_forwarded_bytes_total",
		"ztna_connector_tcp_sessions_total",
		"ztna_connector_tcp_errors_total",
		"ztna_connector_reconnections_total",
		"ztna_connector_uptime_seconds",
	} {
		if !strings.Contains(out, name) {
			t.Fatalf("expected metric %q in output:\n%s", name, out)
		}
	}
	if !strings.Contains(out, "ztna_connector_forwarded_packets_total 42") {
		t.Fatalf("expected forwarded_packets_total to read 42:\n%s", out)
	}
}
