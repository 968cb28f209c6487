package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthChecker_Basic(t *testing.T) {
	hc := NewHealthChecker("svc", "v1")
	hc.AddCheck("ok", func() CheckResult { return CheckResult{Status: "healthy"} })
	status := hc.CheckHealth()
	if status.Status != "healthy" {
		t.Fatalf("expected healthy")
	}
}

func TestHealthChecker_DegradedAndUnhealthy(t *testing.T) {
	hc := NewHealthChecker("svc", "v1")
	hc.AddCheck("ok", func() CheckResult { return CheckResult{Status: StatusHealthy} })
	hc.AddCheck("slow", func() CheckResult { return CheckResult{Status: StatusDegraded} })
	if status := hc.CheckHealth(); status.Status != StatusDegraded {
		t.Fatalf("expected degraded, got %q", status.Status)
	}

	hc.AddCheck("down", func() CheckResult { return CheckResult{Status: StatusUnhealthy} })
	if status := hc.CheckHealth(); status.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %q", status.Status)
	}
}

func TestHTTPServiceHealthCheck(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }))
	defer s.Close()
	res := HTTPServiceHealthCheck("svc", s.URL)()
	if res.Status != "healthy" {
		t.Fatalf("expected healthy")
	}
}

func TestKafkaProducerHealthCheck_NilClient(t *testing.T) {
	res := KafkaProducerHealthCheck(nil)()
	if res.Status != "unhealthy" {
		t.Fatalf("expected unhealthy for nil client, got %q", res.Status)
	}
	if res.Message != "Kafka client is nil" {
		t.Errorf("unexpected message: %q", res.Message)
	}
}

func TestConfigurationHealthCheck(t *testing.T) {
	res := ConfigurationHealthCheck(map[string]string{"JWT_SECRET": "set", "DATABASE_URL": ""})()
	if res.Status != "unhealthy" {
		t.Fatalf("expected unhealthy for missing config, got %q", res.Status)
	}

	res = ConfigurationHealthCheck(map[string]string{"JWT_SECRET": "set"})()
	if res.Status != "healthy" {
		t.Fatalf("expected healthy, got %q", res.Status)
	}
}
