package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew(t *testing.T) {
	m := New()

	if m == nil {
		t.Fatal("Expected non-nil Metrics")
	}
	if m.sessionsCreated == nil {
		t.Error("sessionsCreated not initialized")
	}
	if m.coaRequests == nil {
		t.Error("coaRequests not initialized")
	}
	if m.accountingRecords == nil {
		t.Error("accountingRecords not initialized")
	}
	if m.jobRuns == nil {
		t.Error("jobRuns not initialized")
	}
}

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New()

	if err := m.Register(reg); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// Registering twice must fail on the same registry
	if err := m.Register(reg); err == nil {
		t.Error("Expected duplicate registration error")
	}
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics

	// None of these may panic
	m.RecordSessionCreated("r1")
	m.RecordSessionTerminated("admin")
	m.SetActiveSessions(map[string]int{"r1": 1})
	m.RecordStoreOp("get", "hit")
	m.RecordAdmission("allow", "active")
	m.RecordDeviceResolution("new")
	m.RecordDeviceAddressChange("mac")
	m.RecordCoARequest("disconnect", "ok", 0.01)
	m.RecordAccountingRecord("inserted")
	m.ObserveAccountingPoll(0.5)
	m.SetReconcileFindings(map[string]int{"overuse": 1})
	m.RecordJobRun("collect", "ok")
}

func TestRecorders(t *testing.T) {
	m := New()

	m.RecordSessionCreated("r1")
	m.RecordSessionCreated("r1")
	m.RecordCoARequest("disconnect", "error", 0.002)
	m.SetActiveSessions(map[string]int{"r1": 3, "r2": 1})
	m.SetActiveSessions(map[string]int{"r2": 2})

	if got := testutil.ToFloat64(m.sessionsCreated.WithLabelValues("r1")); got != 2 {
		t.Errorf("sessions created = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.coaRequests.WithLabelValues("disconnect", "error")); got != 1 {
		t.Errorf("coa requests = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.sessionsActive); got != 1 {
		t.Errorf("active session series = %d, want 1 after reset", got)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordJobRun("accounting-collect", "ok")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "hotspot_job_runs_total") {
		t.Error("expected hotspot_job_runs_total in output")
	}
}
