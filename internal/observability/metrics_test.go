package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	return m, reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)

	// Vectors only appear in Gather once a series exists.
	m.RecordHTTPRequest("GET", "/x", 200, time.Millisecond, 0, 0)
	m.RecordEntityCreated("application")
	m.RecordTransition("application", "submitted", "under_review")
	m.RecordNote("application")
	m.RecordFieldUpdate("application")
	m.RecordCommand("transition", "ok", time.Millisecond)
	m.RecordNotification("application_offered", nil)
	m.RecordLifecycleReload("ok", 2)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	expected := []string{
		"hireflow_http_requests_total",
		"hireflow_http_request_duration_seconds",
		"hireflow_entities_created_total",
		"hireflow_transitions_total",
		"hireflow_notes_total",
		"hireflow_field_updates_total",
		"hireflow_commands_total",
		"hireflow_command_duration_seconds",
		"hireflow_notifications_total",
		"hireflow_idempotency_replays_total",
		"hireflow_lifecycle_definitions",
		"hireflow_lifecycle_reloads_total",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestRecordTransition(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.RecordTransition("application", "offered", "hired")
	m.RecordTransition("application", "offered", "hired")

	if got := testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("application", "offered", "hired")); got != 2 {
		t.Errorf("transitions = %v, want 2", got)
	}
}

func TestRecordCommand_outcomes(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.RecordCommand("transition", "ok", 5*time.Millisecond)
	m.RecordCommand("transition", "CONFLICT", 2*time.Millisecond)

	if got := testutil.ToFloat64(m.CommandsTotal.WithLabelValues("transition", "CONFLICT")); got != 1 {
		t.Errorf("conflicts = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.CommandDuration); got != 1 {
		t.Errorf("duration series = %d, want 1", got)
	}
}

func TestRecordNotification(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.RecordNotification("hiring_request_approved", nil)
	m.RecordNotification("hiring_request_approved", errors.New("smtp down"))

	if got := testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("hiring_request_approved", "sent")); got != 1 {
		t.Errorf("sent = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("hiring_request_approved", "failed")); got != 1 {
		t.Errorf("failed = %v, want 1", got)
	}
}

func TestRecordLifecycleReload(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.RecordLifecycleReload("ok", 2)
	m.RecordLifecycleReload("error", 0)

	if got := testutil.ToFloat64(m.LifecycleDefinitions); got != 2 {
		t.Errorf("definitions gauge = %v, want 2 (failed reload must not reset)", got)
	}
}

func TestRecordIdempotencyReplay(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.RecordIdempotencyReplay()
	if got := testutil.ToFloat64(m.IdempotencyReplays); got != 1 {
		t.Errorf("replays = %v, want 1", got)
	}
}

func TestMetricsMiddleware_recordsRoutePattern(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/v1/entities/{id}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Post("/v1/entities/{id}/transitions", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/entities/abc", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/entities/abc/transitions", nil))

	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/entities/{id}", "200")); got != 1 {
		t.Errorf("GET requests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/entities/{id}/transitions", "409")); got != 1 {
		t.Errorf("POST 409 requests = %v, want 1", got)
	}
	if testutil.CollectAndCount(m.HTTPResponseSizeBytes) == 0 {
		t.Error("expected response size histogram to have observations")
	}
}

func TestMetricsMiddleware_unmatchedRoutesShareOneLabel(t *testing.T) {
	m, _ := newTestMetrics(t)

	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	for _, path := range []string{"/raw/path", "/v1/entities/abc/../../etc", "/scan/12345"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "404")); got != 3 {
		t.Errorf("unmatched requests = %v, want 3", got)
	}
	if got := testutil.CollectAndCount(m.HTTPRequestsTotal); got != 1 {
		t.Errorf("request series = %d, want 1", got)
	}
}

func TestMetricsMiddleware_emptyRoutePatternIsUnmatched(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/v1/entities/{id}", func(w http.ResponseWriter, _ *http.Request) {})
	for _, path := range []string{"/v1/entities/e-1", "/nowhere"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/entities/{id}", "200")); got != 1 {
		t.Errorf("matched requests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "404")); got != 1 {
		t.Errorf("unmatched requests = %v, want 1", got)
	}
}

func TestHandler_servesMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.RecordNote("application")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "hireflow_notes_total") {
		t.Error("metrics response should contain hireflow_notes_total")
	}
}
