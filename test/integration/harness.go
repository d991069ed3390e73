// Package integration runs the hiring workflow API end to end over real HTTP,
// backed by an embedded SQLite store and a Redis-protocol idempotency store.
package integration

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/hireflow/internal/config"
	"github.com/pitabwire/hireflow/internal/database"
	"github.com/pitabwire/hireflow/internal/definition"
	"github.com/pitabwire/hireflow/internal/idempotency"
	"github.com/pitabwire/hireflow/internal/notify"
	"github.com/pitabwire/hireflow/internal/observability"
	"github.com/pitabwire/hireflow/internal/transport"
	"github.com/pitabwire/hireflow/internal/workflow"
	"github.com/pitabwire/hireflow/model"
)

const (
	testIssuer = "https://auth.hireflow.test"
	tokenTTL   = 15 * time.Minute
)

var signingKey = []byte("integration-signing-key-0123456789abcdef")

// Default actors.
var (
	HR       = model.Actor{ID: "user-hr", DisplayName: "Hana Recruiter", Role: model.RoleHR}
	Admin    = model.Actor{ID: "user-admin", DisplayName: "Ari Admin", Role: model.RoleAdmin}
	Reviewer = model.Actor{ID: "user-reviewer", DisplayName: "Rae Reviewer", Role: model.RoleReviewer}
	System   = model.Actor{ID: "svc-scheduler", DisplayName: "Scheduler", Role: model.RoleSystem}
)

// SentNotification is one delivery observed by the harness dispatcher.
type SentNotification struct {
	Recipient string
	Template  string
	Data      map[string]any
}

type captureDispatcher struct {
	mu   sync.Mutex
	sent []SentNotification
	fail error
}

func (d *captureDispatcher) Send(_ context.Context, recipient, template string, data map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return d.fail
	}
	d.sent = append(d.sent, SentNotification{Recipient: recipient, Template: template, Data: data})
	return nil
}

func (d *captureDispatcher) snapshot() []SentNotification {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]SentNotification(nil), d.sent...)
}

type harnessConfig struct {
	notifyErr error
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

// WithFailingNotifications makes every delivery fail with err.
func WithFailingNotifications(err error) HarnessOption {
	return func(c *harnessConfig) { c.notifyErr = err }
}

// TestHarness wires the full server stack behind an httptest.Server.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server

	DB       *sql.DB
	Redis    *miniredis.Miniredis
	Metrics  *observability.Metrics
	Gatherer *prometheus.Registry
	Queue    *notify.Queue

	dispatcher *captureDispatcher
}

// NewTestHarness creates and starts a full server instance. Everything is torn
// down when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{}
	for _, opt := range opts {
		opt(hc)
	}

	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = 10 * time.Second
	cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	cfg.Identity.Issuer = testIssuer
	cfg.Identity.Audience = ""
	cfg.Store.Driver = "sqlite"
	cfg.Store.DSN = ":memory:"
	cfg.Idempotency.Enabled = true
	cfg.Idempotency.Store.Driver = "redis"

	h := &TestHarness{t: t, dispatcher: &captureDispatcher{fail: hc.notifyErr}}

	// Step 1: SQLite-backed workflow store.
	db, err := database.OpenSQLite(ctx, cfg.Store)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	h.DB = db
	store, err := workflow.NewSQLiteStore(ctx, db)
	if err != nil {
		t.Fatalf("sqlite schema: %v", err)
	}

	// Step 2: Redis-protocol idempotency store.
	h.Redis = miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: h.Redis.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	idem := idempotency.NewRedisStore(client)

	// Step 3: metrics and the async notification queue.
	h.Gatherer = prometheus.NewRegistry()
	h.Metrics = observability.InitMetrics(h.Gatherer)
	h.Queue = notify.NewQueue(h.dispatcher, 16, 1, logger, h.Metrics.RecordNotification)
	t.Cleanup(func() { _ = h.Queue.Close(context.Background()) })

	// Step 4: engine and authentication.
	registry := definition.NewDefaultRegistry()
	engine := workflow.NewEngine(registry, store,
		workflow.WithDispatcher(h.Queue),
		workflow.WithLogger(logger),
		workflow.WithRecorder(h.Metrics),
	)
	auth, err := transport.NewAuthenticator(cfg.Identity, signingKey)
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}

	// Step 5: router with the full middleware chain.
	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Engine:       engine,
		Authenticate: auth.Middleware,
		Idempotency:  idem,
		Metrics:      h.Metrics,
		Gatherer:     h.Gatherer,
		Readiness: observability.ReadinessChecks{
			LifecyclesLoaded: func() bool { return len(registry.EntityTypes()) > 0 },
			Store:            database.SQLHealth{DB: db},
			IdempotencyStore: idem,
		},
		Logger: logger,
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)
	return h
}

// Token signs a valid bearer token for actor.
func (h *TestHarness) Token(actor model.Actor) string {
	h.t.Helper()
	tok, err := transport.IssueToken(signingKey, actor, testIssuer, tokenTTL)
	if err != nil {
		h.t.Fatalf("issue token: %v", err)
	}
	return tok
}

// Notifications waits until at least n notifications were delivered and
// returns them.
func (h *TestHarness) Notifications(n int) []SentNotification {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		sent := h.dispatcher.snapshot()
		if len(sent) >= n || time.Now().After(deadline) {
			if len(sent) < n {
				h.t.Fatalf("got %d notifications, want %d", len(sent), n)
			}
			return sent
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// DrainNotifications closes the queue, waiting for in-flight deliveries.
func (h *TestHarness) DrainNotifications() []SentNotification {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Queue.Close(ctx); err != nil {
		h.t.Fatalf("close queue: %v", err)
	}
	return h.dispatcher.snapshot()
}

// --- HTTP client helpers ---

// Do sends a request as actor; a nil actor sends no Authorization header.
func (h *TestHarness) Do(actor *model.Actor, method, path string, body any, headers map[string]string) *http.Response {
	h.t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, reader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if actor != nil {
		req.Header.Set("Authorization", "Bearer "+h.Token(*actor))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := h.server.Client().Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// GET performs a GET as actor.
func (h *TestHarness) GET(actor *model.Actor, path string) *http.Response {
	h.t.Helper()
	return h.Do(actor, http.MethodGet, path, nil, nil)
}

// POST performs a POST with a JSON body as actor.
func (h *TestHarness) POST(actor *model.Actor, path string, body any) *http.Response {
	h.t.Helper()
	return h.Do(actor, http.MethodPost, path, body, nil)
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	data := h.ReadBody(resp)
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertError checks the status and returns the decoded error envelope.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, expected int, code string) model.ErrorEnvelope {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, expected, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", body.Error.Code, code, body.Error.Message)
	}
	return body.Error
}

// --- Fixtures ---

// CreateApplication creates an application as HR and returns it.
func (h *TestHarness) CreateApplication(title, email string) model.Entity {
	h.t.Helper()
	return h.create(model.EntityTypeApplication, title, email)
}

// CreateHiringRequest creates a hiring request as HR and returns it.
func (h *TestHarness) CreateHiringRequest(title, email string) model.Entity {
	h.t.Helper()
	return h.create(model.EntityTypeHiringRequest, title, email)
}

func (h *TestHarness) create(entityType, title, email string) model.Entity {
	h.t.Helper()
	resp := h.POST(&HR, "/v1/entities", map[string]any{
		"type":    entityType,
		"details": map[string]any{"title": title, "contact_email": email},
	})
	var ent model.Entity
	h.AssertJSON(h.t, resp, http.StatusCreated, &ent)
	return ent
}

// Transition moves id to status as actor, pinning the expected version.
func (h *TestHarness) Transition(actor model.Actor, id, status string, version int64) *http.Response {
	h.t.Helper()
	return h.Do(&actor, http.MethodPost, "/v1/entities/"+id+"/transitions",
		map[string]any{"status": status}, map[string]string{"If-Match": strconv.Quote(strconv.FormatInt(version, 10))})
}

// TransitionOK is Transition asserting success.
func (h *TestHarness) TransitionOK(actor model.Actor, id, status string, version int64) model.Entity {
	h.t.Helper()
	var res workflow.TransitionResult
	h.AssertJSON(h.t, h.Transition(actor, id, status, version), http.StatusOK, &res)
	return res.Entity
}
