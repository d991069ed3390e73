package workflow

import (
	"context"
	"errors"
	"iter"
	"math"
	"math/rand"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/hireflow/internal/config"
	"github.com/pitabwire/hireflow/internal/database"
	"github.com/pitabwire/hireflow/internal/definition"
	"github.com/pitabwire/hireflow/internal/notify"
	"github.com/pitabwire/hireflow/model"
)

// --- Test helpers ---

var (
	hr1      = model.Actor{ID: "user-hr1", DisplayName: "Harriet One", Role: model.RoleHR}
	hr2      = model.Actor{ID: "user-hr2", DisplayName: "Hugo Two", Role: model.RoleHR}
	admin    = model.Actor{ID: "user-admin", DisplayName: "Ada Admin", Role: model.RoleAdmin}
	reviewer = model.Actor{ID: "user-rev", DisplayName: "Rita Reviewer", Role: model.RoleReviewer}
)

// stepClock advances by one second on every read.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *stepClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// countingRecorder tallies recorder calls.
type countingRecorder struct {
	mu          sync.Mutex
	created     int
	transitions []string
	notes       int
	updates     int
	outcomes    map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{outcomes: make(map[string]int)}
}

func (r *countingRecorder) RecordEntityCreated(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created++
}

func (r *countingRecorder) RecordTransition(_, from, to string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, from+"->"+to)
}

func (r *countingRecorder) RecordNote(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes++
}

func (r *countingRecorder) RecordFieldUpdate(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates++
}

func (r *countingRecorder) RecordCommand(op, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[op+":"+outcome]++
}

type sentNotification struct {
	Recipient string
	Template  string
	Data      map[string]any
}

// captureDispatcher records notifications and returns err from Send.
type captureDispatcher struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

func (d *captureDispatcher) Send(_ context.Context, recipient, template string, data map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, sentNotification{Recipient: recipient, Template: template, Data: data})
	return d.err
}

func newTestEngine(opts ...Option) (*Engine, *MemoryStore) {
	store := NewMemoryStore()
	clock := newStepClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewEngine(definition.NewDefaultRegistry(), store, opts...), store
}

func createApplication(t *testing.T, e *Engine, email string) model.Entity {
	t.Helper()
	ent, err := e.Create(context.Background(), hr1, CreateRequest{
		Type: model.EntityTypeApplication,
		Details: model.EntityDetails{
			Title:        "Backend Engineer",
			Reference:    "APP-001",
			ContactName:  "Casey Candidate",
			ContactEmail: email,
		},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return ent
}

func collect(t *testing.T, seq iter.Seq2[model.TimelineEntry, error]) []model.TimelineEntry {
	t.Helper()
	var out []model.TimelineEntry
	for entry, err := range seq {
		if err != nil {
			t.Fatalf("history iteration error = %v", err)
		}
		out = append(out, entry)
	}
	return out
}

func history(t *testing.T, e *Engine, id string) []model.TimelineEntry {
	t.Helper()
	seq, err := e.History(context.Background(), id)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	return collect(t, seq)
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	if got := model.ErrorCode(err); got != code {
		t.Fatalf("error code = %q, want %q (err = %v)", got, code, err)
	}
}

func ptr[T any](v T) *T { return &v }

// --- Create ---

func TestEngine_Create_startsAtInitialStatus(t *testing.T) {
	e, store := newTestEngine()
	ent := createApplication(t, e, "casey@example.com")

	if ent.Status != model.StatusSubmitted {
		t.Errorf("Status = %q, want %q", ent.Status, model.StatusSubmitted)
	}
	if ent.Version != 1 {
		t.Errorf("Version = %d, want 1", ent.Version)
	}
	if ent.Details.SchemaVersion != model.DetailsSchemaVersion {
		t.Errorf("SchemaVersion = %d, want %d", ent.Details.SchemaVersion, model.DetailsSchemaVersion)
	}
	if store.Len() != 1 {
		t.Errorf("store.Len() = %d, want 1", store.Len())
	}
	if got := history(t, e, ent.ID); len(got) != 0 {
		t.Errorf("history length = %d, want 0 after create", len(got))
	}
}

func TestEngine_Create_hiringRequest(t *testing.T) {
	e, _ := newTestEngine()
	ent, err := e.Create(context.Background(), admin, CreateRequest{
		Type:     model.EntityTypeHiringRequest,
		Details:  model.EntityDetails{Title: "Two platform engineers"},
		Assignee: "user-admin",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if ent.Status != model.StatusPending {
		t.Errorf("Status = %q, want pending", ent.Status)
	}
	if ent.Assignee == nil || *ent.Assignee != "user-admin" {
		t.Errorf("Assignee = %v, want user-admin", ent.Assignee)
	}
}

func TestEngine_Create_validation(t *testing.T) {
	tests := []struct {
		name  string
		actor model.Actor
		req   CreateRequest
		field string
	}{
		{"missing type", hr1, CreateRequest{Details: model.EntityDetails{Title: "x"}}, "type"},
		{"unknown type", hr1, CreateRequest{Type: "invoice", Details: model.EntityDetails{Title: "x"}}, "type"},
		{"missing title", hr1, CreateRequest{Type: model.EntityTypeApplication}, "details.title"},
		{"bad email", hr1, CreateRequest{Type: model.EntityTypeApplication, Details: model.EntityDetails{Title: "x", ContactEmail: "nope"}}, "details.contact_email"},
		{"future schema", hr1, CreateRequest{Type: model.EntityTypeApplication, Details: model.EntityDetails{SchemaVersion: 9, Title: "x"}}, "details.schema_version"},
		{"anonymous actor", model.Actor{}, CreateRequest{Type: model.EntityTypeApplication, Details: model.EntityDetails{Title: "x"}}, "actor"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine()
			_, err := e.Create(context.Background(), tt.actor, tt.req)
			assertCode(t, err, model.ErrValidationError)

			var env *model.ErrorEnvelope
			if !errors.As(err, &env) {
				t.Fatal("expected *model.ErrorEnvelope")
			}
			found := false
			for _, d := range env.Details {
				if d.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("details = %+v, want field %q", env.Details, tt.field)
			}
		})
	}
}

// --- Transition ---

func TestEngine_Transition_reviewScenario(t *testing.T) {
	runReviewScenario(t, NewMemoryStore())
}

func TestEngineOnSQLite(t *testing.T) {
	db, err := database.OpenSQLite(context.Background(), config.StoreConfig{Driver: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewSQLiteStore(context.Background(), db)
	if err != nil {
		t.Fatalf("init sqlite store: %v", err)
	}
	runReviewScenario(t, store)
}

// runReviewScenario walks an application from submitted to offered, checking
// the timeline after each step.
func runReviewScenario(t *testing.T, store Store) {
	t.Helper()
	e := NewEngine(definition.NewDefaultRegistry(), store, WithClock(newStepClock().Now))
	ctx := context.Background()
	ent := createApplication(t, e, "")

	res, err := e.Transition(ctx, TransitionRequest{
		EntityID: ent.ID, Status: model.StatusUnderReview, Actor: hr1, Notes: "screening",
	})
	if err != nil {
		t.Fatalf("Transition(under_review) error = %v", err)
	}
	if res.Entity.Status != model.StatusUnderReview {
		t.Errorf("Status = %q, want under_review", res.Entity.Status)
	}
	h := history(t, e, ent.ID)
	if len(h) != 1 {
		t.Fatalf("history length = %d, want 1", len(h))
	}
	if h[0].Action != model.ActionStatusChanged || h[0].ID != res.EntryID {
		t.Errorf("entry = %+v", h[0])
	}

	_, err = e.Transition(ctx, TransitionRequest{EntityID: ent.ID, Status: model.StatusOffered, Actor: hr1})
	assertCode(t, err, model.ErrInvalidTransition)

	if _, err := e.Transition(ctx, TransitionRequest{
		EntityID: ent.ID, Status: model.StatusInterviewScheduled, Actor: hr1,
	}); err != nil {
		t.Fatalf("Transition(interview_scheduled) error = %v", err)
	}

	res, err = e.Transition(ctx, TransitionRequest{
		EntityID: ent.ID, Status: model.StatusOffered, Actor: hr2, Notes: "good fit",
		Patch: model.FieldPatch{Score: ptr(8.0)},
	})
	if err != nil {
		t.Fatalf("Transition(offered) error = %v", err)
	}
	if res.Entity.Score == nil || *res.Entity.Score != 8 {
		t.Errorf("Score = %v, want 8", res.Entity.Score)
	}
	if res.Entity.Version != 4 {
		t.Errorf("Version = %d, want 4", res.Entity.Version)
	}

	h = history(t, e, ent.ID)
	if len(h) != 3 {
		t.Fatalf("history length = %d, want 3", len(h))
	}
	last := h[2]
	want := []model.FieldChange{{Field: model.FieldScore, OldValue: nil, NewValue: 8.0}}
	if !reflect.DeepEqual(last.Changes, want) {
		t.Errorf("changes = %+v, want %+v", last.Changes, want)
	}
	if last.PerformedBy != hr2.ID || last.PerformedByName != hr2.DisplayName {
		t.Errorf("performed by = %q/%q", last.PerformedBy, last.PerformedByName)
	}
	if last.FromStatus != model.StatusInterviewScheduled || last.Status != model.StatusOffered {
		t.Errorf("from/to = %q/%q", last.FromStatus, last.Status)
	}
	for i := 1; i < len(h); i++ {
		if h[i].Date.Before(h[i-1].Date) {
			t.Errorf("history not ordered at %d: %v before %v", i, h[i].Date, h[i-1].Date)
		}
	}
}

func TestEngine_Transition_sameStatusIsInvalid(t *testing.T) {
	e, _ := newTestEngine()
	ent := createApplication(t, e, "")

	_, err := e.Transition(context.Background(), TransitionRequest{
		EntityID: ent.ID, Status: model.StatusSubmitted, Actor: hr1,
	})
	assertCode(t, err, model.ErrInvalidTransition)
}

func TestEngine_Transition_unknownStatus(t *testing.T) {
	e, _ := newTestEngine()
	ent := createApplication(t, e, "")

	_, err := e.Transition(context.Background(), TransitionRequest{
		EntityID: ent.ID, Status: model.StatusApproved, Actor: hr1,
	})
	assertCode(t, err, model.ErrInvalidTransition)
}

func TestEngine_Transition_notFound(t *testing.T) {
	e, _ := newTestEngine()
	_, err := e.Transition(context.Background(), TransitionRequest{
		EntityID: "missing", Status: model.StatusUnderReview, Actor: hr1,
	})
	assertCode(t, err, model.ErrNotFound)
}

func TestEngine_Transition_validation(t *testing.T) {
	e, _ := newTestEngine()
	ent := createApplication(t, e, "")

	tests := []struct {
		name string
		req  TransitionRequest
	}{
		{"missing entity", TransitionRequest{Status: model.StatusUnderReview, Actor: hr1}},
		{"missing status", TransitionRequest{EntityID: ent.ID, Actor: hr1}},
		{"missing actor", TransitionRequest{EntityID: ent.ID, Status: model.StatusUnderReview}},
		{"actor without id", TransitionRequest{EntityID: ent.ID, Status: model.StatusUnderReview, Actor: model.Actor{DisplayName: "x", Role: model.RoleHR}}},
		{"score too high", TransitionRequest{EntityID: ent.ID, Status: model.StatusUnderReview, Actor: hr1, Patch: model.FieldPatch{Score: ptr(11.0)}}},
		{"score NaN", TransitionRequest{EntityID: ent.ID, Status: model.StatusUnderReview, Actor: hr1, Patch: model.FieldPatch{Score: ptr(math.NaN())}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Transition(context.Background(), tt.req)
			assertCode(t, err, model.ErrValidationError)
		})
	}

	got, err := e.store.Get(context.Background(), ent.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Version != 1 {
		t.Errorf("rejected commands changed the entity: version = %d", got.Version)
	}
}

func TestEngine_Transition_expectedVersionMismatch(t *testing.T) {
	e, _ := newTestEngine()
	ent := createApplication(t, e, "")

	_, err := e.Transition(context.Background(), TransitionRequest{
		EntityID: ent.ID, Status: model.StatusUnderReview, Actor: hr1, ExpectedVersion: 7,
	})
	assertCode(t, err, model.ErrConflict)
}

// staleStore serves a fixed snapshot from Get, simulating a read that lost
// the race with another writer.
type staleStore struct {
	*MemoryStore
	snapshot model.Entity
}

func (s *staleStore) Get(context.Context, string) (model.Entity, error) {
	return s.snapshot, nil
}

func TestEngine_Transition_staleReadConflicts(t *testing.T) {
	e, mem := newTestEngine()
	ctx := context.Background()
	ent := createApplication(t, e, "")

	if _, err := e.Transition(ctx, TransitionRequest{EntityID: ent.ID, Status: model.StatusUnderReview, Actor: hr1}); err != nil {
		t.Fatalf("first Transition() error = %v", err)
	}

	stale := NewEngine(definition.NewDefaultRegistry(), &staleStore{MemoryStore: mem, snapshot: ent})
	_, err := stale.Transition(ctx, TransitionRequest{EntityID: ent.ID, Status: model.StatusWithdrawn, Actor: hr2})
	assertCode(t, err, model.ErrConflict)

	if got := history(t, e, ent.ID); len(got) != 1 {
		t.Errorf("history length = %d, want 1 (loser must not append)", len(got))
	}
}

func TestEngine_Transition_concurrentExactlyOneWins(t *testing.T) {
	e, _ := newTestEngine()
	ent := createApplication(t, e, "")

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.Transition(context.Background(), TransitionRequest{
				EntityID: ent.ID, Status: model.StatusUnderReview, Actor: hr1, ExpectedVersion: 1,
			})
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case model.IsCode(err, model.ErrConflict):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("successful writers = %d, want 1", wins)
	}
	if got := history(t, e, ent.ID); len(got) != 1 {
		t.Errorf("history length = %d, want 1", len(got))
	}
}

func TestEngine_Transition_roleRestrictedEdge(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	req, err := e.Create(ctx, hr1, CreateRequest{
		Type:    model.EntityTypeHiringRequest,
		Details: model.EntityDetails{Title: "Data analyst"},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	_, err = e.Transition(ctx, TransitionRequest{EntityID: req.ID, Status: model.StatusApproved, Actor: hr1})
	assertCode(t, err, model.ErrForbidden)

	res, err := e.Transition(ctx, TransitionRequest{EntityID: req.ID, Status: model.StatusApproved, Actor: admin})
	if err != nil {
		t.Fatalf("admin Transition() error = %v", err)
	}
	if res.Entity.Status != model.StatusApproved {
		t.Errorf("Status = %q, want approved", res.Entity.Status)
	}
}

func TestEngine_Transition_terminalHasNoExit(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	ent := createApplication(t, e, "")

	if _, err := e.Transition(ctx, TransitionRequest{EntityID: ent.ID, Status: model.StatusWithdrawn, Actor: hr1}); err != nil {
		t.Fatalf("Transition(withdrawn) error = %v", err)
	}
	for _, next := range []string{model.StatusSubmitted, model.StatusUnderReview, model.StatusHired} {
		_, err := e.Transition(ctx, TransitionRequest{EntityID: ent.ID, Status: next, Actor: hr1})
		assertCode(t, err, model.ErrInvalidTransition)
	}
}

func TestEngine_Transition_systemActorCannotScore(t *testing.T) {
	e, _ := newTestEngine()
	ent := createApplication(t, e, "")

	_, err := e.Transition(context.Background(), TransitionRequest{
		EntityID: ent.ID, Status: model.StatusUnderReview, Actor: model.SystemActor("importer"),
		Patch: model.FieldPatch{Score: ptr(5.0)},
	})
	assertCode(t, err, model.ErrForbidden)
}

func TestEngine_Transition_systemActorOmitsPerformedBy(t *testing.T) {
	e, _ := newTestEngine()
	ent := createApplication(t, e, "")

	if _, err := e.Transition(context.Background(), TransitionRequest{
		EntityID: ent.ID, Status: model.StatusWithdrawn, Actor: model.SystemActor("expiry-job"),
	}); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	h := history(t, e, ent.ID)
	if h[0].PerformedBy != "" || h[0].PerformedByName != "expiry-job" {
		t.Errorf("performed by = %q/%q", h[0].PerformedBy, h[0].PerformedByName)
	}
}

func TestEngine_Transition_reachability(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	lc, _ := e.registry.Lifecycle(model.EntityTypeApplication)
	rng := rand.New(rand.NewSource(42))

	for range 20 {
		ent := createApplication(t, e, "")
		for range 10 {
			target := lc.States[rng.Intn(len(lc.States))]
			res, err := e.Transition(ctx, TransitionRequest{EntityID: ent.ID, Status: target, Actor: hr1})
			if err != nil {
				if !model.IsCode(err, model.ErrInvalidTransition) {
					t.Fatalf("unexpected error: %v", err)
				}
				continue
			}
			if _, ok := lc.Edge(ent.Status, res.Entity.Status); !ok {
				t.Fatalf("moved along missing edge %q -> %q", ent.Status, res.Entity.Status)
			}
			ent = res.Entity
		}
		if !lc.HasState(ent.Status) {
			t.Fatalf("status %q not in graph", ent.Status)
		}
	}
}

// --- Notifications ---

func TestEngine_Transition_notifiesOnConfiguredStatus(t *testing.T) {
	d := &captureDispatcher{}
	e, _ := newTestEngine(WithDispatcher(d))
	ctx := context.Background()
	ent := createApplication(t, e, "casey@example.com")

	for _, s := range []string{model.StatusUnderReview, model.StatusInterviewScheduled, model.StatusOffered} {
		if _, err := e.Transition(ctx, TransitionRequest{EntityID: ent.ID, Status: s, Actor: hr1, Notes: "ok"}); err != nil {
			t.Fatalf("Transition(%s) error = %v", s, err)
		}
	}

	if len(d.sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(d.sent))
	}
	got := d.sent[0]
	if got.Recipient != "casey@example.com" || got.Template != "application_offered" {
		t.Errorf("notification = %+v", got)
	}
	if got.Data["from_status"] != model.StatusInterviewScheduled || got.Data["title"] != "Backend Engineer" {
		t.Errorf("data = %+v", got.Data)
	}
}

func TestEngine_Transition_dispatchFailureIsSwallowed(t *testing.T) {
	d := &captureDispatcher{err: errors.New("smtp unavailable")}
	e, _ := newTestEngine(WithDispatcher(d))
	ent := createApplication(t, e, "casey@example.com")

	res, err := e.Transition(context.Background(), TransitionRequest{
		EntityID: ent.ID, Status: model.StatusWithdrawn, Actor: hr1,
	})
	if err != nil {
		t.Fatalf("Transition() error = %v, dispatch failure must not fail the transition", err)
	}
	if res.Entity.Status != model.StatusWithdrawn {
		t.Errorf("Status = %q", res.Entity.Status)
	}
	if len(d.sent) != 0 {
		t.Errorf("withdrawn is not a notify status, got %d sends", len(d.sent))
	}

	ent = createApplication(t, e, "casey@example.com")
	for _, s := range []string{model.StatusUnderReview, model.StatusRejected} {
		if _, err := e.Transition(context.Background(), TransitionRequest{EntityID: ent.ID, Status: s, Actor: hr1}); err != nil {
			t.Fatalf("Transition(%s) error = %v", s, err)
		}
	}
	if len(d.sent) != 1 {
		t.Errorf("sends = %d, want 1 attempt", len(d.sent))
	}
}

func TestEngine_Transition_noRecipientSkipsDispatch(t *testing.T) {
	d := &captureDispatcher{}
	e, _ := newTestEngine(WithDispatcher(d))
	ctx := context.Background()
	ent := createApplication(t, e, "")

	for _, s := range []string{model.StatusUnderReview, model.StatusRejected} {
		if _, err := e.Transition(ctx, TransitionRequest{EntityID: ent.ID, Status: s, Actor: hr1}); err != nil {
			t.Fatalf("Transition(%s) error = %v", s, err)
		}
	}
	if len(d.sent) != 0 {
		t.Errorf("sends = %d, want 0", len(d.sent))
	}
}

func TestEngine_Transition_throughQueue(t *testing.T) {
	d := &captureDispatcher{}
	q := notify.NewQueue(d, 4, 1, nil, nil)
	e, _ := newTestEngine(WithDispatcher(q))
	ent := createApplication(t, e, "casey@example.com")

	for _, s := range []string{model.StatusUnderReview, model.StatusRejected} {
		if _, err := e.Transition(context.Background(), TransitionRequest{EntityID: ent.ID, Status: s, Actor: hr1}); err != nil {
			t.Fatalf("Transition(%s) error = %v", s, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := q.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if len(d.sent) != 1 || d.sent[0].Template != "application_rejected" {
		t.Errorf("sent = %+v", d.sent)
	}
}

// --- RecordNote ---

func TestEngine_RecordNote_leavesEntityUntouched(t *testing.T) {
	e, store := newTestEngine()
	ctx := context.Background()
	ent := createApplication(t, e, "")

	id, err := e.RecordNote(ctx, ent.ID, reviewer, "called the candidate")
	if err != nil {
		t.Fatalf("RecordNote() error = %v", err)
	}
	got, _ := store.Get(ctx, ent.ID)
	if !reflect.DeepEqual(got, ent) {
		t.Errorf("entity changed by note:\n got  %+v\n want %+v", got, ent)
	}
	h := history(t, e, ent.ID)
	if len(h) != 1 || h[0].ID != id || h[0].Action != model.ActionNoteAdded || h[0].Status != "" {
		t.Errorf("history = %+v", h)
	}
}

func TestEngine_RecordNote_terminalEntity(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	ent := createApplication(t, e, "")
	if _, err := e.Transition(ctx, TransitionRequest{EntityID: ent.ID, Status: model.StatusWithdrawn, Actor: hr1}); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}

	if _, err := e.RecordNote(ctx, ent.ID, hr1, "candidate accepted another offer"); err != nil {
		t.Fatalf("RecordNote() on terminal entity error = %v", err)
	}
	if got := history(t, e, ent.ID); len(got) != 2 {
		t.Errorf("history length = %d, want 2", len(got))
	}
}

func TestEngine_RecordNote_errors(t *testing.T) {
	e, _ := newTestEngine()
	ent := createApplication(t, e, "")

	_, err := e.RecordNote(context.Background(), "missing", hr1, "hello")
	assertCode(t, err, model.ErrNotFound)

	_, err = e.RecordNote(context.Background(), "", hr1, "hello")
	assertCode(t, err, model.ErrValidationError)

	_, err = e.RecordNote(context.Background(), ent.ID, model.Actor{}, "hello")
	assertCode(t, err, model.ErrValidationError)
}

func TestEngine_RecordNote_emptyNotes(t *testing.T) {
	e, _ := newTestEngine()
	ent := createApplication(t, e, "")

	for _, notes := range []string{"", "  "} {
		if _, err := e.RecordNote(context.Background(), ent.ID, hr1, notes); err != nil {
			t.Errorf("RecordNote(%q) error = %v", notes, err)
		}
	}
	h := history(t, e, ent.ID)
	if len(h) != 2 || h[0].Notes != "" || h[1].Notes != "  " {
		t.Errorf("history = %+v", h)
	}
}

// pathTo returns the statuses leading from the lifecycle's initial status to
// target, breadth first.
func pathTo(lc *model.Lifecycle, target string) []string {
	prev := map[string]string{lc.Initial: ""}
	queue := []string{lc.Initial}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == target {
			var path []string
			for s := cur; s != lc.Initial; s = prev[s] {
				path = append([]string{s}, path...)
			}
			return path
		}
		for _, n := range lc.Next(cur) {
			if _, seen := prev[n]; !seen {
				prev[n] = cur
				queue = append(queue, n)
			}
		}
	}
	return nil
}

func TestEngine_RecordNote_anyNoteInAnyStatus(t *testing.T) {
	e, store := newTestEngine()
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	alphabet := []rune("abc XYZ 123 \t\n\"'<>&éß中🙂")
	randomNote := func() string {
		n := rng.Intn(40)
		if n < 4 {
			return ""
		}
		out := make([]rune, n)
		for i := range out {
			out[i] = alphabet[rng.Intn(len(alphabet))]
		}
		return string(out)
	}

	for _, entityType := range e.registry.EntityTypes() {
		lc, _ := e.registry.Lifecycle(entityType)
		for _, status := range lc.States {
			ent, err := e.Create(ctx, admin, CreateRequest{
				Type:    entityType,
				Details: model.EntityDetails{Title: "Notes in " + status},
			})
			if err != nil {
				t.Fatalf("Create(%s) error = %v", entityType, err)
			}
			for _, step := range pathTo(lc, status) {
				res, err := e.Transition(ctx, TransitionRequest{EntityID: ent.ID, Status: step, Actor: admin})
				if err != nil {
					t.Fatalf("%s: Transition(%s) error = %v", entityType, step, err)
				}
				ent = res.Entity
			}
			if ent.Status != status {
				t.Fatalf("%s: reached %q, want %q", entityType, ent.Status, status)
			}

			before := len(history(t, e, ent.ID))
			var want []string
			for range 5 {
				notes := randomNote()
				want = append(want, notes)
				if _, err := e.RecordNote(ctx, ent.ID, reviewer, notes); err != nil {
					t.Fatalf("%s/%s: RecordNote(%q) error = %v", entityType, status, notes, err)
				}
			}

			h := history(t, e, ent.ID)
			if len(h) != before+len(want) {
				t.Fatalf("%s/%s: history = %d entries, want %d", entityType, status, len(h), before+len(want))
			}
			for i, notes := range want {
				got := h[before+i]
				if got.Action != model.ActionNoteAdded || got.Notes != notes {
					t.Errorf("%s/%s: entry %d = %s %q, want note %q", entityType, status, i, got.Action, got.Notes, notes)
				}
			}
			after, err := store.Get(ctx, ent.ID)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if after.Status != status || after.Version != ent.Version {
				t.Errorf("%s/%s: note changed entity to %s v%d", entityType, status, after.Status, after.Version)
			}
		}
	}
}

// --- UpdateFields ---

func TestEngine_UpdateFields(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	ent := createApplication(t, e, "")

	res, err := e.UpdateFields(ctx, FieldUpdateRequest{
		EntityID: ent.ID, Actor: reviewer, Patch: model.FieldPatch{Score: ptr(6.5)},
	})
	if err != nil {
		t.Fatalf("UpdateFields(score) error = %v", err)
	}
	if res.Entity.Status != model.StatusSubmitted || res.Entity.Version != 2 {
		t.Errorf("entity = %+v", res.Entity)
	}

	res, err = e.UpdateFields(ctx, FieldUpdateRequest{
		EntityID: ent.ID, Actor: hr1, ExpectedVersion: 2,
		Patch: model.FieldPatch{Score: ptr(7.0), Assignee: ptr("user-rev")},
	})
	if err != nil {
		t.Fatalf("UpdateFields(both) error = %v", err)
	}

	h := history(t, e, ent.ID)
	if len(h) != 2 {
		t.Fatalf("history length = %d, want 2", len(h))
	}
	if h[0].Action != model.ActionScoreUpdated || h[1].Action != model.ActionFieldsUpdated {
		t.Errorf("actions = %q, %q", h[0].Action, h[1].Action)
	}
	if h[1].ID != res.EntryID || len(h[1].Changes) != 2 {
		t.Errorf("last entry = %+v", h[1])
	}
}

func TestEngine_UpdateFields_rejections(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	ent := createApplication(t, e, "")

	_, err := e.UpdateFields(ctx, FieldUpdateRequest{EntityID: ent.ID, Actor: hr1})
	assertCode(t, err, model.ErrValidationError)

	_, err = e.UpdateFields(ctx, FieldUpdateRequest{EntityID: ent.ID, Actor: hr1, Patch: model.FieldPatch{Assignee: ptr("")}})
	assertCode(t, err, model.ErrValidationError)

	_, err = e.UpdateFields(ctx, FieldUpdateRequest{EntityID: ent.ID, Actor: hr1, ExpectedVersion: 3, Patch: model.FieldPatch{Score: ptr(1.0)}})
	assertCode(t, err, model.ErrConflict)

	_, err = e.UpdateFields(ctx, FieldUpdateRequest{EntityID: ent.ID, Actor: model.SystemActor(""), Patch: model.FieldPatch{Score: ptr(1.0)}})
	assertCode(t, err, model.ErrForbidden)

	_, err = e.UpdateFields(ctx, FieldUpdateRequest{EntityID: "missing", Actor: hr1, Patch: model.FieldPatch{Score: ptr(1.0)}})
	assertCode(t, err, model.ErrNotFound)
}

// --- History, Describe, List, Graph ---

func TestEngine_History_notFoundBeforeIteration(t *testing.T) {
	e, _ := newTestEngine()
	seq, err := e.History(context.Background(), "missing")
	assertCode(t, err, model.ErrNotFound)
	if seq != nil {
		t.Error("sequence should be nil on error")
	}
}

func TestEngine_History_restartable(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	ent := createApplication(t, e, "")

	seq, err := e.History(ctx, ent.ID)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if got := collect(t, seq); len(got) != 0 {
		t.Fatalf("first range = %d entries, want 0", len(got))
	}
	if _, err := e.RecordNote(ctx, ent.ID, hr1, "later"); err != nil {
		t.Fatalf("RecordNote() error = %v", err)
	}
	if got := collect(t, seq); len(got) != 1 {
		t.Errorf("second range = %d entries, want 1 (each range re-reads)", len(got))
	}
}

func TestEngine_entryDatesNeverGoBackwards(t *testing.T) {
	clock := newStepClock()
	e := NewEngine(definition.NewDefaultRegistry(), NewMemoryStore(), WithClock(clock.Now))
	ctx := context.Background()
	ent := createApplication(t, e, "")

	if _, err := e.Transition(ctx, TransitionRequest{EntityID: ent.ID, Status: model.StatusUnderReview, Actor: hr1}); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	clock.Set(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	res, err := e.Transition(ctx, TransitionRequest{EntityID: ent.ID, Status: model.StatusInterviewScheduled, Actor: hr1})
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}

	h := history(t, e, ent.ID)
	if !h[1].Date.After(h[0].Date) {
		t.Errorf("entry date went backwards: %v <= %v", h[1].Date, h[0].Date)
	}
	if res.Entity.UpdatedAt.Before(h[1].Date) {
		t.Errorf("updated_at %v trails its entry %v", res.Entity.UpdatedAt, h[1].Date)
	}
}

func TestEngine_transitionAfterNoteWithClockStepBack(t *testing.T) {
	db, err := database.OpenSQLite(context.Background(), config.StoreConfig{Driver: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	sqliteStore, err := NewSQLiteStore(context.Background(), db)
	if err != nil {
		t.Fatalf("init sqlite store: %v", err)
	}

	for name, store := range map[string]Store{"memory": NewMemoryStore(), "sqlite": sqliteStore} {
		t.Run(name, func(t *testing.T) {
			clock := newStepClock()
			e := NewEngine(definition.NewDefaultRegistry(), store, WithClock(clock.Now))
			ctx := context.Background()
			ent := createApplication(t, e, "")

			// The note is dated after the entity's updated_at.
			clock.Set(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
			if _, err := e.RecordNote(ctx, ent.ID, reviewer, "phone screen went well"); err != nil {
				t.Fatalf("RecordNote() error = %v", err)
			}
			clock.Set(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
			res, err := e.Transition(ctx, TransitionRequest{EntityID: ent.ID, Status: model.StatusUnderReview, Actor: hr1})
			if err != nil {
				t.Fatalf("Transition() error = %v", err)
			}

			h := history(t, e, ent.ID)
			if len(h) != 2 {
				t.Fatalf("history = %d entries, want 2", len(h))
			}
			last := h[len(h)-1]
			if last.ID != res.EntryID || last.Action != model.ActionStatusChanged {
				t.Errorf("last entry = %s %s, want the transition %s", last.ID, last.Action, res.EntryID)
			}
			if !last.Date.After(h[0].Date) {
				t.Errorf("transition dated %v, note %v", last.Date, h[0].Date)
			}
			if !res.Entity.UpdatedAt.Equal(last.Date) {
				t.Errorf("updated_at = %v, want %v", res.Entity.UpdatedAt, last.Date)
			}
		})
	}
}

func TestEngine_Describe(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	ent := createApplication(t, e, "")
	if _, err := e.Transition(ctx, TransitionRequest{EntityID: ent.ID, Status: model.StatusUnderReview, Actor: hr1}); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}

	view, err := e.Describe(ctx, ent.ID)
	if err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	want := []string{model.StatusInterviewScheduled, model.StatusRejected, model.StatusWithdrawn}
	if !reflect.DeepEqual(view.AllowedNext, want) {
		t.Errorf("AllowedNext = %v, want %v", view.AllowedNext, want)
	}
	if view.Terminal {
		t.Error("under_review is not terminal")
	}
	if len(view.History) != 1 {
		t.Errorf("history = %d, want 1", len(view.History))
	}

	if _, err := e.Transition(ctx, TransitionRequest{EntityID: ent.ID, Status: model.StatusRejected, Actor: hr1}); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	view, err = e.Describe(ctx, ent.ID)
	if err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	if !view.Terminal || len(view.AllowedNext) != 0 || view.AllowedNext == nil {
		t.Errorf("terminal view = %+v", view)
	}

	_, err = e.Describe(ctx, "missing")
	assertCode(t, err, model.ErrNotFound)
}

// countingStore counts entity loads and timeline reads.
type countingStore struct {
	*MemoryStore
	mu    sync.Mutex
	gets  int
	lists int
}

func (s *countingStore) Get(ctx context.Context, id string) (model.Entity, error) {
	s.mu.Lock()
	s.gets++
	s.mu.Unlock()
	return s.MemoryStore.Get(ctx, id)
}

func (s *countingStore) ListByEntity(ctx context.Context, id string) iter.Seq2[model.TimelineEntry, error] {
	s.mu.Lock()
	s.lists++
	s.mu.Unlock()
	return s.MemoryStore.ListByEntity(ctx, id)
}

func TestEngine_Describe_loadsEntityOnce(t *testing.T) {
	store := &countingStore{MemoryStore: NewMemoryStore()}
	e := NewEngine(definition.NewDefaultRegistry(), store, WithClock(newStepClock().Now))
	ctx := context.Background()
	ent := createApplication(t, e, "")
	if _, err := e.RecordNote(ctx, ent.ID, hr1, "first call"); err != nil {
		t.Fatalf("RecordNote() error = %v", err)
	}

	store.gets, store.lists = 0, 0
	view, err := e.Describe(ctx, ent.ID)
	if err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	if store.gets != 1 || store.lists != 1 {
		t.Errorf("Describe() made %d entity loads and %d timeline reads, want 1 each", store.gets, store.lists)
	}
	if len(view.History) != 1 || view.Entity.ID != ent.ID {
		t.Errorf("view = %+v", view)
	}

	store.gets, store.lists = 0, 0
	_, err = e.Describe(ctx, "missing")
	assertCode(t, err, model.ErrNotFound)
	if store.lists != 0 {
		t.Errorf("Describe(missing) read the timeline %d times", store.lists)
	}

	_, err = e.Describe(ctx, "")
	assertCode(t, err, model.ErrValidationError)
}

func TestEngine_List_pagination(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	for range 5 {
		createApplication(t, e, "")
	}
	if _, err := e.Create(ctx, admin, CreateRequest{Type: model.EntityTypeHiringRequest, Details: model.EntityDetails{Title: "x"}}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	res, err := e.List(ctx, ListRequest{Type: model.EntityTypeApplication, Page: 2, PageSize: 2})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if res.Total != 5 || len(res.Items) != 2 || res.Page != 2 || res.PageSize != 2 {
		t.Errorf("result = total %d, items %d, page %d, size %d", res.Total, len(res.Items), res.Page, res.PageSize)
	}

	res, err = e.List(ctx, ListRequest{PageSize: 500})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if res.PageSize != maxPageSize || res.Page != 1 || res.Total != 6 {
		t.Errorf("defaults = page %d, size %d, total %d", res.Page, res.PageSize, res.Total)
	}
	for i := 1; i < len(res.Items); i++ {
		if res.Items[i].CreatedAt.After(res.Items[i-1].CreatedAt) {
			t.Errorf("items not newest first at %d", i)
		}
	}

	res, err = e.List(ctx, ListRequest{Status: model.StatusHired})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if res.Items == nil || len(res.Items) != 0 || res.PageSize != defaultPageSize {
		t.Errorf("empty page = %+v", res)
	}

	_, err = e.List(ctx, ListRequest{Type: "invoice"})
	assertCode(t, err, model.ErrValidationError)
}

func TestEngine_Graph(t *testing.T) {
	e, _ := newTestEngine()

	lc, err := e.Graph(model.EntityTypeHiringRequest)
	if err != nil {
		t.Fatalf("Graph() error = %v", err)
	}
	if lc.Initial != model.StatusPending {
		t.Errorf("Initial = %q", lc.Initial)
	}

	_, err = e.Graph("invoice")
	assertCode(t, err, model.ErrNotFound)
}

// --- Metrics ---

func TestEngine_recordsMetrics(t *testing.T) {
	rec := newCountingRecorder()
	e, _ := newTestEngine(WithRecorder(rec))
	ctx := context.Background()
	ent := createApplication(t, e, "")

	if _, err := e.Transition(ctx, TransitionRequest{EntityID: ent.ID, Status: model.StatusUnderReview, Actor: hr1}); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	_, _ = e.Transition(ctx, TransitionRequest{EntityID: ent.ID, Status: model.StatusHired, Actor: hr1})
	if _, err := e.RecordNote(ctx, ent.ID, hr1, "n"); err != nil {
		t.Fatalf("RecordNote() error = %v", err)
	}
	if _, err := e.UpdateFields(ctx, FieldUpdateRequest{EntityID: ent.ID, Actor: hr1, Patch: model.FieldPatch{Score: ptr(3.0)}}); err != nil {
		t.Fatalf("UpdateFields() error = %v", err)
	}

	if rec.created != 1 || rec.notes != 1 || rec.updates != 1 {
		t.Errorf("created=%d notes=%d updates=%d", rec.created, rec.notes, rec.updates)
	}
	if !reflect.DeepEqual(rec.transitions, []string{"submitted->under_review"}) {
		t.Errorf("transitions = %v", rec.transitions)
	}
	if rec.outcomes["transition:ok"] != 1 || rec.outcomes["transition:INVALID_TRANSITION"] != 1 {
		t.Errorf("outcomes = %v", rec.outcomes)
	}
}
