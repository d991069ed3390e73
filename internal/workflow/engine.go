package workflow

import (
	"context"
	"fmt"
	"iter"
	"math"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/hireflow/internal/definition"
	"github.com/pitabwire/hireflow/internal/notify"
	"github.com/pitabwire/hireflow/internal/observability"
	"github.com/pitabwire/hireflow/model"
)

// Pagination defaults for List.
const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Score bounds accepted by field patches.
const (
	minScore = 0
	maxScore = 10
)

// Validation detail codes.
const (
	codeRequired   = "REQUIRED"
	codeInvalid    = "INVALID"
	codeOutOfRange = "OUT_OF_RANGE"
	codeNoChange   = "NO_CHANGE"
)

// Recorder receives lifecycle metrics. *observability.Metrics satisfies it.
type Recorder interface {
	RecordEntityCreated(entityType string)
	RecordTransition(entityType, from, to string)
	RecordNote(entityType string)
	RecordFieldUpdate(entityType string)
	RecordCommand(operation, outcome string, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordEntityCreated(string) {}
func (nopRecorder) RecordTransition(string, string, string) {}
func (nopRecorder) RecordNote(string) {}
func (nopRecorder) RecordFieldUpdate(string) {}
func (nopRecorder) RecordCommand(string, string, time.Duration) {}

// Engine is the only writer of entity state and timeline entries. It enforces
// each entity type's lifecycle graph and pairs every mutation with its audit
// entry.
type Engine struct {
	registry   *definition.Registry
	store      Store
	dispatcher notify.Dispatcher
	recorder   Recorder
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithDispatcher sets the notification dispatcher. Defaults to notify.Nop.
func WithDispatcher(d notify.Dispatcher) Option {
	return func(e *Engine) {
		if d != nil {
			e.dispatcher = d
		}
	}
}

// WithLogger sets the fallback logger used when the context carries none.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the wall clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// NewEngine creates a workflow engine over the given lifecycles and store.
func NewEngine(registry *definition.Registry, store Store, opts ...Option) *Engine {
	e := &Engine{
		registry:   registry,
		store:      store,
		dispatcher: notify.Nop,
		recorder:   nopRecorder{},
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateRequest describes a new entity.
type CreateRequest struct {
	Type     string              `json:"type"`
	Details  model.EntityDetails `json:"details"`
	Assignee string              `json:"assignee,omitempty"`
}

// TransitionRequest moves an entity to Status.
type TransitionRequest struct {
	EntityID string
	Status   string
	Actor    model.Actor
	Notes    string
	Patch    model.FieldPatch
	// ExpectedVersion, when non-zero, must match the stored version.
	ExpectedVersion int64
}

// TransitionResult is the outcome of a successful mutation.
type TransitionResult struct {
	Entity  model.Entity `json:"entity"`
	EntryID string       `json:"entry_id"`
}

// FieldUpdateRequest changes score or assignee without a status move.
type FieldUpdateRequest struct {
	EntityID        string
	Actor           model.Actor
	Notes           string
	Patch           model.FieldPatch
	ExpectedVersion int64
}

// ListRequest selects a page of entities.
type ListRequest struct {
	Type     string
	Status   string
	Assignee string
	Page     int
	PageSize int
}

// ListResult is one page of entities.
type ListResult struct {
	Items    []model.Entity `json:"items"`
	Total    int            `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
}

// EntityView is the detail projection of one entity.
type EntityView struct {
	Entity      model.Entity          `json:"entity"`
	AllowedNext []string              `json:"allowed_next"`
	Terminal    bool                  `json:"terminal"`
	History     []model.TimelineEntry `json:"history"`
}

// Create stores a new entity at its lifecycle's initial status. No timeline
// entry is written.
func (e *Engine) Create(ctx context.Context, actor model.Actor, req CreateRequest) (ent model.Entity, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.Create",
		observability.AttrEntityType.String(req.Type),
		observability.AttrActorRole.String(actor.Role),
	)
	start := time.Now()
	defer func() { e.finish(span, "create", start, err) }()

	var fe fieldErrors
	checkActor(&fe, actor)
	lc, ok := e.registry.Lifecycle(req.Type)
	switch {
	case req.Type == "":
		fe.add("type", codeRequired, "entity type is required")
	case !ok:
		fe.add("type", codeInvalid, fmt.Sprintf("unknown entity type %q", req.Type))
	}
	details := req.Details
	if details.SchemaVersion == 0 {
		details.SchemaVersion = model.DetailsSchemaVersion
	}
	checkDetails(&fe, details)
	if err := fe.err(); err != nil {
		return model.Entity{}, err
	}

	id, err := newID()
	if err != nil {
		return model.Entity{}, err
	}
	now := normalizeTime(e.now())
	ent = model.Entity{
		ID:        id,
		Type:      req.Type,
		Status:    lc.Initial,
		Details:   details,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Assignee != "" {
		a := req.Assignee
		ent.Assignee = &a
	}

	if err := e.store.Create(ctx, ent); err != nil {
		return model.Entity{}, model.AsStorageError("create entity", err)
	}
	span.SetAttributes(observability.AttrEntityID.String(ent.ID))

	e.recorder.RecordEntityCreated(ent.Type)
	observability.RequestLogger(ctx, e.logger).Info("entity created",
		zap.String("entity_id", ent.ID),
		zap.String("entity_type", ent.Type),
		zap.String("status", ent.Status),
	)
	return ent, nil
}

// Transition moves an entity along one edge of its lifecycle graph and
// appends the matching timeline entry in the same durable write.
func (e *Engine) Transition(ctx context.Context, req TransitionRequest) (res TransitionResult, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.Transition",
		observability.AttrEntityID.String(req.EntityID),
		observability.AttrToStatus.String(req.Status),
		observability.AttrActorRole.String(req.Actor.Role),
	)
	start := time.Now()
	defer func() { e.finish(span, "transition", start, err) }()

	var fe fieldErrors
	if req.EntityID == "" {
		fe.add("entity_id", codeRequired, "entity id is required")
	}
	if req.Status == "" {
		fe.add("status", codeRequired, "target status is required")
	}
	checkActor(&fe, req.Actor)
	checkPatch(&fe, req.Patch)
	if err := fe.err(); err != nil {
		return TransitionResult{}, err
	}

	current, err := e.store.Get(ctx, req.EntityID)
	if err != nil {
		return TransitionResult{}, model.AsStorageError("load entity", err)
	}
	span.SetAttributes(
		observability.AttrEntityType.String(current.Type),
		observability.AttrFromStatus.String(current.Status),
	)

	if req.ExpectedVersion != 0 && req.ExpectedVersion != current.Version {
		return TransitionResult{}, versionConflict(current.ID, req.ExpectedVersion, current.Version)
	}

	lc, ok := e.registry.Lifecycle(current.Type)
	if !ok {
		return TransitionResult{}, model.NewInvalidTransitionError(
			fmt.Sprintf("no lifecycle is defined for entity type %q", current.Type),
		)
	}
	if !lc.HasState(req.Status) {
		return TransitionResult{}, model.NewInvalidTransitionError(
			fmt.Sprintf("%q is not a %s status", req.Status, current.Type),
		)
	}
	if req.Status == current.Status {
		return TransitionResult{}, model.NewInvalidTransitionError(
			fmt.Sprintf("entity is already %q; record a note instead", current.Status),
		)
	}
	rule, ok := lc.Edge(current.Status, req.Status)
	if !ok {
		return TransitionResult{}, model.NewInvalidTransitionError(
			fmt.Sprintf("cannot move from %q to %q", current.Status, req.Status),
		)
	}
	if !req.Actor.HasAnyRole(rule.Roles) {
		return TransitionResult{}, model.NewForbiddenError(
			fmt.Sprintf("role %q may not move %s from %q to %q", req.Actor.Role, current.Type, current.Status, req.Status),
		)
	}
	if err := checkPatchAuthority(req.Actor, req.Patch); err != nil {
		return TransitionResult{}, err
	}

	next := current
	changes := req.Patch.Apply(&next)
	date := e.entryDate(current)
	next.Status = req.Status
	next.UpdatedAt = date

	entryID, err := newID()
	if err != nil {
		return TransitionResult{}, err
	}
	entry := model.TimelineEntry{
		ID:              entryID,
		EntityID:        current.ID,
		Action:          model.ActionStatusChanged,
		Status:          req.Status,
		FromStatus:      current.Status,
		Notes:           req.Notes,
		Changes:         changes,
		PerformedBy:     performedBy(req.Actor),
		PerformedByName: req.Actor.DisplayName,
		Date:            date,
	}

	updated, err := e.store.ApplyTransition(ctx, Mutation{
		Next:            next,
		ExpectedVersion: current.Version,
		Entry:           entry,
	})
	if err != nil {
		return TransitionResult{}, model.AsStorageError("apply transition", err)
	}

	e.recorder.RecordTransition(updated.Type, current.Status, updated.Status)
	observability.RequestLogger(ctx, e.logger).Info("entity transitioned",
		zap.String("entity_id", updated.ID),
		zap.String("entity_type", updated.Type),
		zap.String("from_status", current.Status),
		zap.String("to_status", updated.Status),
		zap.Int64("version", updated.Version),
		zap.Int("changes", len(changes)),
	)
	e.notify(ctx, lc, updated, entry)

	return TransitionResult{Entity: updated, EntryID: entry.ID}, nil
}

// RecordNote appends a note_added entry without touching entity state. Notes
// are accepted in every status, terminal ones included, and may be empty.
func (e *Engine) RecordNote(ctx context.Context, entityID string, actor model.Actor, notes string) (id string, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.RecordNote",
		observability.AttrEntityID.String(entityID),
		observability.AttrActorRole.String(actor.Role),
	)
	start := time.Now()
	defer func() { e.finish(span, "note", start, err) }()

	var fe fieldErrors
	if entityID == "" {
		fe.add("entity_id", codeRequired, "entity id is required")
	}
	checkActor(&fe, actor)
	if err := fe.err(); err != nil {
		return "", err
	}

	current, err := e.store.Get(ctx, entityID)
	if err != nil {
		return "", model.AsStorageError("load entity", err)
	}

	entryID, err := newID()
	if err != nil {
		return "", err
	}
	id, err = e.store.AppendEntry(ctx, model.TimelineEntry{
		ID:              entryID,
		EntityID:        current.ID,
		Action:          model.ActionNoteAdded,
		Notes:           notes,
		PerformedBy:     performedBy(actor),
		PerformedByName: actor.DisplayName,
		Date:            e.entryDate(current),
	})
	if err != nil {
		return "", model.AsStorageError("append note", err)
	}

	e.recorder.RecordNote(current.Type)
	observability.RequestLogger(ctx, e.logger).Info("note recorded",
		zap.String("entity_id", current.ID),
		zap.String("entry_id", id),
	)
	return id, nil
}

// UpdateFields changes score or assignee without moving the status. The
// usual optimistic concurrency rules apply, and a patch that changes nothing
// is rejected.
func (e *Engine) UpdateFields(ctx context.Context, req FieldUpdateRequest) (res TransitionResult, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.UpdateFields",
		observability.AttrEntityID.String(req.EntityID),
		observability.AttrActorRole.String(req.Actor.Role),
	)
	start := time.Now()
	defer func() { e.finish(span, "update_fields", start, err) }()

	var fe fieldErrors
	if req.EntityID == "" {
		fe.add("entity_id", codeRequired, "entity id is required")
	}
	if req.Patch.IsEmpty() {
		fe.add("patch", codeRequired, "at least one of score or assignee is required")
	}
	checkActor(&fe, req.Actor)
	checkPatch(&fe, req.Patch)
	if err := fe.err(); err != nil {
		return TransitionResult{}, err
	}

	current, err := e.store.Get(ctx, req.EntityID)
	if err != nil {
		return TransitionResult{}, model.AsStorageError("load entity", err)
	}
	if req.ExpectedVersion != 0 && req.ExpectedVersion != current.Version {
		return TransitionResult{}, versionConflict(current.ID, req.ExpectedVersion, current.Version)
	}
	if err := checkPatchAuthority(req.Actor, req.Patch); err != nil {
		return TransitionResult{}, err
	}

	next := current
	changes := req.Patch.Apply(&next)
	if len(changes) == 0 {
		return TransitionResult{}, model.NewValidationError([]model.FieldError{{
			Field:   "patch",
			Code:    codeNoChange,
			Message: "patch does not change any field",
		}})
	}
	date := e.entryDate(current)
	next.UpdatedAt = date

	entryID, err := newID()
	if err != nil {
		return TransitionResult{}, err
	}
	entry := model.TimelineEntry{
		ID:              entryID,
		EntityID:        current.ID,
		Action:          model.ActionForChanges(changes),
		Notes:           req.Notes,
		Changes:         changes,
		PerformedBy:     performedBy(req.Actor),
		PerformedByName: req.Actor.DisplayName,
		Date:            date,
	}

	updated, err := e.store.ApplyTransition(ctx, Mutation{
		Next:            next,
		ExpectedVersion: current.Version,
		Entry:           entry,
	})
	if err != nil {
		return TransitionResult{}, model.AsStorageError("update fields", err)
	}

	e.recorder.RecordFieldUpdate(updated.Type)
	observability.RequestLogger(ctx, e.logger).Info("entity fields updated",
		zap.String("entity_id", updated.ID),
		zap.String("action", entry.Action),
		zap.Int64("version", updated.Version),
	)
	return TransitionResult{Entity: updated, EntryID: entry.ID}, nil
}

// History returns the entity's timeline, oldest first. It fails with
// NOT_FOUND before any entry is read if the entity does not exist.
func (e *Engine) History(ctx context.Context, entityID string) (iter.Seq2[model.TimelineEntry, error], error) {
	if entityID == "" {
		return nil, model.NewValidationError([]model.FieldError{{
			Field: "entity_id", Code: codeRequired, Message: "entity id is required",
		}})
	}
	if _, err := e.store.Get(ctx, entityID); err != nil {
		return nil, model.AsStorageError("load entity", err)
	}
	return e.store.ListByEntity(ctx, entityID), nil
}

// Describe returns the detail projection: state, reachable statuses and the
// full timeline.
func (e *Engine) Describe(ctx context.Context, entityID string) (EntityView, error) {
	ctx, span := observability.StartSpan(ctx, "workflow.Describe",
		observability.AttrEntityID.String(entityID),
	)
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	if entityID == "" {
		err = model.NewValidationError([]model.FieldError{{
			Field: "entity_id", Code: codeRequired, Message: "entity id is required",
		}})
		return EntityView{}, err
	}
	ent, err := e.store.Get(ctx, entityID)
	if err != nil {
		err = model.AsStorageError("load entity", err)
		return EntityView{}, err
	}

	view := EntityView{
		Entity:      ent,
		AllowedNext: []string{},
		History:     []model.TimelineEntry{},
	}
	if lc, ok := e.registry.Lifecycle(ent.Type); ok {
		if next := lc.Next(ent.Status); next != nil {
			view.AllowedNext = next
		}
		view.Terminal = lc.IsTerminal(ent.Status)
	}
	for entry, iterErr := range e.store.ListByEntity(ctx, ent.ID) {
		if iterErr != nil {
			err = model.AsStorageError("list timeline", iterErr)
			return EntityView{}, err
		}
		view.History = append(view.History, entry)
	}
	return view, nil
}

// List returns one page of entities, newest first.
func (e *Engine) List(ctx context.Context, req ListRequest) (ListResult, error) {
	if req.Type != "" {
		if _, ok := e.registry.Lifecycle(req.Type); !ok {
			return ListResult{}, model.NewValidationError([]model.FieldError{{
				Field: "type", Code: codeInvalid, Message: fmt.Sprintf("unknown entity type %q", req.Type),
			}})
		}
	}
	page := req.Page
	if page < 1 {
		page = 1
	}
	size := req.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}

	items, total, err := e.store.List(ctx, model.EntityFilters{
		Type:     req.Type,
		Status:   req.Status,
		Assignee: req.Assignee,
		Limit:    size,
		Offset:   (page - 1) * size,
	})
	if err != nil {
		return ListResult{}, model.AsStorageError("list entities", err)
	}
	if items == nil {
		items = []model.Entity{}
	}
	return ListResult{Items: items, Total: total, Page: page, PageSize: size}, nil
}

// Graph returns the lifecycle graph for entityType.
func (e *Engine) Graph(entityType string) (model.Lifecycle, error) {
	lc, ok := e.registry.Lifecycle(entityType)
	if !ok {
		return model.Lifecycle{}, model.NewNotFoundError(fmt.Sprintf("lifecycle %q not found", entityType))
	}
	return *lc, nil
}

// notify dispatches the notification configured for the entity's new status.
// Failures are logged and swallowed.
func (e *Engine) notify(ctx context.Context, lc *model.Lifecycle, ent model.Entity, entry model.TimelineEntry) {
	rule, ok := lc.NotificationFor(ent.Status)
	if !ok {
		return
	}
	logger := observability.RequestLogger(ctx, e.logger).With(
		zap.String("entity_id", ent.ID),
		zap.String("template", rule.Template),
	)
	recipient := ent.Details.ContactEmail
	if recipient == "" {
		logger.Debug("notification skipped, entity has no contact email")
		return
	}

	data := map[string]any{
		"entity_id":         ent.ID,
		"entity_type":       ent.Type,
		"status":            ent.Status,
		"from_status":       entry.FromStatus,
		"title":             ent.Details.Title,
		"reference":         ent.Details.Reference,
		"contact_name":      ent.Details.ContactName,
		"notes":             entry.Notes,
		"performed_by_name": entry.PerformedByName,
	}
	if err := e.dispatcher.Send(ctx, recipient, rule.Template, data); err != nil {
		logger.Warn("notification dispatch failed", zap.Error(err))
	}
}

// entryDate is the proposed timestamp for a new entry on ent. The store has
// the final say and moves it past the entity's latest entry, which is the
// only bound that holds across concurrent writers.
func (e *Engine) entryDate(ent model.Entity) time.Time {
	now := normalizeTime(e.now())
	if now.Before(ent.UpdatedAt) {
		return normalizeTime(ent.UpdatedAt)
	}
	return now
}

func (e *Engine) finish(span trace.Span, op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = model.ErrorCode(err)
		if outcome == "" {
			outcome = "error"
		}
		span.SetAttributes(observability.AttrErrorCode.String(outcome))
	}
	e.recorder.RecordCommand(op, outcome, time.Since(start))
	observability.EndSpanWithError(span, err)
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return id.String(), nil
}

func performedBy(a model.Actor) string {
	if a.IsSystem() {
		return ""
	}
	return a.ID
}

// fieldErrors accumulates validation failures for one command.
type fieldErrors []model.FieldError

func (f *fieldErrors) add(field, code, msg string) {
	*f = append(*f, model.FieldError{Field: field, Code: code, Message: msg})
}

func (f fieldErrors) err() error {
	if len(f) == 0 {
		return nil
	}
	return model.NewValidationError(f)
}

func checkActor(fe *fieldErrors, a model.Actor) {
	if err := a.Validate(); err != nil {
		fe.add("actor", codeInvalid, strings.ReplaceAll(err.Error(), "\n", "; "))
	}
}

func checkPatch(fe *fieldErrors, p model.FieldPatch) {
	if p.Score == nil {
		return
	}
	s := *p.Score
	if math.IsNaN(s) || math.IsInf(s, 0) || s < minScore || s > maxScore {
		fe.add("score", codeOutOfRange, fmt.Sprintf("score must be between %d and %d", minScore, maxScore))
	}
}

// checkPatchAuthority rejects score changes from automated actors; scores
// come from review actions only.
func checkPatchAuthority(a model.Actor, p model.FieldPatch) error {
	if p.Score != nil && a.IsSystem() {
		return model.NewForbiddenError("system actors may not set a score")
	}
	return nil
}

func checkDetails(fe *fieldErrors, d model.EntityDetails) {
	if d.SchemaVersion != model.DetailsSchemaVersion {
		fe.add("details.schema_version", codeInvalid,
			fmt.Sprintf("unsupported details schema version %d", d.SchemaVersion))
	}
	if strings.TrimSpace(d.Title) == "" {
		fe.add("details.title", codeRequired, "title is required")
	}
	if d.ContactEmail != "" {
		if _, err := mail.ParseAddress(d.ContactEmail); err != nil {
			fe.add("details.contact_email", codeInvalid, "contact email is not a valid address")
		}
	}
}
