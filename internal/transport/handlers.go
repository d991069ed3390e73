package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/hireflow/internal/export"
	"github.com/pitabwire/hireflow/internal/idempotency"
	"github.com/pitabwire/hireflow/internal/observability"
	"github.com/pitabwire/hireflow/internal/workflow"
	"github.com/pitabwire/hireflow/model"
)

// Request headers understood by the entity routes.
const (
	IdempotencyHeader = "X-Idempotency-Key"
	ReplayedHeader    = "Idempotent-Replayed"
	maxIdempotencyKey = 255
)

type handlers struct {
	engine  *workflow.Engine
	idem    idempotency.Store
	idemTTL time.Duration
	metrics *observability.Metrics
}

type createBody struct {
	Type     string              `json:"type"`
	Details  model.EntityDetails `json:"details"`
	Assignee string              `json:"assignee,omitempty"`
}

type transitionBody struct {
	Status          string   `json:"status"`
	Notes           string   `json:"notes,omitempty"`
	Score           *float64 `json:"score,omitempty"`
	Assignee        *string  `json:"assignee,omitempty"`
	ExpectedVersion *int64   `json:"expected_version,omitempty"`
}

type fieldsBody struct {
	Notes           string   `json:"notes,omitempty"`
	Score           *float64 `json:"score,omitempty"`
	Assignee        *string  `json:"assignee,omitempty"`
	ExpectedVersion *int64   `json:"expected_version,omitempty"`
}

type noteBody struct {
	Notes string `json:"notes"`
}

type historyResponse struct {
	EntityID string                `json:"entity_id"`
	Entries  []model.TimelineEntry `json:"entries"`
}

func (h *handlers) getLifecycle(w http.ResponseWriter, r *http.Request) {
	lc, err := h.engine.Graph(chi.URLParam(r, "type"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, lc)
}

func (h *handlers) createEntity(w http.ResponseWriter, r *http.Request) {
	actor, body, ok := h.begin(w, r)
	if !ok {
		return
	}
	h.idempotent(w, r, "create", "", actor, body, func() (int, any, error) {
		var req createBody
		if err := decodeJSON(body, &req); err != nil {
			return 0, nil, err
		}
		ent, err := h.engine.Create(r.Context(), actor, workflow.CreateRequest{
			Type:     req.Type,
			Details:  req.Details,
			Assignee: req.Assignee,
		})
		if err != nil {
			return 0, nil, err
		}
		w.Header().Set("Location", "/v1/entities/"+ent.ID)
		setETag(w, ent.Version)
		return http.StatusCreated, ent, nil
	})
}

func (h *handlers) listEntities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := queryInt(q.Get("page"), 1)
	if err != nil {
		respondError(w, r, model.NewBadRequestError("page must be an integer"))
		return
	}
	size, err := queryInt(q.Get("page_size"), 0)
	if err != nil {
		respondError(w, r, model.NewBadRequestError("page_size must be an integer"))
		return
	}

	res, err := h.engine.List(r.Context(), workflow.ListRequest{
		Type:     q.Get("type"),
		Status:   q.Get("status"),
		Assignee: q.Get("assignee"),
		Page:     page,
		PageSize: size,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (h *handlers) describeEntity(w http.ResponseWriter, r *http.Request) {
	view, err := h.engine.Describe(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	setETag(w, view.Entity.Version)
	WriteJSON(w, http.StatusOK, view)
}

func (h *handlers) transition(w http.ResponseWriter, r *http.Request) {
	actor, body, ok := h.begin(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	h.idempotent(w, r, "transition", id, actor, body, func() (int, any, error) {
		var req transitionBody
		if err := decodeJSON(body, &req); err != nil {
			return 0, nil, err
		}
		expected, err := expectedVersion(r, req.ExpectedVersion)
		if err != nil {
			return 0, nil, err
		}
		res, err := h.engine.Transition(r.Context(), workflow.TransitionRequest{
			EntityID:        id,
			Status:          req.Status,
			Actor:           actor,
			Notes:           req.Notes,
			Patch:           model.FieldPatch{Score: req.Score, Assignee: req.Assignee},
			ExpectedVersion: expected,
		})
		if err != nil {
			return 0, nil, err
		}
		setETag(w, res.Entity.Version)
		return http.StatusOK, res, nil
	})
}

func (h *handlers) updateFields(w http.ResponseWriter, r *http.Request) {
	actor, body, ok := h.begin(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	h.idempotent(w, r, "update_fields", id, actor, body, func() (int, any, error) {
		var req fieldsBody
		if err := decodeJSON(body, &req); err != nil {
			return 0, nil, err
		}
		expected, err := expectedVersion(r, req.ExpectedVersion)
		if err != nil {
			return 0, nil, err
		}
		res, err := h.engine.UpdateFields(r.Context(), workflow.FieldUpdateRequest{
			EntityID:        id,
			Actor:           actor,
			Notes:           req.Notes,
			Patch:           model.FieldPatch{Score: req.Score, Assignee: req.Assignee},
			ExpectedVersion: expected,
		})
		if err != nil {
			return 0, nil, err
		}
		setETag(w, res.Entity.Version)
		return http.StatusOK, res, nil
	})
}

func (h *handlers) addNote(w http.ResponseWriter, r *http.Request) {
	actor, body, ok := h.begin(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	h.idempotent(w, r, "note", id, actor, body, func() (int, any, error) {
		var req noteBody
		if err := decodeJSON(body, &req); err != nil {
			return 0, nil, err
		}
		entryID, err := h.engine.RecordNote(r.Context(), id, actor, req.Notes)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, map[string]string{"entry_id": entryID}, nil
	})
}

func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	seq, err := h.engine.History(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	out := historyResponse{EntityID: id, Entries: []model.TimelineEntry{}}
	for entry, err := range seq {
		if err != nil {
			respondError(w, r, model.AsStorageError("list timeline", err))
			return
		}
		out.Entries = append(out.Entries, entry)
	}
	WriteJSON(w, http.StatusOK, out)
}

func (h *handlers) historyWorkbook(w http.ResponseWriter, r *http.Request) {
	view, err := h.engine.Describe(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := export.WriteHistoryWorkbook(&buf, view.Entity, entriesSeq(view.History)); err != nil {
		respondError(w, r, fmt.Errorf("export history: %w", err))
		return
	}

	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", view.Entity.ID+"-history.xlsx"))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

// begin resolves the authenticated actor and reads the request body.
func (h *handlers) begin(w http.ResponseWriter, r *http.Request) (model.Actor, []byte, bool) {
	actor, ok := model.ActorFrom(r.Context())
	if !ok {
		respondError(w, r, model.NewUnauthorizedError("missing actor"))
		return model.Actor{}, nil, false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, r, model.NewBadRequestError("request body too large"))
		} else {
			respondError(w, r, model.NewBadRequestError("unreadable request body"))
		}
		return model.Actor{}, nil, false
	}
	return actor, body, true
}

// idempotent runs exec once per X-Idempotency-Key. Successful responses are
// stored and replayed verbatim for retries carrying the same key, actor and
// input. Failures are never stored, so a retry re-executes.
func (h *handlers) idempotent(w http.ResponseWriter, r *http.Request, op, scope string, actor model.Actor, body []byte, exec func() (int, any, error)) {
	clientKey := r.Header.Get(IdempotencyHeader)
	if clientKey == "" || h.idem == nil {
		status, out, err := exec()
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, status, out)
		return
	}
	if len(clientKey) > maxIdempotencyKey {
		respondError(w, r, model.NewBadRequestError("X-Idempotency-Key is too long"))
		return
	}

	ctx := r.Context()
	key := idempotency.Key(op, scope, clientKey)
	hash := idempotency.HashInput(actor.ID, append([]byte(r.Header.Get("If-Match")+"\n"), body...))

	cached, found, err := h.idem.Lookup(ctx, key, hash)
	if err != nil {
		respondError(w, r, model.AsStorageError("idempotency lookup", err))
		return
	}
	if found {
		if h.metrics != nil {
			h.metrics.RecordIdempotencyReplay()
		}
		for name, value := range cached.Header {
			w.Header().Set(name, value)
		}
		w.Header().Set(ReplayedHeader, "true")
		writeRawJSON(w, cached.StatusCode, cached.Body)
		return
	}

	status, out, err := exec()
	if err != nil {
		respondError(w, r, err)
		return
	}
	payload, err := json.Marshal(out)
	if err != nil {
		respondError(w, r, fmt.Errorf("encode response: %w", err))
		return
	}
	saved := idempotency.Response{StatusCode: status, Header: replayHeaders(w.Header()), Body: payload}
	if err := h.idem.Save(ctx, key, hash, saved, h.idemTTL); err != nil {
		observability.RequestLogger(ctx, nil).Warn("storing idempotent response failed",
			zap.String("op", op), zap.Error(err))
	}
	writeRawJSON(w, status, payload)
}

func writeRawJSON(w http.ResponseWriter, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n"))
}

func decodeJSON(body []byte, dst any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return model.NewBadRequestError("request body is required")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return model.NewBadRequestError("invalid JSON body: " + err.Error())
	}
	if dec.More() {
		return model.NewBadRequestError("invalid JSON body: trailing data")
	}
	return nil
}

// expectedVersion reads the optimistic-concurrency version from If-Match or
// the body. Zero means "unchecked".
func expectedVersion(r *http.Request, fromBody *int64) (int64, error) {
	var header int64
	if raw := r.Header.Get("If-Match"); raw != "" {
		v, err := parseETag(raw)
		if err != nil {
			return 0, model.NewBadRequestError("If-Match must carry an entity version")
		}
		header = v
	}
	if fromBody != nil && *fromBody <= 0 {
		return 0, model.NewBadRequestError("expected_version must be positive")
	}
	switch {
	case fromBody != nil && header != 0 && *fromBody != header:
		return 0, model.NewBadRequestError("If-Match and expected_version disagree")
	case fromBody != nil:
		return *fromBody, nil
	default:
		return header, nil
	}
}

func parseETag(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "W/")
	raw = strings.Trim(raw, `"`)
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid entity tag %q", raw)
	}
	return v, nil
}

// replayedHeaderNames are the headers exec may set that a replay repeats.
var replayedHeaderNames = []string{"ETag", "Location"}

func replayHeaders(h http.Header) map[string]string {
	var out map[string]string
	for _, name := range replayedHeaderNames {
		if v := h.Get(name); v != "" {
			if out == nil {
				out = make(map[string]string, len(replayedHeaderNames))
			}
			out[name] = v
		}
	}
	return out
}

func setETag(w http.ResponseWriter, version int64) {
	w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(version, 10)))
}

func queryInt(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func entriesSeq(entries []model.TimelineEntry) iter.Seq2[model.TimelineEntry, error] {
	return func(yield func(model.TimelineEntry, error) bool) {
		for _, e := range entries {
			if !yield(e, nil) {
				return
			}
		}
	}
}
