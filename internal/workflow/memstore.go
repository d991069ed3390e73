package workflow

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/hireflow/model"
)

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[string]model.Entity          // key: entity ID
	entries  map[string][]model.TimelineEntry // key: entity ID
	entryIDs map[string]struct{}
	lastDate map[string]time.Time // key: entity ID
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities: make(map[string]model.Entity),
		entries:  make(map[string][]model.TimelineEntry),
		entryIDs: make(map[string]struct{}),
		lastDate: make(map[string]time.Time),
	}
}

// Create persists a new entity.
func (s *MemoryStore) Create(_ context.Context, e model.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entities[e.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("entity %q already exists", e.ID))
	}
	s.entities[e.ID] = cloneEntity(e)
	return nil
}

// Get retrieves an entity by ID.
func (s *MemoryStore) Get(_ context.Context, id string) (model.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.entities[id]
	if !exists {
		return model.Entity{}, entityNotFound(id)
	}
	return cloneEntity(e), nil
}

// List returns matching entities, newest first.
func (s *MemoryStore) List(_ context.Context, filters model.EntityFilters) ([]model.Entity, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Entity
	for _, e := range s.entities {
		if filters.Type != "" && e.Type != filters.Type {
			continue
		}
		if filters.Status != "" && e.Status != filters.Status {
			continue
		}
		if filters.Assignee != "" && (e.Assignee == nil || *e.Assignee != filters.Assignee) {
			continue
		}
		result = append(result, cloneEntity(e))
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	total := len(result)
	start, end := pageBounds(total, filters)
	return result[start:end], total, nil
}

// ApplyTransition writes the entity change and its entry under one lock.
func (s *MemoryStore) ApplyTransition(_ context.Context, m Mutation) (model.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.entities[m.Next.ID]
	if !exists {
		return model.Entity{}, entityNotFound(m.Next.ID)
	}
	if existing.Version != m.ExpectedVersion {
		return model.Entity{}, versionConflict(m.Next.ID, m.ExpectedVersion, existing.Version)
	}
	if err := s.checkEntryID(m.Entry.ID); err != nil {
		return model.Entity{}, err
	}
	m = m.sequenced(s.lastDate[m.Next.ID])

	existing.Status = m.Next.Status
	existing.Score = m.Next.Score
	existing.Assignee = m.Next.Assignee
	existing.UpdatedAt = m.Next.UpdatedAt
	existing.Version++
	existing = cloneEntity(existing)

	s.entities[existing.ID] = existing
	s.addEntry(m.Entry)
	return cloneEntity(existing), nil
}

// AppendEntry adds an entry to an existing entity's timeline.
func (s *MemoryStore) AppendEntry(_ context.Context, entry model.TimelineEntry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entities[entry.EntityID]; !exists {
		return "", entityNotFound(entry.EntityID)
	}
	if err := s.checkEntryID(entry.ID); err != nil {
		return "", err
	}
	entry.Date = nextEntryDate(s.lastDate[entry.EntityID], entry.Date)
	s.addEntry(entry)
	return entry.ID, nil
}

// checkEntryID mirrors the primary key on durable stores. Callers hold mu.
func (s *MemoryStore) checkEntryID(id string) error {
	if _, dup := s.entryIDs[id]; dup {
		return model.NewStorageError("insert timeline entry", fmt.Errorf("duplicate entry id %q", id))
	}
	return nil
}

func (s *MemoryStore) addEntry(entry model.TimelineEntry) {
	if entry.Changes != nil {
		entry.Changes = append([]model.FieldChange(nil), entry.Changes...)
	}
	s.entryIDs[entry.ID] = struct{}{}
	s.lastDate[entry.EntityID] = entry.Date
	s.entries[entry.EntityID] = append(s.entries[entry.EntityID], entry)
}

// ListByEntity yields a sorted snapshot of the entity's entries taken when
// ranging starts.
func (s *MemoryStore) ListByEntity(_ context.Context, entityID string) iter.Seq2[model.TimelineEntry, error] {
	return func(yield func(model.TimelineEntry, error) bool) {
		s.mu.RLock()
		snapshot := make([]model.TimelineEntry, len(s.entries[entityID]))
		copy(snapshot, s.entries[entityID])
		s.mu.RUnlock()

		sortEntries(snapshot)
		for _, e := range snapshot {
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Len returns the total number of entities. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

func sortEntries(entries []model.TimelineEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Date.Equal(entries[j].Date) {
			return entries[i].Date.Before(entries[j].Date)
		}
		return entries[i].ID < entries[j].ID
	})
}

func cloneEntity(e model.Entity) model.Entity {
	if e.Score != nil {
		v := *e.Score
		e.Score = &v
	}
	if e.Assignee != nil {
		v := *e.Assignee
		e.Assignee = &v
	}
	return e
}

func entityNotFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("entity %q not found", id))
}

func versionConflict(id string, expected, actual int64) error {
	return model.NewConflictError(
		fmt.Sprintf("entity %q version conflict (expected %d, got %d)", id, expected, actual),
	)
}
