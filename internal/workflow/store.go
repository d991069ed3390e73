package workflow

import (
	"context"
	"iter"
	"time"

	"github.com/pitabwire/hireflow/model"
)

// EntityStore is the read side of entity state storage.
type EntityStore interface {
	// Get retrieves an entity by ID. Returns NOT_FOUND if it doesn't exist.
	Get(ctx context.Context, id string) (model.Entity, error)

	// List returns entities matching filters, newest first, together with
	// the total number of matches ignoring Limit and Offset.
	List(ctx context.Context, filters model.EntityFilters) ([]model.Entity, int, error)
}

// AuditLog is append-only timeline storage. There is deliberately no way to
// update or delete an entry.
type AuditLog interface {
	// AppendEntry stores an entry for an existing entity and returns its ID.
	// Returns NOT_FOUND if the entity doesn't exist. The stored date is
	// moved past the entity's latest entry when needed, see nextEntryDate.
	AppendEntry(ctx context.Context, entry model.TimelineEntry) (string, error)

	// ListByEntity yields the entity's entries ordered by date then ID.
	// Every range over the returned sequence re-reads storage.
	ListByEntity(ctx context.Context, entityID string) iter.Seq2[model.TimelineEntry, error]
}

// Store is the full persistence contract the Engine writes through.
type Store interface {
	EntityStore
	AuditLog

	// Create persists a new entity. Returns CONFLICT if the ID is taken.
	Create(ctx context.Context, entity model.Entity) error

	// ApplyTransition writes m.Next and appends m.Entry as one durable unit.
	// The stored version must equal m.ExpectedVersion, otherwise CONFLICT is
	// returned and nothing is written. The entry date is sequenced like
	// AppendEntry and UpdatedAt never trails it. The returned entity carries
	// the bumped version.
	ApplyTransition(ctx context.Context, m Mutation) (model.Entity, error)
}

// Mutation is an entity state change paired with its timeline entry.
type Mutation struct {
	// Next is the desired entity state. Only Status, Score, Assignee and
	// UpdatedAt are written.
	Next            model.Entity
	ExpectedVersion int64
	Entry           model.TimelineEntry
}

// storeTimePrecision is the coarsest precision among supported drivers.
const storeTimePrecision = time.Millisecond

// normalizeTime truncates t to what every driver can round-trip.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(storeTimePrecision)
}

// nextEntryDate is the stored date of an entity's next entry given the date
// of its latest one. Dates strictly increase per entity in commit order, so
// ordering by date then ID matches write order even when clocks step back.
// Stores call it under the lock or transaction that serializes the entity.
func nextEntryDate(last, proposed time.Time) time.Time {
	proposed = normalizeTime(proposed)
	if last.IsZero() {
		return proposed
	}
	if floor := normalizeTime(last).Add(storeTimePrecision); proposed.Before(floor) {
		return floor
	}
	return proposed
}

// sequenced returns m with its entry dated after last and UpdatedAt raised
// to match.
func (m Mutation) sequenced(last time.Time) Mutation {
	m.Entry.Date = nextEntryDate(last, m.Entry.Date)
	if m.Next.UpdatedAt.Before(m.Entry.Date) {
		m.Next.UpdatedAt = m.Entry.Date
	}
	return m
}

func pageBounds(total int, filters model.EntityFilters) (int, int) {
	start := filters.Offset
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := total
	if filters.Limit > 0 && start+filters.Limit < end {
		end = start + filters.Limit
	}
	return start, end
}
