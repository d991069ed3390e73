package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/hireflow/model"
)

const pgUniqueViolation = "23505"

// PgStore is a PostgreSQL-backed Store using pgx/v5. The schema is created
// by database.MigratePostgres.
type PgStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PgStore)(nil)

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const pgEntityColumns = `id, type, status, score, assignee, details, version, created_at, updated_at`

// Create inserts a new entity.
func (s *PgStore) Create(ctx context.Context, e model.Entity) error {
	detailsJSON, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO entities (`+pgEntityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.Type, e.Status, e.Score, e.Assignee, detailsJSON, e.Version,
		e.CreatedAt, e.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return model.NewConflictError(fmt.Sprintf("entity %q already exists", e.ID))
	}
	if err != nil {
		return model.NewStorageError("insert entity", err)
	}
	return nil
}

// Get retrieves an entity by ID.
func (s *PgStore) Get(ctx context.Context, id string) (model.Entity, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgEntityColumns+` FROM entities WHERE id = $1`, id)
	e, err := scanPgEntity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Entity{}, entityNotFound(id)
	}
	if err != nil {
		return model.Entity{}, model.NewStorageError("query entity", err)
	}
	return e, nil
}

// List returns matching entities, newest first.
func (s *PgStore) List(ctx context.Context, filters model.EntityFilters) ([]model.Entity, int, error) {
	where := " WHERE 1=1"
	var args []any
	argIdx := 1

	if filters.Type != "" {
		where += fmt.Sprintf(" AND type = $%d", argIdx)
		args = append(args, filters.Type)
		argIdx++
	}
	if filters.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}
	if filters.Assignee != "" {
		where += fmt.Sprintf(" AND assignee = $%d", argIdx)
		args = append(args, filters.Assignee)
		argIdx++
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM entities`+where, args...).Scan(&total); err != nil {
		return nil, 0, model.NewStorageError("count entities", err)
	}

	query := `SELECT ` + pgEntityColumns + ` FROM entities` + where + ` ORDER BY created_at DESC, id DESC`
	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, model.NewStorageError("query entities", err)
	}
	defer rows.Close()

	entities := []model.Entity{}
	for rows.Next() {
		e, err := scanPgEntity(rows)
		if err != nil {
			return nil, 0, model.NewStorageError("scan entity", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, model.NewStorageError("query entities", err)
	}
	return entities, total, nil
}

// ApplyTransition locks the entity row, checks its version and writes the
// update and the entry in the same transaction.
func (s *PgStore) ApplyTransition(ctx context.Context, m Mutation) (model.Entity, error) {
	var updated model.Entity
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		version, last, err := lockPgEntity(ctx, tx, m.Next.ID)
		if err != nil {
			return err
		}
		if version != m.ExpectedVersion {
			return versionConflict(m.Next.ID, m.ExpectedVersion, version)
		}
		m := m.sequenced(last)

		row := tx.QueryRow(ctx, `
			UPDATE entities SET
				status = $1,
				score = $2,
				assignee = $3,
				updated_at = $4,
				version = version + 1
			WHERE id = $5
			RETURNING `+pgEntityColumns,
			m.Next.Status, m.Next.Score, m.Next.Assignee, m.Next.UpdatedAt, m.Next.ID,
		)
		e, err := scanPgEntity(row)
		if err != nil {
			return model.NewStorageError("update entity", err)
		}
		if err := insertPgEntry(ctx, tx, m.Entry); err != nil {
			return err
		}
		updated = e
		return nil
	})
	if err != nil {
		return model.Entity{}, model.AsStorageError("apply transition", err)
	}
	return updated, nil
}

// lockPgEntity takes the entity's row lock, which serializes every write to
// its timeline, and returns its version and latest entry date.
func lockPgEntity(ctx context.Context, tx pgx.Tx, id string) (int64, time.Time, error) {
	var version int64
	err := tx.QueryRow(ctx, `SELECT version FROM entities WHERE id = $1 FOR UPDATE`, id).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, time.Time{}, entityNotFound(id)
	}
	if err != nil {
		return 0, time.Time{}, model.NewStorageError("lock entity", err)
	}

	var last *time.Time
	if err := tx.QueryRow(ctx,
		`SELECT MAX(date) FROM timeline_entries WHERE entity_id = $1`, id,
	).Scan(&last); err != nil {
		return 0, time.Time{}, model.NewStorageError("query latest entry", err)
	}
	if last == nil {
		return version, time.Time{}, nil
	}
	return version, last.UTC(), nil
}

// AppendEntry inserts an entry for an existing entity.
func (s *PgStore) AppendEntry(ctx context.Context, entry model.TimelineEntry) (string, error) {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, last, err := lockPgEntity(ctx, tx, entry.EntityID)
		if err != nil {
			return err
		}
		entry := entry
		entry.Date = nextEntryDate(last, entry.Date)
		return insertPgEntry(ctx, tx, entry)
	})
	if err != nil {
		return "", model.AsStorageError("append entry", err)
	}
	return entry.ID, nil
}

// ListByEntity queries the entity's entries each time it is ranged over.
func (s *PgStore) ListByEntity(ctx context.Context, entityID string) iter.Seq2[model.TimelineEntry, error] {
	return func(yield func(model.TimelineEntry, error) bool) {
		rows, err := s.pool.Query(ctx, `
			SELECT id, entity_id, action, status, from_status, notes, changes,
			       performed_by, performed_by_name, date
			FROM timeline_entries
			WHERE entity_id = $1
			ORDER BY date ASC, id ASC`,
			entityID,
		)
		if err != nil {
			yield(model.TimelineEntry{}, model.NewStorageError("query timeline", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var entry model.TimelineEntry
			var changesJSON []byte
			var performedBy *string
			if err := rows.Scan(
				&entry.ID, &entry.EntityID, &entry.Action, &entry.Status, &entry.FromStatus,
				&entry.Notes, &changesJSON, &performedBy, &entry.PerformedByName, &entry.Date,
			); err != nil {
				yield(model.TimelineEntry{}, model.NewStorageError("scan timeline entry", err))
				return
			}
			if performedBy != nil {
				entry.PerformedBy = *performedBy
			}
			if err := decodeChanges(changesJSON, &entry); err != nil {
				yield(model.TimelineEntry{}, model.NewStorageError("decode timeline changes", err))
				return
			}
			entry.Date = entry.Date.UTC()
			if !yield(entry, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(model.TimelineEntry{}, model.NewStorageError("query timeline", err))
		}
	}
}

func insertPgEntry(ctx context.Context, tx pgx.Tx, entry model.TimelineEntry) error {
	changesJSON, err := encodeChanges(entry.Changes)
	if err != nil {
		return fmt.Errorf("marshal changes: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO timeline_entries (
			id, entity_id, action, status, from_status, notes, changes,
			performed_by, performed_by_name, date
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.ID, entry.EntityID, entry.Action, entry.Status, entry.FromStatus,
		entry.Notes, changesJSON, nullString(entry.PerformedBy), entry.PerformedByName, entry.Date,
	)
	if err != nil {
		return model.NewStorageError("insert timeline entry", err)
	}
	return nil
}

func scanPgEntity(row pgx.Row) (model.Entity, error) {
	var e model.Entity
	var detailsJSON []byte
	if err := row.Scan(
		&e.ID, &e.Type, &e.Status, &e.Score, &e.Assignee, &detailsJSON, &e.Version,
		&e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return model.Entity{}, err
	}
	if len(detailsJSON) > 0 {
		if err := json.Unmarshal(detailsJSON, &e.Details); err != nil {
			return model.Entity{}, fmt.Errorf("unmarshal details: %w", err)
		}
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, nil
}

func encodeChanges(changes []model.FieldChange) ([]byte, error) {
	if changes == nil {
		changes = []model.FieldChange{}
	}
	return json.Marshal(changes)
}

func decodeChanges(data []byte, entry *model.TimelineEntry) error {
	if len(data) == 0 {
		return nil
	}
	var changes []model.FieldChange
	if err := json.Unmarshal(data, &changes); err != nil {
		return err
	}
	if len(changes) > 0 {
		entry.Changes = changes
	}
	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
