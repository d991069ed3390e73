package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/pitabwire/hireflow/model"
)

// sqliteTimeLayout is fixed-width so lexical order matches time order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// SQLiteStore is a Store backed by SQLite.
//
// It expects an *sql.DB opened with the "modernc.org/sqlite" driver, see
// database.OpenSQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the schema in db and returns a new store.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			score REAL,
			assignee TEXT,
			details TEXT NOT NULL,
			version INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_entities_type_status ON entities (type, status);
		CREATE TABLE IF NOT EXISTS timeline_entries (
			id TEXT PRIMARY KEY,
			entity_id TEXT NOT NULL REFERENCES entities (id),
			action TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT '',
			from_status TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			changes TEXT NOT NULL DEFAULT '[]',
			performed_by TEXT,
			performed_by_name TEXT NOT NULL,
			date TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_timeline_entity_date ON timeline_entries (entity_id, date, id);`,
	)
	return err
}

const sqliteEntityColumns = `id, type, status, score, assignee, details, version, created_at, updated_at`

// Create inserts a new entity.
func (s *SQLiteStore) Create(ctx context.Context, e model.Entity) error {
	detailsJSON, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (`+sqliteEntityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Type, e.Status, nullFloat(e.Score), nullStringPtr(e.Assignee), string(detailsJSON),
		e.Version, formatSQLiteTime(e.CreatedAt), formatSQLiteTime(e.UpdatedAt),
	)
	if isSQLiteDuplicate(err) {
		return model.NewConflictError(fmt.Sprintf("entity %q already exists", e.ID))
	}
	if err != nil {
		return model.NewStorageError("insert entity", err)
	}
	return nil
}

// Get retrieves an entity by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (model.Entity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteEntityColumns+` FROM entities WHERE id = ?`, id)
	e, err := scanSQLiteEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Entity{}, entityNotFound(id)
	}
	if err != nil {
		return model.Entity{}, model.NewStorageError("query entity", err)
	}
	return e, nil
}

// List returns matching entities, newest first.
func (s *SQLiteStore) List(ctx context.Context, filters model.EntityFilters) ([]model.Entity, int, error) {
	where := " WHERE 1=1"
	var args []any
	if filters.Type != "" {
		where += " AND type = ?"
		args = append(args, filters.Type)
	}
	if filters.Status != "" {
		where += " AND status = ?"
		args = append(args, filters.Status)
	}
	if filters.Assignee != "" {
		where += " AND assignee = ?"
		args = append(args, filters.Assignee)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM entities`+where, args...).Scan(&total); err != nil {
		return nil, 0, model.NewStorageError("count entities", err)
	}

	query := `SELECT ` + sqliteEntityColumns + ` FROM entities` + where + ` ORDER BY created_at DESC, id DESC`
	if filters.Limit > 0 || filters.Offset > 0 {
		limit := filters.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, filters.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, model.NewStorageError("query entities", err)
	}
	defer rows.Close()

	entities := []model.Entity{}
	for rows.Next() {
		e, err := scanSQLiteEntity(rows)
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

// ApplyTransition checks the version, then writes the update and the entry
// in the same transaction.
func (s *SQLiteStore) ApplyTransition(ctx context.Context, m Mutation) (model.Entity, error) {
	var updated model.Entity
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		version, last, err := sqliteEntityHead(ctx, tx, m.Next.ID)
		if err != nil {
			return err
		}
		if version != m.ExpectedVersion {
			return versionConflict(m.Next.ID, m.ExpectedVersion, version)
		}
		m := m.sequenced(last)

		res, err := tx.ExecContext(ctx, `
			UPDATE entities SET
				status = ?, score = ?, assignee = ?, updated_at = ?, version = version + 1
			WHERE id = ? AND version = ?`,
			m.Next.Status, nullFloat(m.Next.Score), nullStringPtr(m.Next.Assignee),
			formatSQLiteTime(m.Next.UpdatedAt), m.Next.ID, m.ExpectedVersion,
		)
		if err != nil {
			return model.NewStorageError("update entity", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return model.NewStorageError("update entity", err)
		}
		if affected == 0 {
			return versionConflict(m.Next.ID, m.ExpectedVersion, version)
		}
		if err := insertSQLiteEntry(ctx, tx, m.Entry); err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `SELECT `+sqliteEntityColumns+` FROM entities WHERE id = ?`, m.Next.ID)
		if updated, err = scanSQLiteEntity(row); err != nil {
			return model.NewStorageError("query entity", err)
		}
		return nil
	})
	if err != nil {
		return model.Entity{}, model.AsStorageError("apply transition", err)
	}
	return updated, nil
}

// sqliteEntityHead returns the entity's version and latest entry date.
// Writes are serialized by the single connection, see database.OpenSQLite.
func sqliteEntityHead(ctx context.Context, tx *sql.Tx, id string) (int64, time.Time, error) {
	var (
		version int64
		last    sql.NullString
	)
	err := tx.QueryRowContext(ctx, `
		SELECT e.version, (SELECT MAX(t.date) FROM timeline_entries t WHERE t.entity_id = e.id)
		FROM entities e WHERE e.id = ?`, id,
	).Scan(&version, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, time.Time{}, entityNotFound(id)
	}
	if err != nil {
		return 0, time.Time{}, model.NewStorageError("query entity version", err)
	}
	if !last.Valid {
		return version, time.Time{}, nil
	}
	date, err := parseSQLiteTime(last.String)
	if err != nil {
		return 0, time.Time{}, model.NewStorageError("parse entry date", err)
	}
	return version, date, nil
}

// AppendEntry inserts an entry for an existing entity.
func (s *SQLiteStore) AppendEntry(ctx context.Context, entry model.TimelineEntry) (string, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, last, err := sqliteEntityHead(ctx, tx, entry.EntityID)
		if err != nil {
			return err
		}
		entry := entry
		entry.Date = nextEntryDate(last, entry.Date)
		return insertSQLiteEntry(ctx, tx, entry)
	})
	if err != nil {
		return "", model.AsStorageError("append entry", err)
	}
	return entry.ID, nil
}

// ListByEntity queries the entity's entries each time it is ranged over.
func (s *SQLiteStore) ListByEntity(ctx context.Context, entityID string) iter.Seq2[model.TimelineEntry, error] {
	return func(yield func(model.TimelineEntry, error) bool) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, entity_id, action, status, from_status, notes, changes,
			       performed_by, performed_by_name, date
			FROM timeline_entries
			WHERE entity_id = ?
			ORDER BY date ASC, id ASC`,
			entityID,
		)
		if err != nil {
			yield(model.TimelineEntry{}, model.NewStorageError("query timeline", err))
			return
		}

		// Drain before yielding so a consumer that writes back through the
		// store does not deadlock on a single-connection database.
		var entries []model.TimelineEntry
		for rows.Next() {
			var entry model.TimelineEntry
			var changes, date string
			var performedBy sql.NullString
			if err := rows.Scan(
				&entry.ID, &entry.EntityID, &entry.Action, &entry.Status, &entry.FromStatus,
				&entry.Notes, &changes, &performedBy, &entry.PerformedByName, &date,
			); err != nil {
				rows.Close()
				yield(model.TimelineEntry{}, model.NewStorageError("scan timeline entry", err))
				return
			}
			entry.PerformedBy = performedBy.String
			if err := decodeChanges([]byte(changes), &entry); err != nil {
				rows.Close()
				yield(model.TimelineEntry{}, model.NewStorageError("decode timeline changes", err))
				return
			}
			if entry.Date, err = parseSQLiteTime(date); err != nil {
				rows.Close()
				yield(model.TimelineEntry{}, model.NewStorageError("decode timeline date", err))
				return
			}
			entries = append(entries, entry)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			yield(model.TimelineEntry{}, model.NewStorageError("query timeline", err))
			return
		}

		for _, entry := range entries {
			if !yield(entry, nil) {
				return
			}
		}
	}
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.NewStorageError("begin transaction", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return model.NewStorageError("commit transaction", err)
	}
	return nil
}

func insertSQLiteEntry(ctx context.Context, tx *sql.Tx, entry model.TimelineEntry) error {
	changesJSON, err := encodeChanges(entry.Changes)
	if err != nil {
		return fmt.Errorf("marshal changes: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO timeline_entries (
			id, entity_id, action, status, from_status, notes, changes,
			performed_by, performed_by_name, date
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.EntityID, entry.Action, entry.Status, entry.FromStatus, entry.Notes,
		string(changesJSON), nullStringPtr(nullString(entry.PerformedBy)), entry.PerformedByName,
		formatSQLiteTime(entry.Date),
	)
	if err != nil {
		return model.NewStorageError("insert timeline entry", err)
	}
	return nil
}

type sqlRow interface {
	Scan(dest ...any) error
}

func scanSQLiteEntity(row sqlRow) (model.Entity, error) {
	var e model.Entity
	var score sql.NullFloat64
	var assignee sql.NullString
	var details, createdAt, updatedAt string
	if err := row.Scan(
		&e.ID, &e.Type, &e.Status, &score, &assignee, &details, &e.Version,
		&createdAt, &updatedAt,
	); err != nil {
		return model.Entity{}, err
	}
	if score.Valid {
		v := score.Float64
		e.Score = &v
	}
	if assignee.Valid {
		v := assignee.String
		e.Assignee = &v
	}
	if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
		return model.Entity{}, fmt.Errorf("unmarshal details: %w", err)
	}
	var err error
	if e.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return model.Entity{}, err
	}
	if e.UpdatedAt, err = parseSQLiteTime(updatedAt); err != nil {
		return model.Entity{}, err
	}
	return e, nil
}

// isSQLiteDuplicate reports whether err is a primary key or unique violation.
func isSQLiteDuplicate(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseSQLiteTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullStringPtr(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}
