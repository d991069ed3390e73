package workflow

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/pitabwire/hireflow/model"
)

// MongoStore is a Store backed by MongoDB. Timeline writes run inside
// multi-document transactions, so the server must be a replica set member.
type MongoStore struct {
	client   *mongo.Client
	entities *mongo.Collection
	entries  *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore creates a Mongo-backed store. dbName defaults to "hireflow".
func NewMongoStore(client *mongo.Client, dbName string) *MongoStore {
	if dbName == "" {
		dbName = "hireflow"
	}
	db := client.Database(dbName)
	return &MongoStore{
		client:   client,
		entities: db.Collection("entities"),
		entries:  db.Collection("timeline_entries"),
	}
}

// EnsureIndexes creates the listing and timeline indexes. It is idempotent.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.entities.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "type", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create entity indexes: %w", err)
	}
	_, err = s.entries.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "entity_id", Value: 1}, {Key: "date", Value: 1}, {Key: "_id", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("create timeline index: %w", err)
	}
	return nil
}

type mongoEntityDoc struct {
	ID        string              `bson:"_id"`
	Type      string              `bson:"type"`
	Status    string              `bson:"status"`
	Score     *float64            `bson:"score"`
	Assignee  *string             `bson:"assignee"`
	Details   model.EntityDetails `bson:"details"`
	Version   int64               `bson:"version"`
	CreatedAt time.Time           `bson:"created_at"`
	UpdatedAt time.Time           `bson:"updated_at"`
}

type mongoEntryDoc struct {
	ID              string              `bson:"_id"`
	EntityID        string              `bson:"entity_id"`
	Action          string              `bson:"action"`
	Status          string              `bson:"status,omitempty"`
	FromStatus      string              `bson:"from_status,omitempty"`
	Notes           string              `bson:"notes,omitempty"`
	Changes         []model.FieldChange `bson:"changes,omitempty"`
	PerformedBy     string              `bson:"performed_by,omitempty"`
	PerformedByName string              `bson:"performed_by_name"`
	Date            time.Time           `bson:"date"`
}

func toMongoEntity(e model.Entity) mongoEntityDoc {
	return mongoEntityDoc{
		ID: e.ID, Type: e.Type, Status: e.Status, Score: e.Score, Assignee: e.Assignee,
		Details: e.Details, Version: e.Version, CreatedAt: e.CreatedAt, UpdatedAt: e.UpdatedAt,
	}
}

func (d mongoEntityDoc) toModel() model.Entity {
	return model.Entity{
		ID: d.ID, Type: d.Type, Status: d.Status, Score: d.Score, Assignee: d.Assignee,
		Details: d.Details, Version: d.Version,
		CreatedAt: d.CreatedAt.UTC(), UpdatedAt: d.UpdatedAt.UTC(),
	}
}

func toMongoEntry(e model.TimelineEntry) mongoEntryDoc {
	return mongoEntryDoc{
		ID: e.ID, EntityID: e.EntityID, Action: e.Action, Status: e.Status,
		FromStatus: e.FromStatus, Notes: e.Notes, Changes: e.Changes,
		PerformedBy: e.PerformedBy, PerformedByName: e.PerformedByName, Date: e.Date,
	}
}

func (d mongoEntryDoc) toModel() model.TimelineEntry {
	return model.TimelineEntry{
		ID: d.ID, EntityID: d.EntityID, Action: d.Action, Status: d.Status,
		FromStatus: d.FromStatus, Notes: d.Notes, Changes: d.Changes,
		PerformedBy: d.PerformedBy, PerformedByName: d.PerformedByName, Date: d.Date.UTC(),
	}
}

// Create inserts a new entity.
func (s *MongoStore) Create(ctx context.Context, e model.Entity) error {
	_, err := s.entities.InsertOne(ctx, toMongoEntity(e))
	if mongo.IsDuplicateKeyError(err) {
		return model.NewConflictError(fmt.Sprintf("entity %q already exists", e.ID))
	}
	if err != nil {
		return model.NewStorageError("insert entity", err)
	}
	return nil
}

// Get retrieves an entity by ID.
func (s *MongoStore) Get(ctx context.Context, id string) (model.Entity, error) {
	var doc mongoEntityDoc
	err := s.entities.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Entity{}, entityNotFound(id)
	}
	if err != nil {
		return model.Entity{}, model.NewStorageError("find entity", err)
	}
	return doc.toModel(), nil
}

// List returns matching entities, newest first.
func (s *MongoStore) List(ctx context.Context, filters model.EntityFilters) ([]model.Entity, int, error) {
	filter := bson.M{}
	if filters.Type != "" {
		filter["type"] = filters.Type
	}
	if filters.Status != "" {
		filter["status"] = filters.Status
	}
	if filters.Assignee != "" {
		filter["assignee"] = filters.Assignee
	}

	total, err := s.entities.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, model.NewStorageError("count entities", err)
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if filters.Offset > 0 {
		opts.SetSkip(int64(filters.Offset))
	}
	if filters.Limit > 0 {
		opts.SetLimit(int64(filters.Limit))
	}

	cur, err := s.entities.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, model.NewStorageError("find entities", err)
	}
	defer cur.Close(ctx)

	entities := []model.Entity{}
	for cur.Next(ctx) {
		var doc mongoEntityDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, 0, model.NewStorageError("decode entity", err)
		}
		entities = append(entities, doc.toModel())
	}
	if err := cur.Err(); err != nil {
		return nil, 0, model.NewStorageError("find entities", err)
	}
	return entities, int(total), nil
}

// ApplyTransition updates the entity with a version filter and inserts the
// entry in one session transaction.
func (s *MongoStore) ApplyTransition(ctx context.Context, m Mutation) (model.Entity, error) {
	sess, err := s.client.StartSession()
	if err != nil {
		return model.Entity{}, model.NewStorageError("start session", err)
	}
	defer sess.EndSession(ctx)

	result, err := sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		last, err := s.latestEntryDate(sc, m.Next.ID)
		if err != nil {
			return nil, err
		}
		m := m.sequenced(last)
		update := bson.M{
			"$set": bson.M{
				"status":        m.Next.Status,
				"score":         m.Next.Score,
				"assignee":      m.Next.Assignee,
				"updated_at":    m.Next.UpdatedAt,
				"last_entry_at": m.Entry.Date,
			},
			"$inc": bson.M{"version": 1},
		}
		var doc mongoEntityDoc
		err = s.entities.FindOneAndUpdate(sc,
			bson.M{"_id": m.Next.ID, "version": m.ExpectedVersion},
			update,
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, s.missOrConflict(sc, m.Next.ID, m.ExpectedVersion)
		}
		if err != nil {
			return nil, err
		}
		if _, err := s.entries.InsertOne(sc, toMongoEntry(m.Entry)); err != nil {
			return nil, err
		}
		return doc.toModel(), nil
	})
	if err != nil {
		return model.Entity{}, model.AsStorageError("apply transition", err)
	}
	return result.(model.Entity), nil
}

func (s *MongoStore) missOrConflict(ctx context.Context, id string, expected int64) error {
	var doc mongoEntityDoc
	err := s.entities.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return entityNotFound(id)
	}
	if err != nil {
		return err
	}
	return versionConflict(id, expected, doc.Version)
}

// latestEntryDate returns the date of the entity's newest entry, or zero.
func (s *MongoStore) latestEntryDate(ctx context.Context, entityID string) (time.Time, error) {
	var doc mongoEntryDoc
	err := s.entries.FindOne(ctx,
		bson.M{"entity_id": entityID},
		options.FindOne().SetSort(bson.D{{Key: "date", Value: -1}, {Key: "_id", Value: -1}}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return doc.Date.UTC(), nil
}

// AppendEntry inserts an entry for an existing entity. Stamping the entity's
// last_entry_at makes concurrent writers to one timeline conflict, and the
// losing transaction is retried against the new latest date.
func (s *MongoStore) AppendEntry(ctx context.Context, entry model.TimelineEntry) (string, error) {
	sess, err := s.client.StartSession()
	if err != nil {
		return "", model.NewStorageError("start session", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		last, err := s.latestEntryDate(sc, entry.EntityID)
		if err != nil {
			return nil, err
		}
		entry := entry
		entry.Date = nextEntryDate(last, entry.Date)

		res, err := s.entities.UpdateOne(sc,
			bson.M{"_id": entry.EntityID},
			bson.M{"$set": bson.M{"last_entry_at": entry.Date}},
		)
		if err != nil {
			return nil, err
		}
		if res.MatchedCount == 0 {
			return nil, entityNotFound(entry.EntityID)
		}
		if _, err := s.entries.InsertOne(sc, toMongoEntry(entry)); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		return "", model.AsStorageError("append entry", err)
	}
	return entry.ID, nil
}

// ListByEntity queries the entity's entries each time it is ranged over.
func (s *MongoStore) ListByEntity(ctx context.Context, entityID string) iter.Seq2[model.TimelineEntry, error] {
	return func(yield func(model.TimelineEntry, error) bool) {
		opts := options.Find().SetSort(bson.D{{Key: "date", Value: 1}, {Key: "_id", Value: 1}})
		cur, err := s.entries.Find(ctx, bson.M{"entity_id": entityID}, opts)
		if err != nil {
			yield(model.TimelineEntry{}, model.NewStorageError("find timeline", err))
			return
		}
		defer cur.Close(ctx)

		for cur.Next(ctx) {
			var doc mongoEntryDoc
			if err := cur.Decode(&doc); err != nil {
				yield(model.TimelineEntry{}, model.NewStorageError("decode timeline entry", err))
				return
			}
			if !yield(doc.toModel(), nil) {
				return
			}
		}
		if err := cur.Err(); err != nil {
			yield(model.TimelineEntry{}, model.NewStorageError("find timeline", err))
		}
	}
}
