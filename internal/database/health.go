package database

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// PostgresHealth checks a pgx pool.
type PostgresHealth struct{ Pool *pgxpool.Pool }

// HealthCheck pings the pool.
func (h PostgresHealth) HealthCheck(ctx context.Context) error { return h.Pool.Ping(ctx) }

// MongoHealth checks a Mongo client against the primary.
type MongoHealth struct{ Client *mongo.Client }

// HealthCheck pings the primary.
func (h MongoHealth) HealthCheck(ctx context.Context) error {
	return h.Client.Ping(ctx, readpref.Primary())
}

// SQLHealth checks a database/sql handle.
type SQLHealth struct{ DB *sql.DB }

// HealthCheck pings the database.
func (h SQLHealth) HealthCheck(ctx context.Context) error { return h.DB.PingContext(ctx) }
