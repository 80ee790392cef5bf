package mongodb

import (
	"context"

	"tradeya-migration/internal/migration/domain/model"
	"tradeya-migration/internal/shared/errors"
	"tradeya-migration/internal/shared/logger"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const progressCollection = "migration_progress"

// MongoProgressStore persists per-collection backfill progress. The record is
// keyed by collection name, so there is at most one progress record per
// collection and an interrupted run always finds its own cursor.
type MongoProgressStore struct {
	collection *mongo.Collection
	logger     logger.Logger
}

// NewMongoProgressStore creates a MongoDB-backed progress store.
func NewMongoProgressStore(db *mongo.Database, log logger.Logger) *MongoProgressStore {
	return &MongoProgressStore{
		collection: db.Collection(progressCollection),
		logger:     log.WithComponent("mongo_progress_store"),
	}
}

// Get returns the progress record for a collection.
func (s *MongoProgressStore) Get(ctx context.Context, collection string) (*model.MigrationProgress, error) {
	var progress model.MigrationProgress
	err := s.collection.FindOne(ctx, bson.M{"_id": collection}).Decode(&progress)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, errors.NewNotFoundError("migration progress").
				WithDetail("collection", collection).
				WithCause(errors.ErrNotFound)
		}
		s.logger.Errorf("Failed to load progress for %s: %v", collection, err)
		return nil, errors.NewInfrastructureError("load migration progress").
			WithCause(errors.ErrStoreUnavailable).
			WithDetail("cause", err.Error())
	}
	return &progress, nil
}

// Save upserts the progress record.
func (s *MongoProgressStore) Save(ctx context.Context, progress *model.MigrationProgress) error {
	_, err := s.collection.ReplaceOne(ctx,
		bson.M{"_id": progress.Collection},
		progress,
		options.Replace().SetUpsert(true))
	if err != nil {
		s.logger.Errorf("Failed to save progress for %s: %v", progress.Collection, err)
		return errors.NewInfrastructureError("save migration progress").
			WithCause(errors.ErrStoreUnavailable).
			WithDetail("cause", err.Error())
	}
	return nil
}
