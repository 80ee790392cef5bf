package mongodb

import (
	"context"
	"time"

	"tradeya-migration/internal/migration/domain/model"
	"tradeya-migration/internal/shared/errors"
	"tradeya-migration/internal/shared/logger"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const snapshotCollection = "migration_snapshots"

// MongoSnapshotStore records references to externally taken backup snapshots.
type MongoSnapshotStore struct {
	collection *mongo.Collection
	logger     logger.Logger
}

// NewMongoSnapshotStore creates a MongoDB-backed snapshot store.
func NewMongoSnapshotStore(db *mongo.Database, log logger.Logger) *MongoSnapshotStore {
	return &MongoSnapshotStore{
		collection: db.Collection(snapshotCollection),
		logger:     log.WithComponent("mongo_snapshot_store"),
	}
}

// Record stores a snapshot reference.
func (s *MongoSnapshotStore) Record(ctx context.Context, snapshot *model.BackupSnapshot) error {
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now()
	}
	if _, err := s.collection.InsertOne(ctx, snapshot); err != nil {
		s.logger.Errorf("Failed to record snapshot %s: %v", snapshot.ID, err)
		return errors.NewInfrastructureError("record snapshot").
			WithCause(errors.ErrStoreUnavailable).
			WithDetail("cause", err.Error())
	}
	return nil
}

// Latest returns the most recently recorded snapshot reference.
func (s *MongoSnapshotStore) Latest(ctx context.Context) (*model.BackupSnapshot, error) {
	var snapshot model.BackupSnapshot
	err := s.collection.FindOne(ctx, bson.M{},
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})).Decode(&snapshot)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, errors.NewNotFoundError("backup snapshot").
				WithCause(errors.ErrNotFound)
		}
		s.logger.Errorf("Failed to load latest snapshot: %v", err)
		return nil, errors.NewInfrastructureError("load latest snapshot").
			WithCause(errors.ErrStoreUnavailable).
			WithDetail("cause", err.Error())
	}
	return &snapshot, nil
}
