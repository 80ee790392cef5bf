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

const (
	registryCollection = "migration_registry"

	// registryDocumentID pins the registry to a single document. There is one
	// migration state per deployment, not one per process.
	registryDocumentID = "singleton"
)

// MongoPolicyStore persists the registry's singleton state document.
type MongoPolicyStore struct {
	collection *mongo.Collection
	logger     logger.Logger
}

// NewMongoPolicyStore creates a MongoDB-backed policy store.
func NewMongoPolicyStore(db *mongo.Database, log logger.Logger) *MongoPolicyStore {
	return &MongoPolicyStore{
		collection: db.Collection(registryCollection),
		logger:     log.WithComponent("mongo_policy_store"),
	}
}

type registryDocument struct {
	ID    string               `bson:"_id"`
	State *model.RegistryState `bson:"state"`
}

// Load returns the persisted registry state.
func (s *MongoPolicyStore) Load(ctx context.Context) (*model.RegistryState, error) {
	var doc registryDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": registryDocumentID}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, errors.NewNotFoundError("migration registry state").
				WithCause(errors.ErrNotFound)
		}
		s.logger.Errorf("Failed to load registry state: %v", err)
		return nil, errors.NewInfrastructureError("load registry state").
			WithCause(errors.ErrStoreUnavailable).
			WithDetail("cause", err.Error())
	}
	if doc.State == nil {
		return nil, errors.NewNotFoundError("migration registry state").
			WithCause(errors.ErrNotFound)
	}
	return doc.State, nil
}

// Save replaces the persisted registry state, creating it on first write.
func (s *MongoPolicyStore) Save(ctx context.Context, state *model.RegistryState) error {
	_, err := s.collection.ReplaceOne(ctx,
		bson.M{"_id": registryDocumentID},
		registryDocument{ID: registryDocumentID, State: state},
		options.Replace().SetUpsert(true))
	if err != nil {
		s.logger.Errorf("Failed to save registry state: %v", err)
		return errors.NewInfrastructureError("save registry state").
			WithCause(errors.ErrStoreUnavailable).
			WithDetail("cause", err.Error())
	}
	return nil
}
