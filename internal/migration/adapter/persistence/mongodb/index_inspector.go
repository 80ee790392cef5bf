package mongodb

import (
	"context"

	"tradeya-migration/internal/migration/domain/model"
	"tradeya-migration/internal/shared/errors"
	"tradeya-migration/internal/shared/logger"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// MongoIndexInspector reads secondary index metadata for the verifier.
type MongoIndexInspector struct {
	db     *mongo.Database
	logger logger.Logger
}

// NewMongoIndexInspector creates a MongoDB-backed index inspector.
func NewMongoIndexInspector(db *mongo.Database, log logger.Logger) *MongoIndexInspector {
	return &MongoIndexInspector{
		db:     db,
		logger: log.WithComponent("mongo_index_inspector"),
	}
}

type indexListing struct {
	Name string `bson:"name"`
	Key  bson.D `bson:"key"`
}

// ListIndexes returns the indexes defined on a collection. Key order is
// preserved because compound index prefixes matter to the verifier.
func (i *MongoIndexInspector) ListIndexes(ctx context.Context, collection string) ([]model.IndexSpec, error) {
	cursor, err := i.db.Collection(collection).Indexes().List(ctx)
	if err != nil {
		i.logger.Errorf("Failed to list indexes for %s: %v", collection, err)
		return nil, errors.NewInfrastructureError("list indexes").
			WithCause(errors.ErrStoreUnavailable).
			WithDetail("cause", err.Error())
	}
	defer cursor.Close(ctx)

	var specs []model.IndexSpec
	for cursor.Next(ctx) {
		var listing indexListing
		if err := cursor.Decode(&listing); err != nil {
			return nil, errors.NewInfrastructureError("decode index listing").
				WithCause(errors.ErrStoreUnavailable).
				WithDetail("cause", err.Error())
		}
		spec := model.IndexSpec{
			Name:       listing.Name,
			Collection: collection,
		}
		for _, key := range listing.Key {
			spec.Keys = append(spec.Keys, model.IndexKey{
				Field:      key.Key,
				Descending: isDescending(key.Value),
			})
		}
		specs = append(specs, spec)
	}
	if err := cursor.Err(); err != nil {
		return nil, errors.NewInfrastructureError("iterate index listings").
			WithCause(errors.ErrStoreUnavailable).
			WithDetail("cause", err.Error())
	}
	return specs, nil
}

func isDescending(v interface{}) bool {
	switch n := v.(type) {
	case int32:
		return n < 0
	case int64:
		return n < 0
	case int:
		return n < 0
	case float64:
		return n < 0
	}
	return false
}
