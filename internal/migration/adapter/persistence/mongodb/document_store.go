package mongodb

import (
	"context"
	"fmt"
	"time"

	"tradeya-migration/internal/migration/domain/model"
	"tradeya-migration/internal/migration/domain/repository"
	"tradeya-migration/internal/shared/errors"
	"tradeya-migration/internal/shared/logger"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDocumentStore implements repository.DocumentStore over a MongoDB
// database. Decoded documents are normalized to plain maps and slices so the
// domain layer never sees driver types.
type MongoDocumentStore struct {
	db     *mongo.Database
	logger logger.Logger
}

// NewMongoDocumentStore creates a MongoDB-backed document store.
func NewMongoDocumentStore(db *mongo.Database, log logger.Logger) *MongoDocumentStore {
	return &MongoDocumentStore{
		db:     db,
		logger: log.WithComponent("mongo_document_store"),
	}
}

// Get returns one document by ID.
func (s *MongoDocumentStore) Get(ctx context.Context, collection, id string) (model.RawDocument, error) {
	var raw bson.M
	err := s.db.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Decode(&raw)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, errors.NewNotFoundError("document").
				WithDetail("collection", collection).
				WithDetail("document_id", id).
				WithCause(errors.ErrDocumentNotFound)
		}
		return nil, s.infra("get document", collection, err)
	}
	return toRawDocument(raw), nil
}

// Find runs a filtered, sorted, bounded query.
func (s *MongoDocumentStore) Find(ctx context.Context, collection string, q repository.Query) ([]model.RawDocument, error) {
	opts := options.Find()
	if q.OrderBy != "" {
		dir := 1
		if q.Descending {
			dir = -1
		}
		opts.SetSort(bson.D{{Key: q.OrderBy, Value: dir}})
	}
	if q.Limit > 0 {
		opts.SetLimit(q.Limit)
	}

	cursor, err := s.db.Collection(collection).Find(ctx, toBSONFilter(q.Filter), opts)
	if err != nil {
		return nil, s.infra("find documents", collection, err)
	}
	defer cursor.Close(ctx)
	return s.decodeAll(ctx, collection, cursor)
}

// Insert stores a new document.
func (s *MongoDocumentStore) Insert(ctx context.Context, collection string, doc model.RawDocument) error {
	if doc.ID() == "" {
		return errors.NewValidationError("document has no _id field")
	}
	if _, err := s.db.Collection(collection).InsertOne(ctx, bson.M(doc)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errors.NewConflictError(fmt.Sprintf("document %s already exists in %s", doc.ID(), collection))
		}
		return s.infra("insert document", collection, err)
	}
	return nil
}

// Update sets fields unconditionally.
func (s *MongoDocumentStore) Update(ctx context.Context, collection, id string, set map[string]interface{}) error {
	result, err := s.db.Collection(collection).UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M(set)})
	if err != nil {
		return s.infra("update document", collection, err)
	}
	if result.MatchedCount == 0 {
		return errors.NewNotFoundError("document").
			WithDetail("collection", collection).
			WithDetail("document_id", id).
			WithCause(errors.ErrDocumentNotFound)
	}
	return nil
}

// UpdateIfSchemaVersion sets fields only if the document still carries the
// expected schema version at write time. An absent schemaVersion field counts
// as legacy. MatchedCount zero on an existing document means a concurrent
// writer advanced the version first; the single conditional UpdateOne is the
// entire synchronization protocol.
func (s *MongoDocumentStore) UpdateIfSchemaVersion(ctx context.Context, collection, id string, expected model.SchemaVersion, set map[string]interface{}) error {
	filter := bson.M{"_id": id}
	if expected == model.SchemaVersionLegacy {
		filter["$or"] = bson.A{
			bson.M{model.SchemaVersionField: bson.M{"$exists": false}},
			bson.M{model.SchemaVersionField: string(model.SchemaVersionLegacy)},
		}
	} else {
		filter[model.SchemaVersionField] = string(expected)
	}

	result, err := s.db.Collection(collection).UpdateOne(ctx, filter, bson.M{"$set": bson.M(set)})
	if err != nil {
		return s.infra("conditional update", collection, err)
	}
	if result.MatchedCount == 0 {
		// Distinguish a lost race from a missing document.
		count, countErr := s.db.Collection(collection).CountDocuments(ctx, bson.M{"_id": id})
		if countErr != nil {
			return s.infra("conditional update", collection, countErr)
		}
		if count == 0 {
			return errors.NewNotFoundError("document").
				WithDetail("collection", collection).
				WithDetail("document_id", id).
				WithCause(errors.ErrDocumentNotFound)
		}
		return errors.NewConflictError(fmt.Sprintf("schema version of %s in %s changed concurrently", id, collection))
	}
	return nil
}

// UnsetFields removes fields from a document.
func (s *MongoDocumentStore) UnsetFields(ctx context.Context, collection, id string, fields []string) error {
	unset := bson.M{}
	for _, f := range fields {
		unset[f] = ""
	}
	result, err := s.db.Collection(collection).UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$unset": unset})
	if err != nil {
		return s.infra("unset fields", collection, err)
	}
	if result.MatchedCount == 0 {
		return errors.NewNotFoundError("document").
			WithDetail("collection", collection).
			WithDetail("document_id", id).
			WithCause(errors.ErrDocumentNotFound)
	}
	return nil
}

// Scan returns up to limit documents with _id greater than afterID in
// ascending _id order.
func (s *MongoDocumentStore) Scan(ctx context.Context, collection, afterID string, limit int64) ([]model.RawDocument, error) {
	filter := bson.M{}
	if afterID != "" {
		filter["_id"] = bson.M{"$gt": afterID}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(limit)

	cursor, err := s.db.Collection(collection).Find(ctx, filter, opts)
	if err != nil {
		return nil, s.infra("scan documents", collection, err)
	}
	defer cursor.Close(ctx)
	return s.decodeAll(ctx, collection, cursor)
}

// Count returns the number of documents matching the filter.
func (s *MongoDocumentStore) Count(ctx context.Context, collection string, filter repository.FieldFilter) (int64, error) {
	count, err := s.db.Collection(collection).CountDocuments(ctx, toBSONFilter(filter))
	if err != nil {
		return 0, s.infra("count documents", collection, err)
	}
	return count, nil
}

// Sample returns up to limit documents updated since the given time, most
// recent first.
func (s *MongoDocumentStore) Sample(ctx context.Context, collection string, updatedSince time.Time, limit int64) ([]model.RawDocument, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "updatedAt", Value: -1}}).
		SetLimit(limit)

	cursor, err := s.db.Collection(collection).Find(ctx,
		bson.M{"updatedAt": bson.M{"$gte": updatedSince}}, opts)
	if err != nil {
		return nil, s.infra("sample documents", collection, err)
	}
	defer cursor.Close(ctx)
	return s.decodeAll(ctx, collection, cursor)
}

func (s *MongoDocumentStore) decodeAll(ctx context.Context, collection string, cursor *mongo.Cursor) ([]model.RawDocument, error) {
	var out []model.RawDocument
	for cursor.Next(ctx) {
		var raw bson.M
		if err := cursor.Decode(&raw); err != nil {
			return nil, s.infra("decode document", collection, err)
		}
		out = append(out, toRawDocument(raw))
	}
	if err := cursor.Err(); err != nil {
		return nil, s.infra("iterate cursor", collection, err)
	}
	return out, nil
}

func (s *MongoDocumentStore) infra(op, collection string, err error) error {
	s.logger.WithFields(map[string]interface{}{
		"collection": collection,
		"operation":  op,
	}).Errorf("Store operation failed: %v", err)
	return errors.NewInfrastructureError(fmt.Sprintf("%s in %s", op, collection)).
		WithCause(errors.ErrStoreUnavailable).
		WithDetail("cause", err.Error())
}

func toBSONFilter(filter repository.FieldFilter) bson.M {
	out := bson.M{}
	for k, v := range filter {
		out[k] = v
	}
	return out
}

// toRawDocument converts a decoded BSON document into plain maps, slices, and
// times, recursively. The domain layer's field accessors expect these shapes.
func toRawDocument(raw bson.M) model.RawDocument {
	out := make(model.RawDocument, len(raw))
	for k, v := range raw {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case bson.M:
		return map[string]interface{}(toRawDocument(val))
	case bson.D:
		m := make(map[string]interface{}, len(val))
		for _, e := range val {
			m[e.Key] = normalizeValue(e.Value)
		}
		return m
	case bson.A:
		out := make([]interface{}, 0, len(val))
		for _, e := range val {
			out = append(out, normalizeValue(e))
		}
		return out
	case primitive.DateTime:
		return val.Time()
	case primitive.ObjectID:
		return val.Hex()
	default:
		return v
	}
}
