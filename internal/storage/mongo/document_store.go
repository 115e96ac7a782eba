// Package mongo provides a MongoDB document store for products.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
)

// Config controls the MongoDB connection.
type Config struct {
	URI            string
	Database       string
	Collection     string
	ConnectTimeout time.Duration
}

type collection interface {
	UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	BulkWrite(ctx context.Context, models []mongo.WriteModel, opts ...*options.BulkWriteOptions) (*mongo.BulkWriteResult, error)
}

// DocumentStore writes products into a collection with link as the unique key.
type DocumentStore struct {
	client *mongo.Client
	coll   collection
	logger *zap.Logger
}

// New connects to MongoDB, ensures the unique link index and returns a store.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*DocumentStore, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("documents.uri is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("documents.database is required")
	}
	if cfg.Collection == "" {
		cfg.Collection = "products"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	coll := client.Database(cfg.Database).Collection(cfg.Collection)
	_, err = coll.Indexes().CreateOne(connectCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "link", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("create link index: %w", err)
	}
	store := NewWithCollection(coll, logger)
	store.client = client
	return store, nil
}

// NewWithCollection wraps an existing collection handle (primarily for testing).
func NewWithCollection(coll collection, logger *zap.Logger) *DocumentStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocumentStore{coll: coll, logger: logger}
}

// Close disconnects the client if the store owns one.
func (s *DocumentStore) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

func upsertModel(p catalog.Product) *mongo.UpdateOneModel {
	return mongo.NewUpdateOneModel().
		SetFilter(bson.D{{Key: "link", Value: p.Link}}).
		SetUpdate(updateDoc(p)).
		SetUpsert(true)
}

func updateDoc(p catalog.Product) bson.D {
	return bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "title", Value: p.Title},
			{Key: "price", Value: p.Price},
			{Key: "image", Value: p.Image},
			{Key: "link", Value: p.Link},
			{Key: "updatedAt", Value: time.Now().UTC()},
		}},
		{Key: "$setOnInsert", Value: bson.D{{Key: "identity", Value: p.Identity}}},
	}
}

// Upsert writes one product; identity is only set when the document is created.
func (s *DocumentStore) Upsert(ctx context.Context, product catalog.Product) error {
	if product.Link == "" {
		return fmt.Errorf("product link is required")
	}
	_, err := s.coll.UpdateOne(ctx,
		bson.D{{Key: "link", Value: product.Link}},
		updateDoc(product),
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert product %s: %w", product.Link, err)
	}
	return nil
}

// UpsertMany sends one unordered bulk write, or a single UpdateOne for a
// one-record batch. Per-document write errors become UpsertFailures; any
// other error fails every record in the batch.
func (s *DocumentStore) UpsertMany(ctx context.Context, products []catalog.Product) ([]catalog.UpsertFailure, error) {
	var (
		failures []catalog.UpsertFailure
		models   []mongo.WriteModel
		batch    []catalog.Product
	)
	for _, p := range products {
		if p.Link == "" {
			failures = append(failures, catalog.UpsertFailure{Err: fmt.Errorf("product link is required")})
			continue
		}
		models = append(models, upsertModel(p))
		batch = append(batch, p)
	}
	switch len(models) {
	case 0:
		return failures, nil
	case 1:
		// A lone record, usually a repair retry, skips the bulk round trip.
		p := batch[0]
		if err := s.Upsert(ctx, p); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return failures, fmt.Errorf("upsert canceled: %w", ctxErr)
			}
			s.logger.Warn("document upsert failed", zap.String("link", p.Link), zap.Error(err))
			failures = append(failures, catalog.UpsertFailure{Link: p.Link, Err: err})
		}
		return failures, nil
	}

	_, err := s.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err == nil {
		return failures, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return failures, fmt.Errorf("bulk upsert canceled: %w", ctxErr)
	}

	var bulkErr mongo.BulkWriteException
	if errors.As(err, &bulkErr) && len(bulkErr.WriteErrors) > 0 {
		for _, we := range bulkErr.WriteErrors {
			if we.Index < 0 || we.Index >= len(batch) {
				continue
			}
			link := batch[we.Index].Link
			s.logger.Warn("document upsert failed", zap.String("link", link), zap.String("error", we.Message))
			failures = append(failures, catalog.UpsertFailure{
				Link: link,
				Err:  fmt.Errorf("upsert product %s: %s", link, we.Message),
			})
		}
		return failures, nil
	}

	s.logger.Warn("bulk upsert failed", zap.Int("records", len(batch)), zap.Error(err))
	for _, p := range batch {
		failures = append(failures, catalog.UpsertFailure{Link: p.Link, Err: fmt.Errorf("bulk upsert: %w", err)})
	}
	return failures, nil
}
