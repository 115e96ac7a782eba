package mongo

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
)

type mockCollection struct {
	mock.Mock
}

func (m *mockCollection) UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	args := m.Called(ctx, filter, update)
	res, _ := args.Get(0).(*mongo.UpdateResult)
	return res, args.Error(1)
}

func (m *mockCollection) BulkWrite(ctx context.Context, models []mongo.WriteModel, opts ...*options.BulkWriteOptions) (*mongo.BulkWriteResult, error) {
	args := m.Called(ctx, models)
	res, _ := args.Get(0).(*mongo.BulkWriteResult)
	return res, args.Error(1)
}

func TestUpsertUsesSetOnInsertForIdentity(t *testing.T) {
	t.Parallel()
	coll := &mockCollection{}
	store := NewWithCollection(coll, nil)

	p := catalog.Product{Identity: "id-1", Title: "Amp", Link: "https://shop.test/amp"}
	coll.On("UpdateOne", mock.Anything, bson.D{{Key: "link", Value: p.Link}}, mock.MatchedBy(func(u bson.D) bool {
		if len(u) != 2 || u[0].Key != "$set" || u[1].Key != "$setOnInsert" {
			return false
		}
		onInsert := u[1].Value.(bson.D)
		return onInsert[0].Key == "identity" && onInsert[0].Value == "id-1"
	})).Return(&mongo.UpdateResult{UpsertedCount: 1}, nil)

	require.NoError(t, store.Upsert(context.Background(), p))
	coll.AssertExpectations(t)
}

func TestUpsertManySingleRecordUsesUpdateOne(t *testing.T) {
	t.Parallel()
	coll := &mockCollection{}
	store := NewWithCollection(coll, nil)

	ok := catalog.Product{Identity: "a", Link: "https://shop.test/a"}
	coll.On("UpdateOne", mock.Anything, bson.D{{Key: "link", Value: ok.Link}}, mock.Anything).
		Return(&mongo.UpdateResult{MatchedCount: 1}, nil).Once()
	failures, err := store.UpsertMany(context.Background(), []catalog.Product{ok})
	require.NoError(t, err)
	require.Empty(t, failures)

	bad := catalog.Product{Identity: "b", Link: "https://shop.test/b"}
	coll.On("UpdateOne", mock.Anything, bson.D{{Key: "link", Value: bad.Link}}, mock.Anything).
		Return(nil, errors.New("write conflict")).Once()
	failures, err = store.UpsertMany(context.Background(), []catalog.Product{bad})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	require.Equal(t, bad.Link, failures[0].Link)

	coll.AssertExpectations(t)
	coll.AssertNotCalled(t, "BulkWrite", mock.Anything, mock.Anything)
}

func TestUpsertManyMapsWriteErrors(t *testing.T) {
	t.Parallel()
	coll := &mockCollection{}
	store := NewWithCollection(coll, nil)

	products := []catalog.Product{
		{Identity: "a", Link: "https://shop.test/a"},
		{Identity: "b", Link: "https://shop.test/b"},
		{Identity: "c", Link: "https://shop.test/c"},
	}
	bulkErr := mongo.BulkWriteException{
		WriteErrors: []mongo.BulkWriteError{
			{WriteError: mongo.WriteError{Index: 1, Code: 11000, Message: "duplicate key"}},
		},
	}
	coll.On("BulkWrite", mock.Anything, mock.MatchedBy(func(models []mongo.WriteModel) bool {
		return len(models) == 3
	})).Return(nil, bulkErr)

	failures, err := store.UpsertMany(context.Background(), products)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	require.Equal(t, "https://shop.test/b", failures[0].Link)
}

func TestUpsertManyGenericErrorFailsBatch(t *testing.T) {
	t.Parallel()
	coll := &mockCollection{}
	store := NewWithCollection(coll, nil)

	coll.On("BulkWrite", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset"))

	failures, err := store.UpsertMany(context.Background(), []catalog.Product{
		{Identity: "a", Link: "https://shop.test/a"},
		{Identity: "b", Link: "https://shop.test/b"},
	})
	require.NoError(t, err)
	require.Len(t, failures, 2)
}

func TestUpsertManySkipsEmptyBatch(t *testing.T) {
	t.Parallel()
	coll := &mockCollection{}
	store := NewWithCollection(coll, nil)

	failures, err := store.UpsertMany(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, failures)
	coll.AssertNotCalled(t, "BulkWrite", mock.Anything, mock.Anything)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()
	_, err := New(context.Background(), Config{}, nil)
	require.Error(t, err)
	_, err = New(context.Background(), Config{URI: "mongodb://localhost:27017"}, nil)
	require.Error(t, err)
}
