package history

import (
	"context"
	"fmt"

	"github.com/ilnaes/ptseq/internal/common"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore keeps one document per server action in the "history"
// collection.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

func OpenMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	if database == "" {
		database = "ptseq"
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	coll := client.Database(database).Collection("history")
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo index: %w", err)
	}
	log.Infof("history in mongo database %s", database)
	return &MongoStore{client: client, coll: coll}, nil
}

func (s *MongoStore) Append(ctx context.Context, a common.ServerAction) error {
	_, err := s.coll.InsertOne(ctx, a)
	return err
}

func (s *MongoStore) Load(ctx context.Context) ([]common.ServerAction, error) {
	cur, err := s.coll.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var res []common.ServerAction
	if err := cur.All(ctx, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *MongoStore) Close() error {
	return s.client.Disconnect(context.Background())
}
