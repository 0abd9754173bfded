package inventory

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var _ Store = (*MongoInventoryStore)(nil)

// MongoInventoryStore keeps the inventory document in a MongoDB collection,
// one document per fleet.
type MongoInventoryStore struct {
	Client     *mongo.Client
	Collection *mongo.Collection
	ID         string
}

func NewMongoStore(uri, dbName, collName, id string) (*MongoInventoryStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	//  ping to verify connection
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &MongoInventoryStore{
		Client:     client,
		Collection: client.Database(dbName).Collection(collName),
		ID:         id,
	}, nil
}

func (m *MongoInventoryStore) Load(out any) error {
	filter := bson.M{"_id": m.ID}
	res := m.Collection.FindOne(context.Background(), filter)

	if err := res.Err(); err != nil {
		if err == mongo.ErrNoDocuments {
			return fmt.Errorf("inventory document %q not found", m.ID)
		}
		return fmt.Errorf("MongoDB FindOne failed: %w", err)
	}
	if err := res.Decode(out); err != nil {
		return fmt.Errorf("failed to decode inventory document: %w", err)
	}
	return nil
}

func (m *MongoInventoryStore) Save(in any) error {
	if in == nil {
		return fmt.Errorf("Save: input parameter must not be nil")
	}
	_, err := m.Collection.ReplaceOne(
		context.Background(),
		bson.M{"_id": m.ID},
		in,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("Save: MongoDB ReplaceOne failed: %w", err)
	}
	return nil
}

func (m *MongoInventoryStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.Client.Disconnect(ctx)
}
