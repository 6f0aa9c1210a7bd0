package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

// MongoDialer dials MongoDB with the official driver.
type MongoDialer struct {
	ServerSelectionTimeout time.Duration
}

// Dial connects and pings the primary. The returned client is usable only
// if err is nil.
func (d MongoDialer) Dial(ctx context.Context, url string) (Client, error) {
	opts := options.Client().ApplyURI(url)
	if d.ServerSelectionTimeout > 0 {
		opts.SetServerSelectionTimeout(d.ServerSelectionTimeout)
	}

	c, err := mongo.Connect(opts)
	if err != nil {
		return nil, err
	}
	mc := &MongoClient{client: c}
	if err := mc.Ping(ctx); err != nil {
		_ = c.Disconnect(context.WithoutCancel(ctx))
		return nil, err
	}
	return mc, nil
}

// MongoClient adapts *mongo.Client to Client.
type MongoClient struct {
	client *mongo.Client
}

func (m *MongoClient) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

func (m *MongoClient) Disconnect(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// Mongo exposes the driver client for data access.
func (m *MongoClient) Mongo() *mongo.Client {
	return m.client
}
