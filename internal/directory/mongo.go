package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoConfig struct {
	URI        string
	Database   string
	Collection string
	// AddressField is the document field holding the address. Default "email".
	AddressField string
	Timeout      time.Duration
}

// Mongo reads recipients from the application's users collection.
type Mongo struct {
	client  *mongo.Client
	coll    *mongo.Collection
	field   string
	timeout time.Duration
}

func OpenMongo(ctx context.Context, cfg MongoConfig) (*Mongo, error) {
	if strings.TrimSpace(cfg.URI) == "" {
		return nil, errors.New("mongo uri is required")
	}
	if cfg.Database == "" {
		return nil, errors.New("mongo database is required")
	}
	if cfg.Collection == "" {
		cfg.Collection = "users"
	}
	if cfg.AddressField == "" {
		cfg.AddressField = "email"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI).SetConnectTimeout(cfg.Timeout))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return &Mongo{
		client:  client,
		coll:    client.Database(cfg.Database).Collection(cfg.Collection),
		field:   cfg.AddressField,
		timeout: cfg.Timeout,
	}, nil
}

// actorFilter excludes the actor. Ids that are not ObjectIDs are compared as strings.
func actorFilter(actorID string) bson.M {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return bson.M{}
	}
	if oid, err := primitive.ObjectIDFromHex(actorID); err == nil {
		return bson.M{"_id": bson.M{"$ne": oid}}
	}
	return bson.M{"_id": bson.M{"$ne": actorID}}
}

func (m *Mongo) AllAddressesExcept(ctx context.Context, actorID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	cur, err := m.coll.Find(ctx, actorFilter(actorID), options.Find().SetProjection(bson.M{m.field: 1}))
	if err != nil {
		return nil, fmt.Errorf("find users: %w", err)
	}
	var docs []bson.M
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("read users: %w", err)
	}
	users := make([]User, 0, len(docs))
	for _, d := range docs {
		addr, _ := d[m.field].(string)
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		users = append(users, User{Address: addr})
	}
	return uniqueSorted(users, func(User) bool { return false }), nil
}

func (m *Mongo) Close(ctx context.Context) error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Disconnect(ctx)
}
