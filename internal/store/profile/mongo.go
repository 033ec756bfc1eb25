package profile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/traffic-tacos/profile-api/internal/config"
	"github.com/traffic-tacos/profile-api/internal/models"
)

// ConnectMongo creates a client and verifies the server is reachable
func ConnectMongo(ctx context.Context, cfg config.MongoConfig, timeout time.Duration) (*mongo.Client, error) {
	client, err := mongo.Connect(options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(5 * time.Second).
		SetTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to create mongo client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	return client, nil
}

// MongoStore stores profiles in a single collection keyed by user_id
type MongoStore struct {
	coll *mongo.Collection
}

func NewMongoStore(client *mongo.Client, database, collection string) *MongoStore {
	return &MongoStore{coll: client.Database(database).Collection(collection)}
}

// EnsureIndexes creates the unique user_id index
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uq_profiles_user_id"),
	})
	if err != nil {
		return fmt.Errorf("create user_id index: %w", err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, userID int64) (profile *models.Profile, err error) {
	defer observe("find_one", time.Now(), &err)

	var doc models.Profile
	err = s.coll.FindOne(ctx,
		bson.D{{Key: "user_id", Value: userID}},
		options.FindOne().SetProjection(bson.D{{Key: "_id", Value: 0}}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongo find: %w", err)
	}
	return &doc, nil
}

// Upsert replaces every profile field of the user's document, creating it if needed.
func (s *MongoStore) Upsert(ctx context.Context, profile *models.Profile) (err error) {
	defer observe("upsert", time.Now(), &err)

	_, err = s.coll.UpdateOne(ctx,
		bson.D{{Key: "user_id", Value: profile.UserID}},
		replaceUpdate(profile),
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongo upsert: %w", err)
	}
	return nil
}

// replaceUpdate sets every field of the document. Nil fields are written as
// BSON null so a partial update clears what it omits.
func replaceUpdate(profile *models.Profile) bson.D {
	return bson.D{{Key: "$set", Value: profile}}
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.coll.Database().Client().Ping(ctx, readpref.Primary())
}
