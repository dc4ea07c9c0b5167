package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/dzvin-ua/site-backend/internal/models"
)

// ErrNotFound is returned when a transaction lookup matches nothing.
var ErrNotFound = errors.New("not found")

// ErrCacheMiss is returned when a cache key has never been written.
var ErrCacheMiss = errors.New("cache miss")

// Connect initializes the MongoDB connection and verifies it with a ping.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		return nil, err
	}

	log.Println("Connected to MongoDB")
	return client, nil
}

// Mongo persists transactions, payment events and the key-value cache.
type Mongo struct {
	db *mongo.Database
}

func NewMongo(db *mongo.Database) *Mongo {
	return &Mongo{db: db}
}

func (s *Mongo) transactions() *mongo.Collection { return s.db.Collection("transactions") }
func (s *Mongo) events() *mongo.Collection       { return s.db.Collection("payment_events") }
func (s *Mongo) kvcache() *mongo.Collection      { return s.db.Collection("kvcache") }

// EnsureIndexes creates the indexes the query paths rely on.
func (s *Mongo) EnsureIndexes(ctx context.Context) error {
	txIndexes := []mongo.IndexModel{
		{Keys: bson.M{"public_ref": 1}},
		{Keys: bson.M{"status": 1}},
		{Keys: bson.M{"external_order_id": 1}},
	}
	if _, err := s.transactions().Indexes().CreateMany(ctx, txIndexes); err != nil {
		log.Printf("Failed to create transaction indexes: %v", err)
		return fmt.Errorf("failed to create transaction indexes: %v", err)
	}
	evIndexes := []mongo.IndexModel{
		{Keys: bson.M{"session_id": 1, "created_at": -1}},
		{Keys: bson.M{"type": 1, "created_at": -1}},
	}
	if _, err := s.events().Indexes().CreateMany(ctx, evIndexes); err != nil {
		log.Printf("Failed to create event indexes: %v", err)
		return fmt.Errorf("failed to create event indexes: %v", err)
	}
	return nil
}

func (s *Mongo) InsertTransaction(ctx context.Context, tx *models.Transaction) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := s.transactions().InsertOne(ctx, tx); err != nil {
		log.Printf("Failed to insert transaction %s: %v", tx.SessionID, err)
		return fmt.Errorf("failed to insert transaction: %v", err)
	}
	return nil
}

func (s *Mongo) FindTransaction(ctx context.Context, sessionID string) (*models.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var tx models.Transaction
	if err := s.transactions().FindOne(ctx, bson.M{"_id": sessionID}).Decode(&tx); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		log.Printf("Failed to fetch transaction %s: %v", sessionID, err)
		return nil, fmt.Errorf("failed to fetch transaction: %v", err)
	}
	return &tx, nil
}

func (s *Mongo) MarkRegistered(ctx context.Context, sessionID, orderRef string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := s.transactions().UpdateOne(ctx,
		bson.M{"_id": sessionID, "status": models.StatusCreated},
		bson.M{"$set": bson.M{
			"status":            models.StatusRegistered,
			"external_order_id": orderRef,
			"updated_at":        time.Now(),
		}})
	if err != nil {
		log.Printf("Failed to mark transaction %s registered: %v", sessionID, err)
		return fmt.Errorf("failed to mark registered: %v", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkPaid sets the terminal paid state. The filter excludes rows that are
// already paid, so under concurrent duplicate webhooks only one writer's
// update modifies the row; the bool result reports whether this call won.
func (s *Mongo) MarkPaid(ctx context.Context, sessionID, orderRef, verifyPayload string, paidAt time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := s.transactions().UpdateOne(ctx,
		bson.M{"_id": sessionID, "status": bson.M{"$ne": models.StatusPaid}},
		bson.M{"$set": bson.M{
			"status":            models.StatusPaid,
			"external_order_id": orderRef,
			"verify_payload":    verifyPayload,
			"paid_at":           paidAt,
			"updated_at":        paidAt,
		}})
	if err != nil {
		log.Printf("Failed to mark transaction %s paid: %v", sessionID, err)
		return false, fmt.Errorf("failed to mark paid: %v", err)
	}
	return res.ModifiedCount > 0, nil
}

// MarkNotified records the one-time notification, guarded on the field being
// unset so concurrent retries cannot produce a second effective write.
func (s *Mongo) MarkNotified(ctx context.Context, sessionID string, at time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := s.transactions().UpdateOne(ctx,
		bson.M{"_id": sessionID, "notification_sent_at": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{
			"notification_sent_at": at,
			"updated_at":           at,
		}})
	if err != nil {
		log.Printf("Failed to mark transaction %s notified: %v", sessionID, err)
		return false, fmt.Errorf("failed to mark notified: %v", err)
	}
	return res.ModifiedCount > 0, nil
}

func (s *Mongo) AppendEvent(ctx context.Context, ev *models.PaymentEvent) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	if _, err := s.events().InsertOne(ctx, ev); err != nil {
		log.Printf("Failed to append payment event (%s): %v", ev.Type, err)
		return fmt.Errorf("failed to append payment event: %v", err)
	}
	return nil
}

type cacheDoc struct {
	Key       string    `bson:"_id"`
	Value     []byte    `bson:"value"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func (s *Mongo) CacheGet(ctx context.Context, key string) ([]byte, time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var doc cacheDoc
	if err := s.kvcache().FindOne(ctx, bson.M{"_id": key}).Decode(&doc); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, time.Time{}, ErrCacheMiss
		}
		log.Printf("Failed to read cache key %s: %v", key, err)
		return nil, time.Time{}, fmt.Errorf("failed to read cache: %v", err)
	}
	return doc.Value, doc.UpdatedAt, nil
}

func (s *Mongo) CachePut(ctx context.Context, key string, value []byte, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.kvcache().UpdateOne(ctx,
		bson.M{"_id": key},
		bson.M{"$set": bson.M{"value": value, "updated_at": at}},
		options.Update().SetUpsert(true))
	if err != nil {
		log.Printf("Failed to write cache key %s: %v", key, err)
		return fmt.Errorf("failed to write cache: %v", err)
	}
	return nil
}
