// Package mongostore implements store.KeyValueStore on MongoDB.
//
// Streams are not provided; deployments on this backend pair it with a Redis
// or memory StreamLog. Scalar keys live in one collection, lists in another.
// Every read filters on expires_at so an expired document is invisible before
// the TTL index or Purge removes it.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ChuLiYu/beaver-relay/internal/store"
)

// Collection names
const (
	CollectionKV    = "kv"
	CollectionLists = "lists"
)

// pollInterval is how often ListPopBlocking re-checks an empty list.
const pollInterval = 50 * time.Millisecond

// maxIncrRetries bounds the compare-and-swap loop in Incr.
const maxIncrRetries = 32

// Config holds connection settings.
type Config struct {
	URI     string        `yaml:"uri"`
	DB      string        `yaml:"database"`
	Timeout time.Duration `yaml:"timeout"`
}

type kvDoc struct {
	Key       string     `bson:"_id"`
	Value     []byte     `bson:"value"`
	ExpiresAt *time.Time `bson:"expires_at"`
}

type listDoc struct {
	Key       string     `bson:"_id"`
	Items     [][]byte   `bson:"items"`
	ExpiresAt *time.Time `bson:"expires_at"`
}

// Store is a MongoDB-backed KeyValueStore.
type Store struct {
	client *mongo.Client
	kv     *mongo.Collection
	lists  *mongo.Collection
	now    func() time.Time
	owns   bool
}

var _ store.KeyValueStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for expiry filters.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open connects to MongoDB, verifies the connection and prepares indexes.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	slog.Info("Connecting to MongoDB", "database", cfg.DB)

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(100).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout).
		SetRetryWrites(true).
		SetRetryReads(true)

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	s := New(client.Database(cfg.DB), opts...)
	s.client = client
	s.owns = true

	if err := s.EnsureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// New wraps an existing database handle. Close does not disconnect the client.
func New(db *mongo.Database, opts ...Option) *Store {
	s := &Store{
		client: db.Client(),
		kv:     db.Collection(CollectionKV),
		lists:  db.Collection(CollectionLists),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureIndexes creates TTL indexes so the server reaps expired documents.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	model := mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	}
	for _, coll := range []*mongo.Collection{s.kv, s.lists} {
		if _, err := coll.Indexes().CreateOne(ctx, model); err != nil {
			return fmt.Errorf("failed to create TTL index on %s: %w", coll.Name(), err)
		}
	}
	return nil
}

func (s *Store) expiry(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := s.now().Add(ttl)
	return &t
}

// live matches the document for key only while it has not expired.
func (s *Store) live(key string) bson.M {
	return bson.M{
		"_id": key,
		"$or": bson.A{
			bson.M{"expires_at": nil},
			bson.M{"expires_at": bson.M{"$gt": s.now()}},
		},
	}
}

// Get returns the value for key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var doc kvDoc
	err := s.kv.FindOne(ctx, s.live(key)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return doc.Value, nil
}

// Set writes value under key.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	doc := kvDoc{Key: key, Value: value, ExpiresAt: s.expiry(ttl)}
	_, err := s.kv.ReplaceOne(ctx, bson.M{"_id": key}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Delete removes key from both collections.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	kvRes, err := s.kv.DeleteOne(ctx, s.live(key))
	if err != nil {
		return false, fmt.Errorf("failed to delete %s: %w", key, err)
	}
	listRes, err := s.lists.DeleteOne(ctx, s.live(key))
	if err != nil {
		return false, fmt.Errorf("failed to delete list %s: %w", key, err)
	}
	return kvRes.DeletedCount+listRes.DeletedCount > 0, nil
}

// SetIfAbsent claims key when no live document holds it. An expired document
// matches the filter and is overwritten; a live one makes the upsert collide
// on _id, which is reported as "not acquired".
func (s *Store) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	filter := bson.M{
		"_id":        key,
		"expires_at": bson.M{"$lte": s.now()},
	}
	update := bson.M{
		"$set": bson.M{
			"value":      value,
			"expires_at": s.expiry(ttl),
		},
	}

	_, err := s.kv.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to set-if-absent %s: %w", key, err)
	}
	return true, nil
}

// CompareAndDelete removes key only while it still holds expected.
func (s *Store) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	filter := s.live(key)
	filter["value"] = expected

	res, err := s.kv.DeleteOne(ctx, filter)
	if err != nil {
		return false, fmt.Errorf("failed to compare-and-delete %s: %w", key, err)
	}
	return res.DeletedCount > 0, nil
}

// CompareAndExpire resets the TTL only while key still holds expected.
func (s *Store) CompareAndExpire(ctx context.Context, key string, expected []byte, ttl time.Duration) (bool, error) {
	filter := s.live(key)
	filter["value"] = expected

	res, err := s.kv.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"expires_at": s.expiry(ttl)}})
	if err != nil {
		return false, fmt.Errorf("failed to compare-and-expire %s: %w", key, err)
	}
	return res.MatchedCount > 0, nil
}

// Expire resets the TTL on a scalar key or a list.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	update := bson.M{"$set": bson.M{"expires_at": s.expiry(ttl)}}
	for _, coll := range []*mongo.Collection{s.kv, s.lists} {
		res, err := coll.UpdateOne(ctx, s.live(key), update)
		if err != nil {
			return false, fmt.Errorf("failed to expire %s: %w", key, err)
		}
		if res.MatchedCount > 0 {
			return true, nil
		}
	}
	return false, nil
}

// Incr increments a decimal counter stored as the key's value.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	for attempt := 0; attempt < maxIncrRetries; attempt++ {
		var doc kvDoc
		err := s.kv.FindOne(ctx, s.live(key)).Decode(&doc)
		switch {
		case errors.Is(err, mongo.ErrNoDocuments):
			ok, err := s.SetIfAbsent(ctx, key, []byte("1"), 0)
			if err != nil {
				return 0, err
			}
			if ok {
				return 1, nil
			}
			continue
		case err != nil:
			return 0, fmt.Errorf("failed to read counter %s: %w", key, err)
		}

		n, err := strconv.ParseInt(string(doc.Value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("value at %s is not an integer", key)
		}
		n++

		res, err := s.kv.UpdateOne(ctx,
			bson.M{"_id": key, "value": doc.Value},
			bson.M{"$set": bson.M{"value": []byte(strconv.FormatInt(n, 10))}},
		)
		if err != nil {
			return 0, fmt.Errorf("failed to increment %s: %w", key, err)
		}
		if res.MatchedCount > 0 {
			return n, nil
		}
	}
	return 0, fmt.Errorf("failed to increment %s: too much contention", key)
}

// ListPush appends value to the tail of the list at key.
func (s *Store) ListPush(ctx context.Context, key string, value []byte) error {
	// An expired list is replaced rather than appended to.
	if _, err := s.lists.DeleteOne(ctx, bson.M{"_id": key, "expires_at": bson.M{"$lte": s.now()}}); err != nil {
		return fmt.Errorf("failed to clear expired list %s: %w", key, err)
	}

	_, err := s.lists.UpdateOne(ctx,
		bson.M{"_id": key},
		bson.M{"$push": bson.M{"items": value}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to push %s: %w", key, err)
	}
	return nil
}

// ListPop removes and returns the head of the list at key.
func (s *Store) ListPop(ctx context.Context, key string) ([]byte, error) {
	filter := s.live(key)
	filter["items.0"] = bson.M{"$exists": true}

	var doc listDoc
	err := s.lists.FindOneAndUpdate(ctx, filter,
		bson.M{"$pop": bson.M{"items": -1}},
		options.FindOneAndUpdate().SetReturnDocument(options.Before),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop %s: %w", key, err)
	}
	if len(doc.Items) == 0 {
		return nil, store.ErrNotFound
	}
	return doc.Items[0], nil
}

// ListPopBlocking polls ListPop until an item arrives, timeout passes or ctx
// ends. A timeout <= 0 waits on ctx only.
func (s *Store) ListPopBlocking(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		v, err := s.ListPop(ctx, key)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, store.ErrNotFound
		case <-ticker.C:
		}
	}
}

// Purge deletes expired documents and returns how many were removed.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	filter := bson.M{"expires_at": bson.M{"$lte": s.now()}}

	var total int64
	for _, coll := range []*mongo.Collection{s.kv, s.lists} {
		res, err := coll.DeleteMany(ctx, filter)
		if err != nil {
			return total, fmt.Errorf("failed to purge %s: %w", coll.Name(), err)
		}
		total += res.DeletedCount
	}
	if total > 0 {
		slog.Info("Purged expired documents", "count", total)
	}
	return total, nil
}

// Close disconnects the client when the Store opened it.
func (s *Store) Close() error {
	if !s.owns {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect from MongoDB: %w", err)
	}
	return nil
}
