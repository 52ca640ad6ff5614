// Package mongostorage implements storage.Backend on MongoDB. Fixes are one
// document each keyed by observation time; the settings live in a single
// document so an upsert replaces all six values at once.
package mongostorage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fivegen/aquariuslocation/internal/config"
	"github.com/fivegen/aquariuslocation/internal/storage"
	"github.com/fivegen/aquariuslocation/pkg/core"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	locationCollection  = "location"
	settingsCollection  = "settings"
	revisionCollection  = "settings_revisions"
	currentSettingsID   = "current"
	defaultQueryTimeout = 5 * time.Second
)

// GeoPoint is a GeoJSON point, so a 2dsphere index can be added later.
type GeoPoint struct {
	Type        string    `bson:"type"`
	Coordinates []float64 `bson:"coordinates"` // lon, lat
}

type locationDoc struct {
	ObservedAt time.Time `bson:"_id"`
	Latitude   float64   `bson:"latitude"`
	Longitude  float64   `bson:"longitude"`
	Altitude   float64   `bson:"altitude"`
	Accuracy   float32   `bson:"accuracy,omitempty"`
	Provider   string    `bson:"provider,omitempty"`
	Position   GeoPoint  `bson:"position"`
}

type settingsDoc struct {
	ID        string            `bson:"_id"`
	Values    map[string]string `bson:"values"`
	UpdatedAt time.Time         `bson:"updatedAt"`
}

type revisionDoc struct {
	AppliedAt time.Time         `bson:"appliedAt"`
	Values    map[string]string `bson:"values"`
}

func toDoc(f core.Fix) locationDoc {
	return locationDoc{
		// BSON dates carry milliseconds
		ObservedAt: f.ObservedAt.UTC().Truncate(time.Millisecond),
		Latitude:   f.Latitude,
		Longitude:  f.Longitude,
		Altitude:   f.Altitude,
		Accuracy:   f.Accuracy,
		Provider:   f.Provider,
		Position:   GeoPoint{Type: "Point", Coordinates: []float64{f.Longitude, f.Latitude}},
	}
}

func fromDoc(d locationDoc) core.Fix {
	return core.Fix{
		Latitude:   d.Latitude,
		Longitude:  d.Longitude,
		Altitude:   d.Altitude,
		ObservedAt: d.ObservedAt.UTC(),
		Accuracy:   d.Accuracy,
		Provider:   d.Provider,
	}
}

type Backend struct {
	cfg    config.MongoConfig
	log    zerolog.Logger
	client *mongo.Client
	db     *mongo.Database
	now    func() time.Time
}

// New creates a backend; Init connects.
func New(cfg config.MongoConfig, log zerolog.Logger) *Backend {
	return &Backend{cfg: cfg, log: log, now: time.Now}
}

func (b *Backend) timeout() time.Duration {
	if b.cfg.Timeout > 0 {
		return b.cfg.Timeout
	}
	return defaultQueryTimeout
}

// Init connects and pings the server.
func (b *Backend) Init() error {
	if b.cfg.URI == "" {
		return fmt.Errorf("MongoDB URI not provided")
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout())
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(b.cfg.URI))
	if err != nil {
		return fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	b.client = client
	b.db = client.Database(b.cfg.Database)
	b.log.Info().Str("database", b.cfg.Database).Msg("Connected to MongoDB")
	return nil
}

func (b *Backend) Close() error {
	if b.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout())
	defer cancel()
	return b.client.Disconnect(ctx)
}

func (b *Backend) Durable() bool {
	return true
}

func (b *Backend) InsertFix(ctx context.Context, f core.Fix) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout())
	defer cancel()

	_, err := b.db.Collection(locationCollection).InsertOne(ctx, toDoc(f))
	if mongo.IsDuplicateKeyError(err) {
		return storage.ErrDuplicateFix
	}
	if err != nil {
		return fmt.Errorf("insert fix: %w", err)
	}
	return nil
}

func (b *Backend) Fixes(ctx context.Context) ([]core.Fix, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout())
	defer cancel()

	cursor, err := b.db.Collection(locationCollection).Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("load fixes: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []locationDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("load fixes: %w", err)
	}

	out := make([]core.Fix, len(docs))
	for i, d := range docs {
		out[i] = fromDoc(d)
	}
	return out, nil
}

func (b *Backend) DeleteFixes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout())
	defer cancel()

	if _, err := b.db.Collection(locationCollection).DeleteMany(ctx, bson.M{}); err != nil {
		return fmt.Errorf("delete fixes: %w", err)
	}
	return nil
}

func (b *Backend) LoadSettings(ctx context.Context) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout())
	defer cancel()

	var doc settingsDoc
	err := b.db.Collection(settingsCollection).FindOne(ctx, bson.M{"_id": currentSettingsID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if doc.Values == nil {
		doc.Values = map[string]string{}
	}
	return doc.Values, nil
}

// SaveSettings merges values into the single settings document. The
// revision insert that follows is best effort.
func (b *Backend) SaveSettings(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout())
	defer cancel()

	now := b.now().UTC()
	set := bson.M{"updatedAt": now}
	for k, v := range values {
		set["values."+k] = v
	}

	_, err := b.db.Collection(settingsCollection).UpdateOne(ctx,
		bson.M{"_id": currentSettingsID},
		bson.M{"$set": set},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}

	if _, err := b.db.Collection(revisionCollection).InsertOne(ctx, revisionDoc{AppliedAt: now, Values: values}); err != nil {
		b.log.Warn().Err(err).Msg("Failed to record settings revision")
	}
	return nil
}

func (b *Backend) Revisions(ctx context.Context, limit int) ([]storage.Revision, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout())
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "appliedAt", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := b.db.Collection(revisionCollection).Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("load settings revisions: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []revisionDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("load settings revisions: %w", err)
	}
	out := make([]storage.Revision, len(docs))
	for i, d := range docs {
		out[i] = storage.Revision{AppliedAt: d.AppliedAt.UTC(), Values: d.Values}
	}
	return out, nil
}
