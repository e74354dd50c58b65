// Package docstore persists the gateway's documents in MongoDB: search
// statistics, user-defined flavours, share records and user-data
// metadata.
package docstore

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/freva-org/freva-gateway/go/translate"
)

const (
	statsCollection    = "search_queries"
	flavourCollection  = "flavours"
	shareCollection    = "shares"
	userDataCollection = "user_data"
)

// Config carries the MongoDB connection settings.
type Config struct {
	Host     string
	User     string
	Password string
	DB       string
}

// Store wraps the Mongo database with the gateway's collections.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// New connects to the configured database.
func New(ctx context.Context, cfg Config) (*Store, error) {
	var opts = options.Client().ApplyURI("mongodb://" + cfg.Host)
	if cfg.User != "" {
		opts.SetAuth(options.Credential{Username: cfg.User, Password: cfg.Password})
	}
	var client, err = mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	return &Store{client: client, db: client.Database(cfg.DB)}, nil
}

// Ping verifies the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// SearchStat is one statistics record of a served search.
type SearchStat struct {
	Metadata StatMetadata      `bson:"metadata"`
	Query    map[string]string `bson:"query"`
}

// StatMetadata describes the search that produced a statistics record.
type StatMetadata struct {
	NumResults   int64     `bson:"num_results"`
	Flavour      string    `bson:"flavour"`
	UniqKey      string    `bson:"uniq_key"`
	ServerStatus int       `bson:"server_status"`
	APIType      string    `bson:"api_type"`
	Endpoint     string    `bson:"endpoint"`
	Date         time.Time `bson:"date"`
}

// RecordStat inserts a statistics record in the background. Searches
// must never wait on, or fail because of, statistics bookkeeping.
// Zero-hit searches are not recorded, except for the STAC API where
// empty result sets are still of interest.
func (s *Store) RecordStat(stat *SearchStat) {
	if stat.Metadata.NumResults == 0 && stat.Metadata.APIType != "stacapi" {
		return
	}
	if stat.Metadata.Date.IsZero() {
		stat.Metadata.Date = time.Now().UTC()
	}
	go func() {
		var ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := s.db.Collection(statsCollection).InsertOne(ctx, stat); err != nil {
			log.WithField("err", err).Warn("failed to record search statistics")
		}
	}()
}

// ListFlavours implements translate.FlavourStore: global flavours plus
// the owner's own.
func (s *Store) ListFlavours(ctx context.Context, owner string) ([]*translate.Flavour, error) {
	var filter = bson.M{"owner": bson.M{"$in": []string{"", owner}}}
	if owner == "" {
		filter = bson.M{"owner": ""}
	}
	var cur, err = s.db.Collection(flavourCollection).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list flavours: %w", err)
	}
	defer cur.Close(ctx)

	var out []*translate.Flavour
	for cur.Next(ctx) {
		var f translate.Flavour
		if err = cur.Decode(&f); err != nil {
			return nil, fmt.Errorf("failed to decode flavour: %w", err)
		}
		out = append(out, translate.NewFlavour(f.Name, f.Owner, f.Forward))
	}
	return out, cur.Err()
}

// PutFlavour implements translate.FlavourStore.
func (s *Store) PutFlavour(ctx context.Context, f *translate.Flavour) error {
	var filter = bson.M{"flavour_name": f.Name, "owner": f.Owner}
	var coll = s.db.Collection(flavourCollection)
	var n, err = coll.CountDocuments(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to check for duplicate flavour: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("%w: %s", translate.ErrConflict, f.Name)
	}
	if _, err = coll.InsertOne(ctx, f); err != nil {
		return fmt.Errorf("failed to store flavour: %w", err)
	}
	return nil
}

// DeleteFlavour implements translate.FlavourStore.
func (s *Store) DeleteFlavour(ctx context.Context, name, owner string) error {
	var res, err = s.db.Collection(flavourCollection).
		DeleteOne(ctx, bson.M{"flavour_name": name, "owner": owner})
	if err != nil {
		return fmt.Errorf("failed to delete flavour: %w", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%w: %s", translate.ErrNotFound, name)
	}
	return nil
}

// ShareRecord is a minted pre-signed share. Deleting it revokes the
// share even while the signature is still valid.
type ShareRecord struct {
	Sig       string    `bson:"sig"`
	Path      string    `bson:"path"`
	Owner     string    `bson:"owner"`
	ExpiresAt time.Time `bson:"expires_at"`
	CreatedAt time.Time `bson:"created_at"`
}

// PutShare records a minted share.
func (s *Store) PutShare(ctx context.Context, rec *ShareRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if _, err := s.db.Collection(shareCollection).InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("failed to store share: %w", err)
	}
	return nil
}

// ShareExists reports whether an unrevoked share record backs |sig|.
func (s *Store) ShareExists(ctx context.Context, sig string) (bool, error) {
	var n, err = s.db.Collection(shareCollection).
		CountDocuments(ctx, bson.M{"sig": sig})
	if err != nil {
		return false, fmt.Errorf("failed to look up share: %w", err)
	}
	return n > 0, nil
}

// DeleteShare revokes a share. Only the owner (or an admin, which the
// caller decides) may revoke; an empty owner skips the ownership check.
func (s *Store) DeleteShare(ctx context.Context, sig, owner string) (bool, error) {
	var filter = bson.M{"sig": sig}
	if owner != "" {
		filter["owner"] = owner
	}
	var res, err = s.db.Collection(shareCollection).DeleteOne(ctx, filter)
	if err != nil {
		return false, fmt.Errorf("failed to revoke share: %w", err)
	}
	return res.DeletedCount > 0, nil
}

// UpsertUserData mirrors ingested user metadata records, keyed by the
// (file, uri) pair so re-ingestion replaces rather than duplicates.
func (s *Store) UpsertUserData(ctx context.Context, username string, records []map[string]any) error {
	var coll = s.db.Collection(userDataCollection)
	for _, rec := range records {
		var filter = bson.M{
			"username": username,
			"file":     rec["file"],
			"uri":      rec["uri"],
		}
		var doc = bson.M{"username": username}
		for k, v := range rec {
			doc[k] = v
		}
		var _, err = coll.ReplaceOne(ctx, filter, doc,
			options.Replace().SetUpsert(true))
		if err != nil {
			return fmt.Errorf("failed to upsert user data: %w", err)
		}
	}
	return nil
}

// DeleteUserData removes the user's mirrored records matching the
// given facet values.
func (s *Store) DeleteUserData(ctx context.Context, username string, facets map[string][]string) (int64, error) {
	var filter = bson.M{"username": username}
	for k, values := range facets {
		filter[k] = bson.M{"$in": values}
	}
	var res, err = s.db.Collection(userDataCollection).DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to delete user data: %w", err)
	}
	return res.DeletedCount, nil
}
