// Package store implements rules.StoreReader, chainwatch.BlockStore, and
// chainwatch.TemplateStore against MongoDB's `pools`, `blocks`, and
// `mining_notify` collections.
package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/toole-brendan/poolwatch/internal/poolerr"
	"github.com/toole-brendan/poolwatch/model"
)

// Config is the MongoDB connection configuration.
type Config struct {
	URI      string
	Database string
	Timeout  time.Duration
}

// Client owns the MongoDB connection the three collection adapters
// below are carved out of.
type Client struct {
	client *mongo.Client
	db     *mongo.Database
	cfg    Config
}

// Connect dials MongoDB and verifies connectivity with a ping.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Client{client: client, db: client.Database(cfg.Database), cfg: cfg}, nil
}

// Close disconnects the underlying client.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// Pools returns a rules.StoreReader backed by the `pools` collection.
func (c *Client) Pools() *Pools {
	return &Pools{col: c.db.Collection("pools"), timeout: c.cfg.Timeout}
}

// Blocks returns a chainwatch.BlockStore backed by the `blocks`
// collection.
func (c *Client) Blocks() *Blocks {
	return &Blocks{col: c.db.Collection("blocks")}
}

// Templates returns a chainwatch.TemplateStore backed by the
// `mining_notify` collection.
func (c *Client) Templates() *Templates {
	return &Templates{col: c.db.Collection("mining_notify")}
}

// Pools implements rules.StoreReader.
type Pools struct {
	col     *mongo.Collection
	timeout time.Duration
}

// LoadPools is the last-resort fallback when both the HTTP source and
// the local file are unavailable.
func (p *Pools) LoadPools() ([]model.PoolDefinition, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	cur, err := p.col.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("store: find pools: %w", err)
	}
	defer cur.Close(ctx)

	var defs []model.PoolDefinition
	if err := cur.All(ctx, &defs); err != nil {
		return nil, fmt.Errorf("store: decode pools: %w", err)
	}
	return defs, nil
}

// Blocks implements chainwatch.BlockStore against the `blocks`
// collection, keyed by block hash.
type Blocks struct {
	col *mongo.Collection
}

// MaxHeight returns the highest persisted block height.
func (b *Blocks) MaxHeight(ctx context.Context) (int64, bool, error) {
	return b.extremeHeight(ctx, -1)
}

// MinHeight returns the lowest persisted block height.
func (b *Blocks) MinHeight(ctx context.Context) (int64, bool, error) {
	return b.extremeHeight(ctx, 1)
}

func (b *Blocks) extremeHeight(ctx context.Context, sortDir int) (int64, bool, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "height", Value: sortDir}})
	var rec model.BlockRecord
	err := b.col.FindOne(ctx, bson.M{}, opts).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return rec.Height, true, nil
}

// PersistedHeights reports which heights in [from, to] already have a
// block document, for the backfill gap scan.
func (b *Blocks) PersistedHeights(ctx context.Context, from, to int64) (map[int64]bool, error) {
	cur, err := b.col.Find(ctx, bson.M{
		"height": bson.M{"$gte": from, "$lte": to},
	}, options.Find().SetProjection(bson.M{"height": 1}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := make(map[int64]bool)
	for cur.Next(ctx) {
		var row struct {
			Height int64 `bson:"height"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		out[row.Height] = true
	}
	return out, cur.Err()
}

// Upsert writes rec keyed by hash, replacing any existing document.
func (b *Blocks) Upsert(ctx context.Context, rec model.BlockRecord) error {
	_, err := b.col.ReplaceOne(ctx, bson.M{"_id": rec.Hash}, rec, options.Replace().SetUpsert(true))
	if err != nil {
		return poolerr.Persistence(fmt.Sprintf("store: upsert block %s", rec.Hash), err)
	}
	return nil
}

// Insert writes rec, assuming its height has not been persisted before
// (the backfill path pre-checks via PersistedHeights/MaxHeight/MinHeight).
func (b *Blocks) Insert(ctx context.Context, rec model.BlockRecord) error {
	_, err := b.col.InsertOne(ctx, rec)
	if mongo.IsDuplicateKeyError(err) {
		log.Debugf("store: block %s already persisted, upserting instead", rec.Hash)
		return b.Upsert(ctx, rec)
	}
	if err != nil {
		return poolerr.Persistence(fmt.Sprintf("store: insert block %s", rec.Hash), err)
	}
	return nil
}

// AllDescending returns every persisted block, highest height first, for
// the reindex pass.
func (b *Blocks) AllDescending(ctx context.Context) ([]model.BlockRecord, error) {
	cur, err := b.col.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "height", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var recs []model.BlockRecord
	if err := cur.All(ctx, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// Templates implements chainwatch.TemplateStore against the
// `mining_notify` collection.
type Templates struct {
	col *mongo.Collection
}

// Insert persists a captured mining.notify template.
func (t *Templates) Insert(ctx context.Context, tmpl model.NotifyTemplate) error {
	_, err := t.col.InsertOne(ctx, tmpl)
	if err != nil {
		return poolerr.Persistence(fmt.Sprintf("store: insert template %s", tmpl.ID), err)
	}
	return nil
}

// TemplatesAtHeight returns every template captured at height, for the
// analysis engine to fold over.
func (t *Templates) TemplatesAtHeight(ctx context.Context, height int64) ([]model.NotifyTemplate, error) {
	cur, err := t.col.Find(ctx, bson.M{"height": height})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var templates []model.NotifyTemplate
	if err := cur.All(ctx, &templates); err != nil {
		return nil, err
	}
	return templates, nil
}
