package chainwatch

import (
	"context"

	"github.com/toole-brendan/poolwatch/model"
)

// BlockStore is the external collaborator contract for the `blocks`
// document collection. The live ZMQ path upserts (a given hash may
// be re-observed); the backfill path may insert plainly since existence
// is pre-checked by height.
type BlockStore interface {
	MaxHeight(ctx context.Context) (height int64, ok bool, err error)
	MinHeight(ctx context.Context) (height int64, ok bool, err error)
	PersistedHeights(ctx context.Context, from, to int64) (map[int64]bool, error)
	Upsert(ctx context.Context, rec model.BlockRecord) error
	Insert(ctx context.Context, rec model.BlockRecord) error
	AllDescending(ctx context.Context) ([]model.BlockRecord, error)
}

// TemplateStore is the external collaborator contract for the
// `mining_notify` document collection.
type TemplateStore interface {
	Insert(ctx context.Context, t model.NotifyTemplate) error
	TemplatesAtHeight(ctx context.Context, height int64) ([]model.NotifyTemplate, error)
}

// Publisher is the fan-out publisher contract the reconciler pushes
// enriched block records through.
type Publisher interface {
	PublishBlock(ctx context.Context, rec model.BlockRecord) error
}
