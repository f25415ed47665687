// Package store defines the document-store contract shared by every
// subsystem, plus an in-memory backend for tests and a Postgres/JSONB
// backend for production. All cross-worker shared state lives behind
// this interface; counters and array pushes go through atomic
// single-document updates.
package store

import (
	"context"
	"errors"
)

// Doc is a schemaless document. Every collection keys its documents by a
// string field named after the entity (job_id, ledger_id, ...).
type Doc = map[string]interface{}

// Filter selects documents. A plain value means equality; a nested map
// holds operators: $in, $nin, $lt, $lte, $gt, $gte, $ne, $exists.
// The top-level key "$or" maps to a []Filter.
type Filter = map[string]interface{}

// Update mutates a document. Recognised operators: $set, $inc, $push,
// $addToSet. Bare top-level keys are treated as $set.
type Update = map[string]interface{}

// Sort orders results by a single field.
type Sort struct {
	Field string
	Desc  bool
}

// FindOptions bounds a Find.
type FindOptions struct {
	Sort  *Sort
	Limit int
}

// ErrDuplicate is returned by InsertOne when a uniqueness guard rejects
// the document (backend-specific; the memory store never returns it).
var ErrDuplicate = errors.New("store: duplicate document")

// Store is the persistence contract. FindOne and FindOneAndUpdate return
// (nil, nil) when no document matches.
type Store interface {
	FindOne(ctx context.Context, collection string, filter Filter) (Doc, error)
	Find(ctx context.Context, collection string, filter Filter, opts FindOptions) ([]Doc, error)
	InsertOne(ctx context.Context, collection string, doc Doc) error
	// UpdateOne applies update to the first matching document and reports
	// whether a document matched.
	UpdateOne(ctx context.Context, collection string, filter Filter, update Update) (bool, error)
	UpdateMany(ctx context.Context, collection string, filter Filter, update Update) (int, error)
	// FindOneAndUpdate atomically applies update to one matching document
	// and returns the post-update document. This is the primitive behind
	// conditional state transitions (claim a job, mark an entry paid).
	FindOneAndUpdate(ctx context.Context, collection string, filter Filter, update Update) (Doc, error)
	DeleteOne(ctx context.Context, collection string, filter Filter) (bool, error)
	Count(ctx context.Context, collection string, filter Filter) (int, error)
	Distinct(ctx context.Context, collection string, field string, filter Filter) ([]interface{}, error)
}
