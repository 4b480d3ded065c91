package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/dgraph-io/badger/v4"
)

// Filter selects documents; a nil Filter matches every document
type Filter[T any] func(doc *T) bool

// Page addresses a slice of a collection. Page numbers start at 1.
type Page struct {
	Page  int64
	Limit int64
}

// skip saturates at math.MaxInt64 instead of overflowing
func (p Page) skip() int64 {
	if p.Page-1 > math.MaxInt64/p.Limit {
		return math.MaxInt64
	}
	return p.Limit * (p.Page - 1)
}

// PageResult is one page of documents
type PageResult[T any] struct {
	Items []*T
	Page  int64
	Limit int64
	Total int64
}

// Repository stores documents of type T in one collection
type Repository[T any] interface {
	InsertOne(ctx context.Context, doc *T) (string, error)
	InsertMany(ctx context.Context, docs []*T) ([]string, error)
	FindByID(ctx context.Context, id string) (*T, error)
	FindAll(ctx context.Context) ([]*T, error)
	// FindPage returns nil when the page starts past the last document
	// matching filter
	FindPage(ctx context.Context, filter Filter[T], page Page) (*PageResult[T], error)
	Count(ctx context.Context) (int64, error)
	Update(ctx context.Context, doc *T) error
	DeleteMany(ctx context.Context, filter Filter[T]) (int, error)
}

// BadgerRepository is a Repository backed by badger
type BadgerRepository[T any] struct {
	db         *DB
	collection string
	idOf       func(*T) string
}

var _ Repository[struct{}] = (*BadgerRepository[struct{}])(nil)

// NewRepository returns the repository of collection; idOf extracts the
// document id
func NewRepository[T any](db *DB, collection string, idOf func(*T) string) *BadgerRepository[T] {
	return &BadgerRepository[T]{
		db:         db,
		collection: collection,
		idOf:       idOf,
	}
}

// Collection returns the collection name
func (r *BadgerRepository[T]) Collection() string {
	return r.collection
}

func (r *BadgerRepository[T]) key(id string) []byte {
	return []byte(r.collection + ":" + id)
}

func (r *BadgerRepository[T]) prefix() []byte {
	return []byte(r.collection + ":")
}

func (r *BadgerRepository[T]) InsertOne(ctx context.Context, doc *T) (string, error) {
	ids, err := r.InsertMany(ctx, []*T{doc})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// InsertMany inserts docs atomically; one duplicate aborts the whole batch
func (r *BadgerRepository[T]) InsertMany(ctx context.Context, docs []*T) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(docs))
	err := r.db.db.Update(func(txn *badger.Txn) error {
		for _, doc := range docs {
			id := r.idOf(doc)
			if id == "" {
				return ErrEmptyID
			}
			key := r.key(id)
			if _, err := txn.Get(key); err == nil {
				return fmt.Errorf("%w: %s/%s", ErrDuplicate, r.collection, id)
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}

			buf, err := json.Marshal(doc)
			if err != nil {
				return err
			}
			if err := txn.Set(key, buf); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *BadgerRepository[T]) FindByID(ctx context.Context, id string) (*T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out T
	err := r.db.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(r.key(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, r.collection, id)
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *BadgerRepository[T]) FindAll(ctx context.Context) ([]*T, error) {
	var docs []*T
	err := r.scan(ctx, func(_ []byte, doc *T) error {
		docs = append(docs, doc)
		return nil
	})
	return docs, err
}

// FindPage scans the whole collection; Total counts the documents matching
// filter
func (r *BadgerRepository[T]) FindPage(ctx context.Context, filter Filter[T], page Page) (*PageResult[T], error) {
	if page.Page < 1 || page.Limit < 1 {
		return nil, ErrInvalidPage
	}

	skip := page.skip()
	result := &PageResult[T]{Page: page.Page, Limit: page.Limit}
	err := r.scan(ctx, func(_ []byte, doc *T) error {
		if filter != nil && !filter(doc) {
			return nil
		}
		result.Total++
		if result.Total > skip && int64(len(result.Items)) < page.Limit {
			result.Items = append(result.Items, doc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.Total <= skip {
		return nil, nil
	}
	return result, nil
}

func (r *BadgerRepository[T]) Count(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var n int64
	prefix := r.prefix()
	err := r.db.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Update replaces an existing document
func (r *BadgerRepository[T]) Update(ctx context.Context, doc *T) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	id := r.idOf(doc)
	if id == "" {
		return ErrEmptyID
	}
	key := r.key(id)
	buf, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	err = r.db.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			return err
		}
		return txn.Set(key, buf)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, r.collection, id)
	}
	return err
}

// DeleteMany deletes the matching documents and returns how many were removed
func (r *BadgerRepository[T]) DeleteMany(ctx context.Context, filter Filter[T]) (int, error) {
	var keys [][]byte
	err := r.scan(ctx, func(key []byte, doc *T) error {
		if filter == nil || filter(doc) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	wb := r.db.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// scan decodes every document of the collection in key order
func (r *BadgerRepository[T]) scan(ctx context.Context, fn func(key []byte, doc *T) error) error {
	prefix := r.prefix()
	return r.db.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			item := it.Item()
			var doc T
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &doc)
			}); err != nil {
				return fmt.Errorf("corrupt document %s: %w", item.Key(), err)
			}
			if err := fn(item.KeyCopy(nil), &doc); err != nil {
				return err
			}
		}
		return nil
	})
}
