package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/mellea-dev/playground/core"
)

// Collection is one typed collection persisted as a single JSON file of
// shape {<key>: [item, ...]}. All operations serialise on a per-collection
// mutex; methods never call each other while holding it. Writes go through
// a temp file and rename so a crash never leaves a half-written file.
//
// The design assumes one writer process per collection file. Scaling the
// core horizontally requires swapping this for a transactional store; the
// surface here is deliberately small so such a swap stays local.
type Collection[T any] struct {
	path   string
	key    string
	entity string
	idOf   func(T) string

	mu sync.Mutex
}

// NewCollection builds a collection stored at path. key is the top-level
// JSON key, entity the singular name used in error messages, and idOf
// extracts an item's identifier.
func NewCollection[T any](path, key, entity string, idOf func(T) string) *Collection[T] {
	return &Collection[T]{
		path:   path,
		key:    key,
		entity: entity,
		idOf:   idOf,
	}
}

// ListAll returns every item in stored order.
func (c *Collection[T]) ListAll() ([]T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.load()
}

// GetByID returns the item with the given id, and whether it was present.
func (c *Collection[T]) GetByID(id string) (T, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	items, err := c.load()
	if err != nil {
		return zero, false, err
	}
	for _, item := range items {
		if c.idOf(item) == id {
			return item, true, nil
		}
	}
	return zero, false, nil
}

// Create appends a new item. It fails with a ConflictError when an item
// with the same id is already present.
func (c *Collection[T]) Create(item T) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.idOf(item)
	if id == "" {
		return core.NewValidation(fmt.Sprintf("%s has no id", c.entity))
	}
	items, err := c.load()
	if err != nil {
		return err
	}
	for _, existing := range items {
		if c.idOf(existing) == id {
			return core.NewConflict(c.entity, id)
		}
	}
	return c.save(append(items, item))
}

// Update replaces the item with the given id. It returns the stored item
// and true, or the zero value and false when no such item exists.
func (c *Collection[T]) Update(id string, item T) (T, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	items, err := c.load()
	if err != nil {
		return zero, false, err
	}
	for i, existing := range items {
		if c.idOf(existing) == id {
			items[i] = item
			if err := c.save(items); err != nil {
				return zero, false, err
			}
			return item, true, nil
		}
	}
	return zero, false, nil
}

// Upsert creates the item or replaces the existing one with the same id.
func (c *Collection[T]) Upsert(item T) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.idOf(item)
	if id == "" {
		return core.NewValidation(fmt.Sprintf("%s has no id", c.entity))
	}
	items, err := c.load()
	if err != nil {
		return err
	}
	for i, existing := range items {
		if c.idOf(existing) == id {
			items[i] = item
			return c.save(items)
		}
	}
	return c.save(append(items, item))
}

// Delete removes the item with the given id, reporting whether it existed.
func (c *Collection[T]) Delete(id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	items, err := c.load()
	if err != nil {
		return false, err
	}
	for i, existing := range items {
		if c.idOf(existing) == id {
			items = append(items[:i], items[i+1:]...)
			if err := c.save(items); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

// Find returns all items matching the predicate, in stored order.
func (c *Collection[T]) Find(predicate func(T) bool) ([]T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	items, err := c.load()
	if err != nil {
		return nil, err
	}
	var matched []T
	for _, item := range items {
		if predicate(item) {
			matched = append(matched, item)
		}
	}
	return matched, nil
}

// Count returns the number of stored items.
func (c *Collection[T]) Count() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	items, err := c.load()
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// Clear removes every item.
func (c *Collection[T]) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.save(nil)
}

// Backup copies the collection file to the given path, or to <path>.bak
// when destination is empty. It returns the path written.
func (c *Collection[T]) Backup(destination string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if destination == "" {
		destination = c.path + ".bak"
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			data, err = c.encode(nil)
			if err != nil {
				return "", err
			}
		} else {
			return "", fmt.Errorf("reading %s collection: %w", c.entity, err)
		}
	}
	if err := os.WriteFile(destination, data, 0644); err != nil {
		return "", fmt.Errorf("writing backup: %w", err)
	}
	return destination, nil
}

// load reads and decodes the collection file. A missing file is an empty
// collection; a file that fails to decode surfaces as CollectionCorrupt and
// is never silently reinitialised. Callers must hold the mutex.
func (c *Collection[T]) load() ([]T, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s collection: %w", c.entity, err)
	}

	var doc map[string][]T
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &core.CollectionCorruptError{Collection: c.key, Path: c.path, Cause: err}
	}
	return doc[c.key], nil
}

// save writes the full collection atomically. Callers must hold the mutex.
func (c *Collection[T]) save(items []T) error {
	data, err := c.encode(items)
	if err != nil {
		return err
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing %s collection: %w", c.entity, err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("replacing %s collection: %w", c.entity, err)
	}
	return nil
}

func (c *Collection[T]) encode(items []T) ([]byte, error) {
	if items == nil {
		items = []T{}
	}
	data, err := json.MarshalIndent(map[string][]T{c.key: items}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding %s collection: %w", c.entity, err)
	}
	return data, nil
}
