// Package store provides the GORM-backed data store read and written by job
// handlers and scheduler payload producers. It works with MySQL, PostgreSQL
// and SQLite.
package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// table provides the common GORM operations shared by every entity
type table[T any] struct {
	db *gorm.DB
}

func newTable[T any](db *gorm.DB) table[T] {
	return table[T]{db: db}
}

// Create inserts a new entity
func (t table[T]) Create(ctx context.Context, entity *T) error {
	return t.db.WithContext(ctx).Create(entity).Error
}

// FindByID retrieves an entity by its primary key.
// Returns nil, nil if the entity is not found.
func (t table[T]) FindByID(ctx context.Context, id string) (*T, error) {
	return t.findOne(ctx, "id = ?", id)
}

// Update saves every field of an existing entity
func (t table[T]) Update(ctx context.Context, entity *T) error {
	return t.db.WithContext(ctx).Save(entity).Error
}

// findOne returns the first entity matching the condition, or nil, nil
func (t table[T]) findOne(ctx context.Context, query string, args ...any) (*T, error) {
	var entity T
	err := t.db.WithContext(ctx).Where(query, args...).First(&entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entity, nil
}

// findAll returns every entity matching the condition in the given order
func (t table[T]) findAll(ctx context.Context, order, query string, args ...any) ([]T, error) {
	var entities []T
	err := t.db.WithContext(ctx).Where(query, args...).Order(order).Find(&entities).Error
	if err != nil {
		return nil, err
	}
	return entities, nil
}

// count returns the number of entities matching the condition
func (t table[T]) count(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	var model T
	err := t.db.WithContext(ctx).Model(&model).Where(query, args...).Count(&n).Error
	return n, err
}
