// Package db provides a checkpoint database interface and implementations.
package db

import "github.com/vtfind/vtfind/internal/model"

// Database is the interface that wraps the basic checkpoint operations.
type Database interface {
	// Connect connects to the database.
	Connect() error

	// Save creates or replaces a checkpoint together with its records.
	Save(s *model.Scan) error

	// Get returns the checkpoint with the given ID.
	// It returns model.ErrNotFound if the ID does not exist.
	Get(id string) (*model.Scan, error)

	// GetByImage returns the checkpoint of the image with the given key.
	// It returns model.ErrNotFound if the image was never checkpointed.
	GetByImage(key string) (*model.Scan, error)

	// List returns every checkpoint without its records, most recent first.
	List() ([]*model.Scan, error)

	// Delete removes the checkpoint with the given ID.
	// It returns model.ErrNotFound if the ID does not exist.
	Delete(id string) error

	// Close closes the database.
	Close() error
}
