// Package store abstracts the shared datasite storage the engine exchanges
// step artifacts through. Every participant owns a directory tree; writing
// into someone's tree is only visible to the identities the accompanying
// access rules name.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotExist is returned when the addressed object is absent. Callers
	// poll for peer outputs, so absence is an expected condition, not a
	// failure.
	ErrNotExist = errors.New("object does not exist")

	// ErrStoreUnavailable is returned when the backing store cannot be
	// reached at all.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Metadata describes an object without fetching its content.
type Metadata struct {
	Exists       bool      `json:"exists"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// Store is the engine's view of the shared storage layer.
type Store interface {
	// Write stores bytes under the owner's tree and applies the access
	// rules to the containing directory.
	Write(ctx context.Context, owner, relPath string, data []byte, acl ACL) error

	// Read fetches an object's content. Returns ErrNotExist when absent.
	Read(ctx context.Context, owner, relPath string) ([]byte, error)

	// ReadMetadata stats an object without fetching it. A missing object is
	// reported through Metadata.Exists, not an error.
	ReadMetadata(ctx context.Context, owner, relPath string) (Metadata, error)

	// List returns the relative paths under a prefix in the owner's tree,
	// sorted. A missing prefix yields an empty list.
	List(ctx context.Context, owner, prefix string) ([]string, error)
}
