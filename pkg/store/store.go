// Package store persists contract snapshots. A Repository gives the
// lifecycle manager "latest write wins, reads return a copy" semantics over
// any Adapter: in-memory, file, SQL or Redis.
package store

import (
	"context"
	"errors"

	"github.com/kase1111-hash/learning-contracts/pkg/contracts"
)

var (
	ErrNotFound         = errors.New("store: contract not found")
	ErrNotInitialized   = errors.New("store: adapter not initialized")
	ErrClosed           = errors.New("store: adapter closed")
	ErrChecksumMismatch = errors.New("store: checksum mismatch")
	ErrSchemaVersion    = errors.New("store: unsupported schema version")
	ErrInvalidRecord    = errors.New("store: invalid contract record")
)

// Adapter is a keyed storage backend for contracts. Implementations must
// not retain or hand out references shared with callers.
type Adapter interface {
	Initialize(ctx context.Context) error
	Save(ctx context.Context, c *contracts.LearningContract) error
	// Get returns ErrNotFound when id is unknown.
	Get(ctx context.Context, id string) (*contracts.LearningContract, error)
	// Delete reports whether a contract was removed.
	Delete(ctx context.Context, id string) (bool, error)
	Exists(ctx context.Context, id string) (bool, error)
	GetAll(ctx context.Context) ([]*contracts.LearningContract, error)
	Count(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
	Close() error
}
