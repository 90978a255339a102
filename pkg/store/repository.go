package store

import (
	"context"
	"time"

	"github.com/kase1111-hash/learning-contracts/pkg/contracts"
)

// Filter selects contracts in Repository.Query. Zero fields do not filter.
type Filter struct {
	State     contracts.State
	Type      contracts.Type
	CreatedBy string
}

func (f Filter) matches(c *contracts.LearningContract) bool {
	if f.State != "" && c.State != f.State {
		return false
	}
	if f.Type != "" && c.ContractType != f.Type {
		return false
	}
	if f.CreatedBy != "" && c.CreatedBy != f.CreatedBy {
		return false
	}
	return true
}

// Repository is the keyed store of current contract snapshots.
type Repository struct {
	adapter Adapter
}

func NewRepository(a Adapter) *Repository {
	return &Repository{adapter: a}
}

// NewMemoryRepository returns a repository over a fresh MemoryAdapter.
func NewMemoryRepository() *Repository {
	return NewRepository(NewMemoryAdapter())
}

// Save stores a copy of c, replacing any previous snapshot.
func (r *Repository) Save(ctx context.Context, c *contracts.LearningContract) error {
	return r.adapter.Save(ctx, c.Clone())
}

// Get returns a copy of the latest snapshot, or ErrNotFound.
func (r *Repository) Get(ctx context.Context, id string) (*contracts.LearningContract, error) {
	return r.adapter.Get(ctx, id)
}

func (r *Repository) Delete(ctx context.Context, id string) (bool, error) {
	return r.adapter.Delete(ctx, id)
}

func (r *Repository) All(ctx context.Context) ([]*contracts.LearningContract, error) {
	return r.adapter.GetAll(ctx)
}

func (r *Repository) Count(ctx context.Context) (int, error) {
	return r.adapter.Count(ctx)
}

// Query returns contracts matching f.
func (r *Repository) Query(ctx context.Context, f Filter) ([]*contracts.LearningContract, error) {
	return r.collect(ctx, f.matches)
}

// Expired returns ACTIVE contracts whose expiration lies at or before now.
func (r *Repository) Expired(ctx context.Context, now time.Time) ([]*contracts.LearningContract, error) {
	return r.collect(ctx, func(c *contracts.LearningContract) bool {
		return c.State == contracts.StateActive && c.Expiration != nil && !c.Expiration.After(now)
	})
}

// TimeboundExpired returns ACTIVE contracts whose timebound retention
// deadline lies at or before now.
func (r *Repository) TimeboundExpired(ctx context.Context, now time.Time) ([]*contracts.LearningContract, error) {
	return r.collect(ctx, func(c *contracts.LearningContract) bool {
		return c.State == contracts.StateActive && c.MemoryPermissions.Retention.ElapsedAt(now)
	})
}

func (r *Repository) collect(ctx context.Context, keep func(*contracts.LearningContract) bool) ([]*contracts.LearningContract, error) {
	all, err := r.adapter.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*contracts.LearningContract, 0, len(all))
	for _, c := range all {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out, nil
}

// Close releases the adapter.
func (r *Repository) Close() error {
	return r.adapter.Close()
}
