package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kirillkom/expense-pipeline/internal/core/domain"
)

const companyCacheGroups = 1024

// CompanyCache keeps company lists per client group for ttl. Writers invalidate explicitly.
// A load that overlaps an invalidation of its group is returned but not stored.
type CompanyCache struct {
	source CompanyLister
	ttl    time.Duration
	lists  *expirable.LRU[int64, []domain.Company]

	mu          sync.Mutex
	epoch       uint64
	generations map[int64]uint64
}

func NewCompanyCache(source CompanyLister, ttl time.Duration) *CompanyCache {
	c := &CompanyCache{
		source:      source,
		ttl:         ttl,
		generations: make(map[int64]uint64),
	}
	if ttl > 0 {
		c.lists = expirable.NewLRU[int64, []domain.Company](companyCacheGroups, nil, ttl)
	}
	return c
}

func (c *CompanyCache) ListByClientGroup(ctx context.Context, clientGroupID int64) ([]domain.Company, error) {
	if c.lists == nil {
		return c.source.ListByClientGroup(ctx, clientGroupID)
	}
	if companies, ok := c.lists.Get(clientGroupID); ok {
		return cloneCompanies(companies), nil
	}

	epoch, generation := c.version(clientGroupID)
	companies, err := c.source.ListByClientGroup(ctx, clientGroupID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.epoch == epoch && c.generations[clientGroupID] == generation {
		c.lists.Add(clientGroupID, cloneCompanies(companies))
	}
	c.mu.Unlock()
	return companies, nil
}

func (c *CompanyCache) Invalidate(clientGroupID int64) {
	if c.lists == nil {
		return
	}
	c.mu.Lock()
	c.generations[clientGroupID]++
	c.lists.Remove(clientGroupID)
	c.mu.Unlock()
}

func (c *CompanyCache) InvalidateAll() {
	if c.lists == nil {
		return
	}
	c.mu.Lock()
	c.epoch++
	c.lists.Purge()
	c.mu.Unlock()
}

func (c *CompanyCache) version(clientGroupID int64) (uint64, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch, c.generations[clientGroupID]
}

func cloneCompanies(in []domain.Company) []domain.Company {
	out := make([]domain.Company, len(in))
	copy(out, in)
	return out
}
