package credential

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryRepo is a thread-safe, in-memory Repository. It backs unit tests
// and local development without PostgreSQL; it enforces the same invariants
// as the pgx repository.
type InMemoryRepo struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]*Credential
	policy RetryPolicy
}

// NewInMemoryRepo creates an empty in-memory credential repository.
func NewInMemoryRepo(policy RetryPolicy) *InMemoryRepo {
	return &InMemoryRepo{
		byID:   make(map[uuid.UUID]*Credential),
		policy: policy,
	}
}

func (r *InMemoryRepo) clone(c *Credential) *Credential {
	cp := *c
	if c.AccessTokenCipher != nil {
		v := *c.AccessTokenCipher
		cp.AccessTokenCipher = &v
	}
	if c.AccessTokenExpiresAt != nil {
		t := *c.AccessTokenExpiresAt
		cp.AccessTokenExpiresAt = &t
	}
	return &cp
}

func (r *InMemoryRepo) Upsert(_ context.Context, c *Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.SystemID == "" {
		c.SystemID = DefaultSystemID
	}

	for _, existing := range r.byID {
		if !existing.Revoked && existing.RefreshTokenHash == c.RefreshTokenHash {
			existing.AccessTokenCipher = c.AccessTokenCipher
			existing.RefreshTokenCipher = c.RefreshTokenCipher
			existing.AccessTokenExpiresAt = c.AccessTokenExpiresAt
			existing.LastRefreshedAt = c.LastRefreshedAt
			existing.NextRefreshAt = c.NextRefreshAt
			existing.RefreshFailureCount = 0
			existing.Revoked = false
			existing.UpdatedAt = time.Now()
			*c = *r.clone(existing)
			return nil
		}
	}

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	r.byID[c.ID] = r.clone(c)
	return nil
}

func (r *InMemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.clone(c), nil
}

func (r *InMemoryRepo) FindMostRecentActive(_ context.Context, systemID string) (*Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Credential
	for _, c := range r.byID {
		if c.Revoked || c.SystemID != systemID {
			continue
		}
		if best == nil || c.LastRefreshedAt.After(best.LastRefreshedAt) {
			best = c
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return r.clone(best), nil
}

func (r *InMemoryRepo) FindDueForRefresh(_ context.Context, now time.Time, limit int) ([]*Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var due []*Credential
	for _, c := range r.byID {
		if !c.Revoked && !c.NextRefreshAt.After(now) {
			due = append(due, r.clone(c))
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRefreshAt.Before(due[j].NextRefreshAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *InMemoryRepo) RecordSuccess(_ context.Context, id uuid.UUID, now time.Time, rot Rotation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}

	cipher := rot.AccessTokenCipher
	expires := rot.AccessTokenExpiresAt
	c.AccessTokenCipher = &cipher
	c.AccessTokenExpiresAt = &expires
	if rot.RefreshTokenCipher != "" {
		c.RefreshTokenCipher = rot.RefreshTokenCipher
	}
	if rot.RefreshTokenHash != "" {
		c.RefreshTokenHash = rot.RefreshTokenHash
	}
	c.LastRefreshedAt = now
	c.NextRefreshAt = now.Add(r.policy.SuccessInterval)
	c.RefreshFailureCount = 0
	c.UpdatedAt = time.Now()
	return nil
}

func (r *InMemoryRepo) RecordFailure(_ context.Context, id uuid.UUID, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[id]
	if !ok {
		return 0, ErrNotFound
	}

	c.RefreshFailureCount++
	c.NextRefreshAt = now.Add(r.policy.FailureDelay(c.RefreshFailureCount))
	c.UpdatedAt = time.Now()
	return c.RefreshFailureCount, nil
}

func (r *InMemoryRepo) Revoke(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	c.Revoked = true
	c.UpdatedAt = time.Now()
	return nil
}

func (r *InMemoryRepo) List(_ context.Context, systemID string, limit, offset int) ([]*Credential, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var all []*Credential
	for _, c := range r.byID {
		if c.SystemID == systemID {
			all = append(all, r.clone(c))
		}
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].LastRefreshedAt.After(all[j].LastRefreshedAt)
	})

	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}
