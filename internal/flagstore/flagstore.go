// Package flagstore holds the live risk state per entity: an arena of
// flags by (entity, kind) with single-writer-per-entity update discipline.
package flagstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/opensource-agri/heron/internal/domain"
)

// ErrNotFound is returned when no flag exists for an entity.
var ErrNotFound = errors.New("risk flag not found")

// entityKinds orders point lookups when a farmer and a dealer share an ID
// string.
var entityKinds = []string{domain.EntityFarmer, domain.EntityDealer}

// Store keeps one live RiskFlag per (entity, kind). Updates to a given
// entity are serialized through a per-entity lock while reads proceed
// concurrently. When a repository is attached, every update is written
// through for durability across restarts.
type Store struct {
	mu    sync.RWMutex
	flags map[string]*domain.RiskFlag

	entityLocks sync.Map // entity key -> *sync.Mutex

	repo domain.Repository
}

// New creates a flag store. repo may be nil for a purely in-memory store.
func New(repo domain.Repository) *Store {
	return &Store{
		flags: make(map[string]*domain.RiskFlag),
		repo:  repo,
	}
}

// Warm loads persisted flags into memory. Called once at startup, before
// any batch runs.
func (s *Store) Warm(ctx context.Context, tenantID string) error {
	if s.repo == nil {
		return nil
	}
	flags, err := s.repo.TopRiskFlags(ctx, tenantID, 0)
	if err != nil {
		return fmt.Errorf("failed to warm flag store: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range flags {
		s.flags[s.key(tenantID, f.EntityKind, f.EntityID)] = f
	}
	return nil
}

// Upsert installs new evidence for an entity, replacing the previous
// flag's score, tier, and signals in place. The entity identity persists;
// a new flag is never duplicated alongside the old one.
func (s *Store) Upsert(ctx context.Context, tenantID string, flag *domain.RiskFlag) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	if flag == nil || flag.EntityID == "" {
		return fmt.Errorf("flag with entityID is required")
	}
	flag.TenantID = tenantID

	key := s.key(tenantID, flag.EntityKind, flag.EntityID)
	lock := s.entityLock(key)
	lock.Lock()
	defer lock.Unlock()

	if s.repo != nil {
		if err := s.repo.SaveRiskFlag(ctx, tenantID, flag); err != nil {
			return fmt.Errorf("failed to persist risk flag: %w", err)
		}
	}

	s.mu.Lock()
	s.flags[key] = flag
	s.mu.Unlock()

	return nil
}

// UpsertBatch installs a set of flags atomically: the whole set is
// persisted in one repository transaction before any flag becomes visible
// in memory, so a failed commit leaves no partial batch behind.
func (s *Store) UpsertBatch(ctx context.Context, tenantID string, flags []*domain.RiskFlag) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	for _, flag := range flags {
		if flag == nil || flag.EntityID == "" {
			return fmt.Errorf("flag with entityID is required")
		}
		flag.TenantID = tenantID
	}
	if len(flags) == 0 {
		return nil
	}

	if s.repo != nil {
		if err := s.repo.SaveRiskFlags(ctx, tenantID, flags); err != nil {
			return fmt.Errorf("failed to persist risk flags: %w", err)
		}
	}

	s.mu.Lock()
	for _, flag := range flags {
		s.flags[s.key(tenantID, flag.EntityKind, flag.EntityID)] = flag
	}
	s.mu.Unlock()

	return nil
}

// Get returns the live flag for an entity ID. A farmer and a dealer may
// share an ID string; the higher-scoring flag wins the point lookup.
func (s *Store) Get(ctx context.Context, tenantID string, entityID string) (*domain.RiskFlag, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	s.mu.RLock()
	var found *domain.RiskFlag
	for _, kind := range entityKinds {
		if f, ok := s.flags[s.key(tenantID, kind, entityID)]; ok {
			if found == nil || f.Score > found.Score {
				found = f
			}
		}
	}
	s.mu.RUnlock()
	if found != nil {
		return found, nil
	}

	if s.repo != nil {
		flag, err := s.repo.GetRiskFlag(ctx, tenantID, entityID)
		if err == nil && flag != nil {
			return flag, nil
		}
	}

	return nil, ErrNotFound
}

// TopN returns the n highest-scoring entities for auditor consumption,
// ordered by composite score descending. n <= 0 returns all.
func (s *Store) TopN(ctx context.Context, tenantID string, n int) ([]*domain.RiskFlag, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	s.mu.RLock()
	out := make([]*domain.RiskFlag, 0, len(s.flags))
	for key, f := range s.flags {
		if s.tenantOf(key) == tenantID {
			out = append(out, f)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].EntityID < out[j].EntityID
	})

	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// Count returns the number of live flags for a tenant.
func (s *Store) Count(tenantID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for key := range s.flags {
		if s.tenantOf(key) == tenantID {
			n++
		}
	}
	return n
}

func (s *Store) entityLock(key string) *sync.Mutex {
	lock, _ := s.entityLocks.LoadOrStore(key, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func (s *Store) key(tenantID, kind, entityID string) string {
	return tenantID + ":" + kind + ":" + entityID
}

func (s *Store) tenantOf(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i]
		}
	}
	return key
}
