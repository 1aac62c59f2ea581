package versions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"verdict/internal/constants"
	"verdict/internal/registry"
	pkgerrors "verdict/pkg/errors"
)

// MemoryRepository is an in-memory Repository used by tests and by
// deployments that run without a database. Numbering and activation
// serialize on a per-rule semaphore with a bounded wait, mirroring the
// postgres row lock plus lock_timeout behavior.
type MemoryRepository struct {
	rules       registry.Repository
	lockTimeout time.Duration

	mu       sync.RWMutex
	versions map[string]RuleVersion
	byRule   map[string][]string

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

func NewMemoryRepository(rules registry.Repository, lockTimeout time.Duration) *MemoryRepository {
	if lockTimeout <= 0 {
		lockTimeout = constants.DefaultLockTimeout
	}
	return &MemoryRepository{
		rules:       rules,
		lockTimeout: lockTimeout,
		versions:    make(map[string]RuleVersion),
		byRule:      make(map[string][]string),
		locks:       make(map[string]chan struct{}),
	}
}

func (r *MemoryRepository) CreateVersion(ctx context.Context, version *RuleVersion) error {
	rule, err := r.rules.GetRule(ctx, version.RuleID)
	if err != nil {
		return err
	}
	if rule == nil {
		return pkgerrors.ErrNotFound.WithDetail("rule_id", version.RuleID)
	}

	if err := r.acquire(ctx, version.RuleID, "create_version"); err != nil {
		return err
	}
	defer r.release(version.RuleID)

	r.mu.Lock()
	defer r.mu.Unlock()

	maxNumber := 0
	for _, id := range r.byRule[version.RuleID] {
		if v := r.versions[id]; v.VersionNumber > maxNumber {
			maxNumber = v.VersionNumber
		}
	}

	if version.ID == "" {
		version.ID = uuid.New().String()
	}
	version.VersionNumber = maxNumber + 1
	now := time.Now()
	version.CreatedAt = now
	version.UpdatedAt = now
	if version.Status == "" {
		version.Status = StatusDraft
	}

	if version.Status == StatusActive {
		r.archiveActiveLocked(version.RuleID, "")
	}

	r.versions[version.ID] = *version
	r.byRule[version.RuleID] = append(r.byRule[version.RuleID], version.ID)
	return nil
}

func (r *MemoryRepository) GetVersion(ctx context.Context, versionID string) (*RuleVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, exists := r.versions[versionID]
	if !exists {
		return nil, nil
	}
	return &v, nil
}

func (r *MemoryRepository) GetVersions(ctx context.Context, ruleID string) ([]RuleVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []RuleVersion
	for _, id := range r.byRule[ruleID] {
		result = append(result, r.versions[id])
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].VersionNumber > result[j].VersionNumber
	})
	return result, nil
}

func (r *MemoryRepository) GetActiveVersion(ctx context.Context, ruleID string) (*RuleVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.byRule[ruleID] {
		if v := r.versions[id]; v.Status == StatusActive {
			return &v, nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) Activate(ctx context.Context, versionID string) (*RuleVersion, error) {
	r.mu.RLock()
	target, exists := r.versions[versionID]
	r.mu.RUnlock()
	if !exists {
		return nil, pkgerrors.ErrNotFound.WithDetail("version_id", versionID)
	}

	if err := r.acquire(ctx, target.RuleID, "activate"); err != nil {
		return nil, err
	}
	defer r.release(target.RuleID)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.archiveActiveLocked(target.RuleID, versionID)

	target = r.versions[versionID]
	target.Status = StatusActive
	target.UpdatedAt = time.Now()
	r.versions[versionID] = target

	return &target, nil
}

func (r *MemoryRepository) DeleteVersions(ctx context.Context, ruleID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.byRule[ruleID] {
		delete(r.versions, id)
	}
	delete(r.byRule, ruleID)
	return nil
}

func (r *MemoryRepository) archiveActiveLocked(ruleID, exceptID string) {
	for _, id := range r.byRule[ruleID] {
		if id == exceptID {
			continue
		}
		if v := r.versions[id]; v.Status == StatusActive {
			v.Status = StatusArchived
			v.UpdatedAt = time.Now()
			r.versions[id] = v
		}
	}
}

func (r *MemoryRepository) ruleLock(ruleID string) chan struct{} {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()

	lock, exists := r.locks[ruleID]
	if !exists {
		lock = make(chan struct{}, 1)
		r.locks[ruleID] = lock
	}
	return lock
}

func (r *MemoryRepository) acquire(ctx context.Context, ruleID, operation string) error {
	lock := r.ruleLock(ruleID)

	timer := time.NewTimer(r.lockTimeout)
	defer timer.Stop()

	select {
	case lock <- struct{}{}:
		return nil
	case <-timer.C:
		return contentionError(nil, operation)
	case <-ctx.Done():
		return contentionError(ctx.Err(), operation)
	}
}

func (r *MemoryRepository) release(ruleID string) {
	<-r.ruleLock(ruleID)
}
