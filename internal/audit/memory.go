package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"verdict/internal/constants"
	"verdict/pkg/models"
)

// MemoryRepository keeps audit entries in memory. Used by tests and by
// deployments that run without a database.
type MemoryRepository struct {
	mu      sync.RWMutex
	entries []models.AuditEntry
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (r *MemoryRepository) Record(ctx context.Context, entry *models.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.CreatedAt = time.Now()

	r.entries = append(r.entries, *entry)
	return nil
}

func (r *MemoryRepository) List(ctx context.Context, ruleID *string, limit int) ([]models.AuditEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > constants.MaxLimit {
		limit = constants.DefaultLimit
	}

	var entries []models.AuditEntry
	for i := len(r.entries) - 1; i >= 0 && len(entries) < limit; i-- {
		entry := r.entries[i]
		if ruleID != nil && (entry.RuleID == nil || *entry.RuleID != *ruleID) {
			continue
		}
		entries = append(entries, entry)
	}

	return entries, nil
}
