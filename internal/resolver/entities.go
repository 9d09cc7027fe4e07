package resolver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/alexnthnz/contract-reminders/internal/notification"
)

// MemoryEntityStore is an in-memory EntityStore used by tests and local runs
type MemoryEntityStore struct {
	mu       sync.RWMutex
	entities map[string]Entity
}

// NewMemoryEntityStore creates an empty store
func NewMemoryEntityStore() *MemoryEntityStore {
	return &MemoryEntityStore{entities: make(map[string]Entity)}
}

// Put inserts or replaces an entity
func (s *MemoryEntityStore) Put(e Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[cacheKey(e.Scope, e.ID)] = e
}

// Delete removes an entity
func (s *MemoryEntityStore) Delete(scope notification.Scope, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entities, cacheKey(scope, id))
}

func (s *MemoryEntityStore) GetEntity(_ context.Context, scope notification.Scope, id string) (Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[cacheKey(scope, id)]
	if !ok {
		return Entity{}, fmt.Errorf("%s %s: %w", scope, id, notification.ErrTargetNotFound)
	}
	return e, nil
}

func (s *MemoryEntityStore) ListTargets(_ context.Context, contractID string, scope notification.Scope) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for _, e := range s.entities {
		if e.Scope == scope && e.ContractID == contractID {
			ids = append(ids, e.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// PostgresEntityStore reads contracts, milestones and tasks from the
// lifecycle editor's tables. It never writes.
type PostgresEntityStore struct {
	db *sqlx.DB
}

// NewPostgresEntityStore creates a Postgres-backed entity store
func NewPostgresEntityStore(db *sqlx.DB) *PostgresEntityStore {
	return &PostgresEntityStore{db: db}
}

var entityQueries = map[notification.Scope]string{
	notification.ScopeContract: `SELECT id, id AS contract_id, status, start_date AS start_at, end_date AS due_at,
		NULL::timestamptz AS assigned_at, completed_at FROM contracts WHERE id = $1`,
	notification.ScopeMilestone: `SELECT id, contract_id, status, start_date AS start_at, due_date AS due_at,
		NULL::timestamptz AS assigned_at, completed_at FROM milestones WHERE id = $1`,
	notification.ScopeTask: `SELECT id, contract_id, status, start_date AS start_at, due_date AS due_at,
		assigned_at, completed_at FROM tasks WHERE id = $1`,
}

var targetQueries = map[notification.Scope]string{
	notification.ScopeMilestone: `SELECT id FROM milestones WHERE contract_id = $1 ORDER BY id`,
	notification.ScopeTask:      `SELECT id FROM tasks WHERE contract_id = $1 ORDER BY id`,
}

type entityRow struct {
	ID          string       `db:"id"`
	ContractID  string       `db:"contract_id"`
	Status      string       `db:"status"`
	StartAt     sql.NullTime `db:"start_at"`
	DueAt       sql.NullTime `db:"due_at"`
	AssignedAt  sql.NullTime `db:"assigned_at"`
	CompletedAt sql.NullTime `db:"completed_at"`
}

func (s *PostgresEntityStore) GetEntity(ctx context.Context, scope notification.Scope, id string) (Entity, error) {
	query, ok := entityQueries[scope]
	if !ok {
		return Entity{}, fmt.Errorf("unknown scope %q", scope)
	}

	var row entityRow
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entity{}, fmt.Errorf("%s %s: %w", scope, id, notification.ErrTargetNotFound)
		}
		return Entity{}, fmt.Errorf("failed to query %s: %w", scope, err)
	}

	return Entity{
		Scope:       scope,
		ID:          row.ID,
		ContractID:  row.ContractID,
		Status:      Status(row.Status),
		StartAt:     nullTime(row.StartAt),
		DueAt:       nullTime(row.DueAt),
		AssignedAt:  nullTime(row.AssignedAt),
		CompletedAt: nullTime(row.CompletedAt),
	}, nil
}

func (s *PostgresEntityStore) ListTargets(ctx context.Context, contractID string, scope notification.Scope) ([]string, error) {
	query, ok := targetQueries[scope]
	if !ok {
		return []string{contractID}, nil
	}
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, query, contractID); err != nil {
		return nil, fmt.Errorf("failed to list %s targets: %w", scope, err)
	}
	return ids, nil
}

func nullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
