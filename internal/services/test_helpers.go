package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BradenHooton/carewatch/internal/models"
	"github.com/google/uuid"
)

// MockUserRepository implements UserRepository for testing
type MockUserRepository struct {
	GetByIDFunc             func(ctx context.Context, id string) (*models.User, error)
	GetByUsernameFunc       func(ctx context.Context, username string) (*models.User, error)
	EnsureAdministratorFunc func(ctx context.Context, username, passwordHash string) (bool, error)
}

func (m *MockUserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	if m.GetByUsernameFunc != nil {
		return m.GetByUsernameFunc(ctx, username)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) EnsureAdministrator(ctx context.Context, username, passwordHash string) (bool, error) {
	if m.EnsureAdministratorFunc != nil {
		return m.EnsureAdministratorFunc(ctx, username, passwordHash)
	}
	return false, nil
}

// MockAuditLogRepository implements AuditLogRepository for testing
type MockAuditLogRepository struct {
	CreateFunc  func(ctx context.Context, log *models.SecurityAuditLog) (*models.SecurityAuditLog, error)
	ListFunc    func(ctx context.Context, filter models.AuditLogFilter) ([]*models.SecurityAuditLog, error)
	ResolveFunc func(ctx context.Context, id uuid.UUID, resolvedBy string, at time.Time) (bool, error)
	ExistsFunc  func(ctx context.Context, id uuid.UUID) (bool, error)
	CountsFunc  func(ctx context.Context) (models.AuditLogCounts, error)
}

func (m *MockAuditLogRepository) Create(ctx context.Context, log *models.SecurityAuditLog) (*models.SecurityAuditLog, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, log)
	}
	stored := *log
	stored.ID = uuid.New()
	stored.Timestamp = time.Now()
	return &stored, nil
}

func (m *MockAuditLogRepository) List(ctx context.Context, filter models.AuditLogFilter) ([]*models.SecurityAuditLog, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx, filter)
	}
	return []*models.SecurityAuditLog{}, nil
}

func (m *MockAuditLogRepository) Resolve(ctx context.Context, id uuid.UUID, resolvedBy string, at time.Time) (bool, error) {
	if m.ResolveFunc != nil {
		return m.ResolveFunc(ctx, id, resolvedBy, at)
	}
	return false, nil
}

func (m *MockAuditLogRepository) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	if m.ExistsFunc != nil {
		return m.ExistsFunc(ctx, id)
	}
	return false, nil
}

func (m *MockAuditLogRepository) Counts(ctx context.Context) (models.AuditLogCounts, error) {
	if m.CountsFunc != nil {
		return m.CountsFunc(ctx)
	}
	return models.AuditLogCounts{}, nil
}

// MockLoginAttemptRepository implements LoginAttemptRepository for testing
type MockLoginAttemptRepository struct {
	RecordFunc         func(ctx context.Context, attempt models.LoginAttempt, windowStart, now time.Time) error
	FailedSinceFunc    func(ctx context.Context, ip string, since time.Time) (int, *time.Time, error)
	ClearFunc          func(ctx context.Context, ip string, username *string) (int64, error)
	RecentFunc         func(ctx context.Context, since time.Time, limit int) ([]*models.LoginAttempt, error)
	StatsFunc          func(ctx context.Context, since time.Time, topUsers int) (models.LoginAttemptStats, error)
	CountLockedIPsFunc func(ctx context.Context, windowStart time.Time, threshold int, lockedSince time.Time) (int64, error)
}

func (m *MockLoginAttemptRepository) Record(ctx context.Context, attempt models.LoginAttempt, windowStart, now time.Time) error {
	if m.RecordFunc != nil {
		return m.RecordFunc(ctx, attempt, windowStart, now)
	}
	return nil
}

func (m *MockLoginAttemptRepository) FailedSince(ctx context.Context, ip string, since time.Time) (int, *time.Time, error) {
	if m.FailedSinceFunc != nil {
		return m.FailedSinceFunc(ctx, ip, since)
	}
	return 0, nil, nil
}

func (m *MockLoginAttemptRepository) Clear(ctx context.Context, ip string, username *string) (int64, error) {
	if m.ClearFunc != nil {
		return m.ClearFunc(ctx, ip, username)
	}
	return 0, nil
}

func (m *MockLoginAttemptRepository) Recent(ctx context.Context, since time.Time, limit int) ([]*models.LoginAttempt, error) {
	if m.RecentFunc != nil {
		return m.RecentFunc(ctx, since, limit)
	}
	return []*models.LoginAttempt{}, nil
}

func (m *MockLoginAttemptRepository) Stats(ctx context.Context, since time.Time, topUsers int) (models.LoginAttemptStats, error) {
	if m.StatsFunc != nil {
		return m.StatsFunc(ctx, since, topUsers)
	}
	return models.LoginAttemptStats{}, nil
}

func (m *MockLoginAttemptRepository) CountLockedIPs(ctx context.Context, windowStart time.Time, threshold int, lockedSince time.Time) (int64, error) {
	if m.CountLockedIPsFunc != nil {
		return m.CountLockedIPsFunc(ctx, windowStart, threshold, lockedSince)
	}
	return 0, nil
}

// MemoryLoginAttemptRepository keeps attempts in memory with the same
// folding rules as the Postgres repository.
type MemoryLoginAttemptRepository struct {
	mu     sync.Mutex
	nextID int64
	Rows   []*models.LoginAttempt
}

func usernameKey(u *string) string {
	if u == nil {
		return ""
	}
	return *u
}

func (m *MemoryLoginAttemptRepository) Record(ctx context.Context, attempt models.LoginAttempt, windowStart, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !attempt.Success {
		var newest *models.LoginAttempt
		for _, row := range m.Rows {
			if row.IPAddress != attempt.IPAddress || usernameKey(row.Username) != usernameKey(attempt.Username) {
				continue
			}
			if row.Success || !row.Timestamp.After(windowStart) {
				continue
			}
			if newest == nil || row.Timestamp.After(newest.Timestamp) {
				newest = row
			}
		}
		if newest != nil {
			newest.AttemptCount++
			newest.Timestamp = now
			return nil
		}
	}

	m.nextID++
	row := attempt
	row.ID = m.nextID
	row.AttemptCount = 1
	row.Timestamp = now
	m.Rows = append(m.Rows, &row)
	return nil
}

func (m *MemoryLoginAttemptRepository) FailedSince(ctx context.Context, ip string, since time.Time) (int, *time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0
	var last *time.Time
	for _, row := range m.Rows {
		if row.IPAddress != ip || row.Success || !row.Timestamp.After(since) {
			continue
		}
		total += row.AttemptCount
		if last == nil || row.Timestamp.After(*last) {
			ts := row.Timestamp
			last = &ts
		}
	}
	return total, last, nil
}

func (m *MemoryLoginAttemptRepository) Clear(ctx context.Context, ip string, username *string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.Rows[:0]
	var removed int64
	for _, row := range m.Rows {
		match := row.IPAddress == ip && (username == nil || (row.Username != nil && *row.Username == *username))
		if match {
			removed++
			continue
		}
		kept = append(kept, row)
	}
	m.Rows = kept
	return removed, nil
}

func (m *MemoryLoginAttemptRepository) Recent(ctx context.Context, since time.Time, limit int) ([]*models.LoginAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.LoginAttempt, 0)
	for _, row := range m.Rows {
		if row.Timestamp.After(since) {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryLoginAttemptRepository) Stats(ctx context.Context, since time.Time, topUsers int) (models.LoginAttemptStats, error) {
	return models.LoginAttemptStats{}, nil
}

func (m *MemoryLoginAttemptRepository) CountLockedIPs(ctx context.Context, windowStart time.Time, threshold int, lockedSince time.Time) (int64, error) {
	return 0, nil
}
