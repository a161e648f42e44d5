//go:build integration

package repositories_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/BradenHooton/carewatch/internal/models"
	"github.com/BradenHooton/carewatch/internal/repositories"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedAudit(t *testing.T, repo *repositories.AuditLogRepository, userID *string, action string, severity models.Severity) *models.SecurityAuditLog {
	t.Helper()
	log, err := repo.Create(context.Background(), &models.SecurityAuditLog{
		UserID:    userID,
		Action:    action,
		IPAddress: "203.0.113.7",
		Details:   json.RawMessage(`{"note":"seed"}`),
		Severity:  severity,
	})
	require.NoError(t, err)
	return log
}

func TestAuditLogRepository_Create(t *testing.T) {
	truncate(t, "security_audit")
	repo := repositories.NewAuditLogRepository(testDB)
	userID := uuid.NewString()

	log := seedAudit(t, repo, &userID, models.AuditActionIPChange, models.SeverityMedium)

	assert.NotEqual(t, uuid.Nil, log.ID)
	assert.Equal(t, userID, *log.UserID)
	assert.False(t, log.IsResolved)
	assert.Nil(t, log.ResolvedBy)
	assert.Nil(t, log.ResolvedAt)
	assert.WithinDuration(t, time.Now(), log.Timestamp, time.Minute)
	assert.JSONEq(t, `{"note":"seed"}`, string(log.Details))
}

func TestAuditLogRepository_CreateDefaultsDetails(t *testing.T) {
	truncate(t, "security_audit")
	repo := repositories.NewAuditLogRepository(testDB)

	log, err := repo.Create(context.Background(), &models.SecurityAuditLog{
		Action:    "SYSTEM_EVENT",
		IPAddress: "unknown",
		Severity:  models.SeverityLow,
	})
	require.NoError(t, err)
	assert.Nil(t, log.UserID)
	assert.JSONEq(t, `{}`, string(log.Details))
}

func TestAuditLogRepository_CreateRejectsUnknownSeverity(t *testing.T) {
	truncate(t, "security_audit")
	repo := repositories.NewAuditLogRepository(testDB)

	_, err := repo.Create(context.Background(), &models.SecurityAuditLog{
		Action:    "SYSTEM_EVENT",
		IPAddress: "unknown",
		Severity:  models.Severity("CRITICAL"),
	})
	assert.ErrorIs(t, err, models.ErrBadRequest)
}

func TestAuditLogRepository_ListFilters(t *testing.T) {
	truncate(t, "security_audit")
	repo := repositories.NewAuditLogRepository(testDB)
	ctx := context.Background()
	alice := uuid.NewString()
	bob := uuid.NewString()

	first := seedAudit(t, repo, &alice, models.AuditActionLoginLockout, models.SeverityHigh)
	seedAudit(t, repo, &bob, models.AuditActionIPChange, models.SeverityMedium)
	last := seedAudit(t, repo, nil, models.AuditActionLoginLockout, models.SeverityHigh)

	resolved, err := repo.Resolve(ctx, first.ID, bob, time.Now())
	require.NoError(t, err)
	require.True(t, resolved)

	high := models.SeverityHigh
	action := models.AuditActionLoginLockout
	unresolved := false
	future := time.Now().Add(time.Hour)
	past := time.Now().Add(-time.Hour)

	tests := []struct {
		name   string
		filter models.AuditLogFilter
		want   int
	}{
		{name: "no filter", filter: models.AuditLogFilter{}, want: 3},
		{name: "by user", filter: models.AuditLogFilter{UserID: &alice}, want: 1},
		{name: "by action", filter: models.AuditLogFilter{Action: &action}, want: 2},
		{name: "by severity", filter: models.AuditLogFilter{Severity: &high}, want: 2},
		{name: "unresolved high", filter: models.AuditLogFilter{Severity: &high, IsResolved: &unresolved}, want: 1},
		{name: "from future", filter: models.AuditLogFilter{From: &future}, want: 0},
		{name: "to past", filter: models.AuditLogFilter{To: &past}, want: 0},
		{name: "inside range", filter: models.AuditLogFilter{From: &past, To: &future}, want: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs, err := repo.List(ctx, tt.filter)
			require.NoError(t, err)
			assert.Len(t, logs, tt.want)
		})
	}

	logs, err := repo.List(ctx, models.AuditLogFilter{})
	require.NoError(t, err)
	assert.Equal(t, last.ID, logs[0].ID, "newest first")
	for i := 1; i < len(logs); i++ {
		assert.False(t, logs[i].Timestamp.After(logs[i-1].Timestamp))
	}
}

func TestAuditLogRepository_ResolveIsOneWay(t *testing.T) {
	truncate(t, "security_audit")
	repo := repositories.NewAuditLogRepository(testDB)
	ctx := context.Background()
	admin := uuid.NewString()
	other := uuid.NewString()

	log := seedAudit(t, repo, nil, models.AuditActionLoginLockout, models.SeverityHigh)
	at := time.Now().UTC().Truncate(time.Microsecond)

	ok, err := repo.Resolve(ctx, log.ID, admin, at)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Resolve(ctx, log.ID, other, at.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "second resolve must not overwrite")

	logs, err := repo.List(ctx, models.AuditLogFilter{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].IsResolved)
	require.NotNil(t, logs[0].ResolvedBy)
	assert.Equal(t, admin, *logs[0].ResolvedBy)
	require.NotNil(t, logs[0].ResolvedAt)
	assert.True(t, at.Equal(*logs[0].ResolvedAt))
}

func TestAuditLogRepository_ResolveMissingAndExists(t *testing.T) {
	truncate(t, "security_audit")
	repo := repositories.NewAuditLogRepository(testDB)
	ctx := context.Background()

	missing := uuid.New()
	ok, err := repo.Resolve(ctx, missing, uuid.NewString(), time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	exists, err := repo.Exists(ctx, missing)
	require.NoError(t, err)
	assert.False(t, exists)

	log := seedAudit(t, repo, nil, "SYSTEM_EVENT", models.SeverityLow)
	exists, err = repo.Exists(ctx, log.ID)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestAuditLogRepository_Counts(t *testing.T) {
	truncate(t, "security_audit")
	repo := repositories.NewAuditLogRepository(testDB)
	ctx := context.Background()

	counts, err := repo.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.AuditLogCounts{}, counts)

	high := seedAudit(t, repo, nil, models.AuditActionLoginLockout, models.SeverityHigh)
	seedAudit(t, repo, nil, models.AuditActionLoginLockout, models.SeverityHigh)
	seedAudit(t, repo, nil, models.AuditActionIPChange, models.SeverityMedium)

	_, err = repo.Resolve(ctx, high.ID, uuid.NewString(), time.Now())
	require.NoError(t, err)

	counts, err = repo.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.AuditLogCounts{Total: 3, HighSeverity: 2, Unresolved: 2}, counts)
}
