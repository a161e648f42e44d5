//go:build integration

package repositories_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BradenHooton/carewatch/internal/models"
	"github.com/BradenHooton/carewatch/internal/repositories"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const window = 30 * time.Minute

func failure(ip, username string) models.LoginAttempt {
	return models.LoginAttempt{IPAddress: ip, Username: strPtr(username), UserAgent: strPtr("integration")}
}

func TestLoginAttemptRepository_FoldsFailuresInWindow(t *testing.T) {
	truncate(t, "login_attempts")
	repo := repositories.NewLoginAttemptRepository(testDB)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		at := now.Add(time.Duration(i) * time.Minute)
		require.NoError(t, repo.Record(ctx, failure("10.0.0.1", "alice"), at.Add(-window), at))
	}

	rows, err := repo.Recent(ctx, now.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 3, rows[0].AttemptCount)
	assert.WithinDuration(t, now.Add(2*time.Minute), rows[0].Timestamp, time.Millisecond)

	total, last, err := repo.FailedSince(ctx, "10.0.0.1", now.Add(-window))
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.NotNil(t, last)
}

func TestLoginAttemptRepository_NewRowOutsideWindow(t *testing.T) {
	truncate(t, "login_attempts")
	repo := repositories.NewLoginAttemptRepository(testDB)
	ctx := context.Background()
	now := time.Now().UTC()

	old := now.Add(-time.Hour)
	require.NoError(t, repo.Record(ctx, failure("10.0.0.2", "bob"), old.Add(-window), old))
	require.NoError(t, repo.Record(ctx, failure("10.0.0.2", "bob"), now.Add(-window), now))

	rows, err := repo.Recent(ctx, now.Add(-2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[0].AttemptCount)
	assert.Equal(t, 1, rows[1].AttemptCount)

	total, _, err := repo.FailedSince(ctx, "10.0.0.2", now.Add(-window))
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestLoginAttemptRepository_SuccessStartsFreshRow(t *testing.T) {
	truncate(t, "login_attempts")
	repo := repositories.NewLoginAttemptRepository(testDB)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, repo.Record(ctx, failure("10.0.0.3", "carol"), now.Add(-window), now))
	ok := failure("10.0.0.3", "carol")
	ok.Success = true
	require.NoError(t, repo.Record(ctx, ok, now.Add(-window), now.Add(time.Second)))
	require.NoError(t, repo.Record(ctx, failure("10.0.0.3", "carol"), now.Add(-window), now.Add(2*time.Second)))

	rows, err := repo.Recent(ctx, now.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.False(t, rows[0].Success)
	assert.Equal(t, 2, rows[0].AttemptCount)
	assert.True(t, rows[1].Success)
	assert.Equal(t, 1, rows[1].AttemptCount)

	total, _, err := repo.FailedSince(ctx, "10.0.0.3", now.Add(-window))
	require.NoError(t, err)
	assert.Equal(t, 2, total, "successes never reset the failure counter")
}

func TestLoginAttemptRepository_AnonymousPairIsDistinct(t *testing.T) {
	truncate(t, "login_attempts")
	repo := repositories.NewLoginAttemptRepository(testDB)
	ctx := context.Background()
	now := time.Now().UTC()

	anonymous := models.LoginAttempt{IPAddress: "10.0.0.4"}
	require.NoError(t, repo.Record(ctx, anonymous, now.Add(-window), now))
	require.NoError(t, repo.Record(ctx, anonymous, now.Add(-window), now.Add(time.Second)))
	require.NoError(t, repo.Record(ctx, failure("10.0.0.4", "dave"), now.Add(-window), now.Add(2*time.Second)))

	rows, err := repo.Recent(ctx, now.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	counts := map[string]int{}
	for _, r := range rows {
		key := ""
		if r.Username != nil {
			key = *r.Username
		}
		counts[key] = r.AttemptCount
	}
	assert.Equal(t, map[string]int{"": 2, "dave": 1}, counts)
}

func TestLoginAttemptRepository_ConcurrentFailuresAreNotLost(t *testing.T) {
	truncate(t, "login_attempts")
	repo := repositories.NewLoginAttemptRepository(testDB)
	ctx := context.Background()
	now := time.Now().UTC()

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- repo.Record(ctx, failure("10.0.0.5", "eve"), now.Add(-window), now)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	rows, err := repo.Recent(ctx, now.Add(-time.Hour), 50)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, writers, rows[0].AttemptCount)
}

func TestLoginAttemptRepository_Clear(t *testing.T) {
	truncate(t, "login_attempts")
	repo := repositories.NewLoginAttemptRepository(testDB)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, repo.Record(ctx, failure("10.0.0.6", "frank"), now.Add(-window), now))
	require.NoError(t, repo.Record(ctx, failure("10.0.0.6", "grace"), now.Add(-window), now))
	require.NoError(t, repo.Record(ctx, failure("10.0.0.7", "frank"), now.Add(-window), now))

	deleted, err := repo.Clear(ctx, "10.0.0.6", strPtr("frank"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	deleted, err = repo.Clear(ctx, "10.0.0.6", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	deleted, err = repo.Clear(ctx, "10.0.0.99", nil)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	rows, err := repo.Recent(ctx, now.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "10.0.0.7", rows[0].IPAddress)
}

func TestLoginAttemptRepository_StatsAndLockedIPs(t *testing.T) {
	truncate(t, "login_attempts")
	repo := repositories.NewLoginAttemptRepository(testDB)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Record(ctx, failure("10.0.1.1", "mallory"), now.Add(-window), now))
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, repo.Record(ctx, failure("10.0.1.2", "trent"), now.Add(-window), now.Add(time.Second)))
	}
	ok := failure("10.0.1.3", "alice")
	ok.Success = true
	require.NoError(t, repo.Record(ctx, ok, now.Add(-window), now))

	stats, err := repo.Stats(ctx, now.Add(-24*time.Hour), 5)
	require.NoError(t, err)
	assert.Equal(t, int64(7), stats.LoginFailures)
	assert.Equal(t, int64(3), stats.IPAddressCount)
	require.Len(t, stats.RecentFailedLogins, 2)
	assert.Equal(t, "mallory", stats.RecentFailedLogins[0].Username)
	assert.Equal(t, int64(5), stats.RecentFailedLogins[0].Count)
	assert.Equal(t, "trent", stats.RecentFailedLogins[1].Username)

	locked, err := repo.CountLockedIPs(ctx, now.Add(-window), 5, now.Add(-15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), locked)

	locked, err = repo.CountLockedIPs(ctx, now.Add(-window), 5, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, locked, "lockout expired")
}
