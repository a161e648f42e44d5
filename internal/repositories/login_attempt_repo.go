package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/carewatch/internal/database"
	"github.com/BradenHooton/carewatch/internal/models"
	"github.com/jackc/pgx/v5"
)

// LoginAttemptRepository handles database operations for login attempts
type LoginAttemptRepository struct {
	db *database.DB
}

// NewLoginAttemptRepository creates a new LoginAttemptRepository
func NewLoginAttemptRepository(db *database.DB) *LoginAttemptRepository {
	return &LoginAttemptRepository{db: db}
}

const loginAttemptColumns = `id, username, ip_address, user_agent, success, timestamp, attempt_count`

func scanLoginAttemptRow(row rowScanner) (*models.LoginAttempt, error) {
	var a models.LoginAttempt
	err := row.Scan(&a.ID, &a.Username, &a.IPAddress, &a.UserAgent, &a.Success, &a.Timestamp, &a.AttemptCount)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &a, nil
}

// Record stores an attempt at time now. A failure is folded into the newest
// failed row for the same (ip, username) pair whose timestamp is after
// windowStart; otherwise a new row is inserted. An advisory lock on the pair
// serializes concurrent writers so the counter never loses increments.
func (r *LoginAttemptRepository) Record(ctx context.Context, attempt models.LoginAttempt, windowStart, now time.Time) error {
	username := ""
	if attempt.Username != nil {
		username = *attempt.Username
	}

	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`SELECT pg_advisory_xact_lock(hashtextextended($1::text || chr(31) || $2::text, 0))`,
			attempt.IPAddress, username,
		); err != nil {
			return fmt.Errorf("failed to lock login attempt pair: %w", err)
		}

		if !attempt.Success {
			result, err := tx.Exec(ctx, `
				UPDATE login_attempts
				SET attempt_count = attempt_count + 1, timestamp = $4
				WHERE id = (
					SELECT id FROM login_attempts
					WHERE ip_address = $1 AND username_key = $2
					  AND success = false AND timestamp > $3
					ORDER BY timestamp DESC
					LIMIT 1
				)`,
				attempt.IPAddress, username, windowStart, now,
			)
			if err != nil {
				return fmt.Errorf("failed to increment login attempt: %w", err)
			}
			if result.RowsAffected() > 0 {
				return nil
			}
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO login_attempts (username, ip_address, user_agent, success, attempt_count, timestamp)
			VALUES ($1, $2, $3, $4, 1, $5)`,
			attempt.Username, attempt.IPAddress, attempt.UserAgent, attempt.Success, now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert login attempt: %w", database.MapPostgresError(err))
		}
		return nil
	})
}

// FailedSince sums attempt_count over failed attempts from ip after since and
// returns the newest failure time, or nil when there are none.
func (r *LoginAttemptRepository) FailedSince(ctx context.Context, ip string, since time.Time) (int, *time.Time, error) {
	query := `
		SELECT COALESCE(SUM(attempt_count), 0), MAX(timestamp)
		FROM login_attempts
		WHERE ip_address = $1 AND success = false AND timestamp > $2
	`

	var total int64
	var last *time.Time
	if err := r.db.Pool.QueryRow(ctx, query, ip, since).Scan(&total, &last); err != nil {
		return 0, nil, fmt.Errorf("failed to sum login attempts: %w", err)
	}
	return int(total), last, nil
}

// Clear deletes attempts from ip, scoped to username when it is non-nil.
func (r *LoginAttemptRepository) Clear(ctx context.Context, ip string, username *string) (int64, error) {
	query := `DELETE FROM login_attempts WHERE ip_address = $1`
	args := []any{ip}
	if username != nil {
		query += ` AND username = $2`
		args = append(args, *username)
	}

	result, err := r.db.Pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to clear login attempts: %w", err)
	}
	return result.RowsAffected(), nil
}

// Recent returns up to limit attempts newer than since, newest first.
func (r *LoginAttemptRepository) Recent(ctx context.Context, since time.Time, limit int) ([]*models.LoginAttempt, error) {
	query := `
		SELECT ` + loginAttemptColumns + `
		FROM login_attempts
		WHERE timestamp > $1
		ORDER BY timestamp DESC
		LIMIT $2
	`

	rows, err := r.db.Pool.Query(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query login attempts: %w", err)
	}
	defer rows.Close()

	attempts := make([]*models.LoginAttempt, 0)
	for rows.Next() {
		a, err := scanLoginAttemptRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan login attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating login attempt rows: %w", err)
	}

	return attempts, nil
}

// Stats summarizes attempts newer than since for the admin dashboard.
func (r *LoginAttemptRepository) Stats(ctx context.Context, since time.Time, topUsers int) (models.LoginAttemptStats, error) {
	var stats models.LoginAttemptStats

	err := r.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(attempt_count) FILTER (WHERE success = false), 0),
		       COUNT(DISTINCT ip_address)
		FROM login_attempts
		WHERE timestamp > $1`, since,
	).Scan(&stats.LoginFailures, &stats.IPAddressCount)
	if err != nil {
		return models.LoginAttemptStats{}, fmt.Errorf("failed to summarize login attempts: %w", err)
	}

	rows, err := r.db.Pool.Query(ctx, `
		SELECT username, SUM(attempt_count) AS failures, MAX(timestamp)
		FROM login_attempts
		WHERE timestamp > $1 AND success = false AND username IS NOT NULL
		GROUP BY username
		ORDER BY failures DESC, MAX(timestamp) DESC
		LIMIT $2`, since, topUsers,
	)
	if err != nil {
		return models.LoginAttemptStats{}, fmt.Errorf("failed to query failed logins: %w", err)
	}
	defer rows.Close()

	stats.RecentFailedLogins = make([]models.FailedLoginSummary, 0, topUsers)
	for rows.Next() {
		var s models.FailedLoginSummary
		if err := rows.Scan(&s.Username, &s.Count, &s.LastAttempt); err != nil {
			return models.LoginAttemptStats{}, fmt.Errorf("failed to scan failed login summary: %w", err)
		}
		stats.RecentFailedLogins = append(stats.RecentFailedLogins, s)
	}
	if err := rows.Err(); err != nil {
		return models.LoginAttemptStats{}, fmt.Errorf("error iterating failed login rows: %w", err)
	}

	return stats, nil
}

// CountLockedIPs counts addresses whose failures after windowStart reach
// threshold and whose newest failure is after lockedSince.
func (r *LoginAttemptRepository) CountLockedIPs(ctx context.Context, windowStart time.Time, threshold int, lockedSince time.Time) (int64, error) {
	query := `
		SELECT COUNT(*) FROM (
			SELECT ip_address
			FROM login_attempts
			WHERE success = false AND timestamp > $1
			GROUP BY ip_address
			HAVING SUM(attempt_count) >= $2 AND MAX(timestamp) > $3
		) locked
	`

	var count int64
	if err := r.db.Pool.QueryRow(ctx, query, windowStart, threshold, lockedSince).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count locked addresses: %w", err)
	}
	return count, nil
}
