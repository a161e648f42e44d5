package repositories

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BradenHooton/carewatch/internal/database"
	"github.com/BradenHooton/carewatch/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLogRepository handles security audit data access
type AuditLogRepository struct {
	pool *pgxpool.Pool
}

// NewAuditLogRepository creates a new AuditLogRepository
func NewAuditLogRepository(db *database.DB) *AuditLogRepository {
	return &AuditLogRepository{pool: db.Pool}
}

const auditLogColumns = `id, user_id, action, ip_address, details, severity, timestamp, is_resolved, resolved_by, resolved_at`

// scanAuditLogRow handles nullable fields and populates a SecurityAuditLog from a database row
func scanAuditLogRow(row rowScanner) (*models.SecurityAuditLog, error) {
	var log models.SecurityAuditLog
	var details []byte

	err := row.Scan(
		&log.ID, &log.UserID, &log.Action, &log.IPAddress, &details,
		&log.Severity, &log.Timestamp, &log.IsResolved, &log.ResolvedBy, &log.ResolvedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	log.Details = details

	return &log, nil
}

// scanAuditLogRows iterates through rows and scans each into SecurityAuditLog models
func scanAuditLogRows(rows pgx.Rows) ([]*models.SecurityAuditLog, error) {
	defer rows.Close()

	logs := make([]*models.SecurityAuditLog, 0)

	for rows.Next() {
		log, err := scanAuditLogRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log rows: %w", err)
	}

	return logs, nil
}

// Create persists a new audit log. ID and timestamp are assigned by the database.
func (r *AuditLogRepository) Create(ctx context.Context, log *models.SecurityAuditLog) (*models.SecurityAuditLog, error) {
	query := `
		INSERT INTO security_audit (user_id, action, ip_address, details, severity)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + auditLogColumns

	details := []byte(log.Details)
	if len(details) == 0 {
		details = []byte("{}")
	}

	result, err := scanAuditLogRow(r.pool.QueryRow(ctx, query,
		log.UserID, log.Action, log.IPAddress, details, log.Severity,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create audit log: %w", err)
	}

	return result, nil
}

// List returns audit logs matching every set field of filter, newest first.
func (r *AuditLogRepository) List(ctx context.Context, filter models.AuditLogFilter) ([]*models.SecurityAuditLog, error) {
	var conditions []string
	var args []any

	add := func(clause string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(clause, len(args)))
	}

	if filter.UserID != nil {
		add("user_id = $%d", *filter.UserID)
	}
	if filter.Action != nil {
		add("action = $%d", *filter.Action)
	}
	if filter.Severity != nil {
		add("severity = $%d", string(*filter.Severity))
	}
	if filter.From != nil {
		add("timestamp >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("timestamp <= $%d", *filter.To)
	}
	if filter.IsResolved != nil {
		add("is_resolved = $%d", *filter.IsResolved)
	}

	query := `SELECT ` + auditLogColumns + ` FROM security_audit`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY timestamp DESC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", database.MapPostgresError(err))
	}

	return scanAuditLogRows(rows)
}

// Resolve marks an unresolved log as resolved. It reports false when no
// unresolved row with that id exists; the row may be missing or already resolved.
func (r *AuditLogRepository) Resolve(ctx context.Context, id uuid.UUID, resolvedBy string, at time.Time) (bool, error) {
	query := `
		UPDATE security_audit
		SET is_resolved = true, resolved_by = $2, resolved_at = $3
		WHERE id = $1 AND is_resolved = false
	`

	result, err := r.pool.Exec(ctx, query, id, resolvedBy, at)
	if err != nil {
		return false, fmt.Errorf("failed to resolve audit log: %w", database.MapPostgresError(err))
	}

	return result.RowsAffected() == 1, nil
}

// Exists reports whether an audit log with id is stored.
func (r *AuditLogRepository) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM security_audit WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check audit log: %w", err)
	}
	return exists, nil
}

// Counts aggregates totals for the admin dashboard in one pass.
func (r *AuditLogRepository) Counts(ctx context.Context) (models.AuditLogCounts, error) {
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE severity = 'HIGH'),
		       COUNT(*) FILTER (WHERE is_resolved = false)
		FROM security_audit
	`

	var counts models.AuditLogCounts
	err := r.pool.QueryRow(ctx, query).Scan(&counts.Total, &counts.HighSeverity, &counts.Unresolved)
	if err != nil {
		return models.AuditLogCounts{}, fmt.Errorf("failed to count audit logs: %w", err)
	}

	return counts, nil
}
