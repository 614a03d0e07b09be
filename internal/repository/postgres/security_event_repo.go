// internal/repository/postgres/security_event_repo.go
package postgres

import (
	"context"
	"fmt"

	"fieldops-security/internal/domain/security"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type SecurityEventRepository struct {
	db *pgxpool.Pool
}

func NewSecurityEventRepository(db *pgxpool.Pool) *SecurityEventRepository {
	return &SecurityEventRepository{db: db}
}

func (r *SecurityEventRepository) Create(ctx context.Context, e *security.SecurityEvent) error {
	query := `
		INSERT INTO security_events (
			user_id, event_type, event_severity, event_description, ip_address, requires_action
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	err := r.db.QueryRow(ctx, query,
		e.UserID, e.EventType, string(e.EventSeverity), e.EventDescription, e.IPAddress, e.RequiresAction,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create security event: %w", err)
	}
	return nil
}

// ListByUser returns newest first.
func (r *SecurityEventRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]security.SecurityEvent, error) {
	query := `
		SELECT id, user_id, event_type, event_severity, event_description, ip_address, requires_action, created_at
		FROM security_events
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list security events: %w", err)
	}
	defer rows.Close()

	events := make([]security.SecurityEvent, 0)
	for rows.Next() {
		var (
			e        security.SecurityEvent
			severity string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.EventType, &severity, &e.EventDescription,
			&e.IPAddress, &e.RequiresAction, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		e.EventSeverity = security.Severity(severity)
		events = append(events, e)
	}
	return events, rows.Err()
}
