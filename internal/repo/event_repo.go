package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Funnel/internal/domain"
)

// EventRepo — репозиторий входящих событий (inbound_events).
type EventRepo struct {
	pool *pgxpool.Pool
}

// NewEventRepo создаёт новый EventRepo.
func NewEventRepo(pool *pgxpool.Pool) *EventRepo {
	return &EventRepo{pool: pool}
}

const eventColumns = `id, company_id, type, idempotency_key, payload, status, attempts, error, created_at, processed_at`

// Record записывает событие; дубликат по (company_id, idempotency_key) возвращает оригинал.
func (r *EventRepo) Record(ctx context.Context, ev *domain.InboundEvent) (*domain.InboundEvent, bool, error) {
	payloadJSON, err := marshalJSON(ev.Payload, "payload")
	if err != nil {
		return nil, false, err
	}

	query := `
		INSERT INTO inbound_events (id, company_id, type, idempotency_key, payload, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (company_id, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
	`
	result, err := r.pool.Exec(ctx, query,
		ev.ID,
		ev.CompanyID,
		ev.Type,
		nullString(ev.IdempotencyKey),
		payloadJSON,
		ev.Status,
		ev.Attempts,
		ev.CreatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert event: %w", err)
	}
	if result.RowsAffected() == 1 {
		return ev, true, nil
	}

	existing, err := r.scanEvent(r.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM inbound_events WHERE company_id = $1 AND idempotency_key = $2`,
		ev.CompanyID, ev.IdempotencyKey,
	))
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetByID возвращает событие компании по ID.
func (r *EventRepo) GetByID(ctx context.Context, companyID, id uuid.UUID) (*domain.InboundEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM inbound_events WHERE id = $1 AND company_id = $2`
	return r.scanEvent(r.pool.QueryRow(ctx, query, id, companyID))
}

// ListPending возвращает PENDING события, созданные не позже before.
func (r *EventRepo) ListPending(ctx context.Context, before time.Time, limit int) ([]domain.InboundEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM inbound_events
		WHERE status = 'PENDING' AND created_at <= $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending events: %w", err)
	}
	defer rows.Close()

	var events []domain.InboundEvent
	for rows.Next() {
		ev, err := r.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}

// Update обновляет статус события.
func (r *EventRepo) Update(ctx context.Context, ev *domain.InboundEvent) error {
	query := `
		UPDATE inbound_events
		SET status = $3, attempts = $4, error = $5, processed_at = $6
		WHERE id = $1 AND company_id = $2
	`
	result, err := r.pool.Exec(ctx, query,
		ev.ID,
		ev.CompanyID,
		ev.Status,
		ev.Attempts,
		nullString(ev.Error),
		ev.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// scanEvent сканирует одну строку в InboundEvent.
func (r *EventRepo) scanEvent(row pgx.Row) (*domain.InboundEvent, error) {
	var ev domain.InboundEvent
	var key, evError *string
	var payloadJSON []byte

	err := row.Scan(
		&ev.ID,
		&ev.CompanyID,
		&ev.Type,
		&key,
		&payloadJSON,
		&ev.Status,
		&ev.Attempts,
		&evError,
		&ev.CreatedAt,
		&ev.ProcessedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}

	ev.IdempotencyKey = deref(key)
	ev.Error = deref(evError)
	if err := json.Unmarshal(payloadJSON, &ev.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return &ev, nil
}
