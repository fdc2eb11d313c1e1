package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Funnel/internal/domain"
)

// SessionRepo — репозиторий сессий WhatsApp-коннектора.
type SessionRepo struct {
	pool *pgxpool.Pool
}

// NewSessionRepo создаёт новый SessionRepo.
func NewSessionRepo(pool *pgxpool.Pool) *SessionRepo {
	return &SessionRepo{pool: pool}
}

const sessionColumns = `id, company_id, instance_name, status, qr_code, qr_expires_at,
	retry_count, max_retries, last_error, updated_at`

// Get возвращает сессию инстанса компании.
func (r *SessionRepo) Get(ctx context.Context, companyID uuid.UUID, instance string) (*domain.ConnectorSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM connector_sessions WHERE company_id = $1 AND instance_name = $2`
	return r.scanSession(r.pool.QueryRow(ctx, query, companyID, instance))
}

// Save создаёт или обновляет сессию.
func (r *SessionRepo) Save(ctx context.Context, s *domain.ConnectorSession) error {
	query := `
		INSERT INTO connector_sessions (id, company_id, instance_name, status, qr_code, qr_expires_at,
		                                retry_count, max_retries, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (company_id, instance_name) DO UPDATE
		SET status = EXCLUDED.status, qr_code = EXCLUDED.qr_code, qr_expires_at = EXCLUDED.qr_expires_at,
		    retry_count = EXCLUDED.retry_count, max_retries = EXCLUDED.max_retries,
		    last_error = EXCLUDED.last_error, updated_at = EXCLUDED.updated_at
	`
	_, err := r.pool.Exec(ctx, query,
		s.ID,
		s.CompanyID,
		s.InstanceName,
		s.Status,
		nullString(s.QRCode),
		s.QRExpiresAt,
		s.RetryCount,
		s.MaxRetries,
		nullString(s.LastError),
		s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// List возвращает сессии компании.
func (r *SessionRepo) List(ctx context.Context, companyID uuid.UUID) ([]domain.ConnectorSession, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM connector_sessions WHERE company_id = $1 ORDER BY instance_name`,
		companyID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.ConnectorSession
	for rows.Next() {
		s, err := r.scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

func (r *SessionRepo) scanSession(row pgx.Row) (*domain.ConnectorSession, error) {
	var s domain.ConnectorSession
	var qr, lastError *string

	err := row.Scan(
		&s.ID,
		&s.CompanyID,
		&s.InstanceName,
		&s.Status,
		&qr,
		&s.QRExpiresAt,
		&s.RetryCount,
		&s.MaxRetries,
		&lastError,
		&s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	s.QRCode = deref(qr)
	s.LastError = deref(lastError)
	return &s, nil
}
