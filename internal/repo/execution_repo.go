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

// ExecutionRepo — репозиторий для работы с executions.
//
// Уникальность обеспечивают частичные уникальные индексы:
// executions_active_uniq (один активный execution на пару flow, contact)
// и executions_trigger_uniq (одно событие запускает flow для контакта один раз).
// Конкурентные изменения одного execution разводит колонка version.
type ExecutionRepo struct {
	pool *pgxpool.Pool
}

// NewExecutionRepo создаёт новый ExecutionRepo.
func NewExecutionRepo(pool *pgxpool.Pool) *ExecutionRepo {
	return &ExecutionRepo{pool: pool}
}

const executionColumns = `
	id, flow_id, contact_id, company_id, phone, status, current_node_id, next_action_at,
	context, choices, attempts, steps, version, last_error, trigger_event_id,
	started_at, finished_at, updated_at`

// Create атомарно создаёт execution, если для (flow, contact) нет активного
// и событие ещё не запускало этот flow для контакта.
func (r *ExecutionRepo) Create(ctx context.Context, exec *domain.Execution) (*domain.Execution, error) {
	contextJSON, err := marshalJSON(exec.Context, "context")
	if err != nil {
		return nil, err
	}
	choicesJSON, err := marshalJSON(exec.Choices, "choices")
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO executions (
			id, flow_id, contact_id, company_id, phone, status, current_node_id, next_action_at,
			context, choices, attempts, steps, version, last_error, trigger_event_id,
			started_at, finished_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT DO NOTHING
	`

	// Конфликтующий активный execution может завершиться между INSERT
	// и SELECT, тогда пробуем вставить ещё раз.
	for attempt := 0; attempt < 3; attempt++ {
		result, err := r.pool.Exec(ctx, query,
			exec.ID,
			exec.FlowID,
			exec.ContactID,
			exec.CompanyID,
			nullString(exec.Phone),
			exec.Status,
			exec.CurrentNodeID,
			exec.NextActionAt,
			contextJSON,
			choicesJSON,
			exec.Attempts,
			exec.Steps,
			exec.Version,
			nullString(exec.LastError),
			nullUUID(exec.TriggerEventID),
			exec.StartedAt,
			exec.FinishedAt,
			exec.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("insert execution: %w", err)
		}
		if result.RowsAffected() == 1 {
			return exec, nil
		}

		if exec.TriggerEventID != nil {
			existing, err := r.GetByTrigger(ctx, exec.CompanyID, exec.FlowID, exec.ContactID, *exec.TriggerEventID)
			if err == nil {
				return existing, ErrAlreadyExists
			}
			if !errors.Is(err, ErrNotFound) {
				return nil, err
			}
		}

		existing, err := r.GetActive(ctx, exec.CompanyID, exec.FlowID, exec.ContactID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return existing, ErrAlreadyExists
	}
	return nil, ErrAlreadyExists
}

// GetByID возвращает execution компании по ID.
func (r *ExecutionRepo) GetByID(ctx context.Context, companyID, id uuid.UUID) (*domain.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = $1 AND company_id = $2`
	return r.scanExecution(r.pool.QueryRow(ctx, query, id, companyID))
}

// GetByTrigger возвращает execution flow для контакта, запущенный событием eventID.
func (r *ExecutionRepo) GetByTrigger(ctx context.Context, companyID, flowID, contactID, eventID uuid.UUID) (*domain.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE company_id = $1 AND flow_id = $2 AND contact_id = $3 AND trigger_event_id = $4
	`
	return r.scanExecution(r.pool.QueryRow(ctx, query, companyID, flowID, contactID, eventID))
}

// OwnerOf возвращает company_id execution без фильтра по компании.
func (r *ExecutionRepo) OwnerOf(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	var companyID uuid.UUID
	err := r.pool.QueryRow(ctx, `SELECT company_id FROM executions WHERE id = $1`, id).Scan(&companyID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("get execution owner: %w", err)
	}
	return companyID, nil
}

// GetActive возвращает running/waiting execution для (flow, contact).
func (r *ExecutionRepo) GetActive(ctx context.Context, companyID, flowID, contactID uuid.UUID) (*domain.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE company_id = $1 AND flow_id = $2 AND contact_id = $3
		  AND status IN ('running', 'waiting')
	`
	return r.scanExecution(r.pool.QueryRow(ctx, query, companyID, flowID, contactID))
}

// Save сохраняет execution с проверкой версии.
func (r *ExecutionRepo) Save(ctx context.Context, exec *domain.Execution) error {
	contextJSON, err := marshalJSON(exec.Context, "context")
	if err != nil {
		return err
	}
	choicesJSON, err := marshalJSON(exec.Choices, "choices")
	if err != nil {
		return err
	}

	query := `
		UPDATE executions
		SET status = $4, current_node_id = $5, next_action_at = $6, context = $7, choices = $8,
		    attempts = $9, steps = $10, last_error = $11, finished_at = $12, updated_at = $13,
		    version = version + 1
		WHERE id = $1 AND company_id = $2 AND version = $3
	`
	result, err := r.pool.Exec(ctx, query,
		exec.ID,
		exec.CompanyID,
		exec.Version,
		exec.Status,
		exec.CurrentNodeID,
		exec.NextActionAt,
		contextJSON,
		choicesJSON,
		exec.Attempts,
		exec.Steps,
		nullString(exec.LastError),
		exec.FinishedAt,
		exec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.saveMiss(ctx, exec)
	}
	exec.Version++
	return nil
}

// saveMiss различает отсутствующий execution и устаревшую версию.
func (r *ExecutionRepo) saveMiss(ctx context.Context, exec *domain.Execution) error {
	var version int
	err := r.pool.QueryRow(ctx,
		`SELECT version FROM executions WHERE id = $1 AND company_id = $2`,
		exec.ID, exec.CompanyID,
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check execution version: %w", err)
	}
	return ErrConflict
}

// ListDue возвращает executions, которые пора продолжить.
func (r *ExecutionRepo) ListDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]domain.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE (status IN ('running', 'waiting') AND next_action_at IS NOT NULL AND next_action_at <= $1)
		   OR (status = 'running' AND next_action_at IS NULL AND updated_at <= $2)
		ORDER BY COALESCE(next_action_at, updated_at) ASC
		LIMIT $3
	`
	return r.queryExecutions(ctx, query, now, now.Add(-lease), limit)
}

// ListAwaitingReply возвращает executions, ждущие ответа контакта.
func (r *ExecutionRepo) ListAwaitingReply(ctx context.Context, companyID uuid.UUID, contactID *uuid.UUID, phone string) ([]domain.Execution, error) {
	if contactID != nil {
		query := `
			SELECT ` + executionColumns + `
			FROM executions
			WHERE company_id = $1 AND contact_id = $2 AND status = 'waiting' AND next_action_at IS NULL
			ORDER BY updated_at ASC
		`
		return r.queryExecutions(ctx, query, companyID, *contactID)
	}

	phone = domain.NormalizePhone(phone)
	if phone == "" {
		return nil, nil
	}
	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE company_id = $1 AND phone = $2 AND status = 'waiting' AND next_action_at IS NULL
		ORDER BY updated_at ASC
	`
	return r.queryExecutions(ctx, query, companyID, phone)
}

// List возвращает executions с фильтрацией.
func (r *ExecutionRepo) List(ctx context.Context, filter ExecutionFilter) ([]domain.Execution, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE company_id = $1
		  AND ($2::uuid IS NULL OR flow_id = $2)
		  AND ($3::uuid IS NULL OR contact_id = $3)
		  AND ($4::text IS NULL OR status = $4)
		ORDER BY updated_at DESC
		LIMIT $5 OFFSET $6
	`
	return r.queryExecutions(ctx, query,
		filter.CompanyID,
		nullUUID(filter.FlowID),
		nullUUID(filter.ContactID),
		nullString(string(filter.Status)),
		limit,
		filter.Offset,
	)
}

// CountByFlow возвращает счётчики executions по flows компании.
func (r *ExecutionRepo) CountByFlow(ctx context.Context, companyID uuid.UUID) (map[uuid.UUID]ExecutionCounts, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT flow_id, status, COUNT(*), MAX(finished_at) FILTER (WHERE status = 'failed')
		FROM executions
		WHERE company_id = $1
		GROUP BY flow_id, status
	`, companyID)
	if err != nil {
		return nil, fmt.Errorf("count executions: %w", err)
	}
	defer rows.Close()

	result := make(map[uuid.UUID]ExecutionCounts)
	for rows.Next() {
		var flowID uuid.UUID
		var status domain.ExecutionStatus
		var n int
		var lastFailed *time.Time
		if err := rows.Scan(&flowID, &status, &n, &lastFailed); err != nil {
			return nil, fmt.Errorf("scan counts: %w", err)
		}
		c := result[flowID]
		c.Add(status, n)
		if lastFailed != nil {
			c.LastFailedAt = lastFailed
		}
		result[flowID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Статус последнего execution каждого flow
	lastRows, err := r.pool.Query(ctx, `
		SELECT DISTINCT ON (flow_id) flow_id, status, last_error
		FROM executions
		WHERE company_id = $1
		ORDER BY flow_id, started_at DESC
	`, companyID)
	if err != nil {
		return nil, fmt.Errorf("last executions: %w", err)
	}
	defer lastRows.Close()

	for lastRows.Next() {
		var flowID uuid.UUID
		var status domain.ExecutionStatus
		var lastError *string
		if err := lastRows.Scan(&flowID, &status, &lastError); err != nil {
			return nil, fmt.Errorf("scan last execution: %w", err)
		}
		c := result[flowID]
		c.LastStatus = status
		if status == domain.ExecutionFailed {
			c.LastError = deref(lastError)
		}
		result[flowID] = c
	}
	return result, lastRows.Err()
}

// --- Helpers ---

func (r *ExecutionRepo) queryExecutions(ctx context.Context, query string, args ...any) ([]domain.Execution, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var execs []domain.Execution
	for rows.Next() {
		exec, err := r.scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, *exec)
	}
	return execs, rows.Err()
}

// scanExecution сканирует одну строку в Execution.
func (r *ExecutionRepo) scanExecution(row pgx.Row) (*domain.Execution, error) {
	var exec domain.Execution
	var phone, lastError *string
	var contextJSON, choicesJSON []byte

	err := row.Scan(
		&exec.ID,
		&exec.FlowID,
		&exec.ContactID,
		&exec.CompanyID,
		&phone,
		&exec.Status,
		&exec.CurrentNodeID,
		&exec.NextActionAt,
		&contextJSON,
		&choicesJSON,
		&exec.Attempts,
		&exec.Steps,
		&exec.Version,
		&lastError,
		&exec.TriggerEventID,
		&exec.StartedAt,
		&exec.FinishedAt,
		&exec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}

	exec.Phone = deref(phone)
	exec.LastError = deref(lastError)

	if contextJSON != nil {
		if err := json.Unmarshal(contextJSON, &exec.Context); err != nil {
			return nil, fmt.Errorf("unmarshal context: %w", err)
		}
	}
	if choicesJSON != nil {
		if err := json.Unmarshal(choicesJSON, &exec.Choices); err != nil {
			return nil, fmt.Errorf("unmarshal choices: %w", err)
		}
	}
	return &exec, nil
}
