package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Funnel/internal/domain"
)

// FlowRepo — репозиторий для работы с flows, flow_nodes и flow_edges.
type FlowRepo struct {
	pool *pgxpool.Pool
}

// NewFlowRepo создаёт новый FlowRepo.
func NewFlowRepo(pool *pgxpool.Pool) *FlowRepo {
	return &FlowRepo{pool: pool}
}

const flowColumns = `id, company_id, name, is_active, trigger_type, trigger_config, created_at, updated_at`

// --- Flow CRUD ---

// Create создаёт новый flow.
func (r *FlowRepo) Create(ctx context.Context, flow *domain.Flow) error {
	configJSON, err := marshalJSON(flow.TriggerConfig, "trigger config")
	if err != nil {
		return err
	}

	query := `
		INSERT INTO flows (id, company_id, name, is_active, trigger_type, trigger_config, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = r.pool.Exec(ctx, query,
		flow.ID,
		flow.CompanyID,
		flow.Name,
		flow.IsActive,
		flow.TriggerType,
		configJSON,
		flow.CreatedAt,
		flow.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert flow: %w", err)
	}
	return nil
}

// GetByID возвращает flow компании по ID.
func (r *FlowRepo) GetByID(ctx context.Context, companyID, id uuid.UUID) (*domain.Flow, error) {
	query := `SELECT ` + flowColumns + ` FROM flows WHERE id = $1 AND company_id = $2`
	return r.scanFlow(r.pool.QueryRow(ctx, query, id, companyID))
}

// List возвращает flows компании.
func (r *FlowRepo) List(ctx context.Context, companyID uuid.UUID) ([]domain.Flow, error) {
	query := `SELECT ` + flowColumns + ` FROM flows WHERE company_id = $1 ORDER BY created_at DESC`
	return r.queryFlows(ctx, query, companyID)
}

// ListActiveByTrigger возвращает активные flows компании с данным триггером.
func (r *FlowRepo) ListActiveByTrigger(ctx context.Context, companyID uuid.UUID, trigger domain.TriggerType) ([]domain.Flow, error) {
	query := `
		SELECT ` + flowColumns + `
		FROM flows
		WHERE company_id = $1 AND trigger_type = $2 AND is_active
		ORDER BY created_at ASC
	`
	return r.queryFlows(ctx, query, companyID, trigger)
}

// ListByTrigger возвращает flows всех компаний с данным триггером.
func (r *FlowRepo) ListByTrigger(ctx context.Context, trigger domain.TriggerType) ([]domain.Flow, error) {
	query := `SELECT ` + flowColumns + ` FROM flows WHERE trigger_type = $1 ORDER BY created_at ASC`
	return r.queryFlows(ctx, query, trigger)
}

// Update обновляет имя, триггер и флаг активности flow.
func (r *FlowRepo) Update(ctx context.Context, flow *domain.Flow) error {
	configJSON, err := marshalJSON(flow.TriggerConfig, "trigger config")
	if err != nil {
		return err
	}

	query := `
		UPDATE flows
		SET name = $3, is_active = $4, trigger_type = $5, trigger_config = $6, updated_at = $7
		WHERE id = $1 AND company_id = $2
	`
	result, err := r.pool.Exec(ctx, query,
		flow.ID,
		flow.CompanyID,
		flow.Name,
		flow.IsActive,
		flow.TriggerType,
		configJSON,
		flow.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update flow: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetActive включает/выключает flow.
func (r *FlowRepo) SetActive(ctx context.Context, companyID, id uuid.UUID, active bool) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE flows SET is_active = $3, updated_at = NOW() WHERE id = $1 AND company_id = $2
	`, id, companyID, active)
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete удаляет flow (каскадно удалит узлы, рёбра, executions, расписание).
func (r *FlowRepo) Delete(ctx context.Context, companyID, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM flows WHERE id = $1 AND company_id = $2`, id, companyID)
	if err != nil {
		return fmt.Errorf("delete flow: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Graph ---

// SaveGraph атомарно заменяет узлы и рёбра flow.
func (r *FlowRepo) SaveGraph(ctx context.Context, companyID, flowID uuid.UUID, nodes []domain.Node, edges []domain.Edge) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Блокируем flow, чтобы параллельный импорт не перемешал графы
	var lockedID uuid.UUID
	err = tx.QueryRow(ctx, `SELECT id FROM flows WHERE id = $1 AND company_id = $2 FOR UPDATE`, flowID, companyID).Scan(&lockedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock flow: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM flow_edges WHERE flow_id = $1`, flowID); err != nil {
		return fmt.Errorf("delete edges: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM flow_nodes WHERE flow_id = $1`, flowID); err != nil {
		return fmt.Errorf("delete nodes: %w", err)
	}

	batch := &pgx.Batch{}
	for _, n := range nodes {
		configJSON, err := marshalJSON(n.Config, "node config")
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO flow_nodes (id, flow_id, company_id, node_type, config, position_x, position_y)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, n.ID, flowID, companyID, n.Type, configJSON, n.Position.X, n.Position.Y)
	}
	for _, e := range edges {
		batch.Queue(`
			INSERT INTO flow_edges (id, flow_id, company_id, source_node_id, target_node_id, source_handle)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, e.ID, flowID, companyID, e.SourceNodeID, e.TargetNodeID, e.SourceHandle)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("save graph: %w", ErrAlreadyExists)
		}
		return fmt.Errorf("insert graph: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE flows SET updated_at = NOW() WHERE id = $1`, flowID); err != nil {
		return fmt.Errorf("touch flow: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// LoadGraph возвращает узлы и рёбра flow компании.
func (r *FlowRepo) LoadGraph(ctx context.Context, companyID, flowID uuid.UUID) ([]domain.Node, []domain.Edge, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, flow_id, node_type, config, position_x, position_y
		FROM flow_nodes
		WHERE flow_id = $1 AND company_id = $2
	`, flowID, companyID)
	if err != nil {
		return nil, nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []domain.Node
	for rows.Next() {
		var n domain.Node
		var configJSON []byte
		if err := rows.Scan(&n.ID, &n.FlowID, &n.Type, &configJSON, &n.Position.X, &n.Position.Y); err != nil {
			return nil, nil, fmt.Errorf("scan node: %w", err)
		}
		cfg, err := domain.DecodeNodeConfig(n.Type, configJSON)
		if err != nil {
			return nil, nil, fmt.Errorf("node %s: %w", n.ID, err)
		}
		n.Config = cfg
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	edgeRows, err := r.pool.Query(ctx, `
		SELECT id, flow_id, source_node_id, target_node_id, source_handle
		FROM flow_edges
		WHERE flow_id = $1 AND company_id = $2
	`, flowID, companyID)
	if err != nil {
		return nil, nil, fmt.Errorf("list edges: %w", err)
	}
	defer edgeRows.Close()

	var edges []domain.Edge
	for edgeRows.Next() {
		var e domain.Edge
		if err := edgeRows.Scan(&e.ID, &e.FlowID, &e.SourceNodeID, &e.TargetNodeID, &e.SourceHandle); err != nil {
			return nil, nil, fmt.Errorf("scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	return nodes, edges, edgeRows.Err()
}

// --- Helpers ---

func (r *FlowRepo) queryFlows(ctx context.Context, query string, args ...any) ([]domain.Flow, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	defer rows.Close()

	var flows []domain.Flow
	for rows.Next() {
		flow, err := r.scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, *flow)
	}
	return flows, rows.Err()
}

// scanFlow сканирует одну строку в Flow.
func (r *FlowRepo) scanFlow(row pgx.Row) (*domain.Flow, error) {
	var flow domain.Flow
	var configJSON []byte

	err := row.Scan(
		&flow.ID,
		&flow.CompanyID,
		&flow.Name,
		&flow.IsActive,
		&flow.TriggerType,
		&configJSON,
		&flow.CreatedAt,
		&flow.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan flow: %w", err)
	}

	if configJSON != nil {
		if err := json.Unmarshal(configJSON, &flow.TriggerConfig); err != nil {
			return nil, fmt.Errorf("unmarshal trigger config: %w", err)
		}
	}
	return &flow, nil
}
