package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shaiso/Funnel/internal/domain"
	"github.com/shaiso/Funnel/internal/engine"
	"github.com/shaiso/Funnel/internal/repo"
	"github.com/shaiso/Funnel/internal/telemetry"
)

// GraphSource — хранилище flows с графами.
type GraphSource interface {
	GetByID(ctx context.Context, companyID, id uuid.UUID) (*domain.Flow, error)
	LoadGraph(ctx context.Context, companyID, flowID uuid.UUID) ([]domain.Node, []domain.Edge, error)
}

// Loader загружает и валидирует графы flows, используя кэш, если он есть.
// Без кэша каждый Load читает хранилище.
type Loader struct {
	source GraphSource
	cache  *GraphCache
	logger *slog.Logger
}

// NewLoader создаёт Loader. cache может быть nil.
func NewLoader(source GraphSource, cache *GraphCache, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{source: source, cache: cache, logger: logger}
}

// Load возвращает проверенный граф flow компании.
//
// repo.ErrNotFound — flow нет или он принадлежит другой компании.
// Ошибки валидации графа оборачивают engine.ErrConfig.
func (l *Loader) Load(ctx context.Context, companyID, flowID uuid.UUID) (*engine.Graph, error) {
	snap, err := l.snapshot(ctx, companyID, flowID)
	if err != nil {
		return nil, err
	}
	return engine.NewGraph(&snap.Flow, snap.Nodes, snap.Edges)
}

func (l *Loader) snapshot(ctx context.Context, companyID, flowID uuid.UUID) (*Snapshot, error) {
	if l.cache != nil {
		snap, err := l.cache.Get(ctx, companyID, flowID)
		switch {
		case err == nil:
			telemetry.GraphCache.WithLabelValues("hit").Inc()
			return snap, nil
		case errors.Is(err, ErrMiss):
			telemetry.GraphCache.WithLabelValues("miss").Inc()
		default:
			telemetry.GraphCache.WithLabelValues("error").Inc()
			l.logger.Warn("graph cache unavailable", "flow_id", flowID, "error", err)
		}
	}

	flow, err := l.source.GetByID(ctx, companyID, flowID)
	if err != nil {
		return nil, fmt.Errorf("get flow: %w", err)
	}
	nodes, edges, err := l.source.LoadGraph(ctx, companyID, flowID)
	if err != nil {
		return nil, fmt.Errorf("load graph: %w", err)
	}
	snap := &Snapshot{Flow: *flow, Nodes: nodes, Edges: edges}

	if l.cache != nil {
		if err := l.cache.Set(ctx, snap); err != nil {
			l.logger.Warn("graph cache write failed", "flow_id", flowID, "error", err)
		}
	}
	return snap, nil
}

// Invalidate сбрасывает кэш flow. Без кэша ничего не делает.
func (l *Loader) Invalidate(ctx context.Context, companyID, flowID uuid.UUID) error {
	if l.cache == nil {
		return nil
	}
	return l.cache.Invalidate(ctx, companyID, flowID)
}

var _ GraphSource = (repo.FlowStore)(nil)
