package engine

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shaiso/Funnel/internal/domain"
)

// Graph — проверенный граф flow, готовый к выполнению.
//
// Граф неизменяем после построения и безопасен для чтения из
// нескольких горутин. Кэшируется по flow_id.
type Graph struct {
	// Flow — определение flow.
	Flow *domain.Flow

	// Nodes — все узлы графа (nodeID → Node).
	Nodes map[uuid.UUID]*domain.Node

	// Start — единственный start-узел.
	Start *domain.Node

	// Edges — исходные рёбра (в порядке загрузки).
	Edges []domain.Edge

	// outgoing — исходящие рёбра: source → handle → target.
	outgoing map[uuid.UUID]map[string]uuid.UUID
}

// NewGraph строит и валидирует граф.
//
// Правила:
//   - ровно один start-узел, в него не ведут рёбра;
//   - ID узлов уникальны, конфигурация каждого узла корректна;
//   - рёбра ссылаются только на узлы этого графа;
//   - у узла нет двух исходящих рёбер с одинаковым handle;
//   - у end-узла нет исходящих рёбер;
//   - веса randomizer ссылаются на существующие handles.
func NewGraph(flow *domain.Flow, nodes []domain.Node, edges []domain.Edge) (*Graph, error) {
	g := &Graph{
		Flow:     flow,
		Nodes:    make(map[uuid.UUID]*domain.Node, len(nodes)),
		Edges:    edges,
		outgoing: make(map[uuid.UUID]map[string]uuid.UUID),
	}

	// Первый проход: узлы
	for i := range nodes {
		node := &nodes[i]
		id := node.ID.String()

		if _, exists := g.Nodes[node.ID]; exists {
			return nil, NewValidationError(id, "id", "duplicate node id", ErrDuplicateNodeID)
		}
		if node.Config == nil {
			return nil, NewValidationError(id, "config", "node has no config", ErrInvalidNodeConfig)
		}
		if node.Config.NodeType() != node.Type {
			return nil, NewValidationError(id, "config",
				fmt.Sprintf("config of type %s on %s node", node.Config.NodeType(), node.Type), ErrInvalidNodeConfig)
		}
		if err := node.Config.Validate(); err != nil {
			return nil, NewValidationError(id, "config", err.Error(), ErrInvalidNodeConfig)
		}

		if node.Type == domain.NodeStart {
			if g.Start != nil {
				return nil, NewValidationError(id, "node_type", "second start node", ErrMultipleStartNodes)
			}
			g.Start = node
		}
		g.Nodes[node.ID] = node
	}

	if g.Start == nil {
		return nil, NewValidationError("", "nodes", "flow has no start node", ErrNoStartNode)
	}

	// Второй проход: рёбра
	for _, edge := range edges {
		source, ok := g.Nodes[edge.SourceNodeID]
		if !ok {
			return nil, NewValidationError(edge.SourceNodeID.String(), "source_node_id",
				fmt.Sprintf("edge %s: unknown source", edge.ID), ErrDanglingEdge)
		}
		if _, ok := g.Nodes[edge.TargetNodeID]; !ok {
			return nil, NewValidationError(edge.SourceNodeID.String(), "target_node_id",
				fmt.Sprintf("edge %s: unknown target %s", edge.ID, edge.TargetNodeID), ErrDanglingEdge)
		}
		if edge.TargetNodeID == g.Start.ID {
			return nil, NewValidationError(g.Start.ID.String(), "edges", "edge into start node", ErrStartHasInbound)
		}
		if source.Type == domain.NodeEnd {
			return nil, NewValidationError(source.ID.String(), "edges", "end node has outgoing edge", ErrEndHasOutgoing)
		}

		handles := g.outgoing[edge.SourceNodeID]
		if handles == nil {
			handles = make(map[string]uuid.UUID)
			g.outgoing[edge.SourceNodeID] = handles
		}
		if _, dup := handles[edge.SourceHandle]; dup {
			return nil, NewValidationError(source.ID.String(), "source_handle",
				fmt.Sprintf("handle %q used twice", edge.SourceHandle), ErrDuplicateHandle)
		}
		handles[edge.SourceHandle] = edge.TargetNodeID
	}

	// Третий проход: randomizer должен указывать на существующие рёбра
	for id, node := range g.Nodes {
		cfg, ok := node.Config.(domain.ConditionConfig)
		if !ok || !cfg.IsRandomizer {
			continue
		}
		for _, w := range cfg.Weights {
			if _, ok := g.outgoing[id][w.Handle]; !ok {
				return nil, NewValidationError(id.String(), "weights",
					fmt.Sprintf("weight handle %q has no edge", w.Handle), ErrNoRoute)
			}
		}
	}

	return g, nil
}

// Node возвращает узел по ID.
func (g *Graph) Node(id uuid.UUID) (*domain.Node, bool) {
	n, ok := g.Nodes[id]
	return n, ok
}

// Next возвращает цель ребра с заданным handle.
func (g *Graph) Next(nodeID uuid.UUID, handle string) (uuid.UUID, bool) {
	target, ok := g.outgoing[nodeID][handle]
	return target, ok
}

// Default возвращает цель "основного" исходящего ребра узла.
//
// Это ребро без handle; если такого нет, но ребро единственное —
// берётся оно.
func (g *Graph) Default(nodeID uuid.UUID) (uuid.UUID, bool) {
	handles := g.outgoing[nodeID]
	if target, ok := handles[""]; ok {
		return target, true
	}
	if len(handles) == 1 {
		for _, target := range handles {
			return target, true
		}
	}
	return uuid.Nil, false
}

// Outgoing возвращает число исходящих рёбер узла.
func (g *Graph) Outgoing(nodeID uuid.UUID) int {
	return len(g.outgoing[nodeID])
}
