package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shaiso/Funnel/internal/domain"
	"github.com/shaiso/Funnel/internal/repo"
)

type sessionKey struct {
	companyID uuid.UUID
	instance  string
}

// SessionRepo — in-memory реализация repo.SessionStore.
type SessionRepo struct {
	mu       sync.RWMutex
	sessions map[sessionKey]domain.ConnectorSession
}

// NewSessionRepo создаёт пустой SessionRepo.
func NewSessionRepo() *SessionRepo {
	return &SessionRepo{sessions: make(map[sessionKey]domain.ConnectorSession)}
}

// Get возвращает сессию инстанса компании.
func (r *SessionRepo) Get(_ context.Context, companyID uuid.UUID, instance string) (*domain.ConnectorSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionKey{companyID: companyID, instance: instance}]
	if !ok {
		return nil, repo.ErrNotFound
	}
	out := clone(s)
	return &out, nil
}

// Save создаёт или обновляет сессию.
func (r *SessionRepo) Save(_ context.Context, s *domain.ConnectorSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := sessionKey{companyID: s.CompanyID, instance: s.InstanceName}
	stored := clone(*s)
	if existing, ok := r.sessions[key]; ok {
		stored.ID = existing.ID
	}
	r.sessions[key] = stored
	return nil
}

// List возвращает сессии компании.
func (r *SessionRepo) List(_ context.Context, companyID uuid.UUID) ([]domain.ConnectorSession, error) {
	r.mu.RLock()
	var result []domain.ConnectorSession
	for k, s := range r.sessions {
		if k.companyID == companyID {
			result = append(result, clone(s))
		}
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].InstanceName < result[j].InstanceName
	})
	return result, nil
}

var _ repo.SessionStore = (*SessionRepo)(nil)
