package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionStatus — статус сессии WhatsApp-коннектора.
//
//	disconnected → connecting → qr_code → connected
//	                    ↓           ↓          ↓
//	                  error  ←──────┴──────────┘
//	error → connecting (пока не исчерпаны retry)
type SessionStatus string

const (
	SessionDisconnected SessionStatus = "disconnected"
	SessionConnecting   SessionStatus = "connecting"
	SessionQRCode       SessionStatus = "qr_code"
	SessionConnected    SessionStatus = "connected"
	SessionError        SessionStatus = "error"
)

// DefaultSessionMaxRetries — число переподключений по умолчанию.
const DefaultSessionMaxRetries = 5

// DefaultQRTimeout — сколько ждать сканирования QR-кода.
const DefaultQRTimeout = 2 * time.Minute

var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionDisconnected: {SessionConnecting},
	SessionConnecting:   {SessionQRCode, SessionConnected, SessionError, SessionDisconnected},
	SessionQRCode:       {SessionQRCode, SessionConnected, SessionError, SessionDisconnected},
	SessionConnected:    {SessionDisconnected, SessionError},
	SessionError:        {SessionConnecting, SessionDisconnected},
}

// Valid проверяет, что статус известен.
func (s SessionStatus) Valid() bool {
	_, ok := sessionTransitions[s]
	return ok
}

// ConnectorSession — состояние подключения инстанса WhatsApp.
type ConnectorSession struct {
	ID           uuid.UUID     `json:"id"`
	CompanyID    uuid.UUID     `json:"company_id"`
	InstanceName string        `json:"instance_name"`
	Status       SessionStatus `json:"status"`

	// QRCode — последний QR-код (base64), только в статусе qr_code.
	QRCode string `json:"qr_code,omitempty"`

	// QRExpiresAt — до какого момента ждём сканирования.
	QRExpiresAt *time.Time `json:"qr_expires_at,omitempty"`

	// RetryCount — число переподключений после error.
	RetryCount int `json:"retry_count"`

	// MaxRetries — предел переподключений.
	MaxRetries int `json:"max_retries"`

	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewConnectorSession создаёт сессию в статусе disconnected.
func NewConnectorSession(companyID uuid.UUID, instance string, now time.Time) *ConnectorSession {
	return &ConnectorSession{
		ID:           uuid.New(),
		CompanyID:    companyID,
		InstanceName: instance,
		Status:       SessionDisconnected,
		MaxRetries:   DefaultSessionMaxRetries,
		UpdatedAt:    now,
	}
}

// RetriesExhausted возвращает true, если сессия в error и переподключаться нельзя.
func (s *ConnectorSession) RetriesExhausted() bool {
	return s.Status == SessionError && s.RetryCount >= s.MaxRetries
}

// Transition переводит сессию в новый статус.
//
// Переход error → connecting увеличивает RetryCount и запрещён после MaxRetries.
// Успешное подключение сбрасывает счётчик. Переход в disconnected — ручной сброс.
func (s *ConnectorSession) Transition(to SessionStatus, detail string, now time.Time) error {
	allowed := false
	for _, next := range sessionTransitions[s.Status] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: session %s -> %s", ErrInvalidTransition, s.Status, to)
	}

	if s.Status == SessionError && to == SessionConnecting {
		if s.RetryCount >= s.MaxRetries {
			return fmt.Errorf("%w: session retries exhausted (%d)", ErrInvalidTransition, s.RetryCount)
		}
		s.RetryCount++
	}

	s.QRCode = ""
	s.QRExpiresAt = nil

	switch to {
	case SessionQRCode:
		s.QRCode = detail
		expires := now.Add(DefaultQRTimeout)
		s.QRExpiresAt = &expires
	case SessionConnected:
		s.RetryCount = 0
		s.LastError = ""
	case SessionError:
		s.LastError = detail
	case SessionDisconnected:
		s.RetryCount = 0
	}

	s.Status = to
	s.UpdatedAt = now
	return nil
}

// Expire переводит сессию в error, если QR-код не отсканирован вовремя.
// Возвращает true, если статус изменился.
func (s *ConnectorSession) Expire(now time.Time) bool {
	if s.Status != SessionQRCode || s.QRExpiresAt == nil || now.Before(*s.QRExpiresAt) {
		return false
	}
	_ = s.Transition(SessionError, "qr code expired", now)
	return true
}
