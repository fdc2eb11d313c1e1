// Package memory содержит in-memory реализации хранилищ из пакета repo.
//
// Реализации повторяют семантику Postgres-репозиториев: фильтрацию по
// company_id, уникальность активного execution, optimistic locking и
// идемпотентную запись событий. Используются в тестах.
//
// Все значения копируются при записи и чтении: изменения вызывающего
// кода не видны хранилищу до Save.
package memory

import (
	"encoding/json"
)

// Store — набор in-memory репозиториев.
type Store struct {
	Flows      *FlowRepo
	Executions *ExecutionRepo
	Events     *EventRepo
	Schedules  *ScheduleRepo
	Sessions   *SessionRepo
}

// New создаёт пустой Store.
func New() *Store {
	flows := NewFlowRepo()
	return &Store{
		Flows:      flows,
		Executions: NewExecutionRepo(),
		Events:     NewEventRepo(),
		Schedules:  NewScheduleRepo(),
		Sessions:   NewSessionRepo(),
	}
}

// clone копирует значение через JSON, как это делает JSONB в Postgres.
func clone[T any](v T) T {
	data, err := json.Marshal(v)
	if err != nil {
		panic("memory: clone: " + err.Error())
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		panic("memory: clone: " + err.Error())
	}
	return out
}
