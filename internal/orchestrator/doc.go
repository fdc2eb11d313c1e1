// Package orchestrator связывает входящие события с выполнением flows.
//
// Orchestrator отвечает за:
//   - обработку записанных событий (event.pending из RabbitMQ и polling PENDING);
//   - сопоставление событий с триггерами и запуск executions (fan-out);
//   - продолжение waiting executions по ответу контакта;
//   - пошаговое выполнение графа с сохранением после каждого шага;
//   - продолжение due executions по таймеру (delay, retry, восстановление после падения).
//
// Вся координация идёт через сохранённое состояние: уникальный активный
// execution на пару (flow, contact) и optimistic save. Несколько процессов
// orchestrator могут работать одновременно.
package orchestrator
