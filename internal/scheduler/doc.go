// Package scheduler запускает schedule-flows.
//
// На каждом тике Scheduler:
//   - синхронизирует flow_schedules с активными flows trigger_type=schedule;
//   - находит расписания с истекшим next_due_at;
//   - записывает по одному schedule-событию на контакт аудитории
//     (ключ идемпотентности "{flow_id}_{due_unix}_{contact_id}")
//     и публикует event.pending;
//   - сдвигает next_due_at.
//
// Структура:
//   - scheduler.go — Tick, синхронизация и запуск расписаний
//   - cron.go      — cron-выражения и вычисление следующего времени
//   - leader.go    — leader election через pg_try_advisory_lock
//
// Tick выполняет только лидер: повторный запуск того же due_unix
// не создаёт дублей, но лишние тики бесполезны.
package scheduler
