// Package telemetry — логирование и метрики сервисов funnel.
//
//   - logging.go — structured logging через slog
//   - metrics.go — Prometheus-метрики движка
//
// Все сервисы пишут логи в едином формате и отдают метрики на /metrics.
package telemetry
