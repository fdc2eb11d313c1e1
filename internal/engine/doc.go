// Package engine содержит интерпретатор графа flow.
//
// Включает:
//   - graph.go       — построение и валидация графа (узлы + рёбра)
//   - condition.go   — вычисление условий condition-узлов (операторы и expr)
//   - template.go    — подстановка переменных в тексты ({{nome}})
//   - interpreter.go — выполнение одного узла: Step → StepResult
//
// Engine не работает с хранилищем: он получает execution и граф,
// выполняет побочный эффект узла и возвращает решение о переходе.
// Сохранение и повторы — забота оркестратора.
package engine
