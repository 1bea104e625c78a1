// status.go — потокобезопасное состояние bulk-синхронизации.
//
// Одновременно допускается только один bulk-запуск: TryStart атомарно
// переводит состояние в running. Snapshot возвращает копию для API.
package service

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/salvemundi/graph-sync/internal/domain/model"
)

// StatusTracker — состояние текущего и последнего bulk-запуска.
type StatusTracker struct {
	mu     sync.Mutex
	status model.SyncStatus
}

// NewStatusTracker создаёт tracker в состоянии idle.
func NewStatusTracker() *StatusTracker {
	return &StatusTracker{
		status: model.SyncStatus{State: model.RunIdle},
	}
}

// TryStart атомарно переводит состояние в running и сбрасывает счётчики.
// Возвращает false, если запуск уже идёт.
func (st *StatusTracker) TryStart(total int) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.status.State == model.RunRunning {
		return false
	}

	now := time.Now().UTC()
	st.status = model.SyncStatus{
		RunID:     uuid.NewString(),
		State:     model.RunRunning,
		StartedAt: &now,
		Counts:    model.SyncCounts{Total: total},
	}
	return true
}

// SetTotal обновляет общее количество пользователей текущего запуска.
func (st *StatusTracker) SetTotal(total int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.status.Counts.Total = total
}

// RecordSuccess учитывает успешно обработанного пользователя.
func (st *StatusTracker) RecordSuccess() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.status.Counts.Processed++
	st.status.Counts.Success++
}

// RecordError учитывает ошибку обработки пользователя.
func (st *StatusTracker) RecordError(item model.SyncItem) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.status.Counts.Processed++
	st.status.Counts.Errors++
	st.status.ErrorItems = append(st.status.ErrorItems, item)
}

// RecordWarning учитывает пользователя с предупреждением.
// Пользователь считается обработанным.
func (st *StatusTracker) RecordWarning(item model.SyncItem) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.status.Counts.Processed++
	st.status.Counts.Warnings++
	st.status.WarningItems = append(st.status.WarningItems, item)
}

// RecordMissingData учитывает пользователя, пропущенного из-за
// незаполненных обязательных полей. Пользователь считается обработанным.
func (st *StatusTracker) RecordMissingData(item model.SyncItem) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.status.Counts.Processed++
	st.status.Counts.MissingData++
	st.status.MissingDataItems = append(st.status.MissingDataItems, item)
}

// NoteMissingFields отмечает частично незаполненные поля у пользователя,
// обработанного с другим исходом. Не увеличивает Processed: вызывается
// в дополнение к RecordSuccess или RecordWarning.
func (st *StatusTracker) NoteMissingFields(item model.SyncItem) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.status.Counts.MissingData++
	st.status.MissingDataItems = append(st.status.MissingDataItems, item)
}

// RecordExcluded учитывает исключённого из синхронизации пользователя.
func (st *StatusTracker) RecordExcluded(item model.SyncItem) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.status.Counts.Excluded++
	st.status.ExcludedItems = append(st.status.ExcludedItems, item)
}

// Finish завершает запуск. err != nil переводит состояние в failed.
func (st *StatusTracker) Finish(err error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now().UTC()
	st.status.CompletedAt = &now

	if err != nil {
		st.status.State = model.RunFailed
		st.status.Error = err.Error()
		return
	}
	st.status.State = model.RunCompleted
}

// Snapshot возвращает копию текущего состояния.
func (st *StatusTracker) Snapshot() model.SyncStatus {
	st.mu.Lock()
	defer st.mu.Unlock()

	snap := st.status
	snap.ErrorItems = append([]model.SyncItem(nil), st.status.ErrorItems...)
	snap.WarningItems = append([]model.SyncItem(nil), st.status.WarningItems...)
	snap.MissingDataItems = append([]model.SyncItem(nil), st.status.MissingDataItems...)
	snap.ExcludedItems = append([]model.SyncItem(nil), st.status.ExcludedItems...)
	return snap
}
