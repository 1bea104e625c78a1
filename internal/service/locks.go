// locks.go — in-memory блокировки с TTL для подавления webhook-петель.
//
// Запись в Directus или Entra в ходе синхронизации порождает встречный
// webhook. Перед обработкой пользователя берётся блокировка на его ключ;
// встречное событие в течение TTL блокировки игнорируется.
// Просроченные записи удаляются лениво — при очередном обращении к ключу.
package service

import (
	"sync"
	"time"
)

// LockManager — блокировки по строковому ключу с TTL.
type LockManager struct {
	ttl time.Duration

	mu    sync.Mutex
	locks map[string]time.Time // ключ → момент истечения

	// now подменяется в тестах
	now func() time.Time
}

// NewLockManager создаёт менеджер блокировок с данным TTL.
func NewLockManager(ttl time.Duration) *LockManager {
	return &LockManager{
		ttl:   ttl,
		locks: make(map[string]time.Time),
		now:   time.Now,
	}
}

// Acquire пытается взять блокировку на ключ.
// Возвращает false, если непросроченная блокировка уже существует.
// При успехе блокировка действует до now + TTL.
func (lm *LockManager) Acquire(key string) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := lm.now()
	if expiry, ok := lm.locks[key]; ok && now.Before(expiry) {
		return false
	}

	lm.locks[key] = now.Add(lm.ttl)
	return true
}

// IsLocked сообщает, действует ли блокировка на ключ.
// Просроченная запись удаляется.
func (lm *LockManager) IsLocked(key string) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	expiry, ok := lm.locks[key]
	if !ok {
		return false
	}
	if !lm.now().Before(expiry) {
		delete(lm.locks, key)
		return false
	}
	return true
}

// EntraLockKey возвращает ключ блокировки для пользователя Entra.
func EntraLockKey(entraID string) string {
	return "entra-" + entraID
}

// DirectusLockKey возвращает ключ блокировки для записи Directus.
func DirectusLockKey(recordID string) string {
	return "directus-" + recordID
}
