package model

import "time"

// RunState — состояние bulk-синхронизации.
type RunState string

const (
	RunIdle      RunState = "idle"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
)

// Виды предупреждений при разрешении identity и обработке пользователя.
const (
	// WarningLinkRequired — пользователь найден по email и привязан по external id
	WarningLinkRequired = "LINK_REQUIRED"
	// WarningConflict — найденный по email пользователь уже привязан к другому external id
	WarningConflict = "CONFLICT"
	// WarningMultipleAccounts — несколько записей с одним email
	WarningMultipleAccounts = "MULTIPLE_ACCOUNTS"
	// WarningMissingData — у пользователя не заполнены обязательные поля
	WarningMissingData = "MISSING_DATA"
)

// Итог обработки одного пользователя.
const (
	OutcomeCreated   = "created"
	OutcomeUpdated   = "updated"
	OutcomeUnchanged = "unchanged"
	OutcomeSkipped   = "skipped"
)

// SyncOptions — параметры запуска синхронизации пользователя.
type SyncOptions struct {
	// Fields — подмножество синхронизируемых полей; пустой срез — все поля.
	// Расхождение роли синхронизируется независимо от выбора полей.
	Fields []string `json:"fields,omitempty"`
	// ForceLink — подтверждение привязки найденной по email записи
	ForceLink bool `json:"forceLink,omitempty"`
	// ActiveMembersOnly — bulk только по членам группы активных членов
	ActiveMembersOnly bool `json:"activeMembersOnly,omitempty"`
}

// UserSyncResult — результат обработки одного пользователя.
type UserSyncResult struct {
	// Outcome — created, updated, unchanged или skipped
	Outcome string `json:"outcome"`
	// RecordID — ID записи в Directus (пустой при skip)
	RecordID string `json:"recordId,omitempty"`
	// Warning — вид предупреждения (LINK_REQUIRED, CONFLICT, ...)
	Warning string `json:"warning,omitempty"`
	// Detail — человекочитаемое пояснение предупреждения
	Detail string `json:"detail,omitempty"`
	// MissingFields — незаполненные обязательные поля
	MissingFields []string `json:"missingFields,omitempty"`
}

// SyncItem — элемент итогового списка bulk-синхронизации.
type SyncItem struct {
	// EntraID — object ID пользователя в Entra
	EntraID string `json:"entraId,omitempty"`
	// Email — основной email пользователя
	Email string `json:"email,omitempty"`
	// DisplayName — отображаемое имя
	DisplayName string `json:"displayName,omitempty"`
	// Kind — вид предупреждения или причина (для warnings/excluded)
	Kind string `json:"kind,omitempty"`
	// Detail — пояснение
	Detail string `json:"detail,omitempty"`
}

// SyncCounts — счётчики bulk-синхронизации.
type SyncCounts struct {
	Total       int `json:"total"`
	Processed   int `json:"processed"`
	Success     int `json:"success"`
	Errors      int `json:"errors"`
	Warnings    int `json:"warnings"`
	MissingData int `json:"missingData"`
	Excluded    int `json:"excluded"`
}

// SyncStatus — снимок состояния bulk-синхронизации для API.
type SyncStatus struct {
	// RunID — уникальный идентификатор запуска (пустой до первого запуска)
	RunID string `json:"runId,omitempty"`
	// State — idle, running, completed или failed
	State RunState `json:"state"`
	// StartedAt — время начала текущего или последнего запуска
	StartedAt *time.Time `json:"startedAt,omitempty"`
	// CompletedAt — время завершения последнего запуска
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	// Error — фатальная ошибка (state = failed)
	Error string `json:"error,omitempty"`

	Counts SyncCounts `json:"counts"`

	// Итемизированные списки проблемных пользователей
	ErrorItems       []SyncItem `json:"errorItems,omitempty"`
	WarningItems     []SyncItem `json:"warningItems,omitempty"`
	MissingDataItems []SyncItem `json:"missingDataItems,omitempty"`
	ExcludedItems    []SyncItem `json:"excludedItems,omitempty"`
}

// ReverseSyncResult — результат bulk-синхронизации Records → Directory.
type ReverseSyncResult struct {
	// Total — всего привязанных записей
	Total int `json:"total"`
	// Updated — пользователей Entra обновлено
	Updated int `json:"updated"`
	// Unchanged — без расхождений
	Unchanged int `json:"unchanged"`
	// Errors — ошибок при обновлении
	Errors int `json:"errors"`
	// SyncedAt — время завершения
	SyncedAt time.Time `json:"syncedAt"`
}
