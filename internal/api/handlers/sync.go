// sync.go — обработчики операций синхронизации.
// POST /sync/users              — массовая синхронизация Entra → Directus
// GET  /sync/status             — статус массовой синхронизации
// POST /sync/users/{id}         — синхронизация одного пользователя
// POST /sync/directus-to-entra  — массовая обратная синхронизация
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	apierrors "github.com/salvemundi/graph-sync/internal/api/errors"
	"github.com/salvemundi/graph-sync/internal/domain/model"
	"github.com/salvemundi/graph-sync/internal/service"
)

// SyncHandler — обработчики API синхронизации.
type SyncHandler struct {
	coordinator *service.SyncCoordinator
	logger      *slog.Logger
}

// NewSyncHandler создаёт обработчик синхронизации.
func NewSyncHandler(coordinator *service.SyncCoordinator, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{
		coordinator: coordinator,
		logger:      logger.With(slog.String("component", "sync_handler")),
	}
}

// decodeSyncOptions читает SyncOptions из тела запроса.
// Пустое тело допустимо и означает параметры по умолчанию.
func decodeSyncOptions(r *http.Request) (model.SyncOptions, error) {
	var opts model.SyncOptions
	if r.Body == nil {
		return opts, nil
	}
	err := json.NewDecoder(r.Body).Decode(&opts)
	if err != nil && !errors.Is(err, io.EOF) {
		return opts, err
	}
	return opts, nil
}

// StartBulkSync — POST /sync/users. Запускает массовую синхронизацию в фоне.
// Возвращает 202 или 409, если проход уже идёт.
func (h *SyncHandler) StartBulkSync(w http.ResponseWriter, r *http.Request) {
	opts, err := decodeSyncOptions(r)
	if err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса: "+err.Error())
		return
	}

	if err := h.coordinator.StartBulk(opts); err != nil {
		if errors.Is(err, service.ErrSyncRunning) {
			apierrors.SyncAlreadyRunning(w, "Массовая синхронизация уже запущена")
			return
		}
		apierrors.InternalError(w, err.Error())
		return
	}

	h.logger.Info("Массовая синхронизация принята",
		slog.Bool("active_members_only", opts.ActiveMembersOnly),
	)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// GetSyncStatus — GET /sync/status. Снимок статуса массовой синхронизации.
func (h *SyncHandler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.coordinator.Status())
}

// SyncUser — POST /sync/users/{id}. Синхронизирует одного пользователя Entra.
func (h *SyncHandler) SyncUser(w http.ResponseWriter, r *http.Request) {
	entraID := chi.URLParam(r, "id")
	if _, err := uuid.Parse(entraID); err != nil {
		apierrors.ValidationError(w, "Некорректный object ID пользователя: "+entraID)
		return
	}

	opts, err := decodeSyncOptions(r)
	if err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса: "+err.Error())
		return
	}

	result, err := h.coordinator.HandleEntraUser(r.Context(), entraID, opts)
	if err != nil {
		h.logger.Error("Ошибка синхронизации пользователя",
			slog.String("entra_id", entraID),
			slog.String("error", err.Error()),
		)
		apierrors.GraphUnavailable(w, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// ReverseBulkSync — POST /sync/directus-to-entra. Переносит профили всех
// привязанных записей Directus в Entra. Выполняется синхронно.
func (h *SyncHandler) ReverseBulkSync(w http.ResponseWriter, r *http.Request) {
	result, err := h.coordinator.RunReverseBulk(r.Context())
	if err != nil {
		h.logger.Error("Ошибка обратной синхронизации", slog.String("error", err.Error()))
		apierrors.DirectusUnavailable(w, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, result)
}
