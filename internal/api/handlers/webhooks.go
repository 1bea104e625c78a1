// webhooks.go — приём уведомлений об изменениях от Entra и Directus.
//
// GET  /webhook/entra    — проверка подписки Graph (echo validationToken)
// POST /webhook/entra    — change notifications Microsoft Graph
// POST /webhook/directus — flow-уведомления Directus (users, committee_members)
//
// Уведомления подтверждаются сразу (202), обработка идёт в фоне:
// Graph повторяет недоставленные уведомления, а долгая обработка в
// request-цикле приводит к отключению подписки.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	apierrors "github.com/salvemundi/graph-sync/internal/api/errors"
	"github.com/salvemundi/graph-sync/internal/domain/model"
	"github.com/salvemundi/graph-sync/internal/service"
)

// WebhookHandler — обработчики webhook endpoints.
type WebhookHandler struct {
	coordinator *service.SyncCoordinator
	logger      *slog.Logger
}

// NewWebhookHandler создаёт обработчик webhooks.
func NewWebhookHandler(coordinator *service.SyncCoordinator, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		coordinator: coordinator,
		logger:      logger.With(slog.String("component", "webhook_handler")),
	}
}

// entraNotification — одно уведомление из батча Graph change notifications.
type entraNotification struct {
	ChangeType   string `json:"changeType"`
	Resource     string `json:"resource"`
	ResourceData struct {
		ID string `json:"id"`
	} `json:"resourceData"`
}

// entraNotificationBatch — тело POST от Graph.
type entraNotificationBatch struct {
	Value []entraNotification `json:"value"`
}

// ValidateEntraSubscription — GET /webhook/entra.
// Graph проверяет подписку, ожидая validationToken обратно как text/plain.
func (h *WebhookHandler) ValidateEntraSubscription(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("validationToken")
	if token == "" {
		apierrors.ValidationError(w, "Отсутствует параметр validationToken")
		return
	}

	h.logger.Info("Подписка Graph подтверждена")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(token))
}

// NotifyEntra — POST /webhook/entra. Принимает батч change notifications,
// подтверждает его и синхронизирует затронутых пользователей в фоне.
func (h *WebhookHandler) NotifyEntra(w http.ResponseWriter, r *http.Request) {
	var batch entraNotificationBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		apierrors.ValidationError(w, "Некорректное тело уведомления: "+err.Error())
		return
	}

	// Дедупликация: несколько изменений одного пользователя в одном батче
	ids := make(map[string]struct{})
	for _, n := range batch.Value {
		id := n.ResourceData.ID
		if id == "" {
			id = entraUserIDFromResource(n.Resource)
		}
		if id != "" {
			ids[id] = struct{}{}
		}
	}

	h.logger.Info("Уведомление Entra принято",
		slog.Int("notifications", len(batch.Value)),
		slog.Int("users", len(ids)),
	)
	w.WriteHeader(http.StatusAccepted)

	for id := range ids {
		go func(entraID string) {
			if _, err := h.coordinator.HandleEntraUser(context.Background(), entraID, model.SyncOptions{}); err != nil {
				h.logger.Warn("Ошибка обработки уведомления Entra",
					slog.String("entra_id", entraID),
					slog.String("error", err.Error()),
				)
			}
		}(id)
	}
}

// entraUserIDFromResource извлекает object ID из resource вида "Users/{id}".
func entraUserIDFromResource(resource string) string {
	parts := strings.Split(resource, "/")
	for i, p := range parts {
		if strings.EqualFold(p, "users") && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}

// directusNotification — тело flow-уведомления Directus.
type directusNotification struct {
	Event      string `json:"event"`
	Collection string `json:"collection"`
	Keys       []string `json:"keys,omitempty"`
	Payload    struct {
		Email  string `json:"email,omitempty"`
		UserID string `json:"user_id,omitempty"`
	} `json:"payload"`
}

// NotifyDirectus — POST /webhook/directus. Принимает уведомления об
// изменениях записей и членств и запускает обратную синхронизацию в фоне.
func (h *WebhookHandler) NotifyDirectus(w http.ResponseWriter, r *http.Request) {
	var n directusNotification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		apierrors.ValidationError(w, "Некорректное тело уведомления: "+err.Error())
		return
	}

	switch n.Collection {
	case "users":
		h.logger.Info("Уведомление Directus принято",
			slog.String("collection", n.Collection),
			slog.Int("keys", len(n.Keys)),
		)
		w.WriteHeader(http.StatusAccepted)

		if len(n.Keys) == 0 && n.Payload.Email != "" {
			go func(email string) {
				if err := h.coordinator.HandleDirectusUserByEmail(context.Background(), email); err != nil {
					h.logger.Warn("Ошибка обратной синхронизации по email",
						slog.String("error", err.Error()),
					)
				}
			}(n.Payload.Email)
			return
		}

		for _, key := range n.Keys {
			go func(recordID string) {
				if err := h.coordinator.HandleDirectusUser(context.Background(), recordID); err != nil {
					h.logger.Warn("Ошибка обратной синхронизации записи",
						slog.String("record_id", recordID),
						slog.String("error", err.Error()),
					)
				}
			}(key)
		}

	case "committee_members":
		if n.Payload.UserID == "" {
			apierrors.ValidationError(w, "Отсутствует payload.user_id для committee_members")
			return
		}

		h.logger.Info("Уведомление Directus принято",
			slog.String("collection", n.Collection),
			slog.String("user_id", n.Payload.UserID),
		)
		w.WriteHeader(http.StatusAccepted)

		go func(recordID string) {
			if err := h.coordinator.HandleDirectusMembershipChange(context.Background(), recordID); err != nil {
				h.logger.Warn("Ошибка обратной синхронизации членств",
					slog.String("record_id", recordID),
					slog.String("error", err.Error()),
				)
			}
		}(n.Payload.UserID)

	default:
		apierrors.ValidationError(w, "Неизвестная коллекция: "+n.Collection)
	}
}
