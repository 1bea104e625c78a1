// reversesync.go — обратная синхронизация Directus → Entra.
//
// Изменения профиля в Directus переносятся в Entra: givenName, surname,
// displayName и mobilePhone, только при фактическом расхождении.
// Запись без entra_id разрешается поиском пользователя Entra по email.
// Членства в комиссиях переносятся в управляемые группы Entra;
// прочие группы пользователя не трогаются.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/salvemundi/graph-sync/internal/directus"
	"github.com/salvemundi/graph-sync/internal/domain/model"
	"github.com/salvemundi/graph-sync/internal/entra"
)

// ReverseSyncer — перенос изменений Directus в Entra.
type ReverseSyncer struct {
	graph   *entra.Client
	records *directus.Client
	locks   *LockManager
	logger  *slog.Logger
}

// NewReverseSyncer создаёт обратный syncer. Перед каждой записью в Entra
// ставится блокировка entra-<id>, чтобы подавить эхо от webhook Entra.
func NewReverseSyncer(graph *entra.Client, records *directus.Client, locks *LockManager, logger *slog.Logger) *ReverseSyncer {
	return &ReverseSyncer{
		graph:   graph,
		records: records,
		locks:   locks,
		logger:  logger.With(slog.String("component", "reverse_sync")),
	}
}

// resolveEntraID возвращает object ID пользователя Entra для записи.
// Непривязанная запись разрешается поиском по email и fontys_email;
// совпадение должно быть ровно одно.
func (r *ReverseSyncer) resolveEntraID(ctx context.Context, record *directus.User) (string, error) {
	if record.EntraID != nil && *record.EntraID != "" {
		return *record.EntraID, nil
	}

	var emails []string
	if record.Email != "" {
		emails = append(emails, record.Email)
	}
	if record.FontysEmail != nil && *record.FontysEmail != "" {
		emails = append(emails, *record.FontysEmail)
	}

	for _, email := range emails {
		users, err := r.graph.FindUsersByEmail(ctx, strings.ToLower(email))
		if err != nil {
			return "", fmt.Errorf("поиск пользователя Entra по email: %w", err)
		}
		if len(users) > 1 {
			return "", fmt.Errorf("по email %s найдено %d пользователей Entra", strings.ToLower(email), len(users))
		}
		if len(users) == 1 {
			r.logger.Info("Пользователь Entra найден по email",
				slog.String("record_id", record.ID),
				slog.String("entra_id", users[0].ID),
			)
			return users[0].ID, nil
		}
	}

	return "", fmt.Errorf("запись %s не привязана к Entra и не найдена по email", record.ID)
}

// SyncUser переносит поля профиля записи в пользователя Entra.
// Возвращает true, если пользователь Entra был обновлён.
func (r *ReverseSyncer) SyncUser(ctx context.Context, record *directus.User) (bool, error) {
	entraID, err := r.resolveEntraID(ctx, record)
	if err != nil {
		return false, err
	}

	user, err := r.graph.GetUser(ctx, entraID)
	if err != nil {
		return false, fmt.Errorf("получение пользователя Entra %s: %w", entraID, err)
	}

	patch := make(map[string]any)

	if record.FirstName != "" && record.FirstName != user.GivenName {
		patch["givenName"] = record.FirstName
	}
	if record.LastName != "" && record.LastName != user.Surname {
		patch["surname"] = record.LastName
	}

	if record.FirstName != "" && record.LastName != "" {
		displayName := record.FirstName + " " + record.LastName
		if displayName != user.DisplayName {
			patch["displayName"] = displayName
		}
	}

	if record.PhoneNumber != nil && *record.PhoneNumber != "" {
		phone := strings.TrimSpace(*record.PhoneNumber)
		if normalizeDutchMobile(user.MobilePhone) != phone {
			patch["mobilePhone"] = phone
		}
	}

	if len(patch) == 0 {
		return false, nil
	}

	r.locks.Acquire(EntraLockKey(entraID))
	if err := r.graph.UpdateUser(ctx, entraID, patch); err != nil {
		return false, fmt.Errorf("обновление пользователя Entra %s: %w", entraID, err)
	}

	r.logger.Info("Профиль Entra обновлён из Directus",
		slog.String("entra_id", entraID),
		slog.String("record_id", record.ID),
		slog.Int("fields", len(patch)),
	)
	return true, nil
}

// SyncMemberships приводит управляемые группы Entra к членствам записи.
// Группы вне управляемого набора не трогаются.
func (r *ReverseSyncer) SyncMemberships(ctx context.Context, rc *SyncRunContext, record *directus.User) error {
	entraID, err := r.resolveEntraID(ctx, record)
	if err != nil {
		return err
	}

	managedByName, err := rc.ManagedCommitteeNames(ctx)
	if err != nil {
		return fmt.Errorf("разрешение имён управляемых комиссий: %w", err)
	}

	memberships, err := r.records.ListMemberships(ctx, record.ID)
	if err != nil {
		return fmt.Errorf("получение членств записи %s: %w", record.ID, err)
	}

	// Желаемые управляемые группы из членств в комиссиях
	desired := make(map[string]struct{})
	for _, membership := range memberships {
		if groupID, ok := managedByName[membership.Committee.Name]; ok {
			desired[groupID] = struct{}{}
		}
	}

	currentGroups, err := r.graph.GetUserGroups(ctx, entraID)
	if err != nil {
		return fmt.Errorf("получение групп пользователя %s: %w", entraID, err)
	}

	current := make(map[string]struct{})
	for _, group := range currentGroups {
		if rc.IsManagedGroup(group.ID) {
			current[group.ID] = struct{}{}
		}
	}

	r.locks.Acquire(EntraLockKey(entraID))

	for groupID := range desired {
		if _, ok := current[groupID]; ok {
			continue
		}
		if err := r.graph.AddGroupMember(ctx, groupID, entraID); err != nil {
			r.logger.Warn("Ошибка добавления в группу Entra",
				slog.String("group_id", groupID),
				slog.String("entra_id", entraID),
				slog.String("error", err.Error()),
			)
			continue
		}
		r.logger.Info("Пользователь добавлен в группу Entra",
			slog.String("group_id", groupID),
			slog.String("entra_id", entraID),
		)
	}

	for groupID := range current {
		if _, ok := desired[groupID]; ok {
			continue
		}
		if err := r.graph.RemoveGroupMember(ctx, groupID, entraID); err != nil {
			r.logger.Warn("Ошибка удаления из группы Entra",
				slog.String("group_id", groupID),
				slog.String("entra_id", entraID),
				slog.String("error", err.Error()),
			)
			continue
		}
		r.logger.Info("Пользователь удалён из группы Entra",
			slog.String("group_id", groupID),
			slog.String("entra_id", entraID),
		)
	}

	return nil
}

// RunBulk переносит профили всех привязанных записей в Entra.
// Ошибки отдельных записей учитываются и не прерывают проход.
func (r *ReverseSyncer) RunBulk(ctx context.Context) (*model.ReverseSyncResult, error) {
	users, err := r.records.ListLinkedUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("получение привязанных записей: %w", err)
	}

	result := &model.ReverseSyncResult{Total: len(users)}

	for i := range users {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		updated, err := r.SyncUser(ctx, &users[i])
		if err != nil {
			result.Errors++
			r.logger.Warn("Ошибка обратной синхронизации записи",
				slog.String("record_id", users[i].ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if updated {
			result.Updated++
		} else {
			result.Unchanged++
		}
	}

	result.SyncedAt = time.Now().UTC()
	return result, nil
}
