// runcontext.go — контекст одного запуска синхронизации.
//
// Держит кэши разрешения имён групп и комиссий, чтобы bulk-запуск
// не делал повторных запросов к Graph и Directus на каждого
// пользователя. Контекст создаётся на запуск и выбрасывается после,
// глобального состояния нет.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/salvemundi/graph-sync/internal/directus"
	"github.com/salvemundi/graph-sync/internal/entra"
)

// SyncRunContext — кэши разрешения групп и комиссий одного запуска.
type SyncRunContext struct {
	graph   *entra.Client
	records *directus.Client
	logger  *slog.Logger

	// overrides — статический маппинг groupID → имя комиссии из конфигурации
	overrides map[string]string
	// managed — набор групп, членство в которых даёт членство в комиссии
	managed map[string]struct{}

	mu sync.Mutex
	// groupNames — кэш groupID → имя комиссии
	groupNames map[string]string
	// committees — кэш имя комиссии → запись Directus
	committees map[string]*directus.Committee
}

// NewSyncRunContext создаёт контекст запуска.
// overrides — статические имена комиссий по ID группы,
// managedGroups — ID групп-комиссий из конфигурации.
func NewSyncRunContext(graph *entra.Client, records *directus.Client,
	overrides map[string]string, managedGroups []string, logger *slog.Logger) *SyncRunContext {

	managed := make(map[string]struct{}, len(managedGroups))
	for _, id := range managedGroups {
		managed[id] = struct{}{}
	}

	return &SyncRunContext{
		graph:      graph,
		records:    records,
		logger:     logger.With(slog.String("component", "sync_run")),
		overrides:  overrides,
		managed:    managed,
		groupNames: make(map[string]string),
		committees: make(map[string]*directus.Committee),
	}
}

// IsManagedGroup сообщает, относится ли группа к группам-комиссиям.
func (rc *SyncRunContext) IsManagedGroup(groupID string) bool {
	_, ok := rc.managed[groupID]
	return ok
}

// CommitteeNameForGroup возвращает имя комиссии для группы:
// статический override, иначе displayName, иначе mailNickname, иначе ID.
func (rc *SyncRunContext) CommitteeNameForGroup(group entra.Group) string {
	if name, ok := rc.overrides[group.ID]; ok {
		return name
	}
	if group.DisplayName != "" {
		return group.DisplayName
	}
	if group.MailNickname != "" {
		return group.MailNickname
	}
	return group.ID
}

// groupName возвращает имя комиссии для группы по ID, при необходимости
// запрашивая группу у Graph. Результат кэшируется.
func (rc *SyncRunContext) groupName(ctx context.Context, groupID string) (string, error) {
	rc.mu.Lock()
	if name, ok := rc.groupNames[groupID]; ok {
		rc.mu.Unlock()
		return name, nil
	}
	rc.mu.Unlock()

	if name, ok := rc.overrides[groupID]; ok {
		rc.rememberGroupName(groupID, name)
		return name, nil
	}

	group, err := rc.graph.GetGroup(ctx, groupID)
	if err != nil {
		return "", fmt.Errorf("получение группы %s: %w", groupID, err)
	}

	name := rc.CommitteeNameForGroup(*group)
	rc.rememberGroupName(groupID, name)
	return name, nil
}

// rememberGroupName сохраняет имя группы в кэш.
func (rc *SyncRunContext) rememberGroupName(groupID, name string) {
	rc.mu.Lock()
	rc.groupNames[groupID] = name
	rc.mu.Unlock()
}

// EnsureCommittee возвращает комиссию Directus для группы,
// создавая её при отсутствии. Поиск — по точному имени.
// Перед созданием выполняется повторный поиск: между первым поиском
// и созданием комиссию мог создать параллельный запуск.
func (rc *SyncRunContext) EnsureCommittee(ctx context.Context, group entra.Group) (*directus.Committee, error) {
	name := rc.CommitteeNameForGroup(group)
	rc.rememberGroupName(group.ID, name)

	rc.mu.Lock()
	if committee, ok := rc.committees[name]; ok {
		rc.mu.Unlock()
		return committee, nil
	}
	rc.mu.Unlock()

	committee, err := rc.records.FindCommitteeByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("поиск комиссии %q: %w", name, err)
	}

	if committee == nil {
		committee, err = rc.records.FindCommitteeByName(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("повторный поиск комиссии %q: %w", name, err)
		}
	}

	if committee == nil {
		committee, err = rc.records.CreateCommittee(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("создание комиссии %q: %w", name, err)
		}
		rc.logger.Info("Комиссия создана",
			slog.String("name", name),
			slog.String("committee_id", committee.ID),
			slog.String("group_id", group.ID),
		)
	}

	rc.mu.Lock()
	rc.committees[name] = committee
	rc.mu.Unlock()
	return committee, nil
}

// ManagedCommitteeNames возвращает маппинг имя комиссии → ID группы
// для всех групп-комиссий конфигурации. Недостающие имена
// дозапрашиваются у Graph.
func (rc *SyncRunContext) ManagedCommitteeNames(ctx context.Context) (map[string]string, error) {
	result := make(map[string]string, len(rc.managed))
	for groupID := range rc.managed {
		name, err := rc.groupName(ctx, groupID)
		if err != nil {
			return nil, err
		}
		result[name] = groupID
	}
	return result, nil
}
