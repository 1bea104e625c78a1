// coordinator.go — SyncCoordinator, точка входа всех сценариев синхронизации.
//
// Координатор связывает reconciler'ы профилей, членств и фото, обратную
// синхронизацию, блокировки и трекер статуса. Webhook-сценарии работают
// поверх одного пользователя, массовая синхронизация — поверх всего
// каталога с ограничением параллельности.
//
// Prometheus-метрики:
//   - graph_sync_bulk_duration_seconds — длительность массовой синхронизации
//   - graph_sync_users_total{outcome}  — обработанные пользователи по исходам
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/salvemundi/graph-sync/internal/directus"
	"github.com/salvemundi/graph-sync/internal/domain/model"
	"github.com/salvemundi/graph-sync/internal/entra"
)

// ErrSyncRunning возвращается при попытке запустить второй массовый проход.
var ErrSyncRunning = errors.New("массовая синхронизация уже запущена")

var (
	bulkSyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "graph_sync_bulk_duration_seconds",
		Help:    "Длительность массовой синхронизации каталога",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s … ~204s
	})

	syncUsersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_sync_users_total",
		Help: "Обработанные пользователи по исходам синхронизации",
	}, []string{"outcome"})
)

// CoordinatorConfig — настройки координатора из конфигурации приложения.
type CoordinatorConfig struct {
	ActiveGroupID      string
	BatchSize          int
	ExcludeEmails      []string
	ExcludePrefix      string
	GroupNameOverrides map[string]string
	CommitteeGroups    []string
}

// SyncCoordinator — оркестрация сценариев синхронизации.
type SyncCoordinator struct {
	graph   *entra.Client
	records *directus.Client

	users       *UserReconciler
	memberships *MembershipReconciler
	photos      *PhotoSyncer
	reverse     *ReverseSyncer
	locks       *LockManager
	status      *StatusTracker

	activeGroupID string
	batchSize     int
	excludeEmails map[string]struct{}
	excludePrefix string
	overrides     map[string]string
	managedGroups []string

	logger *slog.Logger
}

// NewSyncCoordinator создаёт координатор.
func NewSyncCoordinator(
	graph *entra.Client,
	records *directus.Client,
	users *UserReconciler,
	memberships *MembershipReconciler,
	photos *PhotoSyncer,
	reverse *ReverseSyncer,
	locks *LockManager,
	cfg CoordinatorConfig,
	logger *slog.Logger,
) *SyncCoordinator {
	excluded := make(map[string]struct{}, len(cfg.ExcludeEmails))
	for _, email := range cfg.ExcludeEmails {
		excluded[strings.ToLower(email)] = struct{}{}
	}

	return &SyncCoordinator{
		graph:         graph,
		records:       records,
		users:         users,
		memberships:   memberships,
		photos:        photos,
		reverse:       reverse,
		locks:         locks,
		status:        NewStatusTracker(),
		activeGroupID: cfg.ActiveGroupID,
		batchSize:     cfg.BatchSize,
		excludeEmails: excluded,
		excludePrefix: cfg.ExcludePrefix,
		overrides:     cfg.GroupNameOverrides,
		managedGroups: cfg.CommitteeGroups,
		logger:        logger.With(slog.String("component", "coordinator")),
	}
}

// Status возвращает снимок статуса массовой синхронизации.
func (c *SyncCoordinator) Status() model.SyncStatus {
	return c.status.Snapshot()
}

// newRunContext создаёт контекст прохода со свежими кэшами имён и комиссий.
func (c *SyncCoordinator) newRunContext() *SyncRunContext {
	return NewSyncRunContext(c.graph, c.records, c.overrides, c.managedGroups, c.logger)
}

// HandleEntraUser синхронизирует одного пользователя Entra в Directus:
// профиль, членства в комиссиях и фото. Блокировка entra-<id> берётся
// на входе: эхо нашей обратной записи и повторные уведомления в течение
// TTL подавляются — обработка выполняется ровно один раз.
func (c *SyncCoordinator) HandleEntraUser(ctx context.Context, entraID string, opts model.SyncOptions) (*model.UserSyncResult, error) {
	if !c.locks.Acquire(EntraLockKey(entraID)) {
		c.logger.Info("Уведомление Entra подавлено блокировкой",
			slog.String("entra_id", entraID),
		)
		return &model.UserSyncResult{
			Outcome: model.OutcomeUnchanged,
			Detail:  "пользователь недавно синхронизирован, уведомление подавлено",
		}, nil
	}

	user, err := c.graph.GetUser(ctx, entraID)
	if err != nil {
		return nil, fmt.Errorf("получение пользователя Entra %s: %w", entraID, err)
	}

	groups, err := c.graph.GetUserGroups(ctx, entraID)
	if err != nil {
		return nil, fmt.Errorf("получение групп пользователя %s: %w", entraID, err)
	}

	return c.syncOne(ctx, c.newRunContext(), user, groups, opts)
}

// syncOne — конвейер одного пользователя: профиль, членства, фото.
// Ошибки членств и фото не валят синхронизацию профиля.
func (c *SyncCoordinator) syncOne(ctx context.Context, rc *SyncRunContext, user *entra.User, groups []entra.Group, opts model.SyncOptions) (*model.UserSyncResult, error) {
	groupIDs := make(map[string]struct{}, len(groups))
	for _, group := range groups {
		groupIDs[group.ID] = struct{}{}
	}

	result, record, err := c.users.Sync(ctx, user, groupIDs, opts)
	if err != nil || record == nil {
		return result, err
	}

	// Наши записи в Directus не должны вернуться webhook'ом Directus
	c.locks.Acquire(DirectusLockKey(record.ID))

	if err := c.memberships.Sync(ctx, rc, record.ID, groups); err != nil {
		c.logger.Warn("Ошибка синхронизации членств",
			slog.String("entra_id", user.ID),
			slog.String("record_id", record.ID),
			slog.String("error", err.Error()),
		)
	}

	if err := c.photos.Sync(ctx, user.ID, record); err != nil {
		c.logger.Warn("Ошибка синхронизации фото",
			slog.String("entra_id", user.ID),
			slog.String("record_id", record.ID),
			slog.String("error", err.Error()),
		)
	}

	return result, nil
}

// HandleDirectusUser переносит изменения записи Directus в Entra.
// Блокировка directus-<id> берётся на входе: эхо нашей прямой
// синхронизации и повторные уведомления в течение TTL подавляются.
// Запись без entra_id разрешается обратным syncer'ом по email.
func (c *SyncCoordinator) HandleDirectusUser(ctx context.Context, recordID string) error {
	if !c.locks.Acquire(DirectusLockKey(recordID)) {
		c.logger.Info("Уведомление Directus подавлено блокировкой",
			slog.String("record_id", recordID),
		)
		return nil
	}

	record, err := c.records.GetUser(ctx, recordID)
	if err != nil {
		return fmt.Errorf("получение записи %s: %w", recordID, err)
	}

	if _, err := c.reverse.SyncUser(ctx, record); err != nil {
		return err
	}
	return c.reverse.SyncMemberships(ctx, c.newRunContext(), record)
}

// HandleDirectusUserByEmail находит запись по email и переносит её в Entra.
func (c *SyncCoordinator) HandleDirectusUserByEmail(ctx context.Context, email string) error {
	found, err := c.records.FindUsersByEmail(ctx, []string{email})
	if err != nil {
		return fmt.Errorf("поиск записи по email: %w", err)
	}
	if len(found) == 0 {
		c.logger.Info("Запись по email не найдена", slog.String("email", strings.ToLower(email)))
		return nil
	}
	return c.HandleDirectusUser(ctx, found[0].ID)
}

// HandleDirectusMembershipChange переносит членства записи в группы Entra.
// Как и HandleDirectusUser, берёт блокировку directus-<id> на входе.
func (c *SyncCoordinator) HandleDirectusMembershipChange(ctx context.Context, recordID string) error {
	if !c.locks.Acquire(DirectusLockKey(recordID)) {
		c.logger.Info("Уведомление Directus подавлено блокировкой",
			slog.String("record_id", recordID),
		)
		return nil
	}

	record, err := c.records.GetUser(ctx, recordID)
	if err != nil {
		return fmt.Errorf("получение записи %s: %w", recordID, err)
	}
	return c.reverse.SyncMemberships(ctx, c.newRunContext(), record)
}

// StartBulk запускает массовую синхронизацию в фоне.
// Возвращает ErrSyncRunning, если проход уже идёт.
func (c *SyncCoordinator) StartBulk(opts model.SyncOptions) error {
	if !c.status.TryStart(0) {
		return ErrSyncRunning
	}

	go c.runBulk(context.Background(), opts)
	return nil
}

// RunReverseBulk переносит профили всех привязанных записей в Entra.
func (c *SyncCoordinator) RunReverseBulk(ctx context.Context) (*model.ReverseSyncResult, error) {
	return c.reverse.RunBulk(ctx)
}

// runBulk — тело массовой синхронизации. Статус уже переведён в running.
func (c *SyncCoordinator) runBulk(ctx context.Context, opts model.SyncOptions) {
	startedAt := time.Now()

	c.logger.Info("Массовая синхронизация запущена",
		slog.Bool("active_members_only", opts.ActiveMembersOnly),
		slog.Bool("force_link", opts.ForceLink),
		slog.Int("batch_size", c.batchSize),
	)

	var users []entra.User
	var err error
	if opts.ActiveMembersOnly {
		users, err = c.graph.GetGroupMembers(ctx, c.activeGroupID)
	} else {
		users, err = c.graph.ListUsers(ctx)
	}
	if err != nil {
		c.logger.Error("Ошибка получения списка пользователей", slog.String("error", err.Error()))
		c.status.Finish(fmt.Errorf("получение списка пользователей: %w", err))
		return
	}

	c.status.SetTotal(len(users))
	rc := c.newRunContext()

	sem := make(chan struct{}, c.batchSize)
	var wg sync.WaitGroup

	for i := range users {
		user := &users[i]

		if reason, skip := c.excluded(user); skip {
			c.status.RecordExcluded(model.SyncItem{
				EntraID:     user.ID,
				Email:       user.PrimaryEmail(),
				DisplayName: user.DisplayName,
				Kind:        "excluded",
				Detail:      reason,
			})
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			c.syncBulkUser(ctx, rc, user, opts)
		}()
	}
	wg.Wait()

	c.status.Finish(nil)
	bulkSyncDuration.Observe(time.Since(startedAt).Seconds())

	counts := c.status.Snapshot().Counts
	c.logger.Info("Массовая синхронизация завершена",
		slog.Int("total", counts.Total),
		slog.Int("processed", counts.Processed),
		slog.Int("success", counts.Success),
		slog.Int("errors", counts.Errors),
		slog.Int("warnings", counts.Warnings),
		slog.Int("excluded", counts.Excluded),
		slog.String("duration", time.Since(startedAt).String()),
	)
}

// syncBulkUser обрабатывает одного пользователя прохода и учитывает исход.
func (c *SyncCoordinator) syncBulkUser(ctx context.Context, rc *SyncRunContext, user *entra.User, opts model.SyncOptions) {
	item := model.SyncItem{
		EntraID:     user.ID,
		Email:       user.PrimaryEmail(),
		DisplayName: user.DisplayName,
	}

	groups, err := c.graph.GetUserGroups(ctx, user.ID)
	if err != nil {
		item.Kind = "error"
		item.Detail = err.Error()
		c.status.RecordError(item)
		syncUsersTotal.WithLabelValues("error").Inc()
		c.logger.Warn("Ошибка получения групп пользователя",
			slog.String("entra_id", user.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	result, err := c.syncOne(ctx, rc, user, groups, opts)
	if err != nil {
		item.Kind = "error"
		item.Detail = err.Error()
		c.status.RecordError(item)
		syncUsersTotal.WithLabelValues("error").Inc()
		c.logger.Warn("Ошибка синхронизации пользователя",
			slog.String("entra_id", user.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	switch {
	case result.Warning == model.WarningMissingData:
		item.Kind = result.Warning
		item.Detail = result.Detail
		c.status.RecordMissingData(item)
	case result.Warning != "":
		item.Kind = result.Warning
		item.Detail = result.Detail
		c.status.RecordWarning(item)
	default:
		c.status.RecordSuccess()
	}

	// Частично отсутствующие поля учитываются отдельно от исхода
	if result.Warning != model.WarningMissingData && len(result.MissingFields) > 0 {
		missing := item
		missing.Kind = model.WarningMissingData
		missing.Detail = "отсутствуют поля: " + strings.Join(result.MissingFields, ", ")
		c.status.NoteMissingFields(missing)
	}

	syncUsersTotal.WithLabelValues(result.Outcome).Inc()
}

// excluded проверяет email пользователя против списка и префикса исключений.
func (c *SyncCoordinator) excluded(user *entra.User) (string, bool) {
	email := strings.ToLower(user.PrimaryEmail())
	if email == "" {
		return "", false
	}
	if _, ok := c.excludeEmails[email]; ok {
		return "email в списке исключений", true
	}
	if c.excludePrefix != "" && strings.HasPrefix(email, c.excludePrefix) {
		return "email начинается с " + c.excludePrefix, true
	}
	return "", false
}
