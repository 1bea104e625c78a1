// Точка входа graph-sync — сервис синхронизации Entra ID и Directus.
// Загружает конфигурацию, создаёт клиенты Graph и Directus, собирает
// координатор синхронизации, запускает topologymetrics и HTTP-сервер
// с webhook endpoints, API синхронизации и graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/salvemundi/graph-sync/internal/api/handlers"
	"github.com/salvemundi/graph-sync/internal/api/middleware"
	"github.com/salvemundi/graph-sync/internal/config"
	"github.com/salvemundi/graph-sync/internal/directus"
	"github.com/salvemundi/graph-sync/internal/entra"
	"github.com/salvemundi/graph-sync/internal/server"
	"github.com/salvemundi/graph-sync/internal/service"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("graph-sync запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)

	if os.Getenv("GS_DEPHEALTH_GROUP") == "" {
		logger.Warn("GS_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	ctx := context.Background()

	// 3. Клиент Microsoft Graph (client credentials)
	graphClient := entra.New(
		cfg.TenantID,
		cfg.ClientID,
		cfg.ClientSecret,
		cfg.GraphBaseURL,
		cfg.LoginBaseURL,
		cfg.SyncPageSize,
		nil, // стандартный http.Client
		logger,
	)
	logger.Info("Graph клиент создан", slog.String("tenant", cfg.TenantID))

	// 4. Клиент Directus (статический токен)
	directusClient := directus.New(
		cfg.DirectusURL,
		cfg.DirectusToken,
		cfg.SyncPageSize,
		nil,
		logger,
	)
	logger.Info("Directus клиент создан", slog.String("url", cfg.DirectusURL))

	// 5. Сервисный слой синхронизации
	locks := service.NewLockManager(cfg.LockTTL)
	policy := service.NewRolePolicy(
		cfg.GroupAdmin, cfg.RoleAdmin,
		cfg.GroupBoard, cfg.RoleBoard,
		cfg.GroupCommitteeLead, cfg.RoleCommitteeLead,
		cfg.GroupIntro, cfg.RoleIntro,
		cfg.GroupActiveMembers, cfg.RoleMember,
		cfg.CommitteeGroups,
	)

	users := service.NewUserReconciler(directusClient, policy, cfg.GroupActiveMembers, logger)
	memberships := service.NewMembershipReconciler(directusClient, logger)
	photos := service.NewPhotoSyncer(graphClient, directusClient, logger)
	reverse := service.NewReverseSyncer(graphClient, directusClient, locks, logger)

	coordinator := service.NewSyncCoordinator(
		graphClient, directusClient,
		users, memberships, photos, reverse, locks,
		service.CoordinatorConfig{
			ActiveGroupID:      cfg.GroupActiveMembers,
			BatchSize:          cfg.SyncBatchSize,
			ExcludeEmails:      cfg.ExcludeEmails,
			ExcludePrefix:      cfg.ExcludePrefix,
			GroupNameOverrides: cfg.GroupNameOverrides,
			CommitteeGroups:    cfg.CommitteeGroups,
		},
		logger,
	)

	// 6. Handlers
	healthHandler := handlers.NewHealthHandler(graphClient, directusClient)
	syncHandler := handlers.NewSyncHandler(coordinator, logger)
	webhookHandler := handlers.NewWebhookHandler(coordinator, logger)

	// 7. JWT middleware для /sync/* (опционально)
	var jwtAuth *middleware.JWTAuth
	if cfg.AdminJWTEnabled {
		jwtAuth, err = middleware.NewJWTAuth(
			cfg.AdminJWKSURL,
			cfg.AdminIssuer,
			cfg.AdminGroups,
			time.Hour,      // интервал обновления JWKS
			30*time.Second, // leeway проверки времени
			logger,
		)
		if err != nil {
			logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("JWT middleware инициализирован",
			slog.String("jwks_url", cfg.AdminJWKSURL),
			slog.String("issuer", cfg.AdminIssuer),
		)
	} else {
		logger.Warn("JWT защита /sync/* отключена (GS_ADMIN_JWT_ENABLED=false)")
	}

	// 8. topologymetrics — мониторинг зависимостей (Entra + Directus)
	dephealthSvc, dephealthErr := service.NewDephealthService(
		"graph-sync",
		cfg.DephealthGroup,
		graphClient.LoginBaseURL(),
		cfg.TenantID,
		cfg.DirectusURL,
		cfg.DephealthCheckInterval,
		logger,
	)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
	} else {
		if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics",
				slog.String("error", startErr.Error()),
			)
		} else {
			logger.Info("topologymetrics запущен",
				slog.String("group", cfg.DephealthGroup),
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
			defer dephealthSvc.Stop()
		}
	}

	// 9. HTTP-сервер с graceful shutdown
	srv := server.New(cfg, logger, healthHandler, syncHandler, webhookHandler, jwtAuth)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка HTTP-сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("graph-sync остановлен")
}
