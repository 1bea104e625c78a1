// dephealth.go — интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// graph-sync мониторит две зависимости:
//   - Entra ID — HTTP checker к OpenID discovery endpoint tenant'а (critical)
//   - Directus — HTTP checker к /server/health (critical)
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками:
//   - app_dependency_health — состояние зависимости (1 = ok, 0 = fail)
//   - app_dependency_latency_seconds — задержка проверки
//   - app_dependency_status — категория статуса
//   - app_dependency_status_detail — детальный статус
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // HTTP checker для Entra и Directus
	"github.com/prometheus/client_golang/prometheus"
)

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
// Метрики регистрируются в глобальном Prometheus registry.
//
// Параметры:
//   - serviceID — имя вершины графа текущего приложения (e.g. "graph-sync")
//   - group — имя группы в метриках (GS_DEPHEALTH_GROUP)
//   - loginBaseURL — базовый URL login endpoint'а Entra
//   - tenantID — tenant Entra, определяет discovery path
//   - directusURL — базовый URL Directus
//   - checkInterval — интервал проверки зависимостей (GS_DEPHEALTH_CHECK_INTERVAL)
func NewDephealthService(
	serviceID string,
	group string,
	loginBaseURL string,
	tenantID string,
	directusURL string,
	checkInterval time.Duration,
	logger *slog.Logger,
) (*DephealthService, error) {
	return newDephealthService(serviceID, group, loginBaseURL, tenantID, directusURL, checkInterval, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным Prometheus registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(
	serviceID string,
	group string,
	loginBaseURL string,
	tenantID string,
	directusURL string,
	checkInterval time.Duration,
	logger *slog.Logger,
	registerer prometheus.Registerer,
) (*DephealthService, error) {
	return newDephealthService(serviceID, group, loginBaseURL, tenantID, directusURL, checkInterval, logger,
		dephealth.WithRegisterer(registerer))
}

// newDephealthService — внутренний конструктор.
func newDephealthService(
	serviceID string,
	group string,
	loginBaseURL string,
	tenantID string,
	directusURL string,
	checkInterval time.Duration,
	logger *slog.Logger,
	extraOpts ...dephealth.Option,
) (*DephealthService, error) {
	// У login endpoint'а Entra нет /health: проверяем OpenID discovery
	// документ tenant'а, он подтверждает доступность OAuth2 endpoints.
	entraHealthPath := "/" + tenantID + "/v2.0/.well-known/openid-configuration"

	opts := []dephealth.Option{
		dephealth.WithLogger(logger),
		// Entra ID — HTTP checker к discovery endpoint
		dephealth.HTTP("entra",
			dephealth.FromURL(loginBaseURL),
			dephealth.WithHTTPHealthPath(entraHealthPath),
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(true),
		),
		// Directus — штатный health endpoint
		dephealth.HTTP("directus",
			dephealth.FromURL(directusURL),
			dephealth.WithHTTPHealthPath("/server/health"),
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(true),
		),
	}
	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(serviceID, group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен (Entra + Directus)")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
// Ключ — имя зависимости, значение — true если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
