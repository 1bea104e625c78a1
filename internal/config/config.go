// Пакет config — загрузка и валидация конфигурации graph-sync
// из переменных окружения (с поддержкой .env файла).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации graph-sync.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration

	// --- Entra ID (Directory) ---

	// ID тенанта Entra ID
	TenantID string
	// Client ID приложения для Client Credentials flow
	ClientID string
	// Client Secret приложения
	ClientSecret string
	// Базовый URL Microsoft Graph (пустая строка — https://graph.microsoft.com/v1.0)
	GraphBaseURL string
	// Базовый URL login endpoint (пустая строка — https://login.microsoftonline.com)
	LoginBaseURL string

	// --- Directus (Records) ---

	// URL Directus (без trailing slash)
	DirectusURL string
	// Статический service token Directus
	DirectusToken string

	// --- Специальные группы Entra ---

	// Группа, дающая роль admin
	GroupAdmin string
	// Группа правления (board)
	GroupBoard string
	// Группа лидеров комиссий
	GroupCommitteeLead string
	// Группа intro-участников
	GroupIntro string
	// Группа активных членов (влияет на membership_status)
	GroupActiveMembers string

	// --- Роли Directus ---

	// Роль admin
	RoleAdmin string
	// Роль правления
	RoleBoard string
	// Роль лидера комиссии
	RoleCommitteeLead string
	// Роль intro-участника
	RoleIntro string
	// Базовая роль члена комиссии
	RoleMember string

	// --- Маппинг групп → комиссий ---

	// Статические overrides имени комиссии по ID группы (CSV "id=Имя")
	GroupNameOverrides map[string]string
	// Группы, членство в которых даёт членство в комиссии (CSV ID)
	CommitteeGroups []string

	// --- Синхронизация ---

	// Размер батча при bulk-синхронизации (пользователей одновременно)
	SyncBatchSize int
	// Размер страницы при постраничных запросах к Graph/Directus
	SyncPageSize int
	// TTL блокировки от зацикливания синхронизации
	LockTTL time.Duration
	// Email-адреса, исключаемые из bulk-синхронизации (CSV)
	ExcludeEmails []string
	// Префикс email для исключения из bulk-синхронизации
	ExcludePrefix string

	// --- JWT администраторских endpoints ---

	// Включена ли JWT-валидация на /sync/*
	AdminJWTEnabled bool
	// URL JWKS endpoint (авто-вычисляется из TenantID, если не задан)
	AdminJWKSURL string
	// Ожидаемый issuer JWT (авто-вычисляется из TenantID, если не задан)
	AdminIssuer string
	// Группы Entra, дающие доступ к администраторским endpoints
	AdminGroups []string

	// --- topologymetrics ---

	// Имя группы в метриках dephealth
	DephealthGroup string
	// Интервал проверки зависимостей
	DephealthCheckInterval time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
// .env файл в рабочем каталоге подхватывается best-effort.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	var err error

	// --- Сервер ---

	// GS_PORT — порт HTTP-сервера (по умолчанию 3001)
	cfg.Port, err = getEnvInt("GS_PORT", 3001)
	if err != nil {
		return nil, fmt.Errorf("GS_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("GS_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	// GS_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("GS_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("GS_LOG_LEVEL: %w", err)
	}

	// GS_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("GS_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("GS_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// GS_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 5s)
	cfg.ShutdownTimeout, err = getEnvDuration("GS_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("GS_SHUTDOWN_TIMEOUT: %w", err)
	}

	// --- Entra ID ---

	// GS_TENANT_ID — обязательный
	cfg.TenantID, err = getEnvRequired("GS_TENANT_ID")
	if err != nil {
		return nil, err
	}

	// GS_CLIENT_ID — обязательный
	cfg.ClientID, err = getEnvRequired("GS_CLIENT_ID")
	if err != nil {
		return nil, err
	}

	// GS_CLIENT_SECRET — обязательный
	cfg.ClientSecret, err = getEnvRequired("GS_CLIENT_SECRET")
	if err != nil {
		return nil, err
	}

	// GS_GRAPH_BASE_URL / GS_LOGIN_BASE_URL — переопределение endpoints
	// (sovereign clouds, тестовые окружения). Пустые значения — стандартные endpoints.
	cfg.GraphBaseURL = strings.TrimRight(getEnvDefault("GS_GRAPH_BASE_URL", ""), "/")
	cfg.LoginBaseURL = strings.TrimRight(getEnvDefault("GS_LOGIN_BASE_URL", ""), "/")

	// --- Directus ---

	// GS_DIRECTUS_URL — обязательный
	cfg.DirectusURL, err = getEnvRequired("GS_DIRECTUS_URL")
	if err != nil {
		return nil, err
	}
	cfg.DirectusURL = strings.TrimRight(cfg.DirectusURL, "/")

	// GS_DIRECTUS_TOKEN — обязательный
	cfg.DirectusToken, err = getEnvRequired("GS_DIRECTUS_TOKEN")
	if err != nil {
		return nil, err
	}

	// --- Специальные группы и роли ---

	cfg.GroupAdmin = getEnvDefault("GS_GROUP_ADMIN", "")
	cfg.GroupBoard = getEnvDefault("GS_GROUP_BOARD", "")
	cfg.GroupCommitteeLead = getEnvDefault("GS_GROUP_COMMITTEE_LEAD", "")
	cfg.GroupIntro = getEnvDefault("GS_GROUP_INTRO", "")
	cfg.GroupActiveMembers = getEnvDefault("GS_GROUP_ACTIVE_MEMBERS", "")

	cfg.RoleAdmin = getEnvDefault("GS_ROLE_ADMIN", "")
	cfg.RoleBoard = getEnvDefault("GS_ROLE_BOARD", "")
	cfg.RoleCommitteeLead = getEnvDefault("GS_ROLE_COMMITTEE_LEAD", "")
	cfg.RoleIntro = getEnvDefault("GS_ROLE_INTRO", "")
	cfg.RoleMember = getEnvDefault("GS_ROLE_MEMBER", "")

	// --- Маппинг групп → комиссий ---

	// GS_GROUP_NAME_OVERRIDES — CSV вида "groupId=Имя комиссии"
	cfg.GroupNameOverrides, err = parseKVCSV(getEnvDefault("GS_GROUP_NAME_OVERRIDES", ""))
	if err != nil {
		return nil, fmt.Errorf("GS_GROUP_NAME_OVERRIDES: %w", err)
	}

	// GS_COMMITTEE_GROUPS — CSV ID групп-комиссий
	cfg.CommitteeGroups = parseCSV(getEnvDefault("GS_COMMITTEE_GROUPS", ""))

	// --- Синхронизация ---

	// GS_SYNC_BATCH_SIZE — размер батча (по умолчанию 10)
	cfg.SyncBatchSize, err = getEnvInt("GS_SYNC_BATCH_SIZE", 10)
	if err != nil {
		return nil, fmt.Errorf("GS_SYNC_BATCH_SIZE: %w", err)
	}
	if cfg.SyncBatchSize < 1 || cfg.SyncBatchSize > 100 {
		return nil, fmt.Errorf("GS_SYNC_BATCH_SIZE: значение %d вне допустимого диапазона 1-100", cfg.SyncBatchSize)
	}

	// GS_SYNC_PAGE_SIZE — размер страницы (по умолчанию 100)
	cfg.SyncPageSize, err = getEnvInt("GS_SYNC_PAGE_SIZE", 100)
	if err != nil {
		return nil, fmt.Errorf("GS_SYNC_PAGE_SIZE: %w", err)
	}
	if cfg.SyncPageSize < 1 || cfg.SyncPageSize > 999 {
		return nil, fmt.Errorf("GS_SYNC_PAGE_SIZE: значение %d вне допустимого диапазона 1-999", cfg.SyncPageSize)
	}

	// GS_LOCK_TTL — TTL блокировки синхронизации (по умолчанию 5s)
	cfg.LockTTL, err = getEnvDuration("GS_LOCK_TTL", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("GS_LOCK_TTL: %w", err)
	}

	// GS_SYNC_EXCLUDE_EMAILS — исключённые email (CSV)
	cfg.ExcludeEmails = parseCSV(strings.ToLower(getEnvDefault("GS_SYNC_EXCLUDE_EMAILS", "")))

	// GS_SYNC_EXCLUDE_PREFIX — префикс исключения (по умолчанию "test-")
	cfg.ExcludePrefix = getEnvDefault("GS_SYNC_EXCLUDE_PREFIX", "test-")

	// --- JWT администраторских endpoints ---

	cfg.AdminJWTEnabled, err = getEnvBool("GS_ADMIN_JWT_ENABLED", false)
	if err != nil {
		return nil, fmt.Errorf("GS_ADMIN_JWT_ENABLED: %w", err)
	}

	loginBase := cfg.LoginBaseURL
	if loginBase == "" {
		loginBase = "https://login.microsoftonline.com"
	}

	// GS_ADMIN_JWKS_URL — авто-вычисляется из TenantID, если не задан
	cfg.AdminJWKSURL = getEnvDefault("GS_ADMIN_JWKS_URL",
		fmt.Sprintf("%s/%s/discovery/v2.0/keys", loginBase, cfg.TenantID))

	// GS_ADMIN_ISSUER — авто-вычисляется из TenantID, если не задан
	cfg.AdminIssuer = getEnvDefault("GS_ADMIN_ISSUER",
		fmt.Sprintf("%s/%s/v2.0", loginBase, cfg.TenantID))

	// GS_ADMIN_GROUPS — группы с доступом к /sync/* (по умолчанию группа admin)
	cfg.AdminGroups = parseCSV(getEnvDefault("GS_ADMIN_GROUPS", cfg.GroupAdmin))

	// --- topologymetrics ---

	// GS_DEPHEALTH_GROUP — имя группы в метриках (по умолчанию "sync")
	cfg.DephealthGroup = getEnvDefault("GS_DEPHEALTH_GROUP", "sync")

	// GS_DEPHEALTH_CHECK_INTERVAL — интервал проверки зависимостей (по умолчанию 15s)
	cfg.DephealthCheckInterval, err = getEnvDuration("GS_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("GS_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	return cfg, nil
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// parseCSV разбирает строку, разделённую запятыми, на срез строк.
// Пробелы вокруг элементов убираются, пустые элементы игнорируются.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// parseKVCSV разбирает CSV вида "key=value,key2=value2" в map.
// Значение может содержать '=' — разделение по первому вхождению.
func parseKVCSV(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	result := make(map[string]string)
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		key, value, found := strings.Cut(p, "=")
		if !found || strings.TrimSpace(key) == "" || strings.TrimSpace(value) == "" {
			return nil, fmt.Errorf("некорректная пара %q, ожидался формат id=Имя", p)
		}
		result[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return result, nil
}
