// dephealth_test.go — тесты конструирования сервиса мониторинга зависимостей.
package service

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TestNewDephealthService проверяет сборку сервиса с изолированным registry.
func TestNewDephealthService(t *testing.T) {
	login := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"issuer": "https://login.example.org/test-tenant/v2.0"}`))
	}))
	t.Cleanup(login.Close)

	directus := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "ok"}`))
	}))
	t.Cleanup(directus.Close)

	ds, err := NewDephealthServiceWithRegisterer(
		"graph-sync", "sync",
		login.URL, "test-tenant", directus.URL,
		15*time.Second,
		testLogger(),
		prometheus.NewRegistry(),
	)
	if err != nil {
		t.Fatalf("NewDephealthServiceWithRegisterer вернул ошибку: %v", err)
	}
	if ds == nil {
		t.Fatal("сервис не должен быть nil")
	}
}

// TestNewDephealthService_BadURL: некорректный URL зависимости — ошибка.
func TestNewDephealthService_BadURL(t *testing.T) {
	_, err := NewDephealthServiceWithRegisterer(
		"graph-sync", "sync",
		"not-a-url", "test-tenant", "also-not-a-url",
		15*time.Second,
		testLogger(),
		prometheus.NewRegistry(),
	)
	if err == nil {
		t.Fatal("ожидалась ошибка для некорректных URL")
	}
}
