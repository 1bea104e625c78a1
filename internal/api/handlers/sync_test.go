package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

// TestGetSyncStatus_Idle: до первого запуска статус idle.
func TestGetSyncStatus_Idle(t *testing.T) {
	h := NewSyncHandler(newTestCoordinator(t), testLogger())

	req := httptest.NewRequest(http.MethodGet, "/sync/status", nil)
	rec := httptest.NewRecorder()

	h.GetSyncStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("ожидался статус 200, получен %d", rec.Code)
	}

	var resp map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("ошибка разбора ответа: %v", err)
	}
	if resp["state"] != "idle" {
		t.Errorf("ожидался state=idle, получен %v", resp["state"])
	}
}

// TestSyncUser_InvalidID: не-UUID в пути — 400.
func TestSyncUser_InvalidID(t *testing.T) {
	h := NewSyncHandler(newTestCoordinator(t), testLogger())

	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", "не-uuid")

	req := httptest.NewRequest(http.MethodPost, "/sync/users/не-uuid", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	rec := httptest.NewRecorder()

	h.SyncUser(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("ожидался статус 400, получен %d", rec.Code)
	}
}

// TestStartBulkSync_BadBody: некорректный JSON — 400.
func TestStartBulkSync_BadBody(t *testing.T) {
	h := NewSyncHandler(newTestCoordinator(t), testLogger())

	req := httptest.NewRequest(http.MethodPost, "/sync/users", strings.NewReader(`{сломанный json`))
	rec := httptest.NewRecorder()

	h.StartBulkSync(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("ожидался статус 400, получен %d", rec.Code)
	}
}

// TestDecodeSyncOptions: пустое тело допустимо, поля разбираются.
func TestDecodeSyncOptions(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/sync/users", nil)
	opts, err := decodeSyncOptions(req)
	if err != nil {
		t.Fatalf("пустое тело не должно давать ошибку: %v", err)
	}
	if opts.ForceLink || opts.ActiveMembersOnly || len(opts.Fields) != 0 {
		t.Errorf("ожидались параметры по умолчанию: %+v", opts)
	}

	body := `{"fields": ["email"], "forceLink": true, "activeMembersOnly": true}`
	req = httptest.NewRequest(http.MethodPost, "/sync/users", strings.NewReader(body))
	opts, err = decodeSyncOptions(req)
	if err != nil {
		t.Fatalf("decodeSyncOptions вернул ошибку: %v", err)
	}
	if !opts.ForceLink || !opts.ActiveMembersOnly || len(opts.Fields) != 1 || opts.Fields[0] != "email" {
		t.Errorf("неожиданные параметры: %+v", opts)
	}
}
