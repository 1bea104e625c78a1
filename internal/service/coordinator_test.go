package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/salvemundi/graph-sync/internal/directus"
	"github.com/salvemundi/graph-sync/internal/domain/model"
	"github.com/salvemundi/graph-sync/internal/entra"
)

// setupCoordinator собирает координатор с mock Graph и mock Directus.
func setupCoordinator(t *testing.T, graphHandler, directusHandler http.HandlerFunc, cfg CoordinatorConfig) *SyncCoordinator {
	t.Helper()

	graphMux := http.NewServeMux()
	graphMux.HandleFunc("/test-tenant/oauth2/v2.0/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(entra.TokenResponse{AccessToken: "t", ExpiresIn: 300})
	})
	graphMux.HandleFunc("/v1.0/", graphHandler)

	graphServer := httptest.NewServer(graphMux)
	t.Cleanup(graphServer.Close)

	directusServer := httptest.NewServer(directusHandler)
	t.Cleanup(directusServer.Close)

	graph := entra.New("test-tenant", "c", "s",
		graphServer.URL+"/v1.0", graphServer.URL, 100, graphServer.Client(), testLogger())
	records := directus.New(directusServer.URL, "token", 100, directusServer.Client(), testLogger())

	locks := NewLockManager(5 * time.Second)
	users := NewUserReconciler(records, testPolicy(), "g-leden", testLogger())
	memberships := NewMembershipReconciler(records, testLogger())
	photos := NewPhotoSyncer(graph, records, testLogger())
	reverse := NewReverseSyncer(graph, records, locks, testLogger())

	return NewSyncCoordinator(graph, records, users, memberships, photos, reverse, locks, cfg, testLogger())
}

// TestSyncCoordinator_HandleEntraUser_Pipeline: профиль обновлён, членства
// сошлись, фото нет. После записи ставится блокировка directus-<id>.
func TestSyncCoordinator_HandleEntraUser_Pipeline(t *testing.T) {
	var patched map[string]any

	graphHandler := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/memberOf"):
			w.Write([]byte(`{"value": [{"@odata.type": "#microsoft.graph.group", "id": "g1", "displayName": "ICT"}]}`))
		case strings.HasSuffix(r.URL.Path, "/photo"):
			w.WriteHeader(http.StatusNotFound)
		case strings.Contains(r.URL.Path, "/users/entra-1"):
			json.NewEncoder(w).Encode(entra.User{
				ID:          "entra-1",
				GivenName:   "Jan",
				Surname:     "Smit",
				DisplayName: "Jan Smit",
				Mail:        "jan@example.org",
			})
		default:
			t.Errorf("неожиданный запрос к Graph: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}

	directusHandler := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/items/users":
			// Привязанная запись с устаревшим именем
			w.Write([]byte(`{"data": [{"id": "d-1", "entra_id": "entra-1", "email": "jan@example.org", "first_name": "Johannes", "last_name": "Smit"}]}`))
		case r.Method == http.MethodPatch && r.URL.Path == "/items/users/d-1":
			json.NewDecoder(r.Body).Decode(&patched)
			w.Write([]byte(`{"data": {"id": "d-1"}}`))
		case r.Method == http.MethodGet && r.URL.Path == "/items/committees":
			w.Write([]byte(`{"data": [{"id": "c-ict", "name": "ICT"}]}`))
		case r.Method == http.MethodGet && r.URL.Path == "/items/committee_members":
			w.Write([]byte(`{"data": [{"id": "m-1", "is_leader": false, "is_visible": true, "committee_id": {"id": "c-ict", "name": "ICT"}}]}`))
		default:
			t.Errorf("неожиданный запрос к Directus: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}

	c := setupCoordinator(t, graphHandler, directusHandler, CoordinatorConfig{
		ActiveGroupID:      "g-leden",
		BatchSize:          10,
		GroupNameOverrides: map[string]string{"g1": "ICT"},
		CommitteeGroups:    []string{"g1"},
	})

	result, err := c.HandleEntraUser(context.Background(), "entra-1", model.SyncOptions{})
	if err != nil {
		t.Fatalf("HandleEntraUser вернул ошибку: %v", err)
	}

	if result.Outcome != model.OutcomeUpdated {
		t.Errorf("ожидался outcome=updated, получен %s", result.Outcome)
	}
	if patched["first_name"] != "Jan" {
		t.Errorf("ожидался PATCH first_name=Jan, получен %v", patched)
	}
	if !c.locks.IsLocked(DirectusLockKey("d-1")) {
		t.Error("ожидалась блокировка directus-d-1")
	}
}

// TestSyncCoordinator_HandleEntraUser_Suppressed: уведомление после нашей
// обратной записи не обрабатывается.
func TestSyncCoordinator_HandleEntraUser_Suppressed(t *testing.T) {
	c := setupCoordinator(t,
		func(w http.ResponseWriter, r *http.Request) {
			t.Errorf("Graph не должен вызываться: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		},
		func(w http.ResponseWriter, r *http.Request) {
			t.Errorf("Directus не должен вызываться: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		},
		CoordinatorConfig{BatchSize: 10},
	)

	c.locks.Acquire(EntraLockKey("entra-1"))

	result, err := c.HandleEntraUser(context.Background(), "entra-1", model.SyncOptions{})
	if err != nil {
		t.Fatalf("HandleEntraUser вернул ошибку: %v", err)
	}
	if result.Outcome != model.OutcomeUnchanged {
		t.Errorf("ожидался outcome=unchanged, получен %s", result.Outcome)
	}
}

// TestSyncCoordinator_HandleEntraUser_DuplicateSuppressed: повторное
// уведомление по тому же пользователю в течение TTL блокировки
// не запускает вторую обработку.
func TestSyncCoordinator_HandleEntraUser_DuplicateSuppressed(t *testing.T) {
	var userGets int

	graphHandler := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/memberOf"):
			w.Write([]byte(`{"value": []}`))
		case strings.HasSuffix(r.URL.Path, "/photo"):
			w.WriteHeader(http.StatusNotFound)
		case r.URL.Path == "/v1.0/users/entra-1":
			userGets++
			json.NewEncoder(w).Encode(entra.User{
				ID:          "entra-1",
				GivenName:   "Jan",
				Surname:     "Smit",
				DisplayName: "Jan Smit",
				Mail:        "jan@example.org",
			})
		default:
			t.Errorf("неожиданный запрос к Graph: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}

	directusHandler := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/items/users":
			w.Write([]byte(`{"data": [{"id": "d-1", "entra_id": "entra-1", "email": "jan@example.org", "first_name": "Jan", "last_name": "Smit"}]}`))
		case r.Method == http.MethodGet && r.URL.Path == "/items/committee_members":
			w.Write([]byte(`{"data": []}`))
		default:
			t.Errorf("неожиданный запрос к Directus: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}

	c := setupCoordinator(t, graphHandler, directusHandler, CoordinatorConfig{BatchSize: 10})

	if _, err := c.HandleEntraUser(context.Background(), "entra-1", model.SyncOptions{}); err != nil {
		t.Fatalf("первый вызов вернул ошибку: %v", err)
	}

	result, err := c.HandleEntraUser(context.Background(), "entra-1", model.SyncOptions{})
	if err != nil {
		t.Fatalf("второй вызов вернул ошибку: %v", err)
	}
	if result.Outcome != model.OutcomeUnchanged {
		t.Errorf("ожидался outcome=unchanged, получен %s", result.Outcome)
	}
	if userGets != 1 {
		t.Errorf("ожидалась ровно одна обработка, запросов к Graph: %d", userGets)
	}
}

// TestSyncCoordinator_HandleDirectusUser: изменение записи уходит в Entra.
func TestSyncCoordinator_HandleDirectusUser(t *testing.T) {
	var patched map[string]any

	graphHandler := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPatch:
			json.NewDecoder(r.Body).Decode(&patched)
			w.WriteHeader(http.StatusNoContent)
		case strings.HasSuffix(r.URL.Path, "/memberOf"):
			w.Write([]byte(`{"value": []}`))
		case strings.Contains(r.URL.Path, "/users/entra-1"):
			json.NewEncoder(w).Encode(entra.User{
				ID: "entra-1", GivenName: "Johannes", Surname: "Smit", DisplayName: "Jan Smit",
			})
		default:
			t.Errorf("неожиданный запрос к Graph: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}

	directusHandler := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/items/users/d-1":
			w.Write([]byte(`{"data": {"id": "d-1", "entra_id": "entra-1", "email": "jan@example.org", "first_name": "Jan", "last_name": "Smit"}}`))
		case "/items/committee_members":
			w.Write([]byte(`{"data": []}`))
		default:
			t.Errorf("неожиданный запрос к Directus: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}

	c := setupCoordinator(t, graphHandler, directusHandler, CoordinatorConfig{BatchSize: 10})

	if err := c.HandleDirectusUser(context.Background(), "d-1"); err != nil {
		t.Fatalf("HandleDirectusUser вернул ошибку: %v", err)
	}

	if patched["givenName"] != "Jan" {
		t.Errorf("ожидался PATCH givenName=Jan, получен %v", patched)
	}
	// Обратная запись блокирует обработку эха от Entra
	if !c.locks.IsLocked(EntraLockKey("entra-1")) {
		t.Error("ожидалась блокировка entra-entra-1")
	}
}

// TestSyncCoordinator_HandleDirectusUser_Suppressed: эхо нашей прямой
// синхронизации не обрабатывается.
func TestSyncCoordinator_HandleDirectusUser_Suppressed(t *testing.T) {
	c := setupCoordinator(t,
		func(w http.ResponseWriter, r *http.Request) {
			t.Errorf("Graph не должен вызываться: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		},
		func(w http.ResponseWriter, r *http.Request) {
			t.Errorf("Directus не должен вызываться: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		},
		CoordinatorConfig{BatchSize: 10},
	)

	c.locks.Acquire(DirectusLockKey("d-1"))

	if err := c.HandleDirectusUser(context.Background(), "d-1"); err != nil {
		t.Fatalf("HandleDirectusUser вернул ошибку: %v", err)
	}
}

// TestSyncCoordinator_RunBulk: исключения по списку и префиксу,
// успешные пользователи, итоговый статус completed.
func TestSyncCoordinator_RunBulk(t *testing.T) {
	graphHandler := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/v1.0/users":
			w.Write([]byte(`{"value": [
				{"id": "entra-1", "displayName": "Jan Smit", "givenName": "Jan", "surname": "Smit", "mail": "jan@example.org",
				 "onPremisesExtensionAttributes": {"extensionAttribute2": "20000215"}},
				{"id": "entra-2", "displayName": "Blocked", "mail": "blocked@example.org"},
				{"id": "entra-3", "displayName": "Bot", "mail": "test-bot@example.org"}
			]}`))
		case strings.HasSuffix(r.URL.Path, "/memberOf"):
			w.Write([]byte(`{"value": []}`))
		case strings.HasSuffix(r.URL.Path, "/photo"):
			w.WriteHeader(http.StatusNotFound)
		default:
			t.Errorf("неожиданный запрос к Graph: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}

	directusHandler := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/items/users":
			// Запись entra-1 уже совпадает с Entra
			w.Write([]byte(`{"data": [{"id": "d-1", "entra_id": "entra-1", "email": "jan@example.org", "first_name": "Jan", "last_name": "Smit", "date_of_birth": "2000-02-15"}]}`))
		case r.Method == http.MethodGet && r.URL.Path == "/items/committee_members":
			w.Write([]byte(`{"data": []}`))
		default:
			t.Errorf("неожиданный запрос к Directus: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}

	c := setupCoordinator(t, graphHandler, directusHandler, CoordinatorConfig{
		ActiveGroupID: "g-leden",
		BatchSize:     2,
		ExcludeEmails: []string{"Blocked@example.org"},
		ExcludePrefix: "test-",
	})

	if !c.status.TryStart(0) {
		t.Fatal("TryStart должен пройти")
	}
	c.runBulk(context.Background(), model.SyncOptions{})

	status := c.Status()
	if status.State != model.RunCompleted {
		t.Fatalf("ожидался state=completed, получен %s", status.State)
	}
	if status.Counts.Total != 3 || status.Counts.Processed != 1 ||
		status.Counts.Success != 1 || status.Counts.Excluded != 2 {
		t.Errorf("неожиданные счётчики: %+v", status.Counts)
	}
	if len(status.ExcludedItems) != 2 {
		t.Errorf("ожидалось 2 исключённых, получено %d", len(status.ExcludedItems))
	}
	// У jan нет телефона и срока членства — пометка о незаполненных полях
	if status.Counts.MissingData != 1 || len(status.MissingDataItems) != 1 {
		t.Errorf("неожиданный учёт незаполненных полей: %+v", status.Counts)
	}
	if detail := status.MissingDataItems[0].Detail; !strings.Contains(detail, "phone_number") ||
		!strings.Contains(detail, "membership_expiry") {
		t.Errorf("неожиданный detail: %q", detail)
	}
}

// TestSyncCoordinator_StartBulk_Conflict: второй запуск при активном — ошибка.
func TestSyncCoordinator_StartBulk_Conflict(t *testing.T) {
	c := setupCoordinator(t,
		func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) },
		func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) },
		CoordinatorConfig{BatchSize: 10},
	)

	// Имитация активного прохода
	if !c.status.TryStart(0) {
		t.Fatal("TryStart должен пройти")
	}

	if err := c.StartBulk(model.SyncOptions{}); err != ErrSyncRunning {
		t.Errorf("ожидался ErrSyncRunning, получен %v", err)
	}
}
