package directus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"
)

// testLogger создаёт logger для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// setupMockDirectus создаёт mock HTTP-сервер Directus.
func setupMockDirectus(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := New(server.URL, "test-token", 100, server.Client(), testLogger())
	return server, client
}

// TestClient_Authorization проверяет передачу service token.
func TestClient_Authorization(t *testing.T) {
	_, client := setupMockDirectus(t, func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth != "Bearer test-token" {
			t.Errorf("ожидался Bearer test-token, получен %s", auth)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data": []}`))
	})

	_, err := client.FindUsersByEmail(context.Background(), []string{"a@b.org"})
	if err != nil {
		t.Fatalf("Ошибка запроса: %v", err)
	}
}

// TestClient_GetUserByEntraID проверяет поиск по entra_id.
func TestClient_GetUserByEntraID(t *testing.T) {
	_, client := setupMockDirectus(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("filter[entra_id][_eq]") != "entra-123" {
			t.Errorf("неожиданный фильтр: %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data": [{"id": "d-1", "entra_id": "entra-123", "email": "jan@example.org"}]}`))
	})

	user, err := client.GetUserByEntraID(context.Background(), "entra-123")
	if err != nil {
		t.Fatalf("Ошибка GetUserByEntraID: %v", err)
	}
	if user == nil || user.ID != "d-1" {
		t.Fatalf("неожиданный результат: %+v", user)
	}
	if user.EntraID == nil || *user.EntraID != "entra-123" {
		t.Errorf("неожиданный entra_id: %v", user.EntraID)
	}
}

// TestClient_GetUserByEntraID_NotFound: пустой результат — (nil, nil).
func TestClient_GetUserByEntraID_NotFound(t *testing.T) {
	_, client := setupMockDirectus(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data": []}`))
	})

	user, err := client.GetUserByEntraID(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Ошибка GetUserByEntraID: %v", err)
	}
	if user != nil {
		t.Errorf("ожидался nil, получено %+v", user)
	}
}

// TestClient_FindUsersByEmail проверяет приведение email к нижнему регистру.
func TestClient_FindUsersByEmail(t *testing.T) {
	_, client := setupMockDirectus(t, func(w http.ResponseWriter, r *http.Request) {
		in := r.URL.Query().Get("filter[email][_in]")
		if in != "jan@example.org,jan@student.fontys.nl" {
			t.Errorf("неожиданный фильтр: %q", in)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data": [{"id": "d-1", "email": "jan@example.org"}]}`))
	})

	users, err := client.FindUsersByEmail(context.Background(),
		[]string{"Jan@Example.org", "jan@student.fontys.nl"})
	if err != nil {
		t.Fatalf("Ошибка FindUsersByEmail: %v", err)
	}
	if len(users) != 1 || users[0].ID != "d-1" {
		t.Errorf("неожиданный результат: %+v", users)
	}
}

// TestClient_ListLinkedUsers_Paged проверяет постраничный проход по offset.
func TestClient_ListLinkedUsers_Paged(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("filter[entra_id][_nnull]") != "true" {
			t.Errorf("ожидался фильтр entra_id non-null: %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("offset") == "0" {
			// Полная страница — клиент должен запросить следующую
			w.Write([]byte(`{"data": [{"id": "d-1"}, {"id": "d-2"}]}`))
			return
		}
		w.Write([]byte(`{"data": [{"id": "d-3"}]}`))
	}))
	t.Cleanup(server.Close)

	client := New(server.URL, "test-token", 2, server.Client(), testLogger())

	users, err := client.ListLinkedUsers(context.Background())
	if err != nil {
		t.Fatalf("Ошибка ListLinkedUsers: %v", err)
	}
	if len(users) != 3 {
		t.Errorf("ожидалось 3 пользователя, получено %d", len(users))
	}
}

// TestClient_CreateUser проверяет создание пользователя.
func TestClient_CreateUser(t *testing.T) {
	_, client := setupMockDirectus(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasPrefix(r.URL.Path, "/items/users") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var fields map[string]any
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			t.Fatalf("Ошибка декодирования: %v", err)
		}
		if fields["email"] != "jan@example.org" {
			t.Errorf("ожидался email=jan@example.org, получен %v", fields["email"])
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data": {"id": "d-new", "email": "jan@example.org"}}`))
	})

	user, err := client.CreateUser(context.Background(), map[string]any{
		"email":      "jan@example.org",
		"first_name": "Jan",
	})
	if err != nil {
		t.Fatalf("Ошибка CreateUser: %v", err)
	}
	if user.ID != "d-new" {
		t.Errorf("ожидался ID=d-new, получен %s", user.ID)
	}
}

// TestClient_UpdateUser проверяет частичный PATCH с явным null.
func TestClient_UpdateUser(t *testing.T) {
	_, client := setupMockDirectus(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || !strings.HasSuffix(r.URL.Path, "/items/users/d-1") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var patch map[string]json.RawMessage
		if err := json.Unmarshal(body, &patch); err != nil {
			t.Fatalf("Ошибка декодирования: %v", err)
		}
		// avatar должен быть явным null, а не отсутствовать
		raw, ok := patch["avatar"]
		if !ok || string(raw) != "null" {
			t.Errorf("ожидался avatar=null, тело: %s", body)
		}
		if _, ok := patch["role"]; ok {
			t.Errorf("role не должен присутствовать в patch, тело: %s", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data": {"id": "d-1"}}`))
	})

	err := client.UpdateUser(context.Background(), "d-1", map[string]any{
		"avatar":     nil,
		"photo_etag": nil,
	})
	if err != nil {
		t.Fatalf("Ошибка UpdateUser: %v", err)
	}
}

// TestClient_FindCommitteeByName проверяет точный поиск комиссии.
func TestClient_FindCommitteeByName(t *testing.T) {
	_, client := setupMockDirectus(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("filter[name][_eq]") != "Медиа комиссия" {
			t.Errorf("неожиданный фильтр: %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data": [{"id": "c-1", "name": "Медиа комиссия"}]}`))
	})

	committee, err := client.FindCommitteeByName(context.Background(), "Медиа комиссия")
	if err != nil {
		t.Fatalf("Ошибка FindCommitteeByName: %v", err)
	}
	if committee == nil || committee.ID != "c-1" {
		t.Errorf("неожиданный результат: %+v", committee)
	}
}

// TestClient_CreateCommittee проверяет создание комиссии.
func TestClient_CreateCommittee(t *testing.T) {
	_, client := setupMockDirectus(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasPrefix(r.URL.Path, "/items/committees") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["name"] != "ICT" {
			t.Errorf("ожидалось name=ICT, получено %v", body["name"])
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data": {"id": "c-new", "name": "ICT"}}`))
	})

	committee, err := client.CreateCommittee(context.Background(), "ICT")
	if err != nil {
		t.Fatalf("Ошибка CreateCommittee: %v", err)
	}
	if committee.ID != "c-new" {
		t.Errorf("ожидался ID=c-new, получен %s", committee.ID)
	}
}

// TestClient_ListMemberships проверяет чтение членств с вложенной комиссией.
func TestClient_ListMemberships(t *testing.T) {
	_, client := setupMockDirectus(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("filter[user_id][_eq]") != "d-1" {
			t.Errorf("неожиданный фильтр: %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data": [
			{"id": "m-1", "is_leader": true, "is_visible": true, "committee_id": {"id": "c-1", "name": "ICT"}}
		]}`))
	})

	members, err := client.ListMemberships(context.Background(), "d-1")
	if err != nil {
		t.Fatalf("Ошибка ListMemberships: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("ожидалось 1 членство, получено %d", len(members))
	}
	if members[0].Committee.Name != "ICT" || !members[0].IsLeader {
		t.Errorf("неожиданное членство: %+v", members[0])
	}
}

// TestClient_AddMembership: новые записи видимые и не-лидерские.
func TestClient_AddMembership(t *testing.T) {
	_, client := setupMockDirectus(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/items/committee_members" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["user_id"] != "d-1" || body["committee_id"] != "c-1" {
			t.Errorf("неожиданное тело: %v", body)
		}
		if body["is_visible"] != true || body["is_leader"] != false {
			t.Errorf("ожидались is_visible=true, is_leader=false: %v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data": {"id": "m-new"}}`))
	})

	err := client.AddMembership(context.Background(), "d-1", "c-1")
	if err != nil {
		t.Fatalf("Ошибка AddMembership: %v", err)
	}
}

// TestClient_RemoveMembership проверяет удаление членства.
func TestClient_RemoveMembership(t *testing.T) {
	_, client := setupMockDirectus(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete && r.URL.Path == "/items/committee_members/m-1" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	err := client.RemoveMembership(context.Background(), "m-1")
	if err != nil {
		t.Fatalf("Ошибка RemoveMembership: %v", err)
	}
}

// TestClient_UploadFile проверяет multipart-загрузку файла.
func TestClient_UploadFile(t *testing.T) {
	_, client := setupMockDirectus(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/files" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("Ошибка парсинга multipart: %v", err)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("Ошибка чтения части file: %v", err)
		}
		defer file.Close()
		if header.Filename != "avatar-u1.jpg" {
			t.Errorf("ожидалось имя avatar-u1.jpg, получено %s", header.Filename)
		}
		data, _ := io.ReadAll(file)
		if len(data) != 3 {
			t.Errorf("ожидалось 3 байта, получено %d", len(data))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data": {"id": "file-1"}}`))
	})

	fileID, err := client.UploadFile(context.Background(), "avatar-u1.jpg", "image/jpeg", []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("Ошибка UploadFile: %v", err)
	}
	if fileID != "file-1" {
		t.Errorf("ожидался file-1, получен %s", fileID)
	}
}

// TestClient_CheckReady проверяет CheckReady по /server/health.
func TestClient_CheckReady(t *testing.T) {
	_, client := setupMockDirectus(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/server/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status": "ok"}`))
	})

	status, msg := client.CheckReady()
	if status != "ok" {
		t.Errorf("ожидался status=ok, получен %s: %s", status, msg)
	}
}

// TestClient_CheckReady_Fail проверяет CheckReady при недоступности.
func TestClient_CheckReady_Fail(t *testing.T) {
	client := New("http://localhost:1", "token", 100,
		&http.Client{Timeout: 100 * time.Millisecond}, testLogger())

	status, _ := client.CheckReady()
	if status != "fail" {
		t.Errorf("ожидался status=fail, получен %s", status)
	}
}

// TestClient_ErrorStatus проверяет обработку ошибочного статуса Directus.
func TestClient_ErrorStatus(t *testing.T) {
	_, client := setupMockDirectus(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"errors": [{"message": "нет доступа"}]}`))
	})

	_, err := client.GetUser(context.Background(), "d-1")
	if err == nil {
		t.Fatal("ожидалась ошибка, получен nil")
	}
	if !strings.Contains(err.Error(), "403") {
		t.Errorf("ожидалась ошибка со статусом 403, получена: %v", err)
	}
}
