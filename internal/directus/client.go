// client.go — HTTP-клиент к Directus REST API.
// Авторизация через статический service token.
// Операции: GetUser, GetUserByEntraID, FindUsersByEmail, ListUsers,
// CreateUser, UpdateUser, FindCommitteeByName, CreateCommittee,
// ListMemberships, AddMembership, RemoveMembership, UploadFile.
package directus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// userFields — поля пользователя, запрашиваемые у Directus.
const userFields = "id,entra_id,email,first_name,last_name,phone_number,fontys_email," +
	"title,role,membership_status,membership_expiry,date_of_birth,avatar,photo_etag"

// membershipFields — поля членства с вложенной комиссией.
const membershipFields = "id,is_leader,is_visible,committee_id.id,committee_id.name"

// Client — HTTP-клиент к Directus REST API.
type Client struct {
	baseURL  string // Базовый URL Directus (без trailing slash)
	token    string // Статический service token
	pageSize int    // Размер страницы при постраничных запросах

	httpClient *http.Client
	logger     *slog.Logger
}

// New создаёт клиент к Directus REST API.
// baseURL — URL Directus (например, https://directus.example.org).
// token — статический service token с правами на users, committees,
// committee_members и files.
func New(baseURL, token string, pageSize int, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if pageSize < 1 {
		pageSize = 100
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		pageSize:   pageSize,
		httpClient: httpClient,
		logger:     logger.With(slog.String("component", "directus_client")),
	}
}

// --- HTTP helpers ---

// doRequest выполняет HTTP-запрос к Directus с авторизацией.
func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("сериализация тела запроса: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("создание запроса: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

// decodeData декодирует ответ Directus ({"data": ...}) в значение типа T.
func decodeData[T any](resp *http.Response) (T, error) {
	var envelope dataEnvelope[T]
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return envelope.Data, fmt.Errorf("Directus вернул статус %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return envelope.Data, fmt.Errorf("декодирование ответа Directus: %w", err)
	}

	return envelope.Data, nil
}

// checkResponse проверяет статус ответа (для запросов без тела ответа).
func checkResponse(resp *http.Response) error {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("Directus вернул статус %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// --- Users ---

// GetUser возвращает пользователя по ID.
func (c *Client) GetUser(ctx context.Context, id string) (*User, error) {
	path := fmt.Sprintf("/items/users/%s?fields=%s", url.PathEscape(id), userFields)

	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	user, err := decodeData[User](resp)
	if err != nil {
		return nil, fmt.Errorf("GetUser: %w", err)
	}

	return &user, nil
}

// GetUserByEntraID возвращает пользователя с данным entra_id.
// Если такого пользователя нет — возвращает (nil, nil).
func (c *Client) GetUserByEntraID(ctx context.Context, entraID string) (*User, error) {
	path := fmt.Sprintf("/items/users?filter[entra_id][_eq]=%s&fields=%s&limit=1",
		url.QueryEscape(entraID), userFields)

	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	users, err := decodeData[[]User](resp)
	if err != nil {
		return nil, fmt.Errorf("GetUserByEntraID: %w", err)
	}

	if len(users) == 0 {
		return nil, nil
	}
	return &users[0], nil
}

// FindUsersByEmail возвращает пользователей с email из данного набора.
// Сравнение на стороне Directus регистрозависимое, поэтому адреса
// приводятся к нижнему регистру до запроса.
func (c *Client) FindUsersByEmail(ctx context.Context, emails []string) ([]User, error) {
	if len(emails) == 0 {
		return nil, nil
	}

	lowered := make([]string, 0, len(emails))
	for _, e := range emails {
		lowered = append(lowered, strings.ToLower(e))
	}

	path := fmt.Sprintf("/items/users?filter[email][_in]=%s&fields=%s",
		url.QueryEscape(strings.Join(lowered, ",")), userFields)

	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	users, err := decodeData[[]User](resp)
	if err != nil {
		return nil, fmt.Errorf("FindUsersByEmail: %w", err)
	}

	return users, nil
}

// ListLinkedUsers возвращает всех пользователей с заполненным entra_id.
// Проходит по всем страницам.
func (c *Client) ListLinkedUsers(ctx context.Context) ([]User, error) {
	var users []User
	offset := 0

	for {
		path := fmt.Sprintf("/items/users?filter[entra_id][_nnull]=true&fields=%s&limit=%d&offset=%d",
			userFields, c.pageSize, offset)

		resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}

		page, err := decodeData[[]User](resp)
		if err != nil {
			return nil, fmt.Errorf("ListLinkedUsers: %w", err)
		}

		users = append(users, page...)
		if len(page) < c.pageSize {
			return users, nil
		}
		offset += c.pageSize
	}
}

// CreateUser создаёт пользователя. fields — поля новой записи.
func (c *Client) CreateUser(ctx context.Context, fields map[string]any) (*User, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/items/users?fields="+userFields, fields)
	if err != nil {
		return nil, err
	}

	user, err := decodeData[User](resp)
	if err != nil {
		return nil, fmt.Errorf("CreateUser: %w", err)
	}

	return &user, nil
}

// UpdateUser обновляет поля пользователя.
// patch — только изменяемые поля; значение nil очищает поле.
func (c *Client) UpdateUser(ctx context.Context, id string, patch map[string]any) error {
	resp, err := c.doRequest(ctx, http.MethodPatch, "/items/users/"+url.PathEscape(id), patch)
	if err != nil {
		return err
	}

	if err := checkResponse(resp); err != nil {
		return fmt.Errorf("UpdateUser: %w", err)
	}
	return nil
}

// --- Committees ---

// FindCommitteeByName возвращает комиссию с точным совпадением имени.
// Если такой комиссии нет — возвращает (nil, nil).
func (c *Client) FindCommitteeByName(ctx context.Context, name string) (*Committee, error) {
	path := fmt.Sprintf("/items/committees?filter[name][_eq]=%s&fields=id,name&limit=1",
		url.QueryEscape(name))

	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	committees, err := decodeData[[]Committee](resp)
	if err != nil {
		return nil, fmt.Errorf("FindCommitteeByName: %w", err)
	}

	if len(committees) == 0 {
		return nil, nil
	}
	return &committees[0], nil
}

// CreateCommittee создаёт комиссию с данным именем.
func (c *Client) CreateCommittee(ctx context.Context, name string) (*Committee, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/items/committees?fields=id,name",
		map[string]any{"name": name})
	if err != nil {
		return nil, err
	}

	committee, err := decodeData[Committee](resp)
	if err != nil {
		return nil, fmt.Errorf("CreateCommittee: %w", err)
	}

	return &committee, nil
}

// --- Committee members ---

// ListMemberships возвращает членства пользователя с вложенными комиссиями.
func (c *Client) ListMemberships(ctx context.Context, userID string) ([]CommitteeMember, error) {
	path := fmt.Sprintf("/items/committee_members?filter[user_id][_eq]=%s&fields=%s",
		url.QueryEscape(userID), membershipFields)

	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	members, err := decodeData[[]CommitteeMember](resp)
	if err != nil {
		return nil, fmt.Errorf("ListMemberships: %w", err)
	}

	return members, nil
}

// AddMembership создаёт членство пользователя в комиссии.
// Новые записи создаются видимыми и без флага лидера.
func (c *Client) AddMembership(ctx context.Context, userID, committeeID string) error {
	body := map[string]any{
		"user_id":      userID,
		"committee_id": committeeID,
		"is_visible":   true,
		"is_leader":    false,
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/items/committee_members", body)
	if err != nil {
		return err
	}

	if err := checkResponse(resp); err != nil {
		return fmt.Errorf("AddMembership: %w", err)
	}
	return nil
}

// RemoveMembership удаляет запись членства по её ID.
func (c *Client) RemoveMembership(ctx context.Context, membershipID string) error {
	resp, err := c.doRequest(ctx, http.MethodDelete, "/items/committee_members/"+url.PathEscape(membershipID), nil)
	if err != nil {
		return err
	}

	if err := checkResponse(resp); err != nil {
		return fmt.Errorf("RemoveMembership: %w", err)
	}
	return nil
}

// --- Files ---

// UploadFile загружает файл через multipart POST /files.
// Возвращает ID созданного файла.
func (c *Client) UploadFile(ctx context.Context, filename, contentType string, data []byte) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	// Directus требует часть с именем "file" последней
	if err := writer.WriteField("title", filename); err != nil {
		return "", fmt.Errorf("формирование multipart: %w", err)
	}

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("формирование multipart: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("запись файла в multipart: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("завершение multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files", &buf)
	if err != nil {
		return "", fmt.Errorf("создание запроса: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("загрузка файла в Directus: %w", err)
	}

	file, err := decodeData[File](resp)
	if err != nil {
		return "", fmt.Errorf("UploadFile: %w", err)
	}

	return file.ID, nil
}

// --- Readiness checker ---

// CheckReady проверяет доступность Directus через /server/health.
// Реализует handlers.ReadinessChecker.
func (c *Client) CheckReady() (string, string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := c.doRequest(ctx, http.MethodGet, "/server/health", nil)
	if err != nil {
		return "fail", fmt.Sprintf("Directus недоступен: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "fail", fmt.Sprintf("Directus /server/health вернул статус %d", resp.StatusCode)
	}

	var health serverHealth
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return "degraded", fmt.Sprintf("некорректный ответ /server/health: %v", err)
	}

	if health.Status != "ok" {
		return "degraded", fmt.Sprintf("Directus сообщает статус %s", health.Status)
	}

	return "ok", "Directus доступен"
}
