// client.go — HTTP-клиент к Microsoft Graph API.
// Реализует автоматическое получение application token через Client Credentials flow,
// кэширование токена (обновление за 30s до expiration).
// Операции: ListUsers, GetUser, GetUserGroups, GetGroup, GetGroupMembers,
// FindUsersByEmail, UpdateUser, AddGroupMember, RemoveGroupMember,
// GetPhotoMetadata, DownloadPhoto.
package entra

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	// Стандартные endpoints Microsoft Graph и Entra ID.
	defaultGraphBaseURL = "https://graph.microsoft.com/v1.0"
	defaultLoginBaseURL = "https://login.microsoftonline.com"

	// Scope для Client Credentials flow — все разрешения приложения.
	graphScope = "https://graph.microsoft.com/.default"

	// Поля пользователя, запрашиваемые через $select.
	userSelectFields = "id,displayName,givenName,surname,mail,userPrincipalName,otherMails," +
		"mobilePhone,jobTitle,accountEnabled,onPremisesExtensionAttributes"
)

// Client — HTTP-клиент к Microsoft Graph API.
type Client struct {
	graphBaseURL string // Базовый URL Graph API (без trailing slash)
	loginBaseURL string // Базовый URL login endpoint (без trailing slash)
	tenantID     string // ID тенанта Entra ID
	clientID     string // Client ID для Client Credentials flow
	clientSecret string // Client Secret
	pageSize     int    // Размер страницы ($top) при постраничных запросах

	httpClient *http.Client
	logger     *slog.Logger

	// Кэш токена доступа
	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// New создаёт клиент к Microsoft Graph API.
// tenantID, clientID, clientSecret — credentials приложения.
// graphBaseURL, loginBaseURL — переопределение endpoints (пустые строки —
// стандартные endpoints Microsoft; непустые — sovereign clouds и тесты).
// pageSize — размер страницы постраничных запросов.
func New(tenantID, clientID, clientSecret, graphBaseURL, loginBaseURL string, pageSize int, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if graphBaseURL == "" {
		graphBaseURL = defaultGraphBaseURL
	}
	if loginBaseURL == "" {
		loginBaseURL = defaultLoginBaseURL
	}
	if pageSize < 1 {
		pageSize = 100
	}

	return &Client{
		graphBaseURL: strings.TrimRight(graphBaseURL, "/"),
		loginBaseURL: strings.TrimRight(loginBaseURL, "/"),
		tenantID:     tenantID,
		clientID:     clientID,
		clientSecret: clientSecret,
		pageSize:     pageSize,
		httpClient:   httpClient,
		logger:       logger.With(slog.String("component", "entra_client")),
	}
}

// LoginBaseURL возвращает базовый URL login endpoint (с учётом значения
// по умолчанию). Используется для health-проверки Entra.
func (c *Client) LoginBaseURL() string {
	return c.loginBaseURL
}

// --- Аутентификация ---

// tokenEndpoint возвращает URL endpoint'а получения токена.
func (c *Client) tokenEndpoint() string {
	return fmt.Sprintf("%s/%s/oauth2/v2.0/token", c.loginBaseURL, c.tenantID)
}

// getToken возвращает актуальный access token, обновляя при необходимости.
// Токен обновляется за 30 секунд до истечения.
func (c *Client) getToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Проверяем кэш: если токен валиден ещё 30 секунд — используем его
	if c.accessToken != "" && time.Now().Add(30*time.Second).Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	// Запрашиваем новый токен через Client Credentials flow
	token, err := c.requestToken(ctx)
	if err != nil {
		return "", err
	}

	c.accessToken = token.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)

	c.logger.Debug("Graph токен обновлён",
		slog.Time("expires_at", c.tokenExpiry),
	)

	return c.accessToken, nil
}

// requestToken выполняет Client Credentials flow.
func (c *Client) requestToken(ctx context.Context) (*TokenResponse, error) {
	data := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"scope":         {graphScope},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenEndpoint(), strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("создание запроса токена: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("запрос токена Entra: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("Entra вернул статус %d при запросе токена: %s", resp.StatusCode, string(body))
	}

	var token TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("декодирование токена Entra: %w", err)
	}

	return &token, nil
}

// --- HTTP helpers ---

// doAuthorized выполняет HTTP-запрос к Graph API с авторизацией.
// path — путь относительно базового URL Graph API.
func (c *Client) doAuthorized(ctx context.Context, method, path string, body any) (*http.Response, error) {
	return c.doAuthorizedURL(ctx, method, c.graphBaseURL+path, body)
}

// doAuthorizedURL выполняет HTTP-запрос по абсолютному URL с авторизацией.
// Используется для переходов по @odata.nextLink.
func (c *Client) doAuthorizedURL(ctx context.Context, method, reqURL string, body any) (*http.Response, error) {
	token, err := c.getToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("получение токена: %w", err)
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("сериализация тела запроса: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("создание запроса: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

// decodeResponse декодирует JSON ответ в target.
func decodeResponse(resp *http.Response, target any) error {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("Graph API вернул статус %d: %s", resp.StatusCode, string(body))
	}

	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return fmt.Errorf("декодирование ответа Graph: %w", err)
		}
	}

	return nil
}

// checkResponse проверяет статус ответа (для запросов без тела ответа).
func checkResponse(resp *http.Response, expectedStatus int) error {
	defer resp.Body.Close()

	if resp.StatusCode != expectedStatus {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("Graph API вернул статус %d (ожидался %d): %s",
			resp.StatusCode, expectedStatus, string(body))
	}

	return nil
}

// --- Users API ---

// GetUser возвращает пользователя по Entra object ID,
// включая onPremisesExtensionAttributes.
func (c *Client) GetUser(ctx context.Context, id string) (*User, error) {
	path := fmt.Sprintf("/users/%s?$select=%s", url.PathEscape(id), userSelectFields)

	resp, err := c.doAuthorized(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var user User
	if err := decodeResponse(resp, &user); err != nil {
		return nil, fmt.Errorf("GetUser: %w", err)
	}

	return &user, nil
}

// ListUsers возвращает всех пользователей тенанта.
// Проходит по всем страницам через @odata.nextLink.
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	reqURL := fmt.Sprintf("%s/users?$top=%d&$select=%s", c.graphBaseURL, c.pageSize, userSelectFields)
	return c.collectUsers(ctx, reqURL, "ListUsers")
}

// FindUsersByEmail возвращает пользователей, у которых адрес совпадает
// с mail, userPrincipalName или одним из otherMails.
func (c *Client) FindUsersByEmail(ctx context.Context, email string) ([]User, error) {
	escaped := strings.ReplaceAll(email, "'", "''")
	filter := url.QueryEscape(fmt.Sprintf(
		"mail eq '%[1]s' or userPrincipalName eq '%[1]s' or otherMails/any(m:m eq '%[1]s')", escaped))
	reqURL := fmt.Sprintf("%s/users?$filter=%s&$select=%s", c.graphBaseURL, filter, userSelectFields)
	return c.collectUsers(ctx, reqURL, "FindUsersByEmail")
}

// collectUsers собирает пользователей со всех страниц, начиная с reqURL.
func (c *Client) collectUsers(ctx context.Context, reqURL, op string) ([]User, error) {
	var users []User
	for reqURL != "" {
		resp, err := c.doAuthorizedURL(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, err
		}

		var page usersPage
		if err := decodeResponse(resp, &page); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		users = append(users, page.Value...)
		reqURL = page.NextLink
	}
	return users, nil
}

// UpdateUser обновляет поля пользователя.
// patch — только изменяемые поля; значение nil удаляет поле.
func (c *Client) UpdateUser(ctx context.Context, id string, patch map[string]any) error {
	resp, err := c.doAuthorized(ctx, http.MethodPatch, "/users/"+url.PathEscape(id), patch)
	if err != nil {
		return err
	}

	return checkResponse(resp, http.StatusNoContent)
}

// --- Groups API ---

// GetGroup возвращает группу по ID.
func (c *Client) GetGroup(ctx context.Context, id string) (*Group, error) {
	path := fmt.Sprintf("/groups/%s?$select=id,displayName,mailNickname", url.PathEscape(id))

	resp, err := c.doAuthorized(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var group Group
	if err := decodeResponse(resp, &group); err != nil {
		return nil, fmt.Errorf("GetGroup: %w", err)
	}

	return &group, nil
}

// GetUserGroups возвращает группы пользователя (transitive membership не учитывается).
// Объекты, не являющиеся группами (directory roles и т.п.), отбрасываются.
func (c *Client) GetUserGroups(ctx context.Context, userID string) ([]Group, error) {
	reqURL := fmt.Sprintf("%s/users/%s/memberOf?$top=%d&$select=id,displayName,mailNickname",
		c.graphBaseURL, url.PathEscape(userID), c.pageSize)

	var groups []Group
	for reqURL != "" {
		resp, err := c.doAuthorizedURL(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, err
		}

		var page directoryObjectsPage
		if err := decodeResponse(resp, &page); err != nil {
			return nil, fmt.Errorf("GetUserGroups: %w", err)
		}

		for _, obj := range page.Value {
			if obj.ODataType != "" && obj.ODataType != "#microsoft.graph.group" {
				continue
			}
			groups = append(groups, Group{
				ID:           obj.ID,
				DisplayName:  obj.DisplayName,
				MailNickname: obj.MailNickname,
			})
		}
		reqURL = page.NextLink
	}

	return groups, nil
}

// GetGroupMembers возвращает пользователей-членов группы.
func (c *Client) GetGroupMembers(ctx context.Context, groupID string) ([]User, error) {
	reqURL := fmt.Sprintf("%s/groups/%s/members/microsoft.graph.user?$top=%d&$select=%s",
		c.graphBaseURL, url.PathEscape(groupID), c.pageSize, userSelectFields)
	return c.collectUsers(ctx, reqURL, "GetGroupMembers")
}

// AddGroupMember добавляет пользователя в группу.
func (c *Client) AddGroupMember(ctx context.Context, groupID, userID string) error {
	body := map[string]any{
		"@odata.id": fmt.Sprintf("%s/directoryObjects/%s", c.graphBaseURL, userID),
	}

	resp, err := c.doAuthorized(ctx, http.MethodPost, "/groups/"+url.PathEscape(groupID)+"/members/$ref", body)
	if err != nil {
		return err
	}

	return checkResponse(resp, http.StatusNoContent)
}

// RemoveGroupMember удаляет пользователя из группы.
func (c *Client) RemoveGroupMember(ctx context.Context, groupID, userID string) error {
	path := fmt.Sprintf("/groups/%s/members/%s/$ref", url.PathEscape(groupID), url.PathEscape(userID))

	resp, err := c.doAuthorized(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}

	return checkResponse(resp, http.StatusNoContent)
}

// --- Photo API ---

// GetPhotoMetadata возвращает метаданные фото профиля пользователя.
// Если фото нет (404) — возвращает (nil, nil).
func (c *Client) GetPhotoMetadata(ctx context.Context, userID string) (*PhotoMetadata, error) {
	resp, err := c.doAuthorized(ctx, http.MethodGet, "/users/"+url.PathEscape(userID)+"/photo", nil)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, nil
	}

	var meta PhotoMetadata
	if err := decodeResponse(resp, &meta); err != nil {
		return nil, fmt.Errorf("GetPhotoMetadata: %w", err)
	}

	return &meta, nil
}

// DownloadPhoto скачивает фото профиля пользователя.
// Возвращает содержимое и Content-Type. Если фото нет (404) — (nil, "", nil).
func (c *Client) DownloadPhoto(ctx context.Context, userID string) ([]byte, string, error) {
	resp, err := c.doAuthorized(ctx, http.MethodGet, "/users/"+url.PathEscape(userID)+"/photo/$value", nil)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, "", nil
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, "", fmt.Errorf("DownloadPhoto: Graph API вернул статус %d: %s", resp.StatusCode, string(body))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("DownloadPhoto: чтение тела ответа: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/jpeg"
	}

	return data, contentType, nil
}

// --- Readiness checker ---

// CheckReady проверяет доступность Entra ID через получение токена.
// Реализует handlers.ReadinessChecker.
func (c *Client) CheckReady() (string, string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.getToken(ctx); err != nil {
		return "fail", fmt.Sprintf("Entra ID недоступен: %v", err)
	}

	return "ok", "токен Entra ID получен"
}
