// Пакет entra — HTTP-клиент к Microsoft Graph API (Entra ID).
// models.go — модели данных Graph API.
package entra

// TokenResponse — ответ на запрос токена через Client Credentials flow.
type TokenResponse struct {
	AccessToken string `json:"access_token"` //nolint:gosec // G117: структура токена OAuth2
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// ExtensionAttributes — on-premises extension attributes пользователя.
// extensionAttribute1 — срок членства (yyyyMMdd),
// extensionAttribute2 — дата рождения (yyyyMMdd).
type ExtensionAttributes struct {
	ExtensionAttribute1 string `json:"extensionAttribute1,omitempty"`
	ExtensionAttribute2 string `json:"extensionAttribute2,omitempty"`
}

// User — пользователь в Entra ID.
type User struct {
	ID                string   `json:"id"`
	DisplayName       string   `json:"displayName"`
	GivenName         string   `json:"givenName"`
	Surname           string   `json:"surname"`
	Mail              string   `json:"mail"`
	UserPrincipalName string   `json:"userPrincipalName"`
	OtherMails        []string `json:"otherMails,omitempty"`
	MobilePhone       string   `json:"mobilePhone"`
	JobTitle          string   `json:"jobTitle"`
	AccountEnabled    bool     `json:"accountEnabled"`

	OnPremisesExtensionAttributes *ExtensionAttributes `json:"onPremisesExtensionAttributes,omitempty"`
}

// PrimaryEmail возвращает основной email пользователя:
// mail, при его отсутствии userPrincipalName.
func (u *User) PrimaryEmail() string {
	if u.Mail != "" {
		return u.Mail
	}
	return u.UserPrincipalName
}

// Group — security-группа в Entra ID.
type Group struct {
	ID           string `json:"id"`
	DisplayName  string `json:"displayName"`
	MailNickname string `json:"mailNickname"`
}

// PhotoMetadata — метаданные фото профиля пользователя.
// MediaEtag меняется при каждой замене фото.
type PhotoMetadata struct {
	ID        string `json:"id"`
	MediaEtag string `json:"@odata.mediaEtag"`
	MediaType string `json:"@odata.contentType"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

// usersPage — страница списка пользователей с курсором пагинации.
type usersPage struct {
	Value    []User `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

// groupsPage — страница списка групп.
type groupsPage struct {
	Value    []Group `json:"value"`
	NextLink string  `json:"@odata.nextLink"`
}

// directoryObjectsPage — страница directory objects (memberOf, members).
// Тип объекта различается по @odata.type.
type directoryObjectsPage struct {
	Value []struct {
		ODataType    string `json:"@odata.type"`
		ID           string `json:"id"`
		DisplayName  string `json:"displayName"`
		MailNickname string `json:"mailNickname"`
	} `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}
