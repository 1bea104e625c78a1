// Пакет directus — HTTP-клиент к Directus REST API.
// models.go — модели данных коллекций Directus.
package directus

// User — запись пользователя в коллекции users.
// Nullable-поля представлены указателями: nil — поле не заполнено.
type User struct {
	ID               string  `json:"id"`
	EntraID          *string `json:"entra_id"`
	Email            string  `json:"email"`
	FirstName        string  `json:"first_name"`
	LastName         string  `json:"last_name"`
	PhoneNumber      *string `json:"phone_number"`
	FontysEmail      *string `json:"fontys_email"`
	Title            *string `json:"title"`
	Role             *string `json:"role"`
	MembershipStatus string  `json:"membership_status"`
	MembershipExpiry *string `json:"membership_expiry"`
	DateOfBirth      *string `json:"date_of_birth"`
	Avatar           *string `json:"avatar"`
	PhotoEtag        *string `json:"photo_etag"`
}

// Committee — запись в коллекции committees.
type Committee struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CommitteeMember — запись членства в коллекции committee_members.
// Committee заполняется через deep-запрос fields=...,committee_id.id,committee_id.name.
type CommitteeMember struct {
	ID        string    `json:"id"`
	IsLeader  bool      `json:"is_leader"`
	IsVisible bool      `json:"is_visible"`
	Committee Committee `json:"committee_id"`
}

// File — загруженный файл Directus (ответ /files).
type File struct {
	ID string `json:"id"`
}

// serverHealth — ответ GET /server/health.
type serverHealth struct {
	Status string `json:"status"`
}

// dataEnvelope — стандартная обёртка ответов Directus {"data": ...}.
type dataEnvelope[T any] struct {
	Data T `json:"data"`
}
