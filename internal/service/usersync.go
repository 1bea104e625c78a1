// usersync.go — согласование полей пользователя Entra → Directus.
//
// Разрешение identity:
//  1. Поиск записи по entra_id.
//  2. Не найдено — поиск по email (mail и userPrincipalName).
//     0 записей → создать новую;
//     1 без entra_id → привязать и предупредить (LINK_REQUIRED);
//     1 с другим entra_id → пропустить (CONFLICT);
//     >1 → пропустить (MULTIPLE_ACCOUNTS).
//
// Обновление — только при фактическом расхождении полей: PATCH содержит
// исключительно изменившиеся ключи. Расхождение роли синхронизируется
// независимо от выбранного подмножества полей.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/salvemundi/graph-sync/internal/directus"
	"github.com/salvemundi/graph-sync/internal/domain/model"
	"github.com/salvemundi/graph-sync/internal/entra"
)

// fontysDomain — домен студенческих адресов Fontys.
const fontysDomain = "@student.fontys.nl"

// syncableFields — поля, к которым применим выбор opts.Fields.
var syncableFields = []string{
	"email", "first_name", "last_name", "phone_number", "fontys_email",
	"title", "membership_expiry", "date_of_birth", "membership_status",
}

// UserReconciler — согласование полей пользователя Entra с записью Directus.
type UserReconciler struct {
	records       *directus.Client
	policy        *RolePolicy
	activeGroupID string
	logger        *slog.Logger

	// now подменяется в тестах
	now func() time.Time
}

// NewUserReconciler создаёт reconciler пользователей.
// activeGroupID — группа активных членов (влияет на membership_status).
func NewUserReconciler(records *directus.Client, policy *RolePolicy, activeGroupID string, logger *slog.Logger) *UserReconciler {
	return &UserReconciler{
		records:       records,
		policy:        policy,
		activeGroupID: activeGroupID,
		logger:        logger.With(slog.String("component", "user_sync")),
		now:           time.Now,
	}
}

// Sync согласует одного пользователя. groupIDs — его группы в Entra.
// Возвращает результат и запись Directus (nil при пропуске).
func (r *UserReconciler) Sync(ctx context.Context, user *entra.User, groupIDs map[string]struct{}, opts model.SyncOptions) (*model.UserSyncResult, *directus.User, error) {
	desired, missing := r.desiredFields(user, groupIDs)

	// Роль — отдельно от остальных полей: расхождение роли
	// синхронизируется независимо от opts.Fields.
	roleID, roleResolved := r.policy.Resolve(groupIDs)

	record, err := r.records.GetUserByEntraID(ctx, user.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("поиск записи по entra_id: %w", err)
	}

	var warning, detail string

	if record == nil {
		record, warning, detail, err = r.resolveByEmail(ctx, user, opts)
		if err != nil {
			return nil, nil, err
		}

		switch warning {
		case model.WarningConflict, model.WarningMultipleAccounts:
			return &model.UserSyncResult{
				Outcome: model.OutcomeSkipped,
				Warning: warning,
				Detail:  detail,
			}, nil, nil
		}

		if record == nil {
			// Записи нет — создаём новую
			if user.PrimaryEmail() == "" {
				return &model.UserSyncResult{
					Outcome: model.OutcomeSkipped,
					Warning: model.WarningMissingData,
					Detail:  "у пользователя нет email",
				}, nil, nil
			}

			created, err := r.createRecord(ctx, user, desired, roleID, roleResolved)
			if err != nil {
				return nil, nil, err
			}
			r.logger.Info("Запись пользователя создана",
				slog.String("entra_id", user.ID),
				slog.String("record_id", created.ID),
			)
			return &model.UserSyncResult{
				Outcome:       model.OutcomeCreated,
				RecordID:      created.ID,
				MissingFields: missing,
			}, created, nil
		}
	}

	// Строим PATCH только из фактически изменившихся полей
	patch := r.buildPatch(record, desired, opts.Fields)

	// Привязка найденной по email записи
	if record.EntraID == nil || *record.EntraID == "" {
		patch["entra_id"] = user.ID
	}

	if roleResolved && (record.Role == nil || *record.Role != roleID) {
		patch["role"] = roleID
	}

	if len(patch) == 0 {
		return &model.UserSyncResult{
			Outcome:       model.OutcomeUnchanged,
			RecordID:      record.ID,
			Warning:       warning,
			Detail:        detail,
			MissingFields: missing,
		}, record, nil
	}

	if err := r.records.UpdateUser(ctx, record.ID, patch); err != nil {
		return nil, nil, fmt.Errorf("обновление записи %s: %w", record.ID, err)
	}

	r.logger.Debug("Запись пользователя обновлена",
		slog.String("entra_id", user.ID),
		slog.String("record_id", record.ID),
		slog.Int("fields", len(patch)),
	)

	return &model.UserSyncResult{
		Outcome:       model.OutcomeUpdated,
		RecordID:      record.ID,
		Warning:       warning,
		Detail:        detail,
		MissingFields: missing,
	}, record, nil
}

// resolveByEmail ищет запись по email-адресам пользователя.
// Возвращает найденную запись и вид предупреждения.
func (r *UserReconciler) resolveByEmail(ctx context.Context, user *entra.User, opts model.SyncOptions) (*directus.User, string, string, error) {
	emails := candidateEmails(user)
	if len(emails) == 0 {
		return nil, "", "", nil
	}

	matches, err := r.records.FindUsersByEmail(ctx, emails)
	if err != nil {
		return nil, "", "", fmt.Errorf("поиск записи по email: %w", err)
	}

	switch {
	case len(matches) == 0:
		return nil, "", "", nil

	case len(matches) > 1:
		return nil, model.WarningMultipleAccounts,
			fmt.Sprintf("найдено %d записей с email %s", len(matches), strings.Join(emails, ", ")), nil
	}

	match := matches[0]
	if match.EntraID != nil && *match.EntraID != "" && *match.EntraID != user.ID {
		return nil, model.WarningConflict,
			fmt.Sprintf("запись %s уже привязана к другому аккаунту", match.ID), nil
	}

	// Привязка по email: предупреждаем, если привязка не подтверждена явно
	warning, detail := "", ""
	if !opts.ForceLink {
		warning = model.WarningLinkRequired
		detail = fmt.Sprintf("запись %s найдена по email и привязана к аккаунту", match.ID)
	}
	return &match, warning, detail, nil
}

// createRecord создаёт новую запись пользователя со всеми полями.
func (r *UserReconciler) createRecord(ctx context.Context, user *entra.User, desired map[string]any, roleID string, roleResolved bool) (*directus.User, error) {
	fields := make(map[string]any, len(desired)+2)
	for k, v := range desired {
		fields[k] = v
	}
	fields["entra_id"] = user.ID
	if _, ok := fields["membership_status"]; !ok {
		fields["membership_status"] = "none"
	}
	if roleResolved {
		fields["role"] = roleID
	}

	created, err := r.records.CreateUser(ctx, fields)
	if err != nil {
		return nil, fmt.Errorf("создание записи пользователя: %w", err)
	}
	return created, nil
}

// buildPatch возвращает изменившиеся поля из desired с учётом выбора fields.
func (r *UserReconciler) buildPatch(record *directus.User, desired map[string]any, fields []string) map[string]any {
	selected := fieldFilter(fields)

	patch := make(map[string]any)
	for _, field := range syncableFields {
		if selected != nil {
			if _, ok := selected[field]; !ok {
				continue
			}
		}
		value, ok := desired[field]
		if !ok {
			continue
		}
		if currentFieldValue(record, field) != value {
			patch[field] = value
		}
	}
	return patch
}

// fieldFilter превращает срез имён полей в set; nil — все поля.
func fieldFilter(fields []string) map[string]struct{} {
	if len(fields) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// currentFieldValue возвращает текущее значение поля записи как строку.
func currentFieldValue(record *directus.User, field string) any {
	deref := func(p *string) string {
		if p == nil {
			return ""
		}
		return *p
	}

	switch field {
	case "email":
		return record.Email
	case "first_name":
		return record.FirstName
	case "last_name":
		return record.LastName
	case "phone_number":
		return deref(record.PhoneNumber)
	case "fontys_email":
		return deref(record.FontysEmail)
	case "title":
		return deref(record.Title)
	case "membership_expiry":
		return deref(record.MembershipExpiry)
	case "date_of_birth":
		return deref(record.DateOfBirth)
	case "membership_status":
		return record.MembershipStatus
	default:
		return nil
	}
}

// desiredFields строит желаемые значения полей из данных Entra.
// Поля, которые определить нельзя, отсутствуют в карте (не затираются).
// Второй результат — имена незаполненных обязательных полей.
func (r *UserReconciler) desiredFields(user *entra.User, groupIDs map[string]struct{}) (map[string]any, []string) {
	desired := make(map[string]any)
	var missing []string

	email := strings.ToLower(user.PrimaryEmail())
	if email != "" {
		desired["email"] = email
	}

	firstName, lastName := splitName(user)
	if firstName != "" {
		desired["first_name"] = firstName
	} else {
		missing = append(missing, "first_name")
	}
	if lastName != "" {
		desired["last_name"] = lastName
	} else {
		missing = append(missing, "last_name")
	}
	if strings.TrimSpace(user.DisplayName) == "" {
		missing = append(missing, "display_name")
	}

	if phone := normalizeDutchMobile(user.MobilePhone); phone != "" {
		desired["phone_number"] = phone
	} else {
		missing = append(missing, "phone_number")
	}

	if fontys := fontysEmail(user); fontys != "" {
		desired["fontys_email"] = fontys
	}

	if user.JobTitle != "" {
		desired["title"] = user.JobTitle
	}

	var expiry string
	var dob string
	if attrs := user.OnPremisesExtensionAttributes; attrs != nil {
		expiry = parseExpiry(attrs.ExtensionAttribute1)
		dob = parseBirthDate(attrs.ExtensionAttribute2)
	}
	if expiry != "" {
		desired["membership_expiry"] = expiry
	} else {
		missing = append(missing, "membership_expiry")
	}
	if dob != "" {
		desired["date_of_birth"] = dob
	}

	if status, ok := r.membershipStatus(expiry, groupIDs); ok {
		desired["membership_status"] = status
	}

	return desired, missing
}

// membershipStatus вычисляет membership_status по сроку членства и группам.
// Пользователь активен, если состоит в группе активных членов или
// срок членства не истёк. Когда оба сигнала отсутствуют (нет срока
// и нет группы), статус не меняется: неполные данные не должны
// деактивировать действующего члена.
func (r *UserReconciler) membershipStatus(expiry string, groupIDs map[string]struct{}) (string, bool) {
	inActiveGroup := false
	if r.activeGroupID != "" {
		_, inActiveGroup = groupIDs[r.activeGroupID]
	}

	if inActiveGroup {
		return "active", true
	}

	if expiry == "" {
		return "", false
	}

	expiryDate, err := time.Parse("2006-01-02", expiry)
	if err != nil {
		return "", false
	}

	today := r.now().UTC().Truncate(24 * time.Hour)
	if !expiryDate.Before(today) {
		return "active", true
	}
	return "none", true
}

// --- Преобразования полей ---

// candidateEmails возвращает все адреса пользователя для поиска записи:
// основной, userPrincipalName и альтернативные, в нижнем регистре.
func candidateEmails(user *entra.User) []string {
	all := append([]string{user.Mail, user.UserPrincipalName}, user.OtherMails...)

	seen := make(map[string]struct{}, len(all))
	var emails []string
	for _, e := range all {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		emails = append(emails, e)
	}
	return emails
}

// splitName возвращает имя и фамилию: givenName/surname,
// при их отсутствии — displayName, разделённое по первому пробелу.
func splitName(user *entra.User) (string, string) {
	firstName := strings.TrimSpace(user.GivenName)
	lastName := strings.TrimSpace(user.Surname)

	if firstName != "" || lastName != "" {
		return firstName, lastName
	}

	display := strings.TrimSpace(user.DisplayName)
	if display == "" {
		return "", ""
	}

	first, rest, found := strings.Cut(display, " ")
	if !found {
		return first, ""
	}
	return first, strings.TrimSpace(rest)
}

// normalizeDutchMobile приводит мобильный номер к нидерландскому
// локальному формату: убирает пробелы и '+', префикс 316… → 06….
func normalizeDutchMobile(phone string) string {
	cleaned := strings.ReplaceAll(phone, " ", "")
	cleaned = strings.TrimPrefix(cleaned, "+")
	if cleaned == "" {
		return ""
	}

	if strings.HasPrefix(cleaned, "316") {
		return "0" + cleaned[2:]
	}
	return cleaned
}

// fontysEmail возвращает студенческий адрес Fontys, если он есть
// среди адресов пользователя.
func fontysEmail(user *entra.User) string {
	for _, e := range append([]string{user.Mail, user.UserPrincipalName}, user.OtherMails...) {
		e = strings.ToLower(strings.TrimSpace(e))
		if strings.HasSuffix(e, fontysDomain) {
			return e
		}
	}
	return ""
}

// parseExpiry разбирает срок членства в формате yyyyMMdd
// и приводит к ISO-дате. Некорректное значение отбрасывается.
func parseExpiry(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	parsed, err := time.Parse("20060102", raw)
	if err != nil {
		return ""
	}
	return parsed.Format("2006-01-02")
}

// parseBirthDate разбирает дату рождения в формате yyyyMMdd.
// Год 0001 — сигнальное значение «дата неизвестна».
func parseBirthDate(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	parsed, err := time.Parse("20060102", raw)
	if err != nil {
		return ""
	}
	if parsed.Year() == 1 {
		return ""
	}
	return parsed.Format("2006-01-02")
}
