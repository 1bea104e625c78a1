// rolepolicy.go — сопоставление групп Entra ролям Directus.
//
// Правила упорядочены по приоритету: admin > board > committee lead > intro.
// Побеждает первое совпавшее. Если ни одно правило не совпало, но
// пользователь состоит в группе активных членов или любой из
// групп-комиссий — базовая роль члена. Если пользователь не состоит
// ни в одной значимой группе, роль не меняется: членство в группах
// может быть неполным, и понижение роли по отсутствию групп запрещено.
package service

// roleRule — одно правило: группа Entra → роль Directus.
type roleRule struct {
	groupID string
	roleID  string
}

// RolePolicy — упорядоченный набор правил назначения роли.
type RolePolicy struct {
	rules           []roleRule
	activeGroupID   string
	committeeGroups []string
	memberRoleID    string
}

// NewRolePolicy создаёт политику ролей.
// Пары с пустой группой или ролью пропускаются.
// committeeGroups — группы-комиссии; членство в любой из них
// даёт базовую роль члена наравне с группой активных членов.
func NewRolePolicy(adminGroup, adminRole, boardGroup, boardRole,
	leadGroup, leadRole, introGroup, introRole,
	activeGroup, memberRole string, committeeGroups []string) *RolePolicy {

	p := &RolePolicy{
		activeGroupID:   activeGroup,
		committeeGroups: committeeGroups,
		memberRoleID:    memberRole,
	}

	add := func(groupID, roleID string) {
		if groupID != "" && roleID != "" {
			p.rules = append(p.rules, roleRule{groupID: groupID, roleID: roleID})
		}
	}

	add(adminGroup, adminRole)
	add(boardGroup, boardRole)
	add(leadGroup, leadRole)
	add(introGroup, introRole)

	return p
}

// Resolve возвращает роль для пользователя с данным набором групп.
// Второе значение false означает «роль не менять».
func (p *RolePolicy) Resolve(groupIDs map[string]struct{}) (string, bool) {
	for _, rule := range p.rules {
		if _, ok := groupIDs[rule.groupID]; ok {
			return rule.roleID, true
		}
	}

	if p.memberRoleID != "" {
		if p.activeGroupID != "" {
			if _, ok := groupIDs[p.activeGroupID]; ok {
				return p.memberRoleID, true
			}
		}
		for _, groupID := range p.committeeGroups {
			if _, ok := groupIDs[groupID]; ok {
				return p.memberRoleID, true
			}
		}
	}

	return "", false
}
