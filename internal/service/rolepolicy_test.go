package service

import "testing"

// testPolicy: admin > board > lead > intro, базовая роль для активных
// членов и членов комиссий.
func testPolicy() *RolePolicy {
	return NewRolePolicy(
		"g-ict", "role-admin",
		"g-bestuur", "role-board",
		"g-leiders", "role-lead",
		"g-intro", "role-intro",
		"g-leden", "role-member",
		[]string{"g-marketing", "g-feest"},
	)
}

func groups(ids ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func TestRolePolicy_Precedence(t *testing.T) {
	p := testPolicy()

	tests := []struct {
		name     string
		groups   map[string]struct{}
		expected string
	}{
		{"только admin", groups("g-ict"), "role-admin"},
		{"admin важнее board", groups("g-bestuur", "g-ict"), "role-admin"},
		{"board важнее lead", groups("g-leiders", "g-bestuur"), "role-board"},
		{"lead важнее intro", groups("g-intro", "g-leiders"), "role-lead"},
		{"intro важнее member", groups("g-leden", "g-intro"), "role-intro"},
		{"только активный член", groups("g-leden", "g-other"), "role-member"},
		{"только член комиссии", groups("g-marketing"), "role-member"},
		{"intro важнее комиссии", groups("g-feest", "g-intro"), "role-intro"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			role, ok := p.Resolve(tt.groups)
			if !ok {
				t.Fatal("ожидалось совпадение правила")
			}
			if role != tt.expected {
				t.Errorf("Resolve = %s, ожидается %s", role, tt.expected)
			}
		})
	}
}

// Нет значимых групп — роль не меняется (понижение запрещено).
func TestRolePolicy_NoChange(t *testing.T) {
	p := testPolicy()

	role, ok := p.Resolve(groups("g-unrelated"))
	if ok {
		t.Errorf("ожидалось «не менять», получена роль %s", role)
	}

	role, ok = p.Resolve(groups())
	if ok {
		t.Errorf("ожидалось «не менять» при пустом наборе, получена роль %s", role)
	}
}

// Пары с пустыми значениями не образуют правил.
func TestRolePolicy_SkipsEmptyRules(t *testing.T) {
	p := NewRolePolicy(
		"", "role-admin", // без группы
		"g-bestuur", "", // без роли
		"g-leiders", "role-lead",
		"", "",
		"g-leden", "role-member",
		nil,
	)

	if _, ok := p.Resolve(groups("g-bestuur")); ok {
		t.Error("правило без роли не должно срабатывать")
	}

	role, ok := p.Resolve(groups("g-leiders"))
	if !ok || role != "role-lead" {
		t.Errorf("Resolve = %s, %v; ожидается role-lead", role, ok)
	}
}
