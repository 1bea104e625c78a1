// membership.go — согласование членств в комиссиях.
//
// Желаемый набор комиссий выводится из групп-комиссий пользователя
// в Entra. Сходимость за один проход: недостающие членства создаются,
// устаревшие удаляются. Удаляются только членства в комиссиях,
// соответствующих управляемым группам: добавленные вручную членства
// в прочих комиссиях не трогаются, как и флаги is_leader/is_visible
// существующих записей.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/salvemundi/graph-sync/internal/directus"
	"github.com/salvemundi/graph-sync/internal/entra"
)

// MembershipReconciler — согласование committee_members с группами Entra.
type MembershipReconciler struct {
	records *directus.Client
	logger  *slog.Logger
}

// NewMembershipReconciler создаёт reconciler членств.
func NewMembershipReconciler(records *directus.Client, logger *slog.Logger) *MembershipReconciler {
	return &MembershipReconciler{
		records: records,
		logger:  logger.With(slog.String("component", "membership_sync")),
	}
}

// Sync приводит членства записи recordID к группам пользователя.
// entraGroups — все группы пользователя в Entra; учитываются только
// управляемые. Ошибки отдельных операций логируются, проход продолжается.
func (m *MembershipReconciler) Sync(ctx context.Context, rc *SyncRunContext, recordID string, entraGroups []entra.Group) error {
	// Желаемые комиссии из управляемых групп пользователя
	desired := make(map[string]*directus.Committee)
	for _, group := range entraGroups {
		if !rc.IsManagedGroup(group.ID) {
			continue
		}
		committee, err := rc.EnsureCommittee(ctx, group)
		if err != nil {
			m.logger.Warn("Ошибка разрешения комиссии",
				slog.String("group_id", group.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		desired[committee.Name] = committee
	}

	// Имена всех управляемых комиссий — граница удаления
	managedNames, err := rc.ManagedCommitteeNames(ctx)
	if err != nil {
		return fmt.Errorf("разрешение имён управляемых комиссий: %w", err)
	}

	existing, err := m.records.ListMemberships(ctx, recordID)
	if err != nil {
		return fmt.Errorf("получение членств записи %s: %w", recordID, err)
	}

	existingNames := make(map[string]struct{}, len(existing))
	for _, membership := range existing {
		existingNames[membership.Committee.Name] = struct{}{}
	}

	// Недостающие членства
	for name, committee := range desired {
		if _, ok := existingNames[name]; ok {
			continue
		}
		if err := m.records.AddMembership(ctx, recordID, committee.ID); err != nil {
			m.logger.Warn("Ошибка создания членства",
				slog.String("record_id", recordID),
				slog.String("committee", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		m.logger.Info("Членство создано",
			slog.String("record_id", recordID),
			slog.String("committee", name),
		)
	}

	// Устаревшие членства в управляемых комиссиях
	for _, membership := range existing {
		name := membership.Committee.Name
		if _, managed := managedNames[name]; !managed {
			continue
		}
		if _, wanted := desired[name]; wanted {
			continue
		}
		if err := m.records.RemoveMembership(ctx, membership.ID); err != nil {
			m.logger.Warn("Ошибка удаления членства",
				slog.String("record_id", recordID),
				slog.String("committee", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		m.logger.Info("Устаревшее членство удалено",
			slog.String("record_id", recordID),
			slog.String("committee", name),
		)
	}

	return nil
}
