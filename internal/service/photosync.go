// photosync.go — синхронизация фото профиля Entra → Directus.
//
// Решение о скачивании принимается по @odata.mediaEtag: фото качается
// только при расхождении с сохранённым photo_etag. Avatar и photo_etag
// обновляются одним PATCH, чтобы запись не осталась в смешанном
// состоянии. Отсутствие фото в Entra очищает оба поля.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/salvemundi/graph-sync/internal/directus"
	"github.com/salvemundi/graph-sync/internal/entra"
)

// PhotoSyncer — синхронизация фото профиля.
type PhotoSyncer struct {
	graph   *entra.Client
	records *directus.Client
	logger  *slog.Logger
}

// NewPhotoSyncer создаёт syncer фото.
func NewPhotoSyncer(graph *entra.Client, records *directus.Client, logger *slog.Logger) *PhotoSyncer {
	return &PhotoSyncer{
		graph:   graph,
		records: records,
		logger:  logger.With(slog.String("component", "photo_sync")),
	}
}

// Sync согласует фото пользователя entraID с записью record.
func (p *PhotoSyncer) Sync(ctx context.Context, entraID string, record *directus.User) error {
	meta, err := p.graph.GetPhotoMetadata(ctx, entraID)
	if err != nil {
		return fmt.Errorf("метаданные фото %s: %w", entraID, err)
	}

	// Фото в Entra нет — очищаем avatar и photo_etag
	if meta == nil {
		if record.Avatar == nil && record.PhotoEtag == nil {
			return nil
		}
		patch := map[string]any{
			"avatar":     nil,
			"photo_etag": nil,
		}
		if err := p.records.UpdateUser(ctx, record.ID, patch); err != nil {
			return fmt.Errorf("очистка фото записи %s: %w", record.ID, err)
		}
		p.logger.Info("Фото удалено из записи",
			slog.String("record_id", record.ID),
		)
		return nil
	}

	// ETag совпадает — фото не менялось
	if record.PhotoEtag != nil && *record.PhotoEtag == meta.MediaEtag {
		return nil
	}

	data, contentType, err := p.graph.DownloadPhoto(ctx, entraID)
	if err != nil {
		return fmt.Errorf("скачивание фото %s: %w", entraID, err)
	}
	if data == nil {
		// Фото исчезло между запросами метаданных и содержимого
		return nil
	}

	filename := fmt.Sprintf("avatar-%s%s", entraID, photoExtension(contentType))
	fileID, err := p.records.UploadFile(ctx, filename, contentType, data)
	if err != nil {
		return fmt.Errorf("загрузка фото в Directus: %w", err)
	}

	// Avatar и etag обновляются вместе
	patch := map[string]any{
		"avatar":     fileID,
		"photo_etag": meta.MediaEtag,
	}
	if err := p.records.UpdateUser(ctx, record.ID, patch); err != nil {
		return fmt.Errorf("обновление фото записи %s: %w", record.ID, err)
	}

	p.logger.Info("Фото обновлено",
		slog.String("record_id", record.ID),
		slog.String("file_id", fileID),
		slog.Int("bytes", len(data)),
	)
	return nil
}

// photoExtension возвращает расширение файла по Content-Type.
func photoExtension(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	default:
		return ".jpg"
	}
}
