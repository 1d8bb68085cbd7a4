package postgres

import (
	"context"
	"time"

	"calsync/internal/domain/entity"
	domainerrors "calsync/internal/domain/errors"
	"calsync/internal/domain/repository"
	"calsync/internal/infra/persistence/model"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Keeps IN lists and multi-row inserts well below driver parameter limits.
const eventBatchSize = 200

// eventRepository implements the domain.EventRepository interface.
type eventRepository struct {
	db *gorm.DB
}

// NewEventRepository is the constructor for eventRepository.
func NewEventRepository(db *gorm.DB) repository.EventRepository {
	return &eventRepository{db: db}
}

func (repo *eventRepository) FindByProviderIDs(ctx context.Context, userID uuid.UUID, providerIDs []string) (map[string]*entity.CachedEvent, error) {
	found := make(map[string]*entity.CachedEvent, len(providerIDs))

	for start := 0; start < len(providerIDs); start += eventBatchSize {
		end := min(start+eventBatchSize, len(providerIDs))

		var eventModels []*model.CalendarEventModel
		err := repo.db.WithContext(ctx).
			Where("user_id = ? AND provider_event_id IN ?", userID, providerIDs[start:end]).
			Find(&eventModels).Error
		if err != nil {
			return nil, errors.WithStack(err)
		}

		for _, eventM := range eventModels {
			found[eventM.ProviderEventID] = toEventDomain(eventM)
		}
	}

	return found, nil
}

// Upsert overwrites every remote field; the remote copy always wins.
func (repo *eventRepository) Upsert(ctx context.Context, events []*entity.CachedEvent) error {
	if len(events) == 0 {
		return nil
	}

	eventModels := make([]*model.CalendarEventModel, 0, len(events))
	for _, event := range events {
		eventModels = append(eventModels, fromEventDomain(event))
	}

	err := repo.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "provider_event_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"title", "description", "start_time", "end_time", "location",
				"attendee_count", "etag", "last_seen_generation", "synced_at", "updated_at",
			}),
		}).
		CreateInBatches(eventModels, eventBatchSize).Error
	if err != nil {
		return domainerrors.NewDatabaseExecuteError(err, "failed to upsert calendar events")
	}

	return nil
}

func (repo *eventRepository) Delete(ctx context.Context, userID uuid.UUID, providerIDs []string) (int64, error) {
	var deleted int64

	for start := 0; start < len(providerIDs); start += eventBatchSize {
		end := min(start+eventBatchSize, len(providerIDs))

		result := repo.db.WithContext(ctx).
			Where("user_id = ? AND provider_event_id IN ?", userID, providerIDs[start:end]).
			Delete(&model.CalendarEventModel{})
		if result.Error != nil {
			return deleted, domainerrors.NewDatabaseExecuteError(result.Error, "failed to delete calendar events")
		}
		deleted += result.RowsAffected
	}

	return deleted, nil
}

func (repo *eventRepository) DeleteStale(ctx context.Context, userID uuid.UUID, generation int64) (int64, error) {
	result := repo.db.WithContext(ctx).
		Where("user_id = ? AND last_seen_generation < ?", userID, generation).
		Delete(&model.CalendarEventModel{})
	if result.Error != nil {
		return 0, domainerrors.NewDatabaseExecuteError(result.Error, "failed to purge stale calendar events")
	}

	return result.RowsAffected, nil
}

func (repo *eventRepository) DeleteByUserID(ctx context.Context, userID uuid.UUID) error {
	if err := repo.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&model.CalendarEventModel{}).Error; err != nil {
		return errors.WithStack(err)
	}

	return nil
}

func (repo *eventRepository) FindInWindow(ctx context.Context, userID uuid.UUID, window entity.TimeWindow) ([]*entity.CachedEvent, error) {
	query := repo.db.WithContext(ctx).
		Where("user_id = ? AND end_time > ? AND start_time <= ?", userID, window.Start.UTC(), window.End.UTC()).
		Order("start_time ASC").
		Order("provider_event_id ASC")
	if window.Limit > 0 {
		query = query.Limit(window.Limit)
	}

	var eventModels []*model.CalendarEventModel
	if err := query.Find(&eventModels).Error; err != nil {
		return nil, errors.WithStack(err)
	}

	events := make([]*entity.CachedEvent, 0, len(eventModels))
	for _, eventM := range eventModels {
		events = append(events, toEventDomain(eventM))
	}

	return events, nil
}

// --- Mapper Functions ---

func toEventDomain(data *model.CalendarEventModel) *entity.CachedEvent {
	if data == nil {
		return nil
	}

	return &entity.CachedEvent{
		UserID:             data.UserID,
		ProviderEventID:    data.ProviderEventID,
		Title:              data.Title,
		Description:        data.Description,
		StartTime:          data.StartTime.UTC(),
		EndTime:            data.EndTime.UTC(),
		Location:           data.Location,
		AttendeeCount:      data.AttendeeCount,
		ETag:               data.ETag,
		LastSeenGeneration: data.LastSeenGeneration,
		SyncedAt:           data.SyncedAt.UTC(),
		UpdatedAt:          data.UpdatedAt,
	}
}

func fromEventDomain(data *entity.CachedEvent) *model.CalendarEventModel {
	if data == nil {
		return nil
	}

	var updatedAt *time.Time
	if data.UpdatedAt != nil {
		updatedAt = utcPtr(data.UpdatedAt)
	}

	return &model.CalendarEventModel{
		UserID:             data.UserID,
		ProviderEventID:    data.ProviderEventID,
		Title:              data.Title,
		Description:        data.Description,
		StartTime:          data.StartTime.UTC(),
		EndTime:            data.EndTime.UTC(),
		Location:           data.Location,
		AttendeeCount:      data.AttendeeCount,
		ETag:               data.ETag,
		LastSeenGeneration: data.LastSeenGeneration,
		SyncedAt:           data.SyncedAt.UTC(),
		UpdatedAt:          updatedAt,
	}
}
