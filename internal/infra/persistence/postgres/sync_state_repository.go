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

// syncStateRepository implements the domain.SyncStateRepository interface.
type syncStateRepository struct {
	db *gorm.DB
}

// NewSyncStateRepository is the constructor for syncStateRepository.
func NewSyncStateRepository(db *gorm.DB) repository.SyncStateRepository {
	return &syncStateRepository{db: db}
}

func (repo *syncStateRepository) FindByUserID(ctx context.Context, userID uuid.UUID) (*entity.SyncState, error) {
	var stateM model.SyncStateModel

	if err := repo.db.WithContext(ctx).Where("user_id = ?", userID).First(&stateM).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrSyncStateNotFound
		}

		return nil, errors.WithStack(err)
	}

	return &entity.SyncState{
		UserID:       stateM.UserID,
		SyncCursor:   stateM.SyncCursor,
		LastSyncedAt: stateM.LastSyncedAt,
		Generation:   stateM.Generation,
	}, nil
}

// Save upserts cursor, last sync time and generation in one statement.
func (repo *syncStateRepository) Save(ctx context.Context, state *entity.SyncState) error {
	stateM := &model.SyncStateModel{
		UserID:       state.UserID,
		SyncCursor:   state.SyncCursor,
		LastSyncedAt: utcPtr(state.LastSyncedAt),
		Generation:   state.Generation,
		UpdatedAt:    time.Now().UTC(),
	}

	err := repo.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"sync_cursor", "last_synced_at", "generation", "updated_at"}),
		}).
		Create(stateM).Error
	if err != nil {
		return domainerrors.NewDatabaseExecuteError(err, "failed to save sync state")
	}

	return nil
}

func (repo *syncStateRepository) DeleteByUserID(ctx context.Context, userID uuid.UUID) error {
	if err := repo.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&model.SyncStateModel{}).Error; err != nil {
		return errors.WithStack(err)
	}

	return nil
}
