// Package postgres contains the concrete implementation of the persistence layer using GORM and PostgreSQL.
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

// credentialRepository implements the domain.CredentialRepository interface.
type credentialRepository struct {
	db *gorm.DB
}

// NewCredentialRepository is the constructor for credentialRepository.
func NewCredentialRepository(db *gorm.DB) repository.CredentialRepository {
	return &credentialRepository{db: db}
}

// FindActiveByUserID returns the user's non-revoked credential.
func (repo *credentialRepository) FindActiveByUserID(ctx context.Context, userID uuid.UUID) (*entity.CalendarCredential, error) {
	return repo.findActive(repo.db.WithContext(ctx), userID)
}

// LockActiveByUserID selects the active credential FOR UPDATE.
func (repo *credentialRepository) LockActiveByUserID(ctx context.Context, userID uuid.UUID) (*entity.CalendarCredential, error) {
	return repo.findActive(repo.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), userID)
}

func (repo *credentialRepository) findActive(db *gorm.DB, userID uuid.UUID) (*entity.CalendarCredential, error) {
	var credentialM model.CalendarCredentialModel

	err := db.
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Order("created_at DESC").
		First(&credentialM).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrCredentialNotFound
		}

		return nil, errors.WithStack(err)
	}

	return toCredentialDomain(&credentialM), nil
}

// Create persists a new credential.
func (repo *credentialRepository) Create(ctx context.Context, credential *entity.CalendarCredential) error {
	if credential.ID == uuid.Nil {
		credential.ID = uuid.New()
	}
	if credential.CreatedAt.IsZero() {
		credential.CreatedAt = time.Now().UTC()
	}

	credentialM := fromCredentialDomain(credential)

	if err := repo.db.WithContext(ctx).Create(credentialM).Error; err != nil {
		// Convert PostgreSQL errors to domain errors
		if isUniqueConstraintViolation(err) {
			return domainerrors.ErrConflict.WrapMessage("active calendar credential already exists")
		}
		if isNotNullConstraintViolation(err) {
			return domainerrors.ErrValidationFailed.WrapMessage("missing required credential information")
		}

		return domainerrors.NewDatabaseExecuteError(err, "failed to create calendar credential")
	}

	return nil
}

// UpdateSecret replaces the encrypted secret after rotation.
func (repo *credentialRepository) UpdateSecret(ctx context.Context, id uuid.UUID, encrypted []byte, rotatedAt time.Time) error {
	result := repo.db.WithContext(ctx).
		Model(&model.CalendarCredentialModel{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Updates(map[string]any{
			"encrypted_refresh_secret": encrypted,
			"rotated_at":               rotatedAt.UTC(),
		})
	if result.Error != nil {
		return domainerrors.NewDatabaseExecuteError(result.Error, "failed to rotate calendar credential")
	}

	// If no rows were affected, the credential was revoked concurrently.
	if result.RowsAffected == 0 {
		return repository.ErrCredentialNotFound
	}

	return nil
}

// RevokeByUserID marks every active credential of the user as revoked.
func (repo *credentialRepository) RevokeByUserID(ctx context.Context, userID uuid.UUID, revokedAt time.Time) (int64, error) {
	result := repo.db.WithContext(ctx).
		Model(&model.CalendarCredentialModel{}).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Update("revoked_at", revokedAt.UTC())
	if result.Error != nil {
		return 0, domainerrors.NewDatabaseExecuteError(result.Error, "failed to revoke calendar credential")
	}

	return result.RowsAffected, nil
}

// --- Mapper Functions ---

// toCredentialDomain converts a GORM CalendarCredentialModel to a domain CalendarCredential entity.
func toCredentialDomain(data *model.CalendarCredentialModel) *entity.CalendarCredential {
	if data == nil {
		return nil
	}

	return &entity.CalendarCredential{
		ID:                     data.ID,
		UserID:                 data.UserID,
		EncryptedRefreshSecret: data.EncryptedRefreshSecret,
		CreatedAt:              data.CreatedAt,
		RotatedAt:              data.RotatedAt,
		RevokedAt:              data.RevokedAt,
	}
}

// fromCredentialDomain converts a domain CalendarCredential entity to a GORM CalendarCredentialModel.
func fromCredentialDomain(data *entity.CalendarCredential) *model.CalendarCredentialModel {
	if data == nil {
		return nil
	}

	return &model.CalendarCredentialModel{
		ID:                     data.ID,
		UserID:                 data.UserID,
		EncryptedRefreshSecret: data.EncryptedRefreshSecret,
		CreatedAt:              data.CreatedAt.UTC(),
		RotatedAt:              utcPtr(data.RotatedAt),
		RevokedAt:              utcPtr(data.RevokedAt),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	utc := t.UTC()

	return &utc
}
