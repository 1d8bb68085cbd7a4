package usecase

import (
	"context"

	"calsync/internal/domain/entity"

	"github.com/google/uuid"
)

// ConnectionUsecase manages the delegated calendar credential of a user.
type ConnectionUsecase interface {
	// BeginConnect returns the provider consent URL bound to a one-time state.
	BeginConnect(ctx context.Context, userID uuid.UUID) (string, error)
	// CompleteConnect redeems the consent callback and stores the refresh credential.
	CompleteConnect(ctx context.Context, userID uuid.UUID, code, state string) (*entity.ConnectionStatus, error)
	// ConnectWithRefreshToken stores a refresh credential obtained elsewhere.
	ConnectWithRefreshToken(ctx context.Context, userID uuid.UUID, refreshToken string) (*entity.ConnectionStatus, error)
	// Disconnect revokes the credential and clears every cached artifact of the user.
	Disconnect(ctx context.Context, userID uuid.UUID) error
	Status(ctx context.Context, userID uuid.UUID) (*entity.ConnectionStatus, error)
}
