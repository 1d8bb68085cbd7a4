package impl

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"calsync/config"
	deliverycontext "calsync/internal/delivery/context"
	"calsync/internal/domain/entity"
	domainerrors "calsync/internal/domain/errors"
	"calsync/internal/domain/repository"
	"calsync/internal/domain/service"
	"calsync/internal/usecase"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/fx"
)

// ConnectionServiceParams holds dependencies for connecting calendars, injected by Fx.
type ConnectionServiceParams struct {
	fx.In

	Config     *config.Config
	Logger     *slog.Logger
	TxManager  repository.TransactionManager
	Vault      service.CredentialVault
	Identity   service.IdentityProvider
	StateStore service.OAuthStateStore
	Tokens     usecase.TokenUsecase
}

// connectionService implements the ConnectionUsecase interface.
type connectionService struct {
	txManager  repository.TransactionManager
	vault      service.CredentialVault
	identity   service.IdentityProvider
	stateStore service.OAuthStateStore
	tokens     usecase.TokenUsecase
	logger     *slog.Logger
	stateTTL   time.Duration
	now        func() time.Time
}

// NewConnectionService is the constructor for connectionService.
func NewConnectionService(params ConnectionServiceParams) usecase.ConnectionUsecase {
	return &connectionService{
		txManager:  params.TxManager,
		vault:      params.Vault,
		identity:   params.Identity,
		stateStore: params.StateStore,
		tokens:     params.Tokens,
		logger:     params.Logger,
		stateTTL:   params.Config.GoogleOAuth.StateTTL,
		now:        time.Now,
	}
}

// log returns a request-scoped logger if available, otherwise falls back to the service's logger.
func (srv *connectionService) log(ctx context.Context) *slog.Logger {
	return deliverycontext.GetLoggerOrDefault(ctx, srv.logger)
}

// BeginConnect stores a one-time state for the user and returns the consent URL.
func (srv *connectionService) BeginConnect(ctx context.Context, userID uuid.UUID) (string, error) {
	state := uuid.NewString()

	if err := srv.stateStore.Save(ctx, state, userID, srv.stateTTL); err != nil {
		srv.log(ctx).Error("Failed to save oauth state", slog.Any("user_id", userID), slog.Any("error", err))

		return "", errors.Wrap(err, "failed to save oauth state")
	}

	return srv.identity.AuthorizationURL(state), nil
}

// CompleteConnect redeems the consent code after checking the state belongs to the user.
func (srv *connectionService) CompleteConnect(ctx context.Context, userID uuid.UUID, code, state string) (*entity.ConnectionStatus, error) {
	owner, err := srv.stateStore.Consume(ctx, state)
	if err != nil {
		if errors.Is(err, service.ErrStateNotFound) {
			return nil, domainerrors.ErrValidationFailed.WrapMessage("invalid or expired oauth state")
		}

		return nil, errors.Wrap(err, "failed to consume oauth state")
	}
	if owner != userID {
		srv.log(ctx).Warn("OAuth state used by a different user", slog.Any("user_id", userID))

		return nil, domainerrors.ErrValidationFailed.WrapMessage("invalid or expired oauth state")
	}

	grant, err := srv.identity.ExchangeCode(ctx, code)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidGrant):
			return nil, domainerrors.ErrValidationFailed.WrapMessage("authorization code rejected")
		case errors.Is(err, service.ErrUpstreamUnavailable):
			return nil, domainerrors.ErrTransientUpstream.WrapMessage(err.Error())
		default:
			return nil, errors.Wrap(err, "failed to redeem authorization code")
		}
	}
	if grant.RefreshToken == "" {
		return nil, domainerrors.ErrValidationFailed.WrapMessage("provider did not grant offline access")
	}

	return srv.store(ctx, userID, grant.RefreshToken)
}

// ConnectWithRefreshToken stores a refresh credential obtained by another client.
func (srv *connectionService) ConnectWithRefreshToken(ctx context.Context, userID uuid.UUID, refreshToken string) (*entity.ConnectionStatus, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil, domainerrors.ErrValidationFailed.WrapMessage("refresh token is required")
	}

	return srv.store(ctx, userID, refreshToken)
}

// store replaces any previous credential and resets the user's sync progress.
func (srv *connectionService) store(ctx context.Context, userID uuid.UUID, refreshToken string) (*entity.ConnectionStatus, error) {
	encrypted, err := srv.vault.Encrypt(ctx, []byte(refreshToken))
	if err != nil {
		return nil, errors.Wrap(err, "failed to encrypt refresh credential")
	}

	now := srv.now().UTC()
	credential := &entity.CalendarCredential{
		ID:                     uuid.New(),
		UserID:                 userID,
		EncryptedRefreshSecret: encrypted,
		CreatedAt:              now,
	}

	err = srv.txManager.Execute(ctx, func(repoFactory repository.RepositoryFactory) error {
		credentialRepo := repoFactory.CredentialRepo()

		if _, err := credentialRepo.RevokeByUserID(ctx, userID, now); err != nil {
			return err
		}
		if err := credentialRepo.Create(ctx, credential); err != nil {
			return err
		}

		return srv.clearSyncData(ctx, repoFactory, userID)
	})
	if err != nil {
		srv.log(ctx).Error("Failed to store calendar credential", slog.Any("user_id", userID), slog.Any("error", err))

		return nil, errors.Wrap(err, "failed to store calendar credential")
	}

	// Tokens cached for a previous grant must not outlive it.
	srv.tokens.InvalidateBearerToken(ctx, userID)
	srv.log(ctx).Info("Calendar connected", slog.Any("user_id", userID))

	return &entity.ConnectionStatus{
		Connected:   true,
		ConnectedAt: &now,
	}, nil
}

// Disconnect revokes the credential and removes cached tokens, sync state and events.
func (srv *connectionService) Disconnect(ctx context.Context, userID uuid.UUID) error {
	var revoked int64

	err := srv.txManager.Execute(ctx, func(repoFactory repository.RepositoryFactory) error {
		count, err := repoFactory.CredentialRepo().RevokeByUserID(ctx, userID, srv.now())
		if err != nil {
			return err
		}
		revoked = count

		return srv.clearSyncData(ctx, repoFactory, userID)
	})
	if err != nil {
		srv.log(ctx).Error("Failed to disconnect calendar", slog.Any("user_id", userID), slog.Any("error", err))

		return errors.Wrap(err, "failed to disconnect calendar")
	}

	srv.tokens.InvalidateBearerToken(ctx, userID)
	srv.log(ctx).Info("Calendar disconnected", slog.Any("user_id", userID), slog.Int64("revoked", revoked))

	return nil
}

// Status reports whether the user has an active credential and how fresh the cache is.
func (srv *connectionService) Status(ctx context.Context, userID uuid.UUID) (*entity.ConnectionStatus, error) {
	status := &entity.ConnectionStatus{}

	err := srv.txManager.Execute(ctx, func(repoFactory repository.RepositoryFactory) error {
		credential, err := repoFactory.CredentialRepo().FindActiveByUserID(ctx, userID)
		switch {
		case err == nil:
			status.Connected = true
			status.ConnectedAt = &credential.CreatedAt
		case !errors.Is(err, repository.ErrCredentialNotFound):
			return err
		}

		state, err := repoFactory.SyncStateRepo().FindByUserID(ctx, userID)
		switch {
		case err == nil:
			status.LastSyncedAt = state.LastSyncedAt
			status.Generation = state.Generation
		case !errors.Is(err, repository.ErrSyncStateNotFound):
			return err
		}

		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to load calendar connection status")
	}

	return status, nil
}

func (srv *connectionService) clearSyncData(ctx context.Context, repoFactory repository.RepositoryFactory, userID uuid.UUID) error {
	if err := repoFactory.SyncStateRepo().DeleteByUserID(ctx, userID); err != nil {
		return err
	}

	return repoFactory.EventRepo().DeleteByUserID(ctx, userID)
}
