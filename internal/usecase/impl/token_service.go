// Package impl contains the application-specific business rules implementations.
package impl

import (
	"context"
	"log/slog"
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
	"golang.org/x/sync/singleflight"
)

// Used when the provider omits expires_in.
const defaultGrantLifetime = time.Hour

const (
	outcomeHit         = "hit"
	outcomeMiss        = "miss"
	outcomeUnavailable = "unavailable"
	outcomeSuccess     = "success"
	outcomeInvalid     = "invalid_grant"
	outcomeTransient   = "transient"
	outcomeError       = "error"
)

// TokenServiceParams holds dependencies for the access token cache, injected by Fx.
type TokenServiceParams struct {
	fx.In

	Config      *config.Config
	Logger      *slog.Logger
	TxManager   repository.TransactionManager
	Vault       service.CredentialVault
	Identity    service.IdentityProvider
	Distributed service.TokenCache `name:"distributedTokenCache" optional:"true"`
	Local       service.TokenCache `name:"localTokenCache"`
	Metrics     service.Metrics    `optional:"true"`
}

// tokenService implements the TokenUsecase interface.
type tokenService struct {
	txManager   repository.TransactionManager
	vault       service.CredentialVault
	identity    service.IdentityProvider
	distributed service.TokenCache
	local       service.TokenCache
	metrics     service.Metrics
	logger      *slog.Logger

	safetyMargin   time.Duration
	refreshTimeout time.Duration
	exchangeTTL    time.Duration
	retry          retryPolicy

	group singleflight.Group
	now   func() time.Time
}

// NewTokenService is the constructor for tokenService.
func NewTokenService(params TokenServiceParams) usecase.TokenUsecase {
	cfg := params.Config.TokenCache
	metrics := params.Metrics
	if metrics == nil {
		metrics = service.NoopMetrics{}
	}

	return &tokenService{
		txManager:      params.TxManager,
		vault:          params.Vault,
		identity:       params.Identity,
		distributed:    params.Distributed,
		local:          params.Local,
		metrics:        metrics,
		logger:         params.Logger,
		safetyMargin:   cfg.SafetyMargin,
		exchangeTTL:    cfg.ExchangeTimeout,
		refreshTimeout: cfg.ExchangeTimeout * time.Duration(cfg.RetryMaxAttempts+1),
		retry: retryPolicy{
			maxAttempts: cfg.RetryMaxAttempts,
			initial:     cfg.RetryInitial,
		},
		now: time.Now,
	}
}

// log returns a request-scoped logger if available, otherwise falls back to the service's logger.
func (srv *tokenService) log(ctx context.Context) *slog.Logger {
	return deliverycontext.GetLoggerOrDefault(ctx, srv.logger)
}

// GetBearerToken returns a valid bearer token for the user's calendar.
func (srv *tokenService) GetBearerToken(ctx context.Context, userID uuid.UUID) (string, error) {
	if token, ok := srv.lookup(ctx, userID); ok {
		return token.Token, nil
	}

	// The refresh runs detached so that one caller giving up does not fail the others.
	resultCh := srv.group.DoChan(userID.String(), func() (any, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), srv.refreshTimeout)
		defer cancel()

		return srv.refresh(refreshCtx, userID)
	})

	select {
	case <-ctx.Done():
		return "", errors.WithStack(ctx.Err())
	case result := <-resultCh:
		if result.Err != nil {
			return "", result.Err
		}

		return result.Val.(*entity.AccessToken).Token, nil
	}
}

// InvalidateBearerToken drops the user's token from both tiers.
func (srv *tokenService) InvalidateBearerToken(ctx context.Context, userID uuid.UUID) {
	for _, tier := range srv.tiers() {
		if err := tier.Delete(ctx, userID); err != nil {
			srv.log(ctx).Warn("Failed to invalidate cached bearer token",
				slog.String("tier", tier.Name()),
				slog.Any("user_id", userID),
				slog.Any("error", err),
			)
		}
	}
}

// lookup consults the distributed tier first. The local tier is only read
// when the distributed tier is absent or unreachable.
func (srv *tokenService) lookup(ctx context.Context, userID uuid.UUID) (*entity.AccessToken, bool) {
	now := srv.now()

	if srv.distributed != nil {
		token, err := srv.distributed.Get(ctx, userID)
		switch {
		case err == nil && token.ValidAt(now):
			srv.metrics.TokenLookup(srv.distributed.Name(), outcomeHit)

			return token, true
		case err == nil || errors.Is(err, service.ErrCacheMiss):
			srv.metrics.TokenLookup(srv.distributed.Name(), outcomeMiss)

			return nil, false
		default:
			srv.metrics.TokenLookup(srv.distributed.Name(), outcomeUnavailable)
			srv.log(ctx).Warn("Distributed token cache unavailable, using local tier",
				slog.Any("user_id", userID),
				slog.Any("error", err),
			)
		}
	}

	token, err := srv.local.Get(ctx, userID)
	if err == nil && token.ValidAt(now) {
		srv.metrics.TokenLookup(srv.local.Name(), outcomeHit)

		return token, true
	}
	srv.metrics.TokenLookup(srv.local.Name(), outcomeMiss)

	return nil, false
}

// refresh exchanges the stored refresh credential. It runs at most once per user at a time.
func (srv *tokenService) refresh(ctx context.Context, userID uuid.UUID) (*entity.AccessToken, error) {
	// A flight that finished just before this one started may already have filled the cache.
	if token, ok := srv.lookup(ctx, userID); ok {
		return token, nil
	}

	credential, err := srv.loadCredential(ctx, userID)
	if err != nil {
		return nil, err
	}

	secret, err := srv.vault.Decrypt(ctx, credential.EncryptedRefreshSecret)
	if err != nil {
		if errors.Is(err, service.ErrIntegrity) {
			srv.log(ctx).Error("Stored calendar credential failed integrity check",
				slog.Any("user_id", userID),
				slog.Any("credential_id", credential.ID),
			)

			return nil, domainerrors.ErrCredentialIntegrity.WrapMessage(err.Error())
		}
		if errors.Is(err, service.ErrUpstreamUnavailable) {
			srv.log(ctx).Warn("Credential vault unavailable", slog.Any("user_id", userID), slog.Any("error", err))

			return nil, domainerrors.ErrTransientUpstream.WrapMessage(err.Error())
		}

		return nil, errors.Wrap(err, "failed to decrypt calendar credential")
	}
	refreshToken := string(secret)

	grant, err := srv.exchange(ctx, refreshToken)
	if err != nil {
		return nil, srv.handleExchangeError(ctx, userID, err)
	}
	srv.metrics.TokenExchange(outcomeSuccess)

	now := srv.now()
	expiry := grant.Expiry
	if expiry.IsZero() {
		expiry = now.Add(defaultGrantLifetime)
	}
	token := &entity.AccessToken{
		UserID:    userID,
		Token:     grant.AccessToken,
		ExpiresAt: expiry.Add(-srv.safetyMargin),
	}

	if token.ValidAt(now) {
		srv.store(ctx, token)
	} else {
		srv.log(ctx).Debug("Bearer token expires within the safety margin, not caching",
			slog.Any("user_id", userID),
			slog.Time("remote_expiry", expiry),
		)
	}

	if grant.RefreshToken != "" && grant.RefreshToken != refreshToken {
		srv.rotate(ctx, credential, grant.RefreshToken)
	}

	return token, nil
}

func (srv *tokenService) loadCredential(ctx context.Context, userID uuid.UUID) (*entity.CalendarCredential, error) {
	var credential *entity.CalendarCredential

	err := srv.txManager.Execute(ctx, func(repoFactory repository.RepositoryFactory) error {
		found, err := repoFactory.CredentialRepo().FindActiveByUserID(ctx, userID)
		if err != nil {
			return err
		}
		credential = found

		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrCredentialNotFound) {
			return nil, domainerrors.ErrReauthorizationRequired.WrapMessage("no active calendar credential")
		}

		return nil, errors.Wrap(err, "failed to load calendar credential")
	}

	return credential, nil
}

// exchange calls the identity provider with bounded retries on transient failures.
func (srv *tokenService) exchange(ctx context.Context, refreshToken string) (*entity.TokenGrant, error) {
	var grant *entity.TokenGrant

	err := srv.retry.do(ctx, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, srv.exchangeTTL)
		defer cancel()

		result, err := srv.identity.Exchange(attemptCtx, refreshToken)
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				return errors.Wrap(service.ErrUpstreamUnavailable, "token exchange timed out")
			}

			return err
		}
		grant = result

		return nil
	})
	if err != nil {
		return nil, err
	}

	return grant, nil
}

func (srv *tokenService) handleExchangeError(ctx context.Context, userID uuid.UUID, err error) error {
	switch {
	case errors.Is(err, service.ErrInvalidGrant):
		srv.metrics.TokenExchange(outcomeInvalid)
		srv.log(ctx).Warn("Refresh credential rejected by provider, revoking", slog.Any("user_id", userID))
		srv.revoke(ctx, userID)

		return domainerrors.ErrReauthorizationRequired.WrapMessage("refresh credential revoked by provider")
	case errors.Is(err, service.ErrUpstreamUnavailable):
		srv.metrics.TokenExchange(outcomeTransient)
		srv.log(ctx).Warn("Token exchange failed after retries", slog.Any("user_id", userID), slog.Any("error", err))

		return domainerrors.ErrTransientUpstream.WrapMessage(err.Error())
	default:
		srv.metrics.TokenExchange(outcomeError)
		srv.log(ctx).Error("Token exchange failed", slog.Any("user_id", userID), slog.Any("error", err))

		return errors.Wrap(err, "token exchange failed")
	}
}

// revoke marks the credential unusable so later calls fail without contacting the provider.
func (srv *tokenService) revoke(ctx context.Context, userID uuid.UUID) {
	err := srv.txManager.Execute(ctx, func(repoFactory repository.RepositoryFactory) error {
		_, err := repoFactory.CredentialRepo().RevokeByUserID(ctx, userID, srv.now())

		return err
	})
	if err != nil {
		srv.log(ctx).Error("Failed to revoke calendar credential", slog.Any("user_id", userID), slog.Any("error", err))
	}

	srv.InvalidateBearerToken(ctx, userID)
}

// store writes the token to every tier. Failures only cost a later exchange.
func (srv *tokenService) store(ctx context.Context, token *entity.AccessToken) {
	for _, tier := range srv.tiers() {
		if err := tier.Set(ctx, token); err != nil {
			srv.log(ctx).Warn("Failed to cache bearer token",
				slog.String("tier", tier.Name()),
				slog.Any("user_id", token.UserID),
				slog.Any("error", err),
			)
		}
	}
}

// rotate persists a replacement refresh credential issued by the provider.
func (srv *tokenService) rotate(ctx context.Context, credential *entity.CalendarCredential, refreshToken string) {
	encrypted, err := srv.vault.Encrypt(ctx, []byte(refreshToken))
	if err != nil {
		srv.log(ctx).Error("Failed to encrypt rotated refresh credential", slog.Any("user_id", credential.UserID), slog.Any("error", err))

		return
	}

	err = srv.txManager.Execute(ctx, func(repoFactory repository.RepositoryFactory) error {
		return repoFactory.CredentialRepo().UpdateSecret(ctx, credential.ID, encrypted, srv.now())
	})
	if err != nil {
		srv.log(ctx).Error("Failed to persist rotated refresh credential", slog.Any("user_id", credential.UserID), slog.Any("error", err))

		return
	}

	srv.log(ctx).Info("Refresh credential rotated", slog.Any("user_id", credential.UserID))
}

func (srv *tokenService) tiers() []service.TokenCache {
	if srv.distributed == nil {
		return []service.TokenCache{srv.local}
	}

	return []service.TokenCache{srv.distributed, srv.local}
}
