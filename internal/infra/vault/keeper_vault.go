// Package vault seals refresh credentials with a gocloud.dev secrets keeper.
package vault

import (
	"context"
	"log/slog"

	"calsync/config"
	"calsync/internal/domain/service"
	"calsync/internal/errors"

	"go.uber.org/fx"
	"gocloud.dev/gcerrors"
	"gocloud.dev/secrets"
	_ "gocloud.dev/secrets/gcpkms"
	_ "gocloud.dev/secrets/localsecrets"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Params defines the required parameters
type Params struct {
	fx.In
	fx.Lifecycle

	Config *config.Config
	Logger *slog.Logger
}

type keeperVault struct {
	keeper *secrets.Keeper
}

// New opens the keeper configured by vault.keeperUrl.
func New(params Params) (service.CredentialVault, error) {
	if params.Config.Vault == nil || params.Config.Vault.KeeperURL == "" {
		return nil, errors.New("vault.keeperUrl is required")
	}

	keeper, err := secrets.OpenKeeper(context.Background(), params.Config.Vault.KeeperURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open secrets keeper")
	}

	params.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			return errors.WithStack(keeper.Close())
		},
	})

	params.Logger.Info("Credential vault initialized")

	return NewKeeperVault(keeper), nil
}

// NewKeeperVault wraps an already opened keeper.
func NewKeeperVault(keeper *secrets.Keeper) service.CredentialVault {
	return &keeperVault{keeper: keeper}
}

func (v *keeperVault) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	ciphertext, err := v.keeper.Encrypt(ctx, plaintext)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encrypt credential")
	}

	return ciphertext, nil
}

func (v *keeperVault) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	plaintext, err := v.keeper.Decrypt(ctx, ciphertext)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.WithStack(ctxErr)
		}
		if isKeeperOutage(err) {
			return nil, errors.Wrapf(service.ErrUpstreamUnavailable, "decrypt credential: %v", err)
		}

		return nil, errors.Wrap(service.ErrIntegrity, err.Error())
	}

	return plaintext, nil
}

// isKeeperOutage reports failures of the key service itself, as opposed to
// ciphertext it refused to open.
func isKeeperOutage(err error) bool {
	switch gcerrors.Code(err) {
	case gcerrors.DeadlineExceeded, gcerrors.ResourceExhausted, gcerrors.Internal:
		return true
	}

	// gcerrors has no code for an unavailable backend; KMS reports it as a gRPC status.
	return status.Code(err) == codes.Unavailable
}
