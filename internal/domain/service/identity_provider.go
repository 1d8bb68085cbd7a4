package service

import (
	"context"

	"calsync/internal/domain/entity"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidGrant means the provider rejected the refresh credential permanently.
	ErrInvalidGrant = errors.New("refresh credential rejected by provider")
	// ErrUpstreamUnavailable wraps network failures and retryable provider responses.
	ErrUpstreamUnavailable = errors.New("upstream temporarily unavailable")
)

// IdentityProvider talks to the OAuth authorization server of the calendar provider.
type IdentityProvider interface {
	// AuthorizationURL builds the consent URL requesting offline access.
	AuthorizationURL(state string) string

	// ExchangeCode redeems a consent callback code for the initial grant.
	ExchangeCode(ctx context.Context, code string) (*entity.TokenGrant, error)

	// Exchange trades a refresh credential for a fresh bearer token.
	Exchange(ctx context.Context, refreshToken string) (*entity.TokenGrant, error)
}
