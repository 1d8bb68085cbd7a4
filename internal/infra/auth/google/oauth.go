// Package google adapts Google's OAuth 2.0 authorization server to the domain IdentityProvider.
package google

import (
	"context"
	"log/slog"

	"calsync/config"
	"calsync/internal/domain/entity"
	"calsync/internal/domain/service"
	"calsync/internal/errors"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
)

const errorCodeInvalidGrant = "invalid_grant"

// OAuthService exchanges consent codes and refresh credentials with Google.
type OAuthService struct {
	oauthConfig *oauth2.Config
	logger      *slog.Logger
}

// NewOAuthService creates a new Google OAuth service
func NewOAuthService(cfg *config.Config, logger *slog.Logger) service.IdentityProvider {
	endpoint := googleoauth.Endpoint
	if cfg.GoogleOAuth.TokenURL != "" {
		endpoint.TokenURL = cfg.GoogleOAuth.TokenURL
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	return &OAuthService{
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.GoogleOAuth.ClientID,
			ClientSecret: cfg.GoogleOAuth.ClientSecret,
			RedirectURL:  cfg.GoogleOAuth.RedirectURI,
			Scopes:       cfg.GoogleOAuth.Scopes,
			Endpoint:     endpoint,
		},
		logger: logger,
	}
}

// AuthorizationURL asks for offline access and forces the consent screen so Google
// always returns a refresh token.
func (s *OAuthService) AuthorizationURL(state string) string {
	return s.oauthConfig.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// ExchangeCode exchanges an authorization code for the initial grant
func (s *OAuthService) ExchangeCode(ctx context.Context, code string) (*entity.TokenGrant, error) {
	token, err := s.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return nil, s.classify(ctx, err, "code exchange")
	}

	return toGrant(token), nil
}

// Exchange trades a refresh token for a new access token
func (s *OAuthService) Exchange(ctx context.Context, refreshToken string) (*entity.TokenGrant, error) {
	source := s.oauthConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	token, err := source.Token()
	if err != nil {
		return nil, s.classify(ctx, err, "refresh exchange")
	}

	return toGrant(token), nil
}

func (s *OAuthService) classify(ctx context.Context, err error, op string) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}

		if retrieveErr.ErrorCode == errorCodeInvalidGrant {
			return errors.Wrap(service.ErrInvalidGrant, retrieveErr.ErrorDescription)
		}

		if status >= 500 || status == 429 {
			s.logger.Warn("Google token endpoint unavailable", slog.String("op", op), slog.Int("status", status))

			return errors.Wrapf(service.ErrUpstreamUnavailable, "%s: status %d", op, status)
		}

		return errors.Wrapf(err, "%s rejected", op)
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.WithStack(ctxErr)
	}

	// Anything else is a transport failure.
	return errors.Wrapf(service.ErrUpstreamUnavailable, "%s: %v", op, err)
}

func toGrant(token *oauth2.Token) *entity.TokenGrant {
	return &entity.TokenGrant{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}
}
