package service

import (
	"context"

	"github.com/pkg/errors"
)

// ErrIntegrity is returned when a stored secret cannot be authenticated or decrypted.
var ErrIntegrity = errors.New("credential integrity check failed")

// CredentialVault seals refresh credentials at rest.
// Implementations are stateless and safe for concurrent use.
type CredentialVault interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	// Decrypt returns ErrIntegrity for tampered or foreign ciphertext.
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}
