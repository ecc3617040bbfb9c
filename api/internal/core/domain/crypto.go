// api/internal/core/domain/crypto.go
package domain

import "context"

// CryptoService seals secret material (env var values bound for audit
// metadata) with authenticated encryption. Both operations take associated
// data, which the broker sets to the owning runner id: an envelope sealed
// for one runner cannot be opened, or replayed, under another's.
type CryptoService interface {
	// Encrypt seals plaintext into an opaque envelope string.
	Encrypt(ctx context.Context, plaintext []byte, associatedData []byte) (string, error)

	// Decrypt opens an envelope, failing if it was tampered with or the
	// associated data does not match the one it was sealed under.
	Decrypt(ctx context.Context, envelope string, associatedData []byte) ([]byte, error)
}
