package store

import "context"

// UserRepository supplies the directory the aggregator fans out over.
type UserRepository interface {
	List(ctx context.Context) ([]User, error)
	GetByID(ctx context.Context, id int64) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
}

// ExternalAccountRepository manages per-provider OAuth connections.
type ExternalAccountRepository interface {
	// FindActive returns the non-revoked account for (userID, provider), or
	// nil when the user never connected or has disconnected.
	FindActive(ctx context.Context, userID int64, provider string) (*ExternalAccount, error)

	// Upsert creates or reactivates the (userID, provider) row. A nil
	// encryptedToken preserves whatever token is already stored, covering
	// providers that omit the refresh token on repeat authorizations.
	Upsert(ctx context.Context, account ExternalAccount) (*ExternalAccount, error)

	// Revoke marks the account disconnected and clears the stored token.
	Revoke(ctx context.Context, userID int64, provider string) error
}

// OauthStateRepository stores single-use OAuth state tokens.
type OauthStateRepository interface {
	Create(ctx context.Context, state OauthState) error

	// Consume atomically fetches and deletes an unexpired state row,
	// returning nil when the state is unknown or already used.
	Consume(ctx context.Context, state string) (*OauthState, error)

	PurgeExpired(ctx context.Context) error
}
