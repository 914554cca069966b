package store

import "time"

// User is a directory entry. Email may be null for service accounts that
// never get a mailbox; the aggregator skips those with a recorded error.
type User struct {
	ID       int64
	Email    *string
	Username string
	Role     string
}

// ExternalAccount links a user to an external calendar provider. One row per
// (user, provider); disconnecting sets RevokedAt and clears the token instead
// of deleting the row.
type ExternalAccount struct {
	ID                    int64
	UserID                int64
	Provider              string
	ProviderEmail         string
	RefreshTokenEncrypted *string
	Scopes                string
	ConnectedAt           time.Time
	RevokedAt             *time.Time
}

// OauthState is the single-use CSRF token for an in-flight OAuth
// authorization. Deleted as soon as the callback matches it.
type OauthState struct {
	ID        int64
	UserID    int64
	Provider  string
	State     string
	ExpiresAt time.Time
}
