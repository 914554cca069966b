package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// userRepo implements UserRepository.
type userRepo struct {
	pool *pgxpool.Pool
}

func (r *userRepo) List(ctx context.Context) ([]User, error) {
	defer observeDB(ctx, "users.list")()

	rows, err := r.pool.Query(ctx,
		`SELECT id, email, username, role FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.Username, &u.Role); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (r *userRepo) GetByID(ctx context.Context, id int64) (*User, error) {
	defer observeDB(ctx, "users.get_by_id")()

	var u User
	err := r.pool.QueryRow(ctx,
		`SELECT id, email, username, role FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.Username, &u.Role)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *userRepo) GetByEmail(ctx context.Context, email string) (*User, error) {
	defer observeDB(ctx, "users.get_by_email")()

	var u User
	err := r.pool.QueryRow(ctx,
		`SELECT id, email, username, role FROM users WHERE email = $1`, email).
		Scan(&u.ID, &u.Email, &u.Username, &u.Role)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// externalAccountRepo implements ExternalAccountRepository.
type externalAccountRepo struct {
	pool *pgxpool.Pool
}

func (r *externalAccountRepo) FindActive(ctx context.Context, userID int64, provider string) (*ExternalAccount, error) {
	defer observeDB(ctx, "external_accounts.find_active")()

	var a ExternalAccount
	err := r.pool.QueryRow(ctx,
		`SELECT id, user_id, provider, provider_email, refresh_token_encrypted,
		        scopes, connected_at, revoked_at
		   FROM external_accounts
		  WHERE user_id = $1 AND provider = $2 AND revoked_at IS NULL`,
		userID, provider).
		Scan(&a.ID, &a.UserID, &a.Provider, &a.ProviderEmail, &a.RefreshTokenEncrypted,
			&a.Scopes, &a.ConnectedAt, &a.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *externalAccountRepo) Upsert(ctx context.Context, account ExternalAccount) (*ExternalAccount, error) {
	defer observeDB(ctx, "external_accounts.upsert")()

	// COALESCE keeps the previously stored token when the provider omitted
	// the refresh token on a repeat authorization.
	var a ExternalAccount
	err := r.pool.QueryRow(ctx,
		`INSERT INTO external_accounts
		        (user_id, provider, provider_email, refresh_token_encrypted, scopes, connected_at, revoked_at)
		 VALUES ($1, $2, $3, $4, $5, now(), NULL)
		 ON CONFLICT (user_id, provider) DO UPDATE SET
		        provider_email          = EXCLUDED.provider_email,
		        refresh_token_encrypted = COALESCE(EXCLUDED.refresh_token_encrypted, external_accounts.refresh_token_encrypted),
		        scopes                  = EXCLUDED.scopes,
		        connected_at            = now(),
		        revoked_at              = NULL
		 RETURNING id, user_id, provider, provider_email, refresh_token_encrypted,
		           scopes, connected_at, revoked_at`,
		account.UserID, account.Provider, account.ProviderEmail,
		account.RefreshTokenEncrypted, account.Scopes).
		Scan(&a.ID, &a.UserID, &a.Provider, &a.ProviderEmail, &a.RefreshTokenEncrypted,
			&a.Scopes, &a.ConnectedAt, &a.RevokedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *externalAccountRepo) Revoke(ctx context.Context, userID int64, provider string) error {
	defer observeDB(ctx, "external_accounts.revoke")()

	_, err := r.pool.Exec(ctx,
		`UPDATE external_accounts
		    SET revoked_at = now(), refresh_token_encrypted = NULL
		  WHERE user_id = $1 AND provider = $2 AND revoked_at IS NULL`,
		userID, provider)
	return err
}

// oauthStateRepo implements OauthStateRepository.
type oauthStateRepo struct {
	pool *pgxpool.Pool
}

func (r *oauthStateRepo) Create(ctx context.Context, state OauthState) error {
	defer observeDB(ctx, "oauth_states.create")()

	_, err := r.pool.Exec(ctx,
		`INSERT INTO oauth_states (user_id, provider, state, expires_at)
		 VALUES ($1, $2, $3, $4)`,
		state.UserID, state.Provider, state.State, state.ExpiresAt)
	return err
}

func (r *oauthStateRepo) Consume(ctx context.Context, state string) (*OauthState, error) {
	defer observeDB(ctx, "oauth_states.consume")()

	// DELETE ... RETURNING makes the match single-use even under concurrent
	// callbacks for the same state.
	var s OauthState
	err := r.pool.QueryRow(ctx,
		`DELETE FROM oauth_states
		  WHERE state = $1 AND expires_at > now()
		 RETURNING id, user_id, provider, state, expires_at`,
		state).
		Scan(&s.ID, &s.UserID, &s.Provider, &s.State, &s.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *oauthStateRepo) PurgeExpired(ctx context.Context) error {
	defer observeDB(ctx, "oauth_states.purge_expired")()

	_, err := r.pool.Exec(ctx, `DELETE FROM oauth_states WHERE expires_at <= now()`)
	return err
}
