package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/onnwee/bot-tender/crypto"
)

// ErrNoCredential is returned by GetCredential when no token pair is stored
// for the requested identity.
var ErrNoCredential = errors.New("no credential stored for identity")

// Credential is one identity's OAuth token pair. It is owned by this store and
// mutated only through UpsertCredential (startup seeding, OAuth callback, and
// the refresh path).
type Credential struct {
	Identity     string
	AccessToken  string
	RefreshToken string
	Scope        string
	UpdatedAt    time.Time
}

// UpsertCredential stores or replaces the token pair for an identity
// (last-writer-wins). Tokens are encrypted when ENCRYPTION_KEY is configured;
// encryption_version=1 marks encrypted rows, version=0 plaintext.
func UpsertCredential(ctx context.Context, dbx *sql.DB, c Credential) error {
	enc, err := getEncryptor()
	if err != nil {
		return fmt.Errorf("get encryptor: %w", err)
	}

	encVersion := 0
	encKeyID := ""
	access := c.AccessToken
	refresh := c.RefreshToken
	if enc != nil {
		encVersion = 1
		encKeyID = "default"
		if access, err = crypto.EncryptString(enc, access); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refresh, err = crypto.EncryptString(enc, refresh); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	q := `INSERT INTO oauth_tokens(identity, access_token, refresh_token, scope, encryption_version, encryption_key_id, updated_at)
		  VALUES($1,$2,$3,$4,$5,$6,NOW())
		  ON CONFLICT(identity) DO UPDATE SET
		    access_token=EXCLUDED.access_token,
		    refresh_token=EXCLUDED.refresh_token,
		    scope=EXCLUDED.scope,
		    encryption_version=EXCLUDED.encryption_version,
		    encryption_key_id=EXCLUDED.encryption_key_id,
		    updated_at=NOW()`
	_, err = dbx.ExecContext(ctx, q, c.Identity, access, refresh, c.Scope, encVersion, encKeyID)
	return err
}

// GetCredential loads the token pair for an identity, decrypting when the row
// was written with encryption enabled. Returns ErrNoCredential when absent.
func GetCredential(ctx context.Context, dbx *sql.DB, identity string) (Credential, error) {
	var (
		c          Credential
		encVersion int
		encKeyID   sql.NullString
	)
	row := dbx.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, scope, updated_at, COALESCE(encryption_version, 0), encryption_key_id
		 FROM oauth_tokens WHERE identity = $1`, identity)
	err := row.Scan(&c.AccessToken, &c.RefreshToken, &c.Scope, &c.UpdatedAt, &encVersion, &encKeyID)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrNoCredential
	}
	if err != nil {
		return Credential{}, err
	}
	c.Identity = identity

	if encVersion == 1 {
		enc, encErr := getEncryptor()
		if encErr != nil {
			return Credential{}, fmt.Errorf("get encryptor for decryption: %w", encErr)
		}
		if enc == nil {
			return Credential{}, fmt.Errorf("credential for %s is encrypted but ENCRYPTION_KEY not configured", identity)
		}
		if c.AccessToken, err = crypto.DecryptString(enc, c.AccessToken); err != nil {
			return Credential{}, fmt.Errorf("decrypt access token: %w", err)
		}
		if c.RefreshToken, err = crypto.DecryptString(enc, c.RefreshToken); err != nil {
			return Credential{}, fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	return c, nil
}

// CredentialStore adapts the package functions to the twitchapi.CredentialStore
// interface so token sources stay decoupled from *sql.DB.
type CredentialStore struct{ DB *sql.DB }

func (s *CredentialStore) GetCredential(ctx context.Context, identity string) (access, refresh string, err error) {
	c, err := GetCredential(ctx, s.DB, identity)
	if err != nil {
		return "", "", err
	}
	return c.AccessToken, c.RefreshToken, nil
}

func (s *CredentialStore) SetCredential(ctx context.Context, identity, access, refresh, scope string) error {
	return UpsertCredential(ctx, s.DB, Credential{
		Identity:     identity,
		AccessToken:  access,
		RefreshToken: refresh,
		Scope:        scope,
	})
}
