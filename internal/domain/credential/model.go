// Package credential manages the lifecycle of OAuth2 token pairs issued by
// the external medical-records (EDM) system: the initial password-grant
// login, encrypted storage, proactive refresh, and the scheduled sweep.
package credential

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultSystemID is the owning-principal key used when no explicit identity
// is threaded through. The store is keyed by system ID so additional EDM
// identities can coexist; today the site holds exactly one.
const DefaultSystemID = "default"

// Common errors returned by the credential subsystem.
var (
	ErrNotFound           = errors.New("credential not found")
	ErrRevoked            = errors.New("credential is revoked")
	ErrInvalidCredentials = errors.New("EDM rejected the login credentials")
	ErrProtocol           = errors.New("EDM token response violates the OAuth contract")
	ErrRefreshFailed      = errors.New("EDM refresh exchange failed")
)

// Credential is one stored EDM token pair. Token values are held only as
// AES-GCM ciphertext; the refresh token additionally has an unsalted SHA-256
// fingerprint used as the upsert/dedup key.
type Credential struct {
	ID                   uuid.UUID  `json:"id"`
	SystemID             string     `json:"system_id"`
	AccessTokenCipher    *string    `json:"-"`
	RefreshTokenCipher   string     `json:"-"`
	RefreshTokenHash     string     `json:"-"`
	AccessTokenExpiresAt *time.Time `json:"access_token_expires_at,omitempty"`
	LastRefreshedAt      time.Time  `json:"last_refreshed_at"`
	NextRefreshAt        time.Time  `json:"next_refresh_at"`
	RefreshFailureCount  int        `json:"refresh_failure_count"`
	Revoked              bool       `json:"revoked"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// HasFreshAccessToken reports whether the stored access token can be served
// without a network call: present, with a known expiry more than margin away.
func (c *Credential) HasFreshAccessToken(now time.Time, margin time.Duration) bool {
	if c.AccessTokenCipher == nil || c.AccessTokenExpiresAt == nil {
		return false
	}
	return c.AccessTokenExpiresAt.After(now.Add(margin))
}

// Metadata is the operator-facing view of a credential: everything except
// ciphertexts, with only a short hash prefix for correlation.
type Metadata struct {
	ID                   uuid.UUID  `json:"id"`
	SystemID             string     `json:"system_id"`
	RefreshTokenHashHint string     `json:"refresh_token_hash_hint"`
	HasAccessToken       bool       `json:"has_access_token"`
	AccessTokenExpiresAt *time.Time `json:"access_token_expires_at,omitempty"`
	LastRefreshedAt      time.Time  `json:"last_refreshed_at"`
	NextRefreshAt        time.Time  `json:"next_refresh_at"`
	RefreshFailureCount  int        `json:"refresh_failure_count"`
	Revoked              bool       `json:"revoked"`
}

// Meta strips secret material from a credential for admin listings.
func (c *Credential) Meta() Metadata {
	hint := c.RefreshTokenHash
	if len(hint) > 8 {
		hint = hint[:8]
	}
	return Metadata{
		ID:                   c.ID,
		SystemID:             c.SystemID,
		RefreshTokenHashHint: hint,
		HasAccessToken:       c.AccessTokenCipher != nil,
		AccessTokenExpiresAt: c.AccessTokenExpiresAt,
		LastRefreshedAt:      c.LastRefreshedAt,
		NextRefreshAt:        c.NextRefreshAt,
		RefreshFailureCount:  c.RefreshFailureCount,
		Revoked:              c.Revoked,
	}
}

// GrantError carries the upstream status and body of a rejected OAuth
// exchange so callers see the authoritative diagnostic.
type GrantError struct {
	Status int
	Body   string
}

func (e *GrantError) Error() string {
	return fmt.Sprintf("EDM token endpoint returned %d: %s", e.Status, e.Body)
}

// SweepResult is the per-record outcome of one sweep invocation.
type SweepResult struct {
	ID     uuid.UUID `json:"id"`
	OK     bool      `json:"ok"`
	Detail string    `json:"detail,omitempty"`
}

// LoginResult is returned from a successful password-grant login.
type LoginResult struct {
	ID            uuid.UUID `json:"id"`
	NextRefreshAt time.Time `json:"next_refresh_at"`
}
