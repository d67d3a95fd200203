package credential

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RetryPolicy owns the scheduling intervals the store stamps onto records.
// SuccessInterval spaces out proactive refreshes after a successful exchange.
// Failed exchanges retry after RetryBase doubled per consecutive failure,
// capped at RetryMax, so a flapping upstream cannot cause a refresh storm.
type RetryPolicy struct {
	SuccessInterval time.Duration
	RetryBase       time.Duration
	RetryMax        time.Duration
}

// DefaultRetryPolicy mirrors the production schedule: refresh every 8 hours,
// first retry after 1 hour.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		SuccessInterval: 8 * time.Hour,
		RetryBase:       time.Hour,
		RetryMax:        8 * time.Hour,
	}
}

// FailureDelay returns the retry delay for the given consecutive-failure
// count (1 = first failure).
func (p RetryPolicy) FailureDelay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	delay := p.RetryBase
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= p.RetryMax {
			return p.RetryMax
		}
	}
	if delay > p.RetryMax {
		return p.RetryMax
	}
	return delay
}

// Rotation carries the outcome of a successful token exchange into the store.
// RefreshTokenCipher/RefreshTokenHash are empty when the upstream did not
// rotate the refresh token, in which case the stored values are kept.
type Rotation struct {
	AccessTokenCipher    string
	AccessTokenExpiresAt time.Time
	RefreshTokenCipher   string
	RefreshTokenHash     string
}

// Repository is the durable credential store. Implementations enforce the
// record invariants at this boundary: an access token is never stored without
// its expiry, next_refresh_at is always advanced on every write, and writes
// to a single record are atomic.
type Repository interface {
	// Upsert inserts the credential or, when an unrevoked record with the
	// same refresh-token hash exists, overwrites that record in place so a
	// repeated login never duplicates a credential.
	Upsert(ctx context.Context, c *Credential) error

	GetByID(ctx context.Context, id uuid.UUID) (*Credential, error)

	// FindMostRecentActive returns the non-revoked record for the system
	// with the latest last_refreshed_at, or ErrNotFound.
	FindMostRecentActive(ctx context.Context, systemID string) (*Credential, error)

	// FindDueForRefresh returns non-revoked records with next_refresh_at <=
	// now, oldest first, bounded by limit.
	FindDueForRefresh(ctx context.Context, now time.Time, limit int) ([]*Credential, error)

	// RecordSuccess stores a completed exchange: new access-token ciphertext
	// and expiry, refresh-token rotation when present, failure count reset,
	// next_refresh_at advanced by the success interval.
	RecordSuccess(ctx context.Context, id uuid.UUID, now time.Time, rot Rotation) error

	// RecordFailure increments the consecutive-failure counter and schedules
	// the next attempt per the retry policy. Returns the new counter value.
	RecordFailure(ctx context.Context, id uuid.UUID, now time.Time) (int, error)

	// Revoke permanently excludes the credential from refresh and lookup.
	// Records are never physically deleted.
	Revoke(ctx context.Context, id uuid.UUID) error

	List(ctx context.Context, systemID string, limit, offset int) ([]*Credential, int, error)
}
