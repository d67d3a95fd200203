package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type repoPG struct {
	pool   *pgxpool.Pool
	policy RetryPolicy
}

// NewRepoPG creates the PostgreSQL credential repository. All interval
// arithmetic happens inside single UPDATE statements, so concurrent
// RecordSuccess/RecordFailure calls on one record serialize at the row and
// can never interleave into a half-written state.
func NewRepoPG(pool *pgxpool.Pool, policy RetryPolicy) Repository {
	return &repoPG{pool: pool, policy: policy}
}

const credentialCols = `id, system_id, access_token_cipher, refresh_token_cipher, refresh_token_hash,
	access_token_expires_at, last_refreshed_at, next_refresh_at,
	refresh_failure_count, revoked, created_at, updated_at`

func scanCredential(row pgx.Row) (*Credential, error) {
	c := &Credential{}
	err := row.Scan(
		&c.ID, &c.SystemID, &c.AccessTokenCipher, &c.RefreshTokenCipher, &c.RefreshTokenHash,
		&c.AccessTokenExpiresAt, &c.LastRefreshedAt, &c.NextRefreshAt,
		&c.RefreshFailureCount, &c.Revoked, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan credential: %w", err)
	}
	return c, nil
}

func (r *repoPG) Upsert(ctx context.Context, c *Credential) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.SystemID == "" {
		c.SystemID = DefaultSystemID
	}

	// The conflict target is the partial unique index on unrevoked hashes, so
	// repeating a login with the same refresh token updates in place.
	row := r.pool.QueryRow(ctx, `
		INSERT INTO edm_credential (
			id, system_id, access_token_cipher, refresh_token_cipher, refresh_token_hash,
			access_token_expires_at, last_refreshed_at, next_refresh_at,
			refresh_failure_count, revoked
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (refresh_token_hash) WHERE NOT revoked DO UPDATE SET
			access_token_cipher = EXCLUDED.access_token_cipher,
			refresh_token_cipher = EXCLUDED.refresh_token_cipher,
			access_token_expires_at = EXCLUDED.access_token_expires_at,
			last_refreshed_at = EXCLUDED.last_refreshed_at,
			next_refresh_at = EXCLUDED.next_refresh_at,
			refresh_failure_count = 0,
			revoked = FALSE,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`,
		c.ID, c.SystemID, c.AccessTokenCipher, c.RefreshTokenCipher, c.RefreshTokenHash,
		c.AccessTokenExpiresAt, c.LastRefreshedAt, c.NextRefreshAt,
		c.RefreshFailureCount, c.Revoked,
	)
	if err := row.Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Credential, error) {
	return scanCredential(r.pool.QueryRow(ctx,
		`SELECT `+credentialCols+` FROM edm_credential WHERE id = $1`, id))
}

func (r *repoPG) FindMostRecentActive(ctx context.Context, systemID string) (*Credential, error) {
	return scanCredential(r.pool.QueryRow(ctx,
		`SELECT `+credentialCols+` FROM edm_credential
		 WHERE system_id = $1 AND NOT revoked
		 ORDER BY last_refreshed_at DESC
		 LIMIT 1`, systemID))
}

func (r *repoPG) FindDueForRefresh(ctx context.Context, now time.Time, limit int) ([]*Credential, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+credentialCols+` FROM edm_credential
		 WHERE NOT revoked AND next_refresh_at <= $1
		 ORDER BY next_refresh_at ASC
		 LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due credentials: %w", err)
	}
	defer rows.Close()

	var due []*Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due credentials: %w", err)
	}
	return due, nil
}

func (r *repoPG) RecordSuccess(ctx context.Context, id uuid.UUID, now time.Time, rot Rotation) error {
	// Refresh-token fields are overwritten only when the exchange rotated
	// the token; COALESCE/NULLIF keeps the stored values otherwise.
	tag, err := r.pool.Exec(ctx, `
		UPDATE edm_credential SET
			access_token_cipher = $2,
			access_token_expires_at = $3,
			refresh_token_cipher = COALESCE(NULLIF($4, ''), refresh_token_cipher),
			refresh_token_hash = COALESCE(NULLIF($5, ''), refresh_token_hash),
			last_refreshed_at = $6,
			next_refresh_at = $6 + make_interval(secs => $7),
			refresh_failure_count = 0,
			updated_at = NOW()
		WHERE id = $1`,
		id, rot.AccessTokenCipher, rot.AccessTokenExpiresAt,
		rot.RefreshTokenCipher, rot.RefreshTokenHash,
		now, r.policy.SuccessInterval.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("record refresh success: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) RecordFailure(ctx context.Context, id uuid.UUID, now time.Time) (int, error) {
	// The retry delay doubles with the pre-increment failure count (0 -> base
	// delay on the first failure), capped at RetryMax, computed inside the
	// UPDATE so the increment and the reschedule are one atomic write.
	var count int
	err := r.pool.QueryRow(ctx, `
		UPDATE edm_credential SET
			refresh_failure_count = refresh_failure_count + 1,
			next_refresh_at = $2 + make_interval(secs => LEAST($3 * power(2, refresh_failure_count), $4)),
			updated_at = NOW()
		WHERE id = $1
		RETURNING refresh_failure_count`,
		id, now, r.policy.RetryBase.Seconds(), r.policy.RetryMax.Seconds(),
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("record refresh failure: %w", err)
	}
	return count, nil
}

func (r *repoPG) Revoke(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE edm_credential SET revoked = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("revoke credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, systemID string, limit, offset int) ([]*Credential, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM edm_credential WHERE system_id = $1`, systemID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count credentials: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+credentialCols+` FROM edm_credential
		 WHERE system_id = $1
		 ORDER BY last_refreshed_at DESC
		 LIMIT $2 OFFSET $3`, systemID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var creds []*Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, 0, err
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate credentials: %w", err)
	}
	return creds, total, nil
}
