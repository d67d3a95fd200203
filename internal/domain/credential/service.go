package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/edmlink/edmlink/internal/platform/secrets"
)

// FreshnessMargin is the safety window before the stored expiry at which an
// access token stops being served from cache.
const FreshnessMargin = 60 * time.Second

// ServiceConfig tunes the refresh engine.
type ServiceConfig struct {
	Policy RetryPolicy
	// SystemID selects the owning principal; empty means DefaultSystemID.
	SystemID string
	// SweepBatchSize bounds one sweep invocation.
	SweepBatchSize int
	// FailureCeiling auto-revokes a credential once its consecutive-failure
	// count reaches this value. Zero disables auto-revocation.
	FailureCeiling int
}

func (c *ServiceConfig) applyDefaults() {
	if c.SystemID == "" {
		c.SystemID = DefaultSystemID
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = 100
	}
	if c.Policy == (RetryPolicy{}) {
		c.Policy = DefaultRetryPolicy()
	}
}

// Service is the token refresh engine and login initiator. It owns the
// per-credential state machine: serve a fresh access token from cache, or
// exchange the refresh token and persist the result before returning.
type Service struct {
	repo      Repository
	cipher    *secrets.TokenCipher
	exchanger TokenExchanger
	logger    zerolog.Logger
	cfg       ServiceConfig

	// Per-credential locks serialize the stale->refresh transition inside
	// this process, so concurrent callers on one stale credential trigger a
	// single exchange. Cross-process coordination is out of scope.
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// NewService creates a refresh engine over the given store and exchanger.
func NewService(repo Repository, cipher *secrets.TokenCipher, exchanger TokenExchanger, cfg ServiceConfig, logger zerolog.Logger) *Service {
	cfg.applyDefaults()
	return &Service{
		repo:      repo,
		cipher:    cipher,
		exchanger: exchanger,
		logger:    logger,
		cfg:       cfg,
		locks:     make(map[uuid.UUID]*sync.Mutex),
	}
}

func (s *Service) lockFor(id uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Login performs the initial resource-owner-password exchange and seeds the
// store. Repeating a login that yields the same refresh token updates the
// existing record rather than creating a second one.
func (s *Service) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	tr, err := s.exchanger.PasswordGrant(ctx, username, password)
	if err != nil {
		var gerr *GrantError
		if errors.As(err, &gerr) {
			// 4xx means the EDM rejected the credentials; anything else is
			// the endpoint being down, which is not the caller's fault.
			if gerr.Status >= 400 && gerr.Status < 500 {
				return nil, fmt.Errorf("%w: %w", ErrInvalidCredentials, gerr)
			}
			return nil, fmt.Errorf("EDM token endpoint unavailable: %w", gerr)
		}
		return nil, err
	}
	if tr.RefreshToken == "" {
		// Without a refresh token there is no lifecycle to manage; this is
		// fatal for the login attempt, not recoverable.
		return nil, fmt.Errorf("login response has no refresh_token: %w", ErrProtocol)
	}

	now := time.Now()
	cred := &Credential{
		SystemID:        s.cfg.SystemID,
		LastRefreshedAt: now,
		NextRefreshAt:   now.Add(s.cfg.Policy.SuccessInterval),
	}

	refreshCipher, err := s.cipher.Encrypt(tr.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt refresh token: %w", err)
	}
	cred.RefreshTokenCipher = refreshCipher
	cred.RefreshTokenHash = secrets.Fingerprint(tr.RefreshToken)

	if tr.AccessToken != "" && tr.ExpiresIn > 0 {
		accessCipher, err := s.cipher.Encrypt(tr.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("encrypt access token: %w", err)
		}
		expiresAt := now.Add(time.Duration(tr.ExpiresIn) * time.Second)
		cred.AccessTokenCipher = &accessCipher
		cred.AccessTokenExpiresAt = &expiresAt
	}

	if err := s.repo.Upsert(ctx, cred); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("credential_id", cred.ID.String()).
		Time("next_refresh_at", cred.NextRefreshAt).
		Msg("EDM login succeeded")

	return &LoginResult{ID: cred.ID, NextRefreshAt: cred.NextRefreshAt}, nil
}

// AccessToken returns a currently-valid access token for the active
// credential, refreshing it first when stale or absent. A failed refresh
// surfaces as ErrRefreshFailed; a stale token is never substituted.
func (s *Service) AccessToken(ctx context.Context) (string, error) {
	cred, err := s.repo.FindMostRecentActive(ctx, s.cfg.SystemID)
	if err != nil {
		return "", err
	}
	return s.tokenFor(ctx, cred)
}

func (s *Service) tokenFor(ctx context.Context, cred *Credential) (string, error) {
	now := time.Now()
	if cred.HasFreshAccessToken(now, FreshnessMargin) {
		return s.cipher.Decrypt(*cred.AccessTokenCipher)
	}

	lock := s.lockFor(cred.ID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock: the racing caller that held the lock first has
	// usually refreshed the record already.
	fresh, err := s.repo.GetByID(ctx, cred.ID)
	if err != nil {
		return "", err
	}
	if fresh.Revoked {
		return "", ErrRevoked
	}
	if fresh.HasFreshAccessToken(time.Now(), FreshnessMargin) {
		return s.cipher.Decrypt(*fresh.AccessTokenCipher)
	}

	return s.refreshLocked(ctx, fresh)
}

// refreshLocked performs one refresh-token exchange and persists the outcome.
// The caller must hold the credential's lock. The store write happens after
// the network call resolves and before control returns, so a caller never
// observes success without the persisted state.
func (s *Service) refreshLocked(ctx context.Context, cred *Credential) (string, error) {
	refreshToken, err := s.cipher.Decrypt(cred.RefreshTokenCipher)
	if err != nil {
		return "", fmt.Errorf("credential %s: %w", cred.ID, err)
	}

	tr, err := s.exchanger.RefreshGrant(ctx, refreshToken)
	if err != nil {
		count, recErr := s.repo.RecordFailure(ctx, cred.ID, time.Now())
		if recErr != nil {
			return "", recErr
		}
		s.logger.Warn().
			Str("credential_id", cred.ID.String()).
			Int("failure_count", count).
			Err(err).
			Msg("EDM refresh exchange failed")

		if s.cfg.FailureCeiling > 0 && count >= s.cfg.FailureCeiling {
			if revErr := s.repo.Revoke(ctx, cred.ID); revErr != nil {
				s.logger.Error().Err(revErr).
					Str("credential_id", cred.ID.String()).
					Msg("auto-revoke after failure ceiling failed")
			} else {
				s.logger.Error().
					Str("credential_id", cred.ID.String()).
					Int("failure_count", count).
					Msg("credential auto-revoked after reaching failure ceiling")
			}
		}
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	now := time.Now()
	rot := Rotation{AccessTokenExpiresAt: now.Add(time.Duration(tr.ExpiresIn) * time.Second)}

	rot.AccessTokenCipher, err = s.cipher.Encrypt(tr.AccessToken)
	if err != nil {
		return "", fmt.Errorf("encrypt access token: %w", err)
	}
	if tr.RefreshToken != "" && tr.RefreshToken != refreshToken {
		rot.RefreshTokenCipher, err = s.cipher.Encrypt(tr.RefreshToken)
		if err != nil {
			return "", fmt.Errorf("encrypt rotated refresh token: %w", err)
		}
		rot.RefreshTokenHash = secrets.Fingerprint(tr.RefreshToken)
	}

	if err := s.repo.RecordSuccess(ctx, cred.ID, now, rot); err != nil {
		return "", err
	}

	s.logger.Info().
		Str("credential_id", cred.ID.String()).
		Bool("refresh_token_rotated", rot.RefreshTokenHash != "").
		Msg("EDM tokens refreshed")

	return tr.AccessToken, nil
}

// RefreshAllDue refreshes every credential whose scheduled refresh time has
// arrived, up to the configured batch size. Each record is exchanged and
// persisted independently; one failure never aborts the batch.
func (s *Service) RefreshAllDue(ctx context.Context, now time.Time) ([]SweepResult, error) {
	due, err := s.repo.FindDueForRefresh(ctx, now, s.cfg.SweepBatchSize)
	if err != nil {
		return nil, err
	}

	results := make([]SweepResult, 0, len(due))
	for _, cred := range due {
		results = append(results, s.sweepOne(ctx, cred))
	}

	s.logger.Info().
		Int("due", len(due)).
		Msg("EDM refresh sweep completed")

	return results, nil
}

func (s *Service) sweepOne(ctx context.Context, cred *Credential) SweepResult {
	lock := s.lockFor(cred.ID)
	lock.Lock()
	defer lock.Unlock()

	// An on-demand caller may have refreshed this record while the sweep was
	// iterating; re-read and skip when it is no longer due.
	fresh, err := s.repo.GetByID(ctx, cred.ID)
	if err != nil {
		return SweepResult{ID: cred.ID, OK: false, Detail: err.Error()}
	}
	if fresh.Revoked {
		return SweepResult{ID: cred.ID, OK: false, Detail: "revoked"}
	}
	if fresh.NextRefreshAt.After(time.Now()) {
		return SweepResult{ID: cred.ID, OK: true, Detail: "already refreshed"}
	}

	if _, err := s.refreshLocked(ctx, fresh); err != nil {
		return SweepResult{ID: cred.ID, OK: false, Detail: err.Error()}
	}
	return SweepResult{ID: cred.ID, OK: true}
}

// Revoke logically destroys a credential; it is excluded from refresh and
// lookup from now on.
func (s *Service) Revoke(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.Revoke(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Str("credential_id", id.String()).Msg("credential revoked")
	return nil
}

// ListMetadata returns operator-facing credential metadata, never ciphertext.
func (s *Service) ListMetadata(ctx context.Context, limit, offset int) ([]Metadata, int, error) {
	creds, total, err := s.repo.List(ctx, s.cfg.SystemID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	metas := make([]Metadata, 0, len(creds))
	for _, c := range creds {
		metas = append(metas, c.Meta())
	}
	return metas, total, nil
}
