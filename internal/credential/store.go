package credential

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when a credential id is unknown to the store.
	ErrNotFound = errors.New("credential not found")
)

// Persister saves credential rows to durable storage. Implementations must
// tolerate being called concurrently for different credentials.
type Persister interface {
	SaveCredential(ctx context.Context, cred Credential) error
	DeleteCredential(ctx context.Context, id int64) error
}

// TokenExchanger derives a fresh access token from a session token.
// The protocol client implements this.
type TokenExchanger interface {
	ExchangeSession(ctx context.Context, sessionToken string) (accessToken string, expiry time.Time, err error)
}

// Options configures health thresholds for a Store.
type Options struct {
	// FailureBanThreshold is the consecutive-error count at which a
	// credential is temporarily banned.
	FailureBanThreshold int

	// RateLimitBanDuration is the length of time-boxed bans.
	RateLimitBanDuration time.Duration
}

// Store holds the in-memory credential pool. Each row carries its own mutex
// so health updates on one credential never contend with another; the outer
// RWMutex only guards the map structure itself.
type Store struct {
	mu   sync.RWMutex
	rows map[int64]*row

	opts    Options
	persist Persister
	logger  *zap.Logger

	// now is replaceable in tests.
	now func() time.Time
}

type row struct {
	mu   sync.Mutex
	cred Credential
}

// NewStore creates a Store with the given health options. persist may be nil
// for a purely in-memory pool (tests); logger may be nil.
func NewStore(opts Options, persist Persister, logger *zap.Logger) *Store {
	if opts.FailureBanThreshold <= 0 {
		opts.FailureBanThreshold = 5
	}
	if opts.RateLimitBanDuration <= 0 {
		opts.RateLimitBanDuration = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		rows:    make(map[int64]*row),
		opts:    opts,
		persist: persist,
		logger:  logger,
		now:     time.Now,
	}
}

// Add inserts or replaces a credential row.
func (s *Store) Add(ctx context.Context, cred Credential) error {
	if cred.ID == 0 {
		return errors.New("credential id must be non-zero")
	}
	now := s.now()
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = now
	}
	cred.UpdatedAt = now

	s.mu.Lock()
	s.rows[cred.ID] = &row{cred: cred}
	s.mu.Unlock()

	return s.save(ctx, cred)
}

// Remove deletes a credential from the pool and durable storage.
func (s *Store) Remove(ctx context.Context, id int64) error {
	s.mu.Lock()
	_, ok := s.rows[id]
	delete(s.rows, id)
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if s.persist != nil {
		if err := s.persist.DeleteCredential(ctx, id); err != nil {
			return fmt.Errorf("delete credential %d: %w", id, err)
		}
	}
	return nil
}

// Get returns a snapshot copy of one credential.
func (s *Store) Get(id int64) (Credential, error) {
	r := s.row(id)
	if r == nil {
		return Credential{}, ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cred, nil
}

// ListActive returns snapshot copies of all credentials currently eligible
// for dispatch, ordered by id for determinism.
func (s *Store) ListActive() []Credential {
	now := s.now()
	return s.list(func(c *Credential) bool { return c.Selectable(now) })
}

// ListAll returns snapshot copies of every credential in the pool.
func (s *Store) ListAll() []Credential {
	return s.list(func(*Credential) bool { return true })
}

func (s *Store) list(keep func(*Credential) bool) []Credential {
	s.mu.RLock()
	rows := make([]*row, 0, len(s.rows))
	for _, r := range s.rows {
		rows = append(rows, r)
	}
	s.mu.RUnlock()

	out := make([]Credential, 0, len(rows))
	for _, r := range rows {
		r.mu.Lock()
		c := r.cred
		r.mu.Unlock()
		if keep(&c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RecordSuccess resets the consecutive-error counter and stamps last use.
func (s *Store) RecordSuccess(ctx context.Context, id int64) error {
	return s.update(ctx, id, func(c *Credential) {
		c.ErrorCount = 0
		c.LastUsedAt = s.now()
	})
}

// RecordFailure increments the error counter and applies bans: an upstream
// rate-limit signal or crossing the threshold yields a time-boxed ban; an
// auth failure yields a hard ban that requires explicit re-enable.
func (s *Store) RecordFailure(ctx context.Context, id int64, kind FailureKind) error {
	return s.update(ctx, id, func(c *Credential) {
		c.ErrorCount++
		c.LastUsedAt = s.now()

		switch kind {
		case FailureAuth:
			c.Ban = BanHardError
			c.BanExpires = nil
		case FailureRateLimit:
			s.applyTimedBan(c)
		default:
			if c.ErrorCount >= s.opts.FailureBanThreshold {
				s.applyTimedBan(c)
			}
		}
	})
}

func (s *Store) applyTimedBan(c *Credential) {
	until := s.now().Add(s.opts.RateLimitBanDuration)
	c.Ban = BanRateLimited
	c.BanExpires = &until
	s.logger.Warn("credential banned",
		zap.Int64("credential_id", c.ID),
		zap.String("kind", string(c.Ban)),
		zap.Time("until", until))
}

// SetEnabled flips the enabled flag. Enabling also clears any ban and the
// error counter, which is the explicit re-enable path for hard bans.
func (s *Store) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	return s.update(ctx, id, func(c *Credential) {
		c.Enabled = enabled
		if enabled {
			c.Ban = BanNone
			c.BanExpires = nil
			c.ErrorCount = 0
		}
	})
}

// SetProjectID persists the lazily created upstream project onto the row.
func (s *Store) SetProjectID(ctx context.Context, id int64, projectID string) error {
	return s.update(ctx, id, func(c *Credential) {
		c.ProjectID = projectID
	})
}

// SetCredits records an advisory credit balance.
func (s *Store) SetCredits(ctx context.Context, id int64, credits int, tier string) error {
	return s.update(ctx, id, func(c *Credential) {
		c.Credits = credits
		if tier != "" {
			c.PaygateTier = tier
		}
	})
}

// RefreshAccessToken re-derives the access token from the session token when
// expired, or unconditionally when force is set (after an auth failure).
// A failed derivation hard-bans the credential.
func (s *Store) RefreshAccessToken(ctx context.Context, id int64, exchanger TokenExchanger, force bool) (string, error) {
	r := s.row(id)
	if r == nil {
		return "", ErrNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !force && r.cred.AccessTokenValid(s.now()) {
		return r.cred.AccessToken, nil
	}

	token, expiry, err := exchanger.ExchangeSession(ctx, r.cred.SessionToken)
	if err != nil {
		r.cred.Ban = BanHardError
		r.cred.BanExpires = nil
		r.cred.UpdatedAt = s.now()
		cred := r.cred
		s.logger.Error("access token derivation failed, credential hard-banned",
			zap.Int64("credential_id", id), zap.Error(err))
		s.saveAsync(cred)
		return "", fmt.Errorf("refresh access token for credential %d: %w", id, err)
	}

	r.cred.AccessToken = token
	r.cred.AccessTokenExpiry = expiry
	r.cred.UpdatedAt = s.now()
	cred := r.cred
	s.saveAsync(cred)
	return token, nil
}

// SweepExpiredBans lifts rate-limit bans whose expiry has passed. A
// rate-limit ban without an expiry is treated as expired so a row loaded
// with a null expiry cannot stay banned forever. Hard-error bans are never
// touched. Returns the number of credentials unbanned.
func (s *Store) SweepExpiredBans(ctx context.Context) int {
	s.mu.RLock()
	rows := make([]*row, 0, len(s.rows))
	for _, r := range s.rows {
		rows = append(rows, r)
	}
	s.mu.RUnlock()

	now := s.now()
	lifted := 0
	for _, r := range rows {
		r.mu.Lock()
		if r.cred.Ban == BanRateLimited && (r.cred.BanExpires == nil || !now.Before(*r.cred.BanExpires)) {
			r.cred.Ban = BanNone
			r.cred.BanExpires = nil
			r.cred.ErrorCount = 0
			r.cred.UpdatedAt = now
			cred := r.cred
			r.mu.Unlock()
			lifted++
			s.logger.Info("ban lifted", zap.Int64("credential_id", cred.ID))
			s.save(ctx, cred)
			continue
		}
		r.mu.Unlock()
	}
	return lifted
}

func (s *Store) row(id int64) *row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows[id]
}

func (s *Store) update(ctx context.Context, id int64, fn func(*Credential)) error {
	r := s.row(id)
	if r == nil {
		return ErrNotFound
	}
	r.mu.Lock()
	fn(&r.cred)
	r.cred.UpdatedAt = s.now()
	cred := r.cred
	r.mu.Unlock()
	return s.save(ctx, cred)
}

// save writes through to durable storage, best effort: persistence errors are
// logged, never propagated into the health path.
func (s *Store) save(ctx context.Context, cred Credential) error {
	if s.persist == nil {
		return nil
	}
	if err := s.persist.SaveCredential(ctx, cred); err != nil {
		s.logger.Error("persist credential failed",
			zap.Int64("credential_id", cred.ID), zap.Error(err))
	}
	return nil
}

func (s *Store) saveAsync(cred Credential) {
	if s.persist == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.persist.SaveCredential(ctx, cred); err != nil {
			s.logger.Error("persist credential failed",
				zap.Int64("credential_id", cred.ID), zap.Error(err))
		}
	}()
}
