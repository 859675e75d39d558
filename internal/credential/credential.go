// Package credential owns the pool of upstream identities: session tokens,
// derived access tokens, health counters, and ban state. The store is the
// single writer surface for credential health; the dispatcher only reads.
package credential

import (
	"time"
)

// BanKind classifies why a credential is suspended from dispatch.
type BanKind string

const (
	// BanNone means the credential is not banned.
	BanNone BanKind = ""

	// BanRateLimited is a time-boxed ban applied on upstream throttling or
	// on crossing the consecutive-error threshold. The periodic sweep lifts
	// it once the expiry passes.
	BanRateLimited BanKind = "rate_limited"

	// BanHardError is a durable ban (invalid session token, failed token
	// re-derivation). Only an explicit re-enable lifts it.
	BanHardError BanKind = "hard_error"
)

// FailureKind classifies a recorded failure for health accounting.
type FailureKind string

const (
	// FailureGeneric is any upstream error that is not throttling or auth.
	FailureGeneric FailureKind = "generic"

	// FailureRateLimit is an upstream throttling signal (429 and friends).
	FailureRateLimit FailureKind = "rate_limit"

	// FailureAuth is an authentication failure against the session token.
	FailureAuth FailureKind = "auth"
)

// Credential is one unit of upstream identity and quota.
type Credential struct {
	ID           int64
	SessionToken string

	// AccessToken is derived from the session token and expires; it is never
	// used past AccessTokenExpiry without re-derivation.
	AccessToken       string
	AccessTokenExpiry time.Time

	// Credits is advisory only: refreshed on demand, never used to block
	// dispatch by itself.
	Credits     int
	PaygateTier string

	// ProjectID is the lazily created upstream project bound to this
	// credential; empty until first use.
	ProjectID string

	Enabled     bool
	ErrorCount  int
	Ban         BanKind
	BanExpires  *time.Time
	LastUsedAt  time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Banned reports whether a ban is active at the given instant. Hard-error
// bans never expire on their own.
func (c *Credential) Banned(now time.Time) bool {
	switch c.Ban {
	case BanNone:
		return false
	case BanHardError:
		return true
	default:
		return c.BanExpires == nil || now.Before(*c.BanExpires)
	}
}

// Selectable reports whether the dispatcher may consider this credential.
func (c *Credential) Selectable(now time.Time) bool {
	return c.Enabled && !c.Banned(now)
}

// AccessTokenValid reports whether the derived access token can still be
// used at the given instant. A small safety margin guards against using a
// token that expires mid-call.
func (c *Credential) AccessTokenValid(now time.Time) bool {
	if c.AccessToken == "" {
		return false
	}
	return now.Add(accessTokenSafetyMargin).Before(c.AccessTokenExpiry)
}

const accessTokenSafetyMargin = 2 * time.Minute
