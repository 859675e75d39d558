// Package dispatcher selects the best available credential for a job. It
// ranks candidates by admission availability, recent failures, and least
// recent use; it never acquires admission slots itself.
package dispatcher

import (
	"errors"
	"sort"

	"github.com/flowproxy/flow-proxy/internal/admission"
	"github.com/flowproxy/flow-proxy/internal/credential"
)

// ErrNoAvailableCredential is returned when no enabled, unbanned credential
// exists in the pool.
var ErrNoAvailableCredential = errors.New("no available credential")

// JobKind is the capability a job needs from a credential.
type JobKind string

const (
	// JobImage is a synchronous image generation job.
	JobImage JobKind = "image"
	// JobVideo is an asynchronous video generation job.
	JobVideo JobKind = "video"
)

// Pool is the read surface the dispatcher needs from the credential store.
type Pool interface {
	ListActive() []credential.Credential
}

// Dispatcher ranks and picks credentials.
type Dispatcher struct {
	pool      Pool
	admission admission.Controller
}

// New creates a Dispatcher over the given pool and admission controller.
func New(pool Pool, ctrl admission.Controller) *Dispatcher {
	return &Dispatcher{pool: pool, admission: ctrl}
}

// Select returns the best candidate credential for the job, or
// ErrNoAvailableCredential if none qualify. The caller performs the actual
// admission acquire; on an acquisition race it should call Select again.
func (d *Dispatcher) Select(kind JobKind) (credential.Credential, error) {
	candidates := d.pool.ListActive()
	if len(candidates) == 0 {
		return credential.Credential{}, ErrNoAvailableCredential
	}

	type scored struct {
		cred      credential.Credential
		available int
	}
	ranked := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		ranked = append(ranked, scored{cred: c, available: d.admission.Available(c.ID)})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		// Credentials with free admission slots first.
		if (a.available > 0) != (b.available > 0) {
			return a.available > 0
		}
		// Then the healthier one.
		if a.cred.ErrorCount != b.cred.ErrorCount {
			return a.cred.ErrorCount < b.cred.ErrorCount
		}
		// Then least recently used, to spread load.
		if !a.cred.LastUsedAt.Equal(b.cred.LastUsedAt) {
			return a.cred.LastUsedAt.Before(b.cred.LastUsedAt)
		}
		// Deterministic tie break.
		return a.cred.ID < b.cred.ID
	})

	return ranked[0].cred, nil
}
