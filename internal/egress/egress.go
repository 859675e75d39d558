// Package egress maps credentials to upstream egress routes. Each credential
// keeps a sticky outbound proxy for the lifetime of the process, so the
// upstream sees a stable source identity per session token.
package egress

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"go.uber.org/zap"
)

type contextKey string

// credentialIDKey carries the credential ID of the request being routed,
// consulted by Router.ProxyFunc.
const credentialIDKey contextKey = "flow-proxy/egress-credential"

// WithCredentialID embeds the routing credential ID into the context.
func WithCredentialID(parent context.Context, id int64) context.Context {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithValue(parent, credentialIDKey, id)
}

// CredentialIDFromContext retrieves the routing credential ID if present.
func CredentialIDFromContext(ctx context.Context) (int64, bool) {
	if ctx == nil {
		return 0, false
	}
	id, ok := ctx.Value(credentialIDKey).(int64)
	return id, ok
}

// Router assigns egress proxies to credentials. Assignment is sticky until
// the route is rotated after a network fault. With an empty proxy list every
// credential routes direct.
type Router struct {
	mu      sync.Mutex
	proxies []*url.URL
	routes  map[int64]int
	next    int
	logger  *zap.Logger
}

// NewRouter parses the configured proxy URLs. Invalid entries are rejected
// rather than skipped so misconfiguration surfaces at startup.
func NewRouter(proxies []string, logger *zap.Logger) (*Router, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	parsed := make([]*url.URL, 0, len(proxies))
	for _, raw := range proxies {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid egress proxy %q: %w", raw, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid egress proxy %q: missing scheme or host", raw)
		}
		parsed = append(parsed, u)
	}
	return &Router{
		proxies: parsed,
		routes:  make(map[int64]int),
		logger:  logger,
	}, nil
}

// Route returns the sticky proxy for a credential, assigning one round-robin
// on first use. A nil URL means direct egress.
func (r *Router) Route(id int64) *url.URL {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.proxies) == 0 {
		return nil
	}
	idx, ok := r.routes[id]
	if !ok {
		idx = r.next % len(r.proxies)
		r.routes[id] = idx
		r.next++
		r.logger.Debug("assigned egress route",
			zap.Int64("credential_id", id),
			zap.String("proxy", r.proxies[idx].Host))
	}
	return r.proxies[idx]
}

// Rotate moves a credential to the next proxy after its current route
// produced a network fault. With one or zero proxies it is a no-op.
func (r *Router) Rotate(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.proxies) < 2 {
		return
	}
	idx, ok := r.routes[id]
	if !ok {
		return
	}
	next := (idx + 1) % len(r.proxies)
	r.routes[id] = next
	r.logger.Info("rotated egress route",
		zap.Int64("credential_id", id),
		zap.String("from", r.proxies[idx].Host),
		zap.String("to", r.proxies[next].Host))
}

// Forget drops a credential's route. The next request reassigns round-robin.
func (r *Router) Forget(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, id)
}

// ProxyFunc adapts the router to http.Transport.Proxy. The credential ID is
// read from the request context; requests without one route direct.
func (r *Router) ProxyFunc() func(*http.Request) (*url.URL, error) {
	return func(req *http.Request) (*url.URL, error) {
		id, ok := CredentialIDFromContext(req.Context())
		if !ok {
			return nil, nil
		}
		return r.Route(id), nil
	}
}
