/*Package access provides utilities for access control
 */
package access

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
)

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

// the predefined context key
const (
	contextKeyAuthorization contextKey = "_authorization_"
)

// Scope is a coarse-grained access level, checked before any per-role
// permission. Every request carries exactly one scope.
type Scope string

const (
	// ScopeAnonymous is assigned when the User-Token header is absent.
	ScopeAnonymous Scope = "anonymous"
	// ScopeAuthenticated is assigned once the User-Token header has been
	// verified against the user's api key.
	ScopeAuthenticated Scope = "authenticated"
	// ScopeAdmin is assigned to users holding the "admin" role.
	ScopeAdmin Scope = "admin"
)

/*Authorization is a context object carrying the identity and roles resolved
from a request's User-Token header.

Authorizations are added to a request context with

  ctx = auth.ContextWithAuthorization(ctx)

and retrieved with

  auth := AuthorizationFromContext(ctx)

*/
type Authorization struct {
	UserID string   `json:"user_id,omitempty"`
	Scope  Scope    `json:"scope"`
	Roles  []string `json:"roles,omitempty"`
}

// HasRole returns true if the authorization contains the requested role;
// otherwise it returns false.
func (a *Authorization) HasRole(role string) bool {
	if a == nil {
		return false
	}
	for _, hasRole := range a.Roles {
		if role == hasRole {
			return true
		}
	}
	return false
}

// IsAdmin returns true if the authorization carries the admin scope.
func (a *Authorization) IsAdmin() bool {
	return a != nil && a.Scope == ScopeAdmin
}

// IsAuthenticated returns true if the authorization resolved to a concrete
// user, whether or not that user is an admin.
func (a *Authorization) IsAuthenticated() bool {
	return a != nil && (a.Scope == ScopeAuthenticated || a.Scope == ScopeAdmin)
}

// IsAuthorizedFor returns true if the authorization satisfies the minimum
// required scope. Scopes are totally ordered: anonymous < authenticated < admin.
func (a *Authorization) IsAuthorizedFor(required Scope) bool {
	have := ScopeAnonymous
	if a != nil {
		have = a.Scope
	}
	rank := map[Scope]int{ScopeAnonymous: 0, ScopeAuthenticated: 1, ScopeAdmin: 2}
	return rank[have] >= rank[required]
}

// ContextWithAuthorization returns a new context with this authorization added to it
func (a *Authorization) ContextWithAuthorization(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKeyAuthorization, a)
}

// AuthorizationFromContext retrieves an authorization from the context. It
// never returns nil: requests without a resolved identity carry an anonymous
// Authorization so callers can call methods on the result unconditionally.
func AuthorizationFromContext(ctx context.Context) *Authorization {
	a, ok := ctx.Value(contextKeyAuthorization).(*Authorization)
	if ok && a != nil {
		return a
	}
	return &Authorization{Scope: ScopeAnonymous}
}

// Cache is an in-memory cache mapping a User-Token header value to the
// Authorization it resolved to, used by the auth middleware to avoid a
// store lookup on every request.
type Cache struct {
	mutex sync.RWMutex
	cache map[string]*Authorization
}

// NewCache creates a new authorization cache
func NewCache() *Cache {
	return &Cache{cache: make(map[string]*Authorization)}
}

// Read returns an authorization from in-process cache.
// This function is goroutine safe.
func (c *Cache) Read(token string) *Authorization {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	auth, ok := c.cache[token]
	if ok {
		return auth
	}
	return nil
}

// Write stores an authorization in the in-memory cache.
// This function is goroutine safe.
func (c *Cache) Write(token string, auth *Authorization) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.cache[token] = auth
}

// Invalidate removes a cached authorization, used when a user's api key changes.
func (c *Cache) Invalidate(token string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.cache, token)
}

// HandleAuthorizationRoute adds a route /authorization GET to the router.
//
// The route returns the current authorization for the caller's User-Token.
func HandleAuthorizationRoute(router *mux.Router) {
	router.HandleFunc("/authorization", func(w http.ResponseWriter, r *http.Request) {
		auth := AuthorizationFromContext(r.Context())
		jsonData, _ := json.MarshalIndent(auth, "", " ")
		w.Header().Set("Content-Type", "application/json")
		w.Write(jsonData)
	}).Methods(http.MethodGet)
}
