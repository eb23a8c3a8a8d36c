package api

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/relabs-tech/geodds/core/access"
	"github.com/relabs-tech/geodds/internal/apierr"
	"github.com/relabs-tech/geodds/internal/store"
)

// authenticate parses the User-Token header and resolves an Authorization,
// implementing the contract of spec §4.1: empty token -> anonymous;
// malformed token -> 400; mismatched key -> AuthenticationFailed.
//
// A token that fails to resolve is rejected here with its error response.
// Otherwise the resolved Authorization is attached to the request context,
// and each handler enforces its own minimum scope or request ownership,
// since different routes require different access.
func (s *Server) authenticate(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("User-Token")
		if token == "" {
			auth := &access.Authorization{Scope: access.ScopeAnonymous}
			r = r.WithContext(auth.ContextWithAuthorization(r.Context()))
			h.ServeHTTP(w, r)
			return
		}

		auth, apiErr := s.resolveToken(token)
		if apiErr != nil {
			apiErr.WriteJSON(w)
			return
		}
		r = r.WithContext(auth.ContextWithAuthorization(r.Context()))
		h.ServeHTTP(w, r)
	})
}

func (s *Server) resolveToken(token string) (*access.Authorization, *apierr.Error) {
	if cached := s.authCache.Read(token); cached != nil {
		return cached, nil
	}

	i := strings.IndexByte(token, ':')
	if i < 0 || strings.IndexByte(token[i+1:], ':') >= 0 {
		return nil, apierr.ImproperUserToken()
	}
	idPart, keyPart := token[:i], token[i+1:]
	if idPart == "" || keyPart == "" {
		return nil, apierr.EmptyUserToken()
	}
	userID, err := uuid.Parse(idPart)
	if err != nil {
		return nil, apierr.ImproperUserToken()
	}

	u, ok, err := s.store.AuthenticateUser(userID, keyPart)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	if !ok {
		return nil, apierr.AuthenticationFailed()
	}

	scope := access.ScopeAuthenticated
	for _, role := range u.Roles {
		if role == store.RoleAdmin {
			scope = access.ScopeAdmin
			break
		}
	}
	auth := &access.Authorization{UserID: u.UserID.String(), Scope: scope, Roles: u.Roles}
	s.authCache.Write(token, auth)
	return auth, nil
}
