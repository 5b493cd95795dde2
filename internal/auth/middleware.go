package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
)

var sessionCookies = []string{"better-auth.session_token", "__Secure-better-auth.session_token"}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok && id.UserID != ""
}

// Middleware attaches the session's identity to the request context when a
// valid session token is presented. Requests without one pass through
// anonymously; RequireIdentity guards the routes that need a shopper.
func Middleware(store SessionStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := tokenFromRequest(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			id, err := store.Lookup(r.Context(), token)
			if err != nil {
				if !errors.Is(err, ErrSessionNotFound) {
					log.Error().Err(err).Msg("auth: session lookup failed, treating request as anonymous")
				}
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), *id)))
		})
	}
}

func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := FromContext(r.Context()); !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "Unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// tokenFromRequest prefers a bearer token over the session cookie. Either may
// carry "<token>.<signature>"; only the token is stored server side.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if bearer, ok := strings.CutPrefix(h, "Bearer "); ok {
			token, _, _ := strings.Cut(strings.TrimSpace(bearer), ".")
			return token
		}
	}

	for _, name := range sessionCookies {
		c, err := r.Cookie(name)
		if err != nil || c.Value == "" {
			continue
		}
		value, err := url.QueryUnescape(c.Value)
		if err != nil {
			value = c.Value
		}
		token, _, _ := strings.Cut(value, ".")
		return token
	}
	return ""
}
