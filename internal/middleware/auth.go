package middleware

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/eddieom08-star/sema-slim-companion-sub000/internal/auth"
	"github.com/eddieom08-star/sema-slim-companion-sub000/internal/store"
)

const userIDHeader = "X-User-ID"

// RequireAPIKey authenticates backend clients. Keys look like
// "<client>.<secret>"; the client name selects the row and bcrypt checks
// the secret. The acting end-user id arrives in the X-User-ID header and
// is passed through opaquely.
func RequireAPIKey(clients *store.APIClientStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := bearerToken(r)
			name, secret, ok := strings.Cut(key, ".")
			if !ok || name == "" || secret == "" {
				http.Error(w, "missing api key", http.StatusUnauthorized)
				return
			}

			client, err := clients.GetByName(r.Context(), name)
			if err != nil || client == nil {
				http.Error(w, "invalid api key", http.StatusUnauthorized)
				return
			}
			if bcrypt.CompareHashAndPassword([]byte(client.KeyHash), []byte(secret)) != nil {
				http.Error(w, "invalid api key", http.StatusUnauthorized)
				return
			}

			userID := strings.TrimSpace(r.Header.Get(userIDHeader))
			if userID == "" {
				http.Error(w, "missing "+userIDHeader, http.StatusBadRequest)
				return
			}

			ctx := auth.WithAuth(r.Context(), auth.AuthContext{
				ClientName: client.Name,
				UserID:     userID,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return token
	}
	return ""
}
