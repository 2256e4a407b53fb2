package httpx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/rajatrajputdev/megance-inventory/internal/inventory"
)

var ErrInvalidToken = errors.New("invalid identity token")

type callerKey struct{}

// CallerFrom returns the identity attached by Identity, if any.
func CallerFrom(ctx context.Context) *inventory.Caller {
	c, _ := ctx.Value(callerKey{}).(*inventory.Caller)
	return c
}

// SignToken issues the "uid.signature" bearer token the auth service hands
// to signed-in customers.
func SignToken(secret []byte, uid string) string {
	return uid + "." + signature(secret, uid)
}

// VerifyToken returns the user id carried by a valid token.
func VerifyToken(secret []byte, token string) (string, error) {
	i := strings.LastIndexByte(token, '.')
	if len(secret) == 0 || i <= 0 || i == len(token)-1 {
		return "", ErrInvalidToken
	}
	uid, sig := token[:i], token[i+1:]
	if !hmac.Equal([]byte(sig), []byte(signature(secret, uid))) {
		return "", ErrInvalidToken
	}
	return uid, nil
}

func signature(secret []byte, uid string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(uid))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Identity resolves the bearer token into a caller. Requests without a valid
// token pass through anonymously; the service decides whether that is allowed.
func Identity(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				next.ServeHTTP(w, r)
				return
			}
			uid, err := VerifyToken(secret, strings.TrimSpace(token))
			if err != nil {
				log.Debug().Str("remote_addr", r.RemoteAddr).Msg("httpx: rejected bearer token")
				next.ServeHTTP(w, r)
				return
			}
			ctx := context.WithValue(r.Context(), callerKey{}, &inventory.Caller{UserID: uid})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminKey guards operator routes with X-API-Key. No configured keys means
// every admin request is refused.
func AdminKey(keys []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				writeError(w, inventory.CodeUnauthenticated, "API key required")
				return
			}
			if !validKey(keys, key) {
				log.Warn().Str("remote_addr", r.RemoteAddr).Msg("httpx: invalid admin API key")
				writeError(w, inventory.CodePermissionDenied, "invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func validKey(keys []string, key string) bool {
	for _, k := range keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			return true
		}
	}
	return false
}
