package server

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/alexjbarnes/htsp-sync/internal/config"
	"golang.org/x/crypto/bcrypt"
)

type contextKey int

const (
	ctxKeyName contextKey = iota
	ctxRemoteIP
)

const wwwAuthenticate = `Bearer realm="htsp-sync"`

// RequestKeyName returns the name of the API key that authenticated the
// request, or "".
func RequestKeyName(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyName).(string)
	return v
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// keyVerifier checks bearer tokens against bcrypt hashes. bcrypt is slow
// on purpose, so tokens that verified once are remembered by their
// SHA-256 digest.
type keyVerifier struct {
	keys []config.APIKeyEntry

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]string
}

func newKeyVerifier(keys []config.APIKeyEntry) *keyVerifier {
	return &keyVerifier{
		keys:     keys,
		verified: make(map[[sha256.Size]byte]string),
	}
}

// verify returns the name of the key matching token.
func (v *keyVerifier) verify(token string) (string, bool) {
	sum := sha256.Sum256([]byte(token))

	v.mu.RLock()
	name, ok := v.verified[sum]
	v.mu.RUnlock()

	if ok {
		return name, true
	}

	for _, k := range v.keys {
		if bcrypt.CompareHashAndPassword([]byte(k.Hash), []byte(token)) == nil {
			v.mu.Lock()
			v.verified[sum] = k.Name
			v.mu.Unlock()

			return k.Name, true
		}
	}

	return "", false
}

// APIKeyMiddleware returns HTTP middleware that accepts only requests
// carrying "Authorization: Bearer <key>" for one of keys. Rejected
// requests get a 401 with a WWW-Authenticate challenge.
func APIKeyMiddleware(keys []config.APIKeyEntry, logger *slog.Logger) func(http.Handler) http.Handler {
	verifier := newKeyVerifier(keys)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthenticate)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			name, ok := verifier.verify(strings.TrimPrefix(authHeader, "Bearer "))
			if !ok {
				logger.Warn("middleware: invalid API key",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthenticate+`, error="invalid_token"`)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			logger.Debug("middleware: authenticated via API key",
				slog.String("key", name),
				slog.String("ip", ip),
			)

			ctx := r.Context()
			ctx = context.WithValue(ctx, ctxKeyName, name)
			ctx = context.WithValue(ctx, ctxRemoteIP, ip)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
