package handler

import (
	"context"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/iotmca0/autovolt-sub001/internal/apperr"
	"github.com/iotmca0/autovolt-sub001/internal/auth"
	"github.com/iotmca0/autovolt-sub001/internal/model"

	"go.uber.org/zap"
)

// Context keys. Uses unexported struct types as context keys to guarantee
// uniqueness across packages — no risk of collision with string-based keys.
type identityKeyType struct{}

var identityKey = identityKeyType{}

// IdentityFromContext returns the authenticated identity set by Authenticate.
func IdentityFromContext(ctx context.Context) *auth.Identity {
	id, _ := ctx.Value(identityKey).(*auth.Identity)
	return id
}

// Authenticate resolves the bearer session token into the caller's
// Identity (spec.md §4.1: "all endpoints require a bearer session token
// except authentication"), generalizing the teacher's scheme-dispatching
// Authenticate middleware down to this system's single bearer-session
// scheme.
func Authenticate(sessions *auth.Sessions, resolver *auth.CapabilityResolver, logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				ErrJSON(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			token := strings.TrimPrefix(authHeader, "Bearer ")

			claims, err := sessions.Verify(r.Context(), token)
			if err != nil {
				logger.Debugw("session verify failed", "error", err)
				ErrJSON(w, http.StatusUnauthorized, "invalid or expired session")
				return
			}

			identity, err := resolver.Resolve(r.Context(), claims.Sub)
			if err != nil {
				writeAppErr(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), identityKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireCapability returns a middleware that checks the caller's resolved
// Identity carries cap, generalizing the teacher's scope-based
// RequireScope to this system's flat capability model (spec.md §4.1).
func RequireCapability(cap model.Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := IdentityFromContext(r.Context())
			if id == nil || !id.Has(cap) {
				ErrJSON(w, http.StatusForbidden, "capability "+string(cap)+" required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CORS wraps a handler with permissive CORS headers.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "43200")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Recovery catches panics and returns a 500 response.
func Recovery(logger *zap.SugaredLogger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Errorw("panic recovered", "panic", rec, "stack", string(debug.Stack()))
				ErrJSON(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Wrap applies a chain of middleware wrappers to a handler, outermost first.
func Wrap(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// WrapFunc is like Wrap but accepts an http.HandlerFunc.
func WrapFunc(fn http.HandlerFunc, mws ...func(http.Handler) http.Handler) http.Handler {
	return Wrap(fn, mws...)
}

// writeAppErr maps an apperr.Error (or any error, synthesized as Internal)
// to its JSON envelope and status code.
func writeAppErr(w http.ResponseWriter, err error) {
	e := apperr.As(err)
	JSON(w, e.Kind.StatusCode(), map[string]string{
		"kind":          string(e.Kind),
		"correlationId": e.CorrelationID,
		"message":       e.Message,
	})
}
