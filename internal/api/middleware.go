package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/brwyatt/dffmpeg/internal/auth"
	"github.com/brwyatt/dffmpeg/internal/db"
	"github.com/brwyatt/dffmpeg/internal/metrics"
)

// contextKey is an unexported type for context keys defined in this package.
// Using a custom type prevents collisions with keys defined in other packages.
type contextKey int

const (
	// contextKeyIdentity is the context key under which the authenticated
	// *db.Identity is stored after signature verification.
	contextKeyIdentity contextKey = iota
)

// Authenticate verifies the HMAC signature when authentication headers are
// present and stores the resulting identity in the request context. Requests
// with no authentication headers pass through anonymously with no identity;
// RequireAuth draws the line for endpoints that need one.
//
// The body is consumed here so the signature check covers exactly the bytes
// the handler will decode, then restored for downstream readers.
func Authenticate(authenticator *auth.Authenticator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body []byte
			if r.Body != nil {
				var err error
				body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
				if err != nil {
					ErrBadRequest(w, "Request body too large")
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
			}

			identity, err := authenticator.Authenticate(r, body)
			if err != nil {
				if isAuthVerdict(err) {
					ErrUnauthorized(w, err.Error())
					return
				}
				logger.Error("identity lookup failed", zap.Error(err))
				ErrInternal(w)
				return
			}
			if identity != nil {
				r = r.WithContext(context.WithValue(r.Context(), contextKeyIdentity, identity))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// isAuthVerdict separates authentication verdicts, which become a 401 with
// the verdict text, from infrastructure failures, which become a 500.
func isAuthVerdict(err error) bool {
	return errors.Is(err, auth.ErrIncompleteAuth) ||
		errors.Is(err, auth.ErrUnknownClient) ||
		errors.Is(err, auth.ErrInvalidSignature) ||
		errors.Is(err, auth.ErrAddressNotAllowed)
}

// RequireAuth rejects anonymous requests. It must be used after Authenticate
// in the middleware chain, since it reads the identity from context.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if identityFromCtx(r.Context()) == nil {
			ErrUnauthorized(w, "Authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole returns a middleware that allows the request to proceed only if
// the authenticated caller holds one of the listed roles.
//
// Usage:
//
//	r.With(RequireRole(db.RoleAdmin)).Get("/dashboard", snapshot)
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := identityFromCtx(r.Context())
			if identity == nil {
				ErrUnauthorized(w, "Authentication required")
				return
			}
			if _, ok := allowed[identity.Role]; !ok {
				ErrForbidden(w, "Insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger returns a Chi-compatible middleware that logs each request
// using the provided zap logger and feeds the API request metrics. Chi's
// middleware.RequestID is expected to run before this middleware so that the
// request ID is available in the context.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			elapsed := time.Since(start)

			// The route pattern is only known once routing has run.
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			metrics.ObserveAPIRequest(r.Method, route, ww.Status(), elapsed)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// identityFromCtx retrieves the identity stored by the Authenticate
// middleware. Returns nil if the request is anonymous. The identity carries
// no signing key; the authenticator strips it before it reaches handlers.
func identityFromCtx(ctx context.Context) *db.Identity {
	identity, _ := ctx.Value(contextKeyIdentity).(*db.Identity)
	return identity
}
