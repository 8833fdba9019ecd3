package guardkit

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Middleware provides HTTP middleware for authentication, provenance capture
// and permission checks. Routing is left to the caller.
type Middleware struct {
	service       *Service
	getIdentityID func(*http.Request) (int64, bool)
	errorHandler  func(http.ResponseWriter, *http.Request, error)
}

// MiddlewareOption configures the Middleware.
type MiddlewareOption func(*Middleware)

// NewMiddleware creates a new Middleware instance.
//
// Example:
//
//	mw := guardkit.NewMiddleware(service)
//	handler := mw.InjectProvenance()(mw.Authenticate(tokens)(
//	    mw.RequirePermission("tasks", guardkit.ActionRead)(listTasks)))
func NewMiddleware(service *Service, opts ...MiddlewareOption) *Middleware {
	m := &Middleware{
		service:       service,
		getIdentityID: defaultGetIdentityID,
		errorHandler:  defaultErrorHandler,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// WithIdentityExtractor sets a custom function to extract the identity from a request.
func WithIdentityExtractor(fn func(*http.Request) (int64, bool)) MiddlewareOption {
	return func(m *Middleware) {
		m.getIdentityID = fn
	}
}

// WithErrorHandler sets a custom error handler for middleware.
func WithErrorHandler(fn func(http.ResponseWriter, *http.Request, error)) MiddlewareOption {
	return func(m *Middleware) {
		m.errorHandler = fn
	}
}

func defaultGetIdentityID(r *http.Request) (int64, bool) {
	return IdentityIDFromContext(r.Context())
}

func defaultErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	status := HTTPStatus(err)
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	http.Error(w, http.StatusText(status), status)
}

// IdentityResolver maps a bearer credential to an identity. The boolean is
// false when the credential is unknown.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, credential string) (int64, bool, error)
}

// IdentityResolverFunc adapts a function to IdentityResolver.
type IdentityResolverFunc func(ctx context.Context, credential string) (int64, bool, error)

// ResolveIdentity calls f.
func (f IdentityResolverFunc) ResolveIdentity(ctx context.Context, credential string) (int64, bool, error) {
	return f(ctx, credential)
}

// InjectProvenance captures request metadata into the context so audit
// entries written while serving the request carry it. A request id is
// generated when the client did not send X-Request-ID.
//
// Example:
//
//	http.Handle("/", mw.InjectProvenance()(mux))
func (m *Middleware) InjectProvenance() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}
			w.Header().Set("X-Request-ID", requestID)

			ctx := WithProvenance(r.Context(), Provenance{
				IPAddress: clientIP(r),
				UserAgent: r.UserAgent(),
				Endpoint:  r.URL.Path,
				Method:    r.Method,
				RequestID: requestID,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// connection's remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// Authenticate resolves the bearer credential to a live, active identity and
// stores it in the context as both the authenticated identity and the actor.
// Missing or unknown credentials yield 401; inactive identities yield 403.
func (m *Middleware) Authenticate(resolver IdentityResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			credential, ok := bearerToken(r)
			if !ok {
				m.errorHandler(w, r, NewError(ErrUnauthenticated, "missing bearer credential"))
				return
			}

			identityID, found, err := resolver.ResolveIdentity(ctx, credential)
			if err != nil {
				m.errorHandler(w, r, err)
				return
			}
			if !found {
				m.errorHandler(w, r, NewError(ErrUnauthenticated, "unknown credential"))
				return
			}

			identity, err := m.service.GetIdentity(ctx, identityID)
			if IsNotFound(err) {
				m.errorHandler(w, r, NewError(ErrUnauthenticated, "unknown identity").WithIdentity(identityID))
				return
			}
			if err != nil {
				m.errorHandler(w, r, err)
				return
			}
			if !identity.IsActive {
				m.service.logger.Info("inactive identity rejected", zap.Int64("identity_id", identityID))
				m.errorHandler(w, r, NewError(ErrInactiveIdentity, identity.Label()).WithIdentity(identityID))
				return
			}

			ctx = WithIdentityID(ctx, identity.ID)
			ctx = WithActor(ctx, identity.Actor())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// RequirePermission creates middleware that requires a component-level grant
// of action. Resource-level checks on a specific owner belong in the handler.
//
// Example:
//
//	mux.Handle("POST /tasks", mw.RequirePermission("tasks", guardkit.ActionCreate)(createTask))
func (m *Middleware) RequirePermission(component string, action Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			identityID, ok := m.getIdentityID(r)
			if !ok {
				m.errorHandler(w, r, ErrUnauthenticated)
				return
			}

			resolved, err := m.service.Resolve(ctx, identityID, component)
			if err != nil {
				m.errorHandler(w, r, err)
				return
			}
			if !resolved.Scope(action).Granted() {
				m.errorHandler(w, r, deniedError(identityID, component, action))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin creates middleware that admits only administrators.
func (m *Middleware) RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			identityID, ok := m.getIdentityID(r)
			if !ok {
				m.errorHandler(w, r, ErrUnauthenticated)
				return
			}

			identity, err := m.service.GetIdentity(ctx, identityID)
			if err != nil {
				m.errorHandler(w, r, err)
				return
			}
			if !identity.IsAdmin {
				m.errorHandler(w, r, NewError(ErrPermissionDenied, "administrator required").WithIdentity(identityID))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
