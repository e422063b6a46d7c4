package auth

import (
	"context"
	"errors"
	"fmt"

	"rocketcaster/pkg/gemini"
	"rocketcaster/pkg/store"
	"rocketcaster/pkg/types"

	"go.uber.org/zap"
)

type contextKey string

const (
	CredentialContextKey contextKey = "credential"

	// RegisterPath is where unregistered certificates are sent.
	RegisterPath = "/register"
)

// CredentialResolver looks up the credential bound to a fingerprint.
type CredentialResolver interface {
	ResolveFingerprint(ctx context.Context, fingerprint string) (*types.Credential, error)
}

// Middleware wraps gemini handlers in one of the authorization tiers.
// Nothing is cached between requests: every request resolves its identity
// again from the certificate presented on that connection.
type Middleware struct {
	resolver CredentialResolver
	logger   *zap.Logger
}

func NewMiddleware(resolver CredentialResolver, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{
		resolver: resolver,
		logger:   logger,
	}
}

// Wrap returns next guarded by the given tier.
func (m *Middleware) Wrap(tier Tier, next gemini.Handler) gemini.Handler {
	switch tier {
	case Anonymous:
		return next
	case Optional:
		return m.optional(next)
	case Required:
		return m.required(next)
	case CertificateOnly:
		return m.certificateOnly(next)
	default:
		panic(fmt.Sprintf("auth: unknown tier %d", tier))
	}
}

func (m *Middleware) optional(next gemini.Handler) gemini.Handler {
	return gemini.HandlerFunc(func(w gemini.ResponseWriter, r *gemini.Request) {
		cred, err := m.authenticate(r)
		if err != nil {
			if !errors.Is(err, ErrCertificateRequired) && !errors.Is(err, ErrUnregistered) {
				m.logger.Warn("Identity resolution failed, continuing anonymously",
					zap.String("request_id", r.ID),
					zap.Error(err))
			}
			next.ServeGemini(w, r)
			return
		}

		next.ServeGemini(w, r.WithContext(WithCredential(r.Context(), cred)))
	})
}

func (m *Middleware) required(next gemini.Handler) gemini.Handler {
	return gemini.HandlerFunc(func(w gemini.ResponseWriter, r *gemini.Request) {
		cred, err := m.authenticate(r)
		switch {
		case errors.Is(err, ErrCertificateRequired):
			gemini.Error(w, gemini.StatusCertificateRequired, "Certificate required")
			return
		case errors.Is(err, ErrUnregistered):
			gemini.Redirect(w, RegisterPath)
			return
		case err != nil:
			m.logger.Error("Identity resolution failed",
				zap.String("request_id", r.ID),
				zap.Error(err))
			gemini.Error(w, gemini.StatusTemporaryFailure, "Could not verify certificate")
			return
		}

		next.ServeGemini(w, r.WithContext(WithCredential(r.Context(), cred)))
	})
}

func (m *Middleware) certificateOnly(next gemini.Handler) gemini.Handler {
	return gemini.HandlerFunc(func(w gemini.ResponseWriter, r *gemini.Request) {
		if r.PeerCertificate() == nil {
			gemini.Error(w, gemini.StatusCertificateRequired, "Certificate required")
			return
		}
		next.ServeGemini(w, r)
	})
}

// authenticate walks Unauthenticated -> CertPresented -> {Resolved, Unregistered}.
func (m *Middleware) authenticate(r *gemini.Request) (*types.Credential, error) {
	cert := r.PeerCertificate()
	if cert == nil {
		return nil, ErrCertificateRequired
	}

	cred, err := m.resolver.ResolveFingerprint(r.Context(), Fingerprint(cert))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnregistered
		}
		return nil, fmt.Errorf("failed to resolve certificate: %w", err)
	}

	return cred, nil
}

func WithCredential(ctx context.Context, cred *types.Credential) context.Context {
	return context.WithValue(ctx, CredentialContextKey, cred)
}

// CredentialFromContext retrieves the resolved credential from context
func CredentialFromContext(ctx context.Context) (*types.Credential, bool) {
	cred, ok := ctx.Value(CredentialContextKey).(*types.Credential)
	return cred, ok && cred != nil
}

// IdentityFromContext retrieves the resolved identity from context
func IdentityFromContext(ctx context.Context) (*types.Identity, bool) {
	cred, ok := CredentialFromContext(ctx)
	if !ok || cred.Identity == nil {
		return nil, false
	}
	return cred.Identity, true
}

// FingerprintFromRequest returns the fingerprint of the certificate on the
// connection itself, independent of anything stored in the context.
func FingerprintFromRequest(r *gemini.Request) (string, bool) {
	cert := r.PeerCertificate()
	if cert == nil {
		return "", false
	}
	return Fingerprint(cert), true
}

// RequireOwner checks the certificate on the connection, not the identity in
// the context, against the owner's credential.
func RequireOwner(r *gemini.Request, owner *types.Credential) error {
	fingerprint, ok := FingerprintFromRequest(r)
	if !ok {
		return ErrCertificateRequired
	}
	if owner == nil || owner.Fingerprint != fingerprint {
		return ErrNotAuthorized
	}
	return nil
}
