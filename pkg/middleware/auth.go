package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatehouse/pkg/contextkeys"
	"github.com/platinummonkey/gatehouse/pkg/httputil"
)

// Authentication methods recorded on a Principal
const (
	MethodOIDC   = "oidc"
	MethodHeader = "header"
)

// ErrInvalidToken is returned for bearer tokens that fail verification
var ErrInvalidToken = errors.New("invalid or expired token")

// Principal is the authenticated caller of a request
type Principal struct {
	UserID string
	Email  string
	Method string
}

// TokenVerifier turns a raw bearer token into a principal
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*Principal, error)
}

// OIDCVerifier verifies ID tokens issued for one client
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier discovers the issuer's keys and builds a verifier
func NewOIDCVerifier(ctx context.Context, issuerURL, clientID string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}
	return NewOIDCVerifierFrom(provider.Verifier(&oidc.Config{ClientID: clientID})), nil
}

// NewOIDCVerifierFrom wraps an existing go-oidc verifier
func NewOIDCVerifierFrom(v *oidc.IDTokenVerifier) *OIDCVerifier {
	return &OIDCVerifier{verifier: v}
}

// Verify checks signature, issuer, audience and expiry. The token subject
// is the user id.
func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (*Principal, error) {
	token, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var claims struct {
		Email string `json:"email"`
	}
	if err := token.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: failed to parse claims: %v", ErrInvalidToken, err)
	}
	if token.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return &Principal{UserID: token.Subject, Email: claims.Email, Method: MethodOIDC}, nil
}

// Authenticator resolves the caller of each request. Bearer tokens go
// through the verifier; without one the trusted header, when configured,
// names the user directly.
type Authenticator struct {
	verifier      TokenVerifier
	trustedHeader string
	log           *logrus.Logger
}

// NewAuthenticator creates the authentication middleware. Either the
// verifier or the trusted header may be empty, not both.
func NewAuthenticator(verifier TokenVerifier, trustedHeader string, log *logrus.Logger) *Authenticator {
	if log == nil {
		log = logrus.New()
	}
	return &Authenticator{verifier: verifier, trustedHeader: trustedHeader, log: log}
}

// Handler wraps an HTTP handler with authentication
func (a *Authenticator) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.authenticate(r)
		if err != nil {
			a.log.WithFields(logrus.Fields{
				"path":       r.URL.Path,
				"request_id": contextkeys.GetRequestID(r.Context()),
			}).WithError(err).Debug("Authentication failed")
			httputil.WriteUnauthorized(w, unauthorizedMessage(err))
			return
		}

		ctx := contextkeys.WithPrincipal(r.Context(), principal)
		ctx = contextkeys.WithUserID(ctx, principal.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

var (
	errMissingCredentials = errors.New("missing credentials")
	errBadScheme          = errors.New("invalid authorization header format")
	errBearerDisabled     = errors.New("bearer tokens are not accepted")
)

func (a *Authenticator) authenticate(r *http.Request) (*Principal, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return nil, errBadScheme
		}
		if a.verifier == nil {
			return nil, errBearerDisabled
		}
		return a.verifier.Verify(r.Context(), strings.TrimSpace(token))
	}

	if a.trustedHeader != "" {
		if userID := strings.TrimSpace(r.Header.Get(a.trustedHeader)); userID != "" {
			return &Principal{UserID: userID, Method: MethodHeader}, nil
		}
	}
	return nil, errMissingCredentials
}

func unauthorizedMessage(err error) string {
	if errors.Is(err, ErrInvalidToken) {
		return ErrInvalidToken.Error()
	}
	return err.Error()
}

// PrincipalFrom returns the authenticated principal, or nil
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := contextkeys.Principal[*Principal](ctx)
	return p
}
