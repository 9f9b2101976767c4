package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/microsoft"
)

// tokenURLFormat is the Azure AD v2.0 token endpoint for a tenant.
const tokenURLFormat = "https://login.microsoftonline.com/%s/oauth2/v2.0/token" //nolint:gosec // G101: endpoint URL, not credentials

// defaultScopes requests the application permissions granted to the client
// in the tenant. App-only auth always uses the .default scope.
var defaultScopes = []string{"https://graph.microsoft.com/.default"}

// ErrMissingCredentials is returned when a required credential field is empty.
var ErrMissingCredentials = errors.New("graph: missing credentials")

// Credentials holds an Azure AD application registration for the OAuth2
// client credentials flow. All three fields are required.
type Credentials struct {
	TenantID     string
	ClientID     string
	ClientSecret string
}

// validate reports which required field is missing, if any.
func (c Credentials) validate() error {
	switch {
	case c.TenantID == "":
		return fmt.Errorf("%w: tenant_id", ErrMissingCredentials)
	case c.ClientID == "":
		return fmt.Errorf("%w: client_id", ErrMissingCredentials)
	case c.ClientSecret == "":
		return fmt.Errorf("%w: client_secret", ErrMissingCredentials)
	default:
		return nil
	}
}

// NewClientCredentialsTokenSource returns a TokenSource backed by the OAuth2
// client credentials flow (app-only, no user interaction). Tokens are cached
// and silently refreshed by the oauth2 library.
//
// ctx is bound to the underlying token source and must outlive it — if ctx
// is canceled, token refresh will fail. Callers should pass
// context.Background() for long-lived clients.
func NewClientCredentialsTokenSource(ctx context.Context, creds Credentials, logger *slog.Logger) (TokenSource, error) {
	if err := creds.validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	cfg := &clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     fmt.Sprintf(tokenURLFormat, creds.TenantID),
		Scopes:       defaultScopes,
	}

	logger.Info("configured app-only token source",
		slog.String("tenant_id", creds.TenantID),
		slog.String("client_id", creds.ClientID),
	)

	return newTokenSource(ctx, cfg, logger), nil
}

// newTokenSource wraps a pre-built clientcredentials.Config so tests can
// inject a mock token endpoint.
func newTokenSource(ctx context.Context, cfg *clientcredentials.Config, logger *slog.Logger) TokenSource {
	return &tokenBridge{src: cfg.TokenSource(ctx), logger: logger}
}

// PasswordCredentials holds the fields for the OAuth2 resource owner
// password flow (username/password, no interactive login). ClientSecret
// is optional — public client registrations omit it.
type PasswordCredentials struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
}

func (c PasswordCredentials) validate() error {
	switch {
	case c.TenantID == "":
		return fmt.Errorf("%w: tenant_id", ErrMissingCredentials)
	case c.ClientID == "":
		return fmt.Errorf("%w: client_id", ErrMissingCredentials)
	case c.Username == "":
		return fmt.Errorf("%w: username", ErrMissingCredentials)
	case c.Password == "":
		return fmt.Errorf("%w: password", ErrMissingCredentials)
	default:
		return nil
	}
}

// ropcScopes includes offline_access so the token endpoint issues a
// refresh token alongside the access token.
var ropcScopes = []string{"https://graph.microsoft.com/.default", "offline_access"}

// NewPasswordTokenSource returns a TokenSource backed by the OAuth2
// resource owner password flow. The password grant runs lazily on first
// use; afterwards the refresh token keeps the source alive, and if the
// refresh ever fails the password grant is rerun.
//
// Azure AD only allows this flow for accounts without MFA. Prefer
// NewClientCredentialsTokenSource where an app registration exists.
func NewPasswordTokenSource(ctx context.Context, creds PasswordCredentials, logger *slog.Logger) (TokenSource, error) {
	if err := creds.validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	cfg := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint:     microsoft.AzureADEndpoint(creds.TenantID),
		Scopes:       ropcScopes,
	}

	logger.Info("configured password token source",
		slog.String("tenant_id", creds.TenantID),
		slog.String("client_id", creds.ClientID),
		slog.String("username", creds.Username),
	)

	return newPasswordTokenSource(ctx, cfg, creds.Username, creds.Password, logger), nil
}

// newPasswordTokenSource wraps a pre-built oauth2.Config so tests can
// point the endpoint at a mock server.
func newPasswordTokenSource(ctx context.Context, cfg *oauth2.Config, username, password string, logger *slog.Logger) TokenSource {
	src := &passwordSource{ctx: ctx, cfg: cfg, username: username, password: password}

	return &tokenBridge{src: src, logger: logger}
}

// passwordSource performs the password grant on demand and caches the
// result. When the cached token expires it is refreshed via the refresh
// token; a failed refresh (revoked or never issued) falls back to
// rerunning the password grant.
type passwordSource struct {
	ctx      context.Context
	cfg      *oauth2.Config
	username string
	password string

	mu  sync.Mutex
	src oauth2.TokenSource
}

func (p *passwordSource) Token() (*oauth2.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.src != nil {
		if t, err := p.src.Token(); err == nil {
			return t, nil
		}
	}

	t, err := p.cfg.PasswordCredentialsToken(p.ctx, p.username, p.password)
	if err != nil {
		return nil, err
	}

	p.src = p.cfg.TokenSource(p.ctx, t)

	return t, nil
}

// tokenBridge adapts oauth2.TokenSource to graph.TokenSource.
// Logs every token acquisition so refresh activity is visible.
type tokenBridge struct {
	src    oauth2.TokenSource
	logger *slog.Logger
}

func (b *tokenBridge) Token() (string, error) {
	t, err := b.src.Token()
	if err != nil {
		b.logger.Warn("token acquisition failed", slog.String("error", err.Error()))
		return "", fmt.Errorf("graph: obtaining token: %w", err)
	}

	b.logger.Debug("token acquired",
		slog.Time("expiry", t.Expiry),
		slog.Bool("valid", t.Valid()),
	)

	return t.AccessToken, nil
}
