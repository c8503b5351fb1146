package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spboyer/agentsphere/internal/models"
)

// Claims is the part of an introspection response the server uses.
type Claims struct {
	Active   bool   `mapstructure:"active"`
	Subject  string `mapstructure:"sub"`
	Username string `mapstructure:"preferred_username"`
	Email    string `mapstructure:"email"`
	ClientID string `mapstructure:"client_id"`
	Scope    string `mapstructure:"scope"`
	Expiry   int64  `mapstructure:"exp"`
}

// Introspector validates bearer tokens against an OAuth 2.0 token
// introspection endpoint (RFC 7662).
type Introspector struct {
	url          string
	clientID     string
	clientSecret string
	client       *http.Client
}

// NewIntrospector creates an introspector. An empty url disables
// introspection.
func NewIntrospector(url, clientID, clientSecret string) *Introspector {
	return &Introspector{
		url:          url,
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled reports whether tokens are checked.
func (i *Introspector) Enabled() bool {
	return i != nil && i.url != ""
}

// Introspect returns the claims of an active token.
func (i *Introspector) Introspect(ctx context.Context, token string) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", ErrInvalidToken)
	}
	form := url.Values{
		"token":         {token},
		"client_id":     {i.clientID},
		"client_secret": {i.clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.url, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building introspection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling introspection endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: introspection returned %d", ErrInvalidToken, resp.StatusCode)
	}

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding introspection response: %w", err)
	}
	var claims Claims
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &claims,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("decoding introspection claims: %w", err)
	}
	if !claims.Active {
		return nil, fmt.Errorf("%w: token is not active", ErrInvalidToken)
	}
	return &claims, nil
}

// Authenticator resolves the user of a chat request.
type Authenticator struct {
	introspector *Introspector
	logger       *slog.Logger
}

// NewAuthenticator creates an authenticator. A nil or disabled
// introspector trusts the identity headers alone.
func NewAuthenticator(introspector *Introspector, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if !introspector.Enabled() {
		logger.Warn("token introspection disabled, trusting identity headers")
	}
	return &Authenticator{introspector: introspector, logger: logger}
}

// User authenticates r and returns its user.
func (a *Authenticator) User(r *http.Request) (models.User, error) {
	u, err := Identity(r)
	if err != nil {
		return models.User{}, err
	}
	if !a.introspector.Enabled() {
		return u, nil
	}
	claims, err := a.introspector.Introspect(r.Context(), BearerToken(r))
	if err != nil {
		a.logger.Info("rejected chat request", "user", u.ID, "error", err)
		return models.User{}, err
	}
	if u.Email == "" {
		u.Email = claims.Email
	}
	return u, nil
}
