// Package auth validates OpenID Connect bearer tokens, gates access on
// configured token claims, and mints the HMAC pre-signed URLs which
// grant time-limited anonymous access to zarr streams.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrUnavailable means the identity provider cannot be reached;
	// handlers answer 503.
	ErrUnavailable = errors.New("identity provider unavailable")
	// ErrUnauthorized means the token is missing or invalid (401).
	ErrUnauthorized = errors.New("token is missing or invalid")
	// ErrForbidden means a valid token fails the claim gate (403).
	ErrForbidden = errors.New("token does not satisfy the required claims")
)

const (
	discoveryTimeout = 3 * time.Second
	jwksTimeout      = 5 * time.Second
)

// Config carries the OIDC client settings.
type Config struct {
	DiscoveryURL string
	ClientID     string
	ClientSecret string
	// Audience which tokens must carry, typically "account".
	Audience string
	// Claims gates access: the claim at each dot-separated path must
	// match the pattern as a whole word.
	Claims map[string]string
	// AdminUsers may manage global resources.
	AdminUsers []string
}

// Discovery is the subset of the provider metadata we use, plus the
// raw document for proxying.
type Discovery struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
	DeviceEndpoint        string `json:"device_authorization_endpoint"`

	Raw json.RawMessage `json:"-"`
}

// UserInfo is the identity of an authenticated request.
type UserInfo struct {
	Username string
	Claims   jwt.MapClaims
}

// Auth verifies bearer tokens. Provider metadata and signing keys are
// fetched lazily, so the service starts even while the provider is
// down; auth-requiring requests fail with ErrUnavailable until it
// recovers.
type Auth struct {
	cfg    Config
	client *http.Client

	mu   sync.Mutex
	disc *Discovery
	jwks *keyfunc.JWKS
}

// New builds a lazy-initializing verifier.
func New(cfg Config) *Auth {
	if cfg.Audience == "" {
		cfg.Audience = "account"
	}
	return &Auth{cfg: cfg, client: &http.Client{Timeout: jwksTimeout}}
}

// Discovery returns the provider metadata, fetching it on first use.
func (a *Auth) Discovery(ctx context.Context) (*Discovery, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.discoveryLocked(ctx)
}

func (a *Auth) discoveryLocked(ctx context.Context) (*Discovery, error) {
	if a.disc != nil {
		return a.disc, nil
	}
	var ctxT, cancel = context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	var req, err = http.NewRequestWithContext(ctxT, http.MethodGet, a.cfg.DiscoveryURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: discovery returned %d", ErrUnavailable, resp.StatusCode)
	}

	var disc Discovery
	var dec = json.NewDecoder(resp.Body)
	var raw json.RawMessage
	if err = dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: invalid discovery document", ErrUnavailable)
	}
	if err = json.Unmarshal(raw, &disc); err != nil || disc.JWKSURI == "" {
		return nil, fmt.Errorf("%w: invalid discovery document", ErrUnavailable)
	}
	disc.Raw = raw
	a.disc = &disc
	log.WithField("issuer", disc.Issuer).Info("connected to identity provider")
	return a.disc, nil
}

func (a *Auth) keyfunc(ctx context.Context) (jwt.Keyfunc, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.jwks != nil {
		return a.jwks.Keyfunc, nil
	}
	var disc, err = a.discoveryLocked(ctx)
	if err != nil {
		return nil, err
	}
	jwks, err := keyfunc.Get(disc.JWKSURI, keyfunc.Options{
		Client:          a.client,
		RefreshInterval: time.Hour,
		RefreshErrorHandler: func(err error) {
			log.WithField("err", err).Warn("background JWKS refresh failed")
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	a.jwks = jwks
	return a.jwks.Keyfunc, nil
}

// Verify validates a bearer token and resolves the user behind it.
func (a *Auth) Verify(ctx context.Context, rawToken string) (*UserInfo, error) {
	var kf, err = a.keyfunc(ctx)
	if err != nil {
		return nil, err
	}
	var claims = jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(rawToken, claims, kf,
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithAudience(a.cfg.Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, err)
	}

	for path, pattern := range a.cfg.Claims {
		if !ClaimMatches(claims, path, pattern) {
			return nil, fmt.Errorf("%w: claim %s does not match", ErrForbidden, path)
		}
	}
	return &UserInfo{
		Username: a.username(ctx, claims, rawToken),
		Claims:   claims,
	}, nil
}

// usernameKeys are tried in order against the token claims.
var usernameKeys = []string{"preferred_username", "username", "user_name"}

// username resolves the login name: well-known claims first, then the
// userinfo endpoint, then the subject.
func (a *Auth) username(ctx context.Context, claims jwt.MapClaims, rawToken string) string {
	for _, key := range usernameKeys {
		if v, ok := claims[key].(string); ok && v != "" {
			return v
		}
	}
	if info, err := a.Userinfo(ctx, rawToken); err == nil {
		for _, key := range usernameKeys {
			if v, ok := info[key].(string); ok && v != "" {
				return v
			}
		}
	}
	var sub, _ = claims["sub"].(string)
	return sub
}

// Userinfo queries the provider's userinfo endpoint with the token.
func (a *Auth) Userinfo(ctx context.Context, rawToken string) (map[string]any, error) {
	var disc, err = a.Discovery(ctx)
	if err != nil {
		return nil, err
	}
	if disc.UserinfoEndpoint == "" {
		return nil, fmt.Errorf("provider offers no userinfo endpoint")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, disc.UserinfoEndpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+rawToken)
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: userinfo returned %d", ErrUnauthorized, resp.StatusCode)
	}
	var out map[string]any
	if err = json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// IsAdmin reports whether the user may manage global resources.
func (a *Auth) IsAdmin(user *UserInfo) bool {
	for _, admin := range a.cfg.AdminUsers {
		if admin == user.Username {
			return true
		}
	}
	return false
}

// ClientID exposes the configured client for the login endpoints.
func (a *Auth) ClientID() string { return a.cfg.ClientID }

// ClientSecret exposes the configured secret for token exchanges.
func (a *Auth) ClientSecret() string { return a.cfg.ClientSecret }

// ClaimMatches walks a dot-separated claim path and matches the
// flattened value against the pattern as a whole word. List claims are
// joined; nested maps are traversed.
func ClaimMatches(claims map[string]any, path, pattern string) bool {
	var node any = map[string]any(claims)
	for _, part := range strings.Split(path, ".") {
		var m, ok = node.(map[string]any)
		if !ok {
			return false
		}
		if node, ok = m[part]; !ok {
			return false
		}
	}
	var flat = flattenClaim(node)
	var re, err = regexp.Compile(`\b(?:` + pattern + `)\b`)
	if err != nil {
		log.WithFields(log.Fields{"pattern": pattern, "err": err}).
			Error("invalid claim pattern")
		return false
	}
	return re.MatchString(flat)
}

func flattenClaim(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		var parts = make([]string, 0, len(t))
		for _, e := range t {
			parts = append(parts, flattenClaim(e))
		}
		return strings.Join(parts, " ")
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// BearerToken extracts the token of a request: the Authorization
// header or, as a fallback, an access-token cookie.
func BearerToken(r *http.Request) string {
	var header = r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[len("bearer "):])
	}
	if c, err := r.Cookie("freva-access-token"); err == nil {
		return c.Value
	}
	return ""
}
