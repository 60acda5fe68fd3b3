package clients

import (
	"context"
	"crypto/ecdsa"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/ajitpratap0/nebula-connectors/pkg/errors"
)

// Authenticator applies credentials to an outgoing request. It runs before
// every attempt so refreshed tokens are picked up on retries.
type Authenticator interface {
	Apply(ctx context.Context, req *http.Request) error
}

// AuthFunc adapts a function to Authenticator.
type AuthFunc func(ctx context.Context, req *http.Request) error

// Apply calls f.
func (f AuthFunc) Apply(ctx context.Context, req *http.Request) error {
	return f(ctx, req)
}

// BearerAuth sends "Authorization: Bearer <token>".
type BearerAuth struct {
	Token string
}

// Apply sets the Authorization header.
func (a BearerAuth) Apply(_ context.Context, req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+a.Token)
	return nil
}

// KeyLocation says where an API key is sent.
type KeyLocation int

const (
	// InHeader sends the key as a request header
	InHeader KeyLocation = iota
	// InQuery sends the key as a query parameter
	InQuery
)

// APIKeyAuth sends a static key in a header or query parameter.
type APIKeyAuth struct {
	In     KeyLocation
	Name   string
	Value  string
	Prefix string
}

// Apply sets the key.
func (a APIKeyAuth) Apply(_ context.Context, req *http.Request) error {
	if a.In == InQuery {
		q := req.URL.Query()
		q.Set(a.Name, a.Prefix+a.Value)
		req.URL.RawQuery = q.Encode()
		return nil
	}
	req.Header.Set(a.Name, a.Prefix+a.Value)
	return nil
}

// BasicAuth sends HTTP basic credentials.
type BasicAuth struct {
	Username string
	Password string
}

// Apply sets basic auth.
func (a BasicAuth) Apply(_ context.Context, req *http.Request) error {
	req.SetBasicAuth(a.Username, a.Password)
	return nil
}

// JWTAuth signs short-lived ES256 bearer tokens and caches each one until
// shortly before it expires.
type JWTAuth struct {
	KeyID    string
	Issuer   string
	Audience string
	TTL      time.Duration
	Now      func() time.Time

	key *ecdsa.PrivateKey

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewJWTAuth parses a PEM encoded EC private key.
func NewJWTAuth(keyID, issuer, audience string, privateKeyPEM []byte) (*JWTAuth, error) {
	key, err := jwt.ParseECPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid EC private key")
	}
	return &JWTAuth{
		KeyID:    keyID,
		Issuer:   issuer,
		Audience: audience,
		TTL:      20 * time.Minute,
		Now:      time.Now,
		key:      key,
	}, nil
}

// Token returns a cached token or signs a new one.
func (a *JWTAuth) Token() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.Now()
	if a.token != "" && now.Before(a.expires.Add(-time.Minute)) {
		return a.token, nil
	}

	exp := now.Add(a.TTL)
	claims := jwt.MapClaims{
		"iss": a.Issuer,
		"iat": now.Unix(),
		"exp": exp.Unix(),
	}
	if a.Audience != "" {
		claims["aud"] = a.Audience
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tok.Header["kid"] = a.KeyID

	signed, err := tok.SignedString(a.key)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeAuthentication, "failed to sign token")
	}
	a.token = signed
	a.expires = exp
	return signed, nil
}

// Apply sets the bearer token.
func (a *JWTAuth) Apply(_ context.Context, req *http.Request) error {
	tok, err := a.Token()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return nil
}

// OAuth2Auth authorises requests from an oauth2 token source.
type OAuth2Auth struct {
	Source oauth2.TokenSource
}

// NewRefreshTokenAuth exchanges a long-lived refresh token for access tokens,
// refreshing them as they expire.
func NewRefreshTokenAuth(ctx context.Context, clientID, clientSecret, tokenURL, refreshToken string) *OAuth2Auth {
	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	return &OAuth2Auth{Source: cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})}
}

// Apply sets the access token header.
func (a *OAuth2Auth) Apply(_ context.Context, req *http.Request) error {
	tok, err := a.Source.Token()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeAuthentication, "failed to obtain oauth2 token")
	}
	tok.SetAuthHeader(req)
	return nil
}
