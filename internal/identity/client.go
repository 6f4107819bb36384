// internal/identity/client.go
// Package identity turns bearer tokens into authenticated principals.
// Tokens are verified against the provider's JWKS; claims missing from the
// token (typically email on access tokens) are filled from the userInfo endpoint.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	errordefs "github.com/team4edu/edu-backend-go/internal/errors"
	"github.com/team4edu/edu-backend-go/internal/jwks"
)

// Principal is the verified caller of a request.
type Principal struct {
	UserID   string `json:"userId"`
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
	Username string `json:"username,omitempty"`
	RawToken string `json:"-"`
}

// Verifier authenticates a bearer token.
type Verifier interface {
	Verify(ctx context.Context, bearer string) (*Principal, error)
}

// ErrNotFound is returned by UserInfo when the provider has no profile for the token.
var ErrNotFound = errors.New("identity not found")

// Record is the provider's userInfo response.
type Record struct {
	Sub      string `json:"sub"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

// Client fetches userInfo records from the identity provider.
type Client struct {
	url string       // userInfo endpoint
	hc  *http.Client // HTTP client with custom configuration
}

// New creates a userInfo client for the given endpoint.
// Parameters:
//   - userInfoURL: full URL of the provider's userInfo endpoint
//
// Returns:
//   - *Client: Initialized identity client
func New(userInfoURL string) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
	}
	return &Client{
		url: userInfoURL,
		hc:  &http.Client{Transport: transport, Timeout: 3 * time.Second},
	}
}

// UserInfo resolves the profile for an access token.
func (c *Client) UserInfo(ctx context.Context, token string) (Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return Record{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.hc.Do(req)
	if err != nil {
		return Record{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var rec Record
		if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
			return Record{}, err
		}
		return rec, nil
	case http.StatusNotFound, http.StatusUnauthorized:
		return Record{}, ErrNotFound
	default:
		return Record{}, fmt.Errorf("userinfo failed: %s", resp.Status)
	}
}

// JWTVerifier verifies tokens with a JWKS client.
type JWTVerifier struct {
	keys     *jwks.Client
	issuer   string
	audience string
	info     *Client // optional
}

// NewJWTVerifier builds a verifier. info may be nil, in which case principals
// carry only the claims present in the token.
func NewJWTVerifier(keys *jwks.Client, issuer, audience string, info *Client) *JWTVerifier {
	return &JWTVerifier{keys: keys, issuer: issuer, audience: audience, info: info}
}

// Verify validates the token and builds the principal from its claims.
func (v *JWTVerifier) Verify(ctx context.Context, bearer string) (*Principal, error) {
	token := strings.TrimSpace(strings.TrimPrefix(bearer, "Bearer "))
	if token == "" {
		return nil, errordefs.New(errordefs.EDU_AUTHN, "missing bearer token", "")
	}

	claims, err := v.keys.ValidateJWT(ctx, token, v.issuer, v.audience)
	if err != nil {
		switch {
		case errors.Is(err, jwks.ErrExpired):
			return nil, errordefs.Wrap(errordefs.EDU_JWT_EXPIRED, "token expired", err)
		case errors.Is(err, jwks.ErrMalformed):
			return nil, errordefs.Wrap(errordefs.EDU_JWT_MALFORMED, "malformed token", err)
		default:
			return nil, errordefs.Wrap(errordefs.EDU_JWT_INVALID, "invalid token", err)
		}
	}

	p := principalFromClaims(claims)
	p.RawToken = token
	if p.UserID == "" {
		return nil, errordefs.New(errordefs.EDU_JWT_INVALID, "token has no subject", "")
	}

	if p.Email == "" && v.info != nil {
		rec, err := v.info.UserInfo(ctx, token)
		if err != nil {
			return nil, errordefs.Wrap(errordefs.EDU_UPSTREAM, "identity provider userinfo failed", err)
		}
		if rec.Sub != "" && rec.Sub != p.UserID {
			return nil, errordefs.New(errordefs.EDU_JWT_INVALID, "userinfo subject mismatch", "")
		}
		p.Email = rec.Email
		if p.Name == "" {
			p.Name = rec.Name
		}
		if p.Username == "" {
			p.Username = rec.Username
		}
	}
	return p, nil
}

func principalFromClaims(claims jwt.MapClaims) *Principal {
	str := func(k string) string {
		s, _ := claims[k].(string)
		return s
	}
	username := str("username")
	if username == "" {
		username = str("cognito:username")
	}
	return &Principal{
		UserID:   str("sub"),
		Email:    str("email"),
		Name:     str("name"),
		Username: username,
	}
}

type principalKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored by WithPrincipal, or nil.
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}
