package jwks

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verification failures, wrapped with detail by ValidateJWT.
var (
	ErrMalformed = errors.New("malformed token")
	ErrExpired   = errors.New("token expired")
	ErrInvalid   = errors.New("invalid token")
)

// minRefresh bounds how often an unknown kid can force a refetch.
const minRefresh = time.Minute

// JWKS represents a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a JSON Web Key
type JWK struct {
	Kty string `json:"kty"` // Key type
	Kid string `json:"kid"` // Key ID
	Use string `json:"use"` // Public key use
	Alg string `json:"alg"` // Algorithm
	Crv string `json:"crv"` // Curve (OKP)
	X   string `json:"x"`   // Public key (OKP)
	N   string `json:"n"`   // Modulus (RSA)
	E   string `json:"e"`   // Exponent (RSA)
}

// publicKey decodes the key material for the supported key types.
func (k JWK) publicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "OKP":
		if k.Crv != "Ed25519" {
			return nil, fmt.Errorf("unsupported curve %q", k.Crv)
		}
		x, err := base64.RawURLEncoding.DecodeString(k.X)
		if err != nil || len(x) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("bad Ed25519 key %s", k.Kid)
		}
		return ed25519.PublicKey(x), nil
	case "RSA":
		n, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			return nil, fmt.Errorf("bad RSA modulus %s: %w", k.Kid, err)
		}
		e, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil || len(e) == 0 || len(e) > 4 {
			return nil, fmt.Errorf("bad RSA exponent %s", k.Kid)
		}
		return &rsa.PublicKey{
			N: new(big.Int).SetBytes(n),
			E: int(new(big.Int).SetBytes(e).Int64()),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
}

// Client handles JWKS discovery and caching
type Client struct {
	jwksURL    string
	ttl        time.Duration
	httpClient *http.Client
	cache      *jwksCache
	testKey    ed25519.PrivateKey
}

// jwksCache stores cached JWKS with expiration
type jwksCache struct {
	jwks      *JWKS
	fetchedAt time.Time
	expiresAt time.Time
	mutex     sync.RWMutex
}

// NewClient creates a JWKS client that caches the key set for ttl.
func NewClient(jwksURL string, ttl time.Duration) *Client {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Client{
		jwksURL: jwksURL,
		ttl:     ttl,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		cache: &jwksCache{},
	}
}

// NewTestClient creates a client whose key set holds one generated Ed25519
// key. Tokens for it are minted with SignTestToken.
func NewTestClient() *Client {
	pub, priv, _ := ed25519.GenerateKey(nil)
	c := NewClient("", time.Hour)
	c.testKey = priv
	c.cache.jwks = &JWKS{Keys: []JWK{{
		Kty: "OKP", Kid: "test", Use: "sig", Alg: "EdDSA", Crv: "Ed25519",
		X: base64.RawURLEncoding.EncodeToString(pub),
	}}}
	c.cache.fetchedAt = time.Now()
	c.cache.expiresAt = time.Now().Add(100 * 365 * 24 * time.Hour)
	return c
}

// SignTestToken signs claims with the test key. It fails on a client not
// built by NewTestClient.
func (c *Client) SignTestToken(claims jwt.MapClaims) (string, error) {
	if c.testKey == nil {
		return "", errors.New("not a test client")
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = "test"
	return tok.SignedString(c.testKey)
}

// fetchJWKS fetches the JWKS from the identity provider
func (c *Client) fetchJWKS(ctx context.Context) (*JWKS, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS fetch failed with status %d", resp.StatusCode)
	}

	var jwks JWKS
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}

	return &jwks, nil
}

// getJWKS retrieves JWKS from cache or fetches fresh if needed. force refetches
// a still-valid set, but never more than once per minRefresh.
func (c *Client) getJWKS(ctx context.Context, force bool) (*JWKS, error) {
	fresh := func() bool {
		if c.cache.jwks == nil {
			return false
		}
		if force {
			return time.Since(c.cache.fetchedAt) < minRefresh || c.jwksURL == ""
		}
		return time.Now().Before(c.cache.expiresAt)
	}

	c.cache.mutex.RLock()
	if fresh() {
		jwks := c.cache.jwks
		c.cache.mutex.RUnlock()
		return jwks, nil
	}
	c.cache.mutex.RUnlock()

	c.cache.mutex.Lock()
	defer c.cache.mutex.Unlock()

	// Double-check after acquiring write lock
	if fresh() {
		return c.cache.jwks, nil
	}

	jwks, err := c.fetchJWKS(ctx)
	if err != nil {
		return nil, err
	}

	c.cache.jwks = jwks
	c.cache.fetchedAt = time.Now()
	c.cache.expiresAt = c.cache.fetchedAt.Add(c.ttl)

	return jwks, nil
}

// getKey retrieves a specific key from the JWKS by kid. A kid missing from
// the cached set triggers one refetch in case the provider rotated keys.
func (c *Client) getKey(ctx context.Context, kid string) (*JWK, error) {
	for _, force := range []bool{false, true} {
		jwks, err := c.getJWKS(ctx, force)
		if err != nil {
			return nil, err
		}
		for _, key := range jwks.Keys {
			if key.Kid == kid {
				return &key, nil
			}
		}
	}
	return nil, fmt.Errorf("key with kid %s not found", kid)
}

// ValidateJWT verifies the token signature against the key set, then checks
// expiry, issuer and audience. The audience matches either the aud claim or a
// client_id claim, so both ID and access tokens are accepted.
func (c *Client) ValidateJWT(ctx context.Context, tokenString string, expectedIssuer, expectedAudience string) (jwt.MapClaims, error) {
	// Parse the token without verification to get the header
	token, _, err := jwt.NewParser().ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	kid, ok := token.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, fmt.Errorf("%w: missing kid in header", ErrMalformed)
	}

	jwk, err := c.getKey(ctx, kid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	pub, err := jwk.publicKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		switch pub.(type) {
		case ed25519.PublicKey:
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
		case *rsa.PublicKey:
			if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
		}
		return pub, nil
	}

	parsed, err := jwt.ParseWithClaims(tokenString, jwt.MapClaims{}, keyFunc,
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(expectedIssuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrExpired, err)
		}
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("%w: invalid claims", ErrInvalid)
	}

	if expectedAudience != "" && !hasAudience(claims, expectedAudience) {
		return nil, fmt.Errorf("%w: invalid audience", ErrInvalid)
	}

	return claims, nil
}

func hasAudience(claims jwt.MapClaims, want string) bool {
	if aud, err := claims.GetAudience(); err == nil {
		for _, a := range aud {
			if a == want {
				return true
			}
		}
	}
	clientID, _ := claims["client_id"].(string)
	return clientID == want
}
