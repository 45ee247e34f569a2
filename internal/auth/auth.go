package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Sentinel errors for request verification
var (
	ErrMissingCredentials = errors.New("auth: missing credentials")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrTokenExpired       = errors.New("auth: token expired")
	ErrTokenMalformed     = errors.New("auth: token malformed")
)

const (
	headerName  = "Authorization"
	tokenPrefix = "Bearer "
)

// RequestClaims binds a token to one request
type RequestClaims struct {
	Method string `json:"method,omitempty"`
	Path   string `json:"path,omitempty"`
	jwt.RegisteredClaims
}

// Signer signs outbound requests with an HS256 token
type Signer struct {
	accessID string
	secret   []byte
	ttl      time.Duration
	now      func() time.Time
}

// NewSigner creates a Signer for the given credentials
func NewSigner(accessID, secret string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Signer{accessID: accessID, secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Token returns a signed token for method and path
func (s *Signer) Token(method, path string) (string, error) {
	now := s.now()
	claims := RequestClaims{
		Method: method,
		Path:   path,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.accessID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Sign sets the Authorization header of req
func (s *Signer) Sign(req *http.Request) error {
	token, err := s.Token(req.Method, req.URL.Path)
	if err != nil {
		return err
	}
	req.Header.Set(headerName, tokenPrefix+token)
	return nil
}

// Verifier checks tokens produced by a Signer sharing the same secret
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier for secret
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify validates the Authorization header of req. A token bound to a
// method or path must match the request.
func (v *Verifier) Verify(req *http.Request) (*RequestClaims, error) {
	header := req.Header.Get(headerName)
	if header == "" {
		return nil, ErrMissingCredentials
	}
	tokenString := strings.TrimPrefix(header, tokenPrefix)
	if tokenString == header {
		return nil, ErrMissingCredentials
	}

	var claims RequestClaims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(tokenString), &claims,
		func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, ErrInvalidCredentials
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}

	if claims.Method != "" && claims.Method != req.Method {
		return nil, ErrInvalidCredentials
	}
	if claims.Path != "" && claims.Path != req.URL.Path {
		return nil, ErrInvalidCredentials
	}
	return &claims, nil
}
