package consent

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const envelopeIssuer = "tampaweb/consent"

// DefaultEnvelopeTTL bounds how long a rendered consent screen stays valid.
const DefaultEnvelopeTTL = 10 * time.Minute

// Sealed is the request state carried through the consent form.
type Sealed struct {
	Request AuthorizationRequest
	UserID  string
	// Scopes is the role-filtered scope list the user may approve.
	Scopes []string
}

type envelopeClaims struct {
	Request AuthorizationRequest `json:"req"`
	Scopes  []string             `json:"scp"`
	jwt.RegisteredClaims
}

// Sealer serializes the authorization request into the consent form as an
// HS256 token so the POST cannot alter what the user was shown.
type Sealer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewSealer returns a sealer keyed by secret.
func NewSealer(secret []byte, ttl time.Duration) (*Sealer, error) {
	if len(secret) < 32 {
		return nil, errors.New("envelope secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		ttl = DefaultEnvelopeTTL
	}
	return &Sealer{key: secret, ttl: ttl, now: time.Now}, nil
}

// Seal encodes s.
func (s *Sealer) Seal(v Sealed) (string, error) {
	now := s.now()
	claims := envelopeClaims{
		Request: v.Request,
		Scopes:  v.Scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    envelopeIssuer,
			Subject:   v.UserID,
			Audience:  jwt.ClaimStrings{v.Request.ClientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign envelope: %w", err)
	}
	return tok, nil
}

// Open verifies and decodes a sealed request.
func (s *Sealer) Open(raw string) (Sealed, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(envelopeIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	var claims envelopeClaims
	_, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	})
	if err != nil {
		return Sealed{}, fmt.Errorf("%w: %v", ErrEnvelope, err)
	}
	if claims.Subject == "" || claims.Request.ClientID == "" || claims.Request.RedirectURI == "" {
		return Sealed{}, fmt.Errorf("%w: missing fields", ErrEnvelope)
	}
	return Sealed{Request: claims.Request, UserID: claims.Subject, Scopes: claims.Scopes}, nil
}
