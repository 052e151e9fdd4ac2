// Package signing authenticates traffic between the control plane and the
// execution worker. Each request carries an HS256 token in the X-Signature
// header whose claims bind the action id and a SHA-256 digest of the body.
package signing

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Header carries the signature token.
const Header = "X-Signature"

var (
	ErrMissingSignature = errors.New("signing: missing signature")
	ErrInvalidSignature = errors.New("signing: invalid signature")
)

// Claims are the token claims. Subject is the action id.
type Claims struct {
	jwt.RegisteredClaims
	BodySHA256 string `json:"bsh"`
}

// Signer issues and checks signature tokens with a shared secret.
type Signer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// Option configures a Signer.
type Option func(*Signer)

// WithTTL sets how long an issued token stays valid.
func WithTTL(ttl time.Duration) Option {
	return func(s *Signer) { s.ttl = ttl }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) { s.now = now }
}

// WithIssuer sets the iss claim.
func WithIssuer(iss string) Option {
	return func(s *Signer) { s.issuer = iss }
}

// New creates a signer. The secret must not be empty.
func New(secret []byte, opts ...Option) (*Signer, error) {
	if len(secret) == 0 {
		return nil, errors.New("signing: empty secret")
	}
	s := &Signer{
		secret: secret,
		issuer: "actiond",
		ttl:    5 * time.Minute,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func digest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Sign returns a token binding subject and body.
func (s *Signer) Sign(subject string, body []byte) (string, error) {
	now := s.now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		BodySHA256: digest(body),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing: sign: %w", err)
	}
	return token, nil
}

// Verify checks token against subject and body. Every failure wraps
// ErrInvalidSignature.
func (s *Signer) Verify(token, subject string, body []byte) error {
	if token == "" {
		return ErrMissingSignature
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !parsed.Valid {
		return ErrInvalidSignature
	}
	if claims.Subject != subject {
		return fmt.Errorf("%w: subject mismatch", ErrInvalidSignature)
	}
	if subtle.ConstantTimeCompare([]byte(claims.BodySHA256), []byte(digest(body))) != 1 {
		return fmt.Errorf("%w: body digest mismatch", ErrInvalidSignature)
	}
	return nil
}

// SignRequest sets the signature header on req.
func (s *Signer) SignRequest(req *http.Request, subject string, body []byte) error {
	token, err := s.Sign(subject, body)
	if err != nil {
		return err
	}
	req.Header.Set(Header, token)
	return nil
}

// VerifyRequest checks the signature header of r against body.
func (s *Signer) VerifyRequest(r *http.Request, subject string, body []byte) error {
	token := r.Header.Get(Header)
	if token == "" {
		return ErrMissingSignature
	}
	return s.Verify(token, subject, body)
}
