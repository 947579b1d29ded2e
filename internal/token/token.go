// Package token signs and verifies the compact HS256 tokens handed to
// clients. Verification has a single failure value (nil) so callers cannot
// tell a malformed token from an expired or forged one.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Purpose binds a token to the one flow that may consume it.
type Purpose string

const (
	PurposeAccess         Purpose = "access"
	PurposeRefresh        Purpose = "refresh"
	PurposePasswordChange Purpose = "password_change"
)

// Identity is the claim set carried by every token. It never includes the
// password hash.
type Identity struct {
	ID       string
	Username string
	Email    string
	Fullname string
	Level    int
	Active   int
}

// Claims is the verified payload of a token.
type Claims struct {
	UserID   string  `json:"id"`
	Username string  `json:"username"`
	Email    string  `json:"email"`
	Fullname string  `json:"fullname"`
	Level    int     `json:"level"`
	Active   int     `json:"active"`
	Purpose  Purpose `json:"typ"`
	jwt.RegisteredClaims
}

// Identity returns the identity portion of the claims.
func (c *Claims) Identity() Identity {
	return Identity{
		ID:       c.UserID,
		Username: c.Username,
		Email:    c.Email,
		Fullname: c.Fullname,
		Level:    c.Level,
		Active:   c.Active,
	}
}

type Codec struct {
	secret []byte
	now    func() time.Time
	log    logrus.FieldLogger
}

type Option func(*Codec)

// WithClock overrides the time source used for iat/exp.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Codec) { c.log = l }
}

// NewCodec returns a codec signing with secret.
func NewCodec(secret []byte, opts ...Option) (*Codec, error) {
	if len(secret) == 0 {
		return nil, errors.New("token: empty signing secret")
	}
	c := &Codec{
		secret: append([]byte(nil), secret...),
		now:    time.Now,
		log:    logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Issue signs id for purpose, valid for ttl. It returns the token and its
// expiry as encoded in the token (second precision).
func (c *Codec) Issue(id Identity, purpose Purpose, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		return "", time.Time{}, errors.New("token: ttl must be positive")
	}
	now := c.now()
	// exp is carried in whole seconds; round up so the token lives at least ttl.
	end := now.Add(ttl)
	if whole := end.Truncate(time.Second); !whole.Equal(end) {
		end = whole.Add(time.Second)
	}
	exp := jwt.NewNumericDate(end)
	claims := Claims{
		UserID:   id.ID,
		Username: id.Username,
		Email:    id.Email,
		Fullname: id.Fullname,
		Level:    id.Level,
		Active:   normalizeActive(id.Active),
		Purpose:  purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: exp,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp.Time, nil
}

// Verify returns the claims of raw if it is well formed, signed with this
// codec's secret, unexpired and issued for purpose. Otherwise it returns nil.
func (c *Codec) Verify(raw string, purpose Purpose) *Claims {
	if raw == "" {
		return nil
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(c.now),
	)
	claims := &Claims{}
	tok, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return c.secret, nil
	})
	if err != nil || !tok.Valid {
		c.log.WithField("reason", failureReason(err)).Debug("token rejected")
		return nil
	}
	if claims.Purpose != purpose {
		c.log.WithFields(logrus.Fields{"reason": "purpose", "want": purpose, "got": claims.Purpose}).Debug("token rejected")
		return nil
	}
	if claims.UserID == "" {
		c.log.WithField("reason", "missing id").Debug("token rejected")
		return nil
	}
	return claims
}

func failureReason(err error) string {
	switch {
	case err == nil:
		return "invalid"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "expired"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "signature"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "unverifiable"
	case errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return "future iat"
	default:
		return "invalid"
	}
}

func normalizeActive(v int) int {
	if v != 0 {
		return 1
	}
	return 0
}
