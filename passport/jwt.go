package passport

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

const DefaultCookie = "access_token"

var (
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrMissingSub   = errors.New("token payload missing sub")
)

type Config struct {
	// Secret is the HS256 key. Empty disables decoding; every request is
	// then anonymous.
	Secret string
	Cookie string
	Logger *logrus.Entry
}

type claims struct {
	SessionID string `json:"session_id"`
	jwt.RegisteredClaims
}

// Decoder turns access tokens into identities.
type Decoder struct {
	secret []byte
	now    func() time.Time
}

func NewDecoder(secret string) *Decoder {
	return &Decoder{secret: []byte(secret), now: time.Now}
}

func (d *Decoder) Decode(token string) (Identity, error) {
	var c claims

	_, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return d.secret, nil
	}, jwt.WithTimeFunc(d.now))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if c.Subject == "" {
		return Identity{}, ErrMissingSub
	}

	return Identity{UserID: c.Subject, SessionID: c.SessionID}, nil
}

// Sign issues a token for ident. Used by tooling and tests.
func (d *Decoder) Sign(ident Identity, ttl time.Duration) (string, error) {
	now := d.now()
	c := claims{
		SessionID: ident.SessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ident.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(d.secret)
}

// Middleware decodes the access token cookie, or a bearer header, into the
// request context. A missing token leaves the request anonymous; a bad one
// is rejected with 401.
func Middleware(cfg Config) gin.HandlerFunc {
	if cfg.Cookie == "" {
		cfg.Cookie = DefaultCookie
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	logger := cfg.Logger.WithField("component", "passport")

	if cfg.Secret == "" {
		return func(c *gin.Context) { c.Next() }
	}

	decoder := NewDecoder(cfg.Secret)

	return func(c *gin.Context) {
		token := tokenFrom(c, cfg.Cookie)
		if token == "" {
			c.Next()
			return
		}

		ident, err := decoder.Decode(token)
		if err != nil {
			logger.Warnf("failed to decode access token: %v", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrInvalidToken.Error()})
			return
		}

		c.Request = c.Request.WithContext(ToContext(c.Request.Context(), ident))
		c.Next()
	}
}

func tokenFrom(c *gin.Context, cookie string) string {
	if v, err := c.Cookie(cookie); err == nil && v != "" {
		return v
	}

	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}
