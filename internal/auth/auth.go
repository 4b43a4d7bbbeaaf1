// internal/auth/auth.go
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"

	"github.com/RatDesert/ruth-data/internal/config"
	"github.com/RatDesert/ruth-data/internal/data"
	"github.com/RatDesert/ruth-data/internal/errors"
)

const pbkdf2Algorithm = "pbkdf2_sha256"

var errUnknownHasher = stderrors.New("unknown password hasher")

// HubSource looks up hubs by id.
type HubSource interface {
	GetHub(ctx context.Context, hubID int64) (*data.Hub, error)
}

// HubAuthenticator checks a hub's bearer token against its stored
// credential hash.
type HubAuthenticator struct {
	hubs        HubSource
	tokenLength int
	log         zerolog.Logger
}

func NewHubAuthenticator(hubs HubSource, cfg config.AuthConfig, log zerolog.Logger) *HubAuthenticator {
	return &HubAuthenticator{
		hubs:        hubs,
		tokenLength: cfg.TokenLength,
		log:         log.With().Str("component", "auth").Logger(),
	}
}

// Authenticate resolves hubID if authorization carries its token. Every
// failure matches errors.ErrAuthentication and says nothing about which check
// failed.
func (a *HubAuthenticator) Authenticate(ctx context.Context, hubID int64, authorization string) (*data.Hub, error) {
	token, err := ParseBearer(authorization, a.tokenLength)
	if err != nil {
		return nil, err
	}

	hub, err := a.hubs.GetHub(ctx, hubID)
	if err != nil {
		if !stderrors.Is(err, errors.ErrNotFound) {
			a.log.Error().Err(err).Int64("hub_id", hubID).Msg("hub lookup failed during authentication")
		}
		return nil, errors.WrapTerminal(errors.ErrAuthentication, "HubAuthenticator", "Authenticate", "look up hub")
	}

	ok, err := CheckPassword(token, hub.Password)
	if err != nil {
		a.log.Warn().Err(err).Int64("hub_id", hubID).Msg("unusable credential hash")
	}
	if !ok {
		return nil, errors.WrapTerminal(errors.ErrAuthentication, "HubAuthenticator", "Authenticate", "verify token")
	}
	return hub, nil
}

// ParseBearer extracts the token from an "Authorization: Bearer <token>"
// header value. The scheme is case-insensitive; the token must be exactly
// length characters.
func ParseBearer(header string, length int) (string, error) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", fmt.Errorf("%w: invalid authorization format", errors.ErrAuthentication)
	}
	if len(parts[1]) != length {
		return "", fmt.Errorf("%w: invalid token length", errors.ErrAuthentication)
	}
	return parts[1], nil
}

// CheckPassword compares password with an encoded hash. Supported formats are
// "pbkdf2_sha256$<iterations>$<salt>$<base64 digest>" and bcrypt.
func CheckPassword(password, encoded string) (bool, error) {
	if strings.HasPrefix(encoded, "$2") {
		err := bcrypt.CompareHashAndPassword([]byte(encoded), []byte(password))
		if stderrors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		return err == nil, err
	}

	parts := strings.SplitN(encoded, "$", 4)
	if len(parts) != 4 || parts[0] != pbkdf2Algorithm {
		return false, errUnknownHasher
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return false, fmt.Errorf("invalid iteration count %q", parts[1])
	}
	expected, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return false, fmt.Errorf("invalid digest: %w", err)
	}

	derived := pbkdf2.Key([]byte(password), []byte(parts[2]), iterations, len(expected), sha256.New)
	return subtle.ConstantTimeCompare(derived, expected) == 1, nil
}

// MakePassword encodes password in the pbkdf2_sha256 format.
func MakePassword(password, salt string, iterations int) string {
	digest := pbkdf2.Key([]byte(password), []byte(salt), iterations, sha256.Size, sha256.New)
	return fmt.Sprintf("%s$%d$%s$%s", pbkdf2Algorithm, iterations, salt, base64.StdEncoding.EncodeToString(digest))
}

// HashPassword creates a bcrypt hash from a password
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

// Claims are the access token claims issued by the account service.
type Claims struct {
	UserID int64 `json:"user_id"`
	jwt.RegisteredClaims
}

// UserVerifier authenticates listeners by their access token cookie.
type UserVerifier struct {
	secret     []byte
	cookieName string
}

func NewUserVerifier(cfg config.AuthConfig) *UserVerifier {
	return &UserVerifier{secret: []byte(cfg.JWTSecret), cookieName: cfg.CookieName}
}

// GenerateJWT creates a signed access token for userID.
func (v *UserVerifier) GenerateJWT(userID int64, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// VerifyToken validates an HS256 access token and returns its user id.
func (v *UserVerifier) VerifyToken(tokenString string) (int64, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errors.ErrAuthentication, err)
	}
	if !token.Valid || claims.UserID <= 0 {
		return 0, fmt.Errorf("%w: invalid token", errors.ErrAuthentication)
	}
	return claims.UserID, nil
}

type contextKey struct{}

// UserFromContext returns the user id stored by Middleware.
func UserFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(contextKey{}).(int64)
	return id, ok
}

// Middleware rejects requests without a valid access token cookie and
// stores the user id in the request context.
func (v *UserVerifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(v.cookieName)
		if err != nil || cookie.Value == "" {
			http.Error(w, "Authentication credentials were not provided", http.StatusUnauthorized)
			return
		}

		userID, err := v.VerifyToken(cookie.Value)
		if err != nil {
			http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), contextKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
