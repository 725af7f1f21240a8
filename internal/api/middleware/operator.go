package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// RoleAdmin is the only role allowed on the operator surface.
const RoleAdmin = "admin"

// operatorIssuer is the iss claim of operator tokens.
const operatorIssuer = "kioskguard-operator"

type operatorContextKey struct{}

// OperatorClaims are the claims of an operator bearer token. The subject
// is the operator's email.
type OperatorClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Operator identifies the authenticated caller of an admin endpoint.
type Operator struct {
	Email string
	Role  string
}

// GenerateOperatorToken signs an operator token for email valid for ttl.
func GenerateOperatorToken(key []byte, email, role string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)
	claims := OperatorClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    operatorIssuer,
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ParseOperatorToken verifies an operator token and returns its claims.
func ParseOperatorToken(key []byte, tokenString string) (*OperatorClaims, error) {
	claims := &OperatorClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, jwt.ErrSignatureInvalid
		}
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.Issuer != operatorIssuer || claims.Subject == "" {
		return nil, errors.New("invalid operator token")
	}
	return claims, nil
}

// RequireOperator returns middleware that admits only requests carrying a
// valid admin bearer token. The operator is stored in the request context.
func RequireOperator(key []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			scheme, tokenString, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") || tokenString == "" {
				writeError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}

			claims, err := ParseOperatorToken(key, tokenString)
			if err != nil {
				slog.Debug("operator auth: invalid token", "error", err, "ip", ClientIP(r))
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			if claims.Role != RoleAdmin {
				slog.Warn("operator auth: insufficient role", "operator", claims.Subject, "role", claims.Role)
				writeError(w, http.StatusForbidden, "admin role required")
				return
			}

			op := Operator{Email: claims.Subject, Role: claims.Role}
			ctx := context.WithValue(r.Context(), operatorContextKey{}, op)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OperatorFromContext returns the authenticated operator, if any.
func OperatorFromContext(ctx context.Context) (Operator, bool) {
	op, ok := ctx.Value(operatorContextKey{}).(Operator)
	return op, ok
}
