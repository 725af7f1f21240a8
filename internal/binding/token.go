package binding

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/kioskguard/kioskguard/internal/database/models"
)

// tokenIssuer is the iss claim of every device token.
const tokenIssuer = "kioskguard"

// DeviceClaims are the claims embedded in a device token.
type DeviceClaims struct {
	LicenseID         string `json:"license_id"`
	DeviceFingerprint string `json:"device_fingerprint"`
	ClientID          string `json:"client_id"`
	BranchID          string `json:"branch_id"`
	LicenseType       string `json:"license_type"`
	// LicenseExpiresAt is nil for perpetual licenses.
	LicenseExpiresAt *jwt.NumericDate `json:"license_expires_at,omitempty"`
	jwt.RegisteredClaims
}

// TokenSigner issues and verifies HS256 device tokens.
type TokenSigner struct {
	key []byte
	ttl time.Duration
}

// NewTokenSigner creates a signer using key. Tokens live for ttl.
func NewTokenSigner(key []byte, ttl time.Duration) *TokenSigner {
	return &TokenSigner{key: key, ttl: ttl}
}

// Sign issues a token binding deviceID and fingerprint to l.
func (s *TokenSigner) Sign(l *models.License, deviceID, fingerprint string, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(s.ttl)
	claims := DeviceClaims{
		LicenseID:         l.ID,
		DeviceFingerprint: fingerprint,
		ClientID:          l.ClientID,
		BranchID:          l.BranchID,
		LicenseType:       l.Type,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	if l.ExpiryDate != nil {
		claims.LicenseExpiresAt = jwt.NewNumericDate(*l.ExpiryDate)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing device token: %w", err)
	}
	return signed, expiresAt, nil
}

// Parse verifies a device token and returns its claims.
func (s *TokenSigner) Parse(tokenString string) (*DeviceClaims, error) {
	claims := &DeviceClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.key, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.Issuer != tokenIssuer {
		return nil, errors.New("invalid device token")
	}
	return claims, nil
}
