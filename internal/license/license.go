// Package license owns license state: key generation, expiry and grace
// arithmetic, and the persistent lifecycle operations (create, revoke,
// extend) built on top of them.
package license

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/kioskguard/kioskguard/internal/database/models"
)

const day = 24 * time.Hour

// keyAlphabet is the character set of each license key segment.
const keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Policy holds the day counts that drive expiry and grace arithmetic.
type Policy struct {
	TrialDays  int
	AnnualDays int
	GraceDays  int
}

// DefaultPolicy is used when no configuration overrides it.
var DefaultPolicy = Policy{TrialDays: 10, AnnualDays: 365, GraceDays: 7}

// Validity is the outcome of IsValid.
type Validity struct {
	Valid   bool
	InGrace bool
	Reason  string
}

// GenerateKey returns a random key of the form LIC-XXXX-XXXX-XXXX-XXXX.
func GenerateKey() (string, error) {
	var b strings.Builder
	b.WriteString("LIC")
	n := big.NewInt(int64(len(keyAlphabet)))
	for seg := 0; seg < 4; seg++ {
		b.WriteByte('-')
		for i := 0; i < 4; i++ {
			idx, err := rand.Int(rand.Reader, n)
			if err != nil {
				return "", fmt.Errorf("generating license key: %w", err)
			}
			b.WriteByte(keyAlphabet[idx.Int64()])
		}
	}
	return b.String(), nil
}

// IsKeyFormat reports whether key has the LIC-XXXX-XXXX-XXXX-XXXX shape.
func IsKeyFormat(key string) bool {
	parts := strings.Split(key, "-")
	if len(parts) != 5 || parts[0] != "LIC" {
		return false
	}
	for _, p := range parts[1:] {
		if len(p) != 4 {
			return false
		}
		for i := 0; i < len(p); i++ {
			if !strings.ContainsRune(keyAlphabet, rune(p[i])) {
				return false
			}
		}
	}
	return true
}

// ExpiryFor returns the expiry date of a license of type typ issued at
// issued. Perpetual licenses never expire and yield nil.
func (p Policy) ExpiryFor(typ string, issued time.Time) (*time.Time, error) {
	var days int
	switch typ {
	case models.LicenseTypeTrial:
		days = p.TrialDays
	case models.LicenseTypeAnnual:
		days = p.AnnualDays
	case models.LicenseTypePerpetual:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown license type %q", typ)
	}
	exp := issued.Add(time.Duration(days) * day)
	return &exp, nil
}

// IsExpired reports whether l is past its expiry date at now.
func IsExpired(l *models.License, now time.Time) bool {
	return l.ExpiryDate != nil && now.After(*l.ExpiryDate)
}

// IsValid evaluates l at now. Revocation is terminal. An expired license
// stays valid, flagged InGrace, until GraceDays after its expiry date.
func (p Policy) IsValid(l *models.License, now time.Time) Validity {
	if l.Status == models.LicenseStatusRevoked {
		reason := "license revoked"
		if l.RevokedReason != "" {
			reason += ": " + l.RevokedReason
		}
		return Validity{Reason: reason}
	}
	if !IsExpired(l, now) {
		return Validity{Valid: true}
	}
	graceEnd := l.ExpiryDate.Add(time.Duration(p.GraceDays) * day)
	if !now.After(graceEnd) {
		return Validity{Valid: true, InGrace: true, Reason: "license expired, in grace period"}
	}
	return Validity{Reason: fmt.Sprintf("license expired on %s", l.ExpiryDate.UTC().Format("2006-01-02"))}
}

// DaysRemaining returns the ceiling of the days left until expiry, negative
// once expired, or nil for perpetual licenses.
func DaysRemaining(l *models.License, now time.Time) *int {
	if l.ExpiryDate == nil {
		return nil
	}
	d := int(math.Ceil(l.ExpiryDate.Sub(now).Hours() / 24))
	return &d
}

// EffectiveStatus derives the status an operator sees at now. Expired and
// grace_period are never stored.
func (p Policy) EffectiveStatus(l *models.License, now time.Time) string {
	if l.Status == models.LicenseStatusRevoked {
		return models.LicenseStatusRevoked
	}
	if IsExpired(l, now) {
		if p.IsValid(l, now).InGrace {
			return models.LicenseStatusGracePeriod
		}
		return models.LicenseStatusExpired
	}
	return l.Status
}
