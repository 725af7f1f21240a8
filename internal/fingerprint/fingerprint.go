// Package fingerprint validates device fingerprints and issues activation
// codes. It has no dependencies beyond the standard library and holds no
// state.
package fingerprint

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// MinLength is the length of a hex-encoded SHA-256 digest.
	MinLength = 64
	// MaxLength is the length of a hex-encoded SHA-512 digest.
	MaxLength = 128

	// ActivationCodeBytes is the amount of randomness in an activation code
	// before hex encoding.
	ActivationCodeBytes = 32

	// maxRun is the longest run of one repeated character tolerated.
	maxRun = 9
	// sequenceLen is the length of an ascending/descending run that counts
	// as a sequence.
	sequenceLen = 5
)

// Reasons reported by DetectSuspicious.
const (
	ReasonRepeatedRun = "repeated character run"
	ReasonAllZero     = "all zeros"
	ReasonUniform     = "uniform pattern"
	ReasonSequence    = "sequential characters"
)

// IsWellFormed reports whether fp is 64 to 128 hexadecimal characters.
// Case is not significant.
func IsWellFormed(fp string) bool {
	if len(fp) < MinLength || len(fp) > MaxLength {
		return false
	}
	for i := 0; i < len(fp); i++ {
		if !isHex(fp[i]) {
			return false
		}
	}
	return true
}

// Normalize returns the canonical lowercase form of fp.
func Normalize(fp string) string {
	return strings.ToLower(strings.TrimSpace(fp))
}

// Equal compares two fingerprints case-insensitively.
func Equal(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return strings.EqualFold(a, b)
}

// DetectSuspicious applies heuristics against trivially forged
// fingerprints. A true result is a warning signal, not proof.
func DetectSuspicious(fp string) (bool, []string) {
	fp = strings.ToLower(fp)
	var reasons []string

	if longestRun(fp) > maxRun {
		reasons = append(reasons, ReasonRepeatedRun)
	}
	if fp != "" && strings.Trim(fp, "0") == "" {
		reasons = append(reasons, ReasonAllZero)
	}
	if fp != "" && strings.Trim(fp, "f1") == "" {
		reasons = append(reasons, ReasonUniform)
	}
	if hasSequence(fp) {
		reasons = append(reasons, ReasonSequence)
	}

	return len(reasons) > 0, reasons
}

// Similarity returns the percentage (0-100) of positions at which a and b
// hold the same character. Fingerprints of different length score 0.
func Similarity(a, b string) float64 {
	if a == "" || len(a) != len(b) {
		return 0
	}
	a, b = strings.ToLower(a), strings.ToLower(b)
	matches := 0
	for i := 0; i < len(a); i++ {
		if a[i] == b[i] {
			matches++
		}
	}
	return float64(matches) * 100 / float64(len(a))
}

// Components are the hardware identifiers a kiosk derives its fingerprint
// from.
type Components struct {
	AndroidID        string
	BuildBoard       string
	BuildBrand       string
	BuildModel       string
	MACAddressHash   string
	AppSignatureHash string
}

// Generate derives a SHA-256 fingerprint from hardware components. The
// android id, board and brand are required.
func Generate(c Components) (string, error) {
	if c.AndroidID == "" || c.BuildBoard == "" || c.BuildBrand == "" {
		return "", fmt.Errorf("insufficient components to derive fingerprint")
	}
	data := strings.Join([]string{
		c.AndroidID, c.BuildBoard, c.BuildBrand, c.BuildModel, c.MACAddressHash, c.AppSignatureHash,
	}, "|")
	return HashHex(data), nil
}

// HashHex returns the hex SHA-256 of s. Used for MAC addresses and other
// identifiers that must not be stored in the clear.
func HashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// GenerateActivationCode returns a hex-encoded random bearer credential.
func GenerateActivationCode() (string, error) {
	b := make([]byte, ActivationCodeBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating activation code: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Short returns a log-safe prefix of a fingerprint or credential.
func Short(s string) string {
	if len(s) <= 8 {
		return s
	}
	return s[:8] + "..."
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func longestRun(s string) int {
	best, run := 0, 0
	for i := 0; i < len(s); i++ {
		if i > 0 && s[i] == s[i-1] {
			run++
		} else {
			run = 1
		}
		best = max(best, run)
	}
	return best
}

func hasSequence(s string) bool {
	for i := 0; i+sequenceLen <= len(s); i++ {
		up, down := true, true
		for j := 1; j < sequenceLen; j++ {
			d := int(s[i+j]) - int(s[i+j-1])
			up = up && d == 1
			down = down && d == -1
		}
		if up || down {
			return true
		}
	}
	return false
}
