// Package security assesses the passwords chosen for locked folders.
package security

import (
	"fmt"
	"regexp"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Length limits for folder passwords.
const (
	MinPasswordLength      = 1
	RecommendedPasswordLen = 8
	MaxPasswordBytes       = 72 // bcrypt input limit
	longPasswordLength     = 12
	passphraseLength       = 20
)

// PasswordStrength represents the strength level of a password.
type PasswordStrength int

const (
	// PasswordWeak indicates a password shorter than 8 characters.
	PasswordWeak PasswordStrength = iota
	// PasswordFair indicates a minimally acceptable password.
	PasswordFair
	// PasswordGood indicates a good password.
	PasswordGood
	// PasswordStrong indicates a strong password.
	PasswordStrong
)

// String returns a human-readable representation of the password strength.
func (s PasswordStrength) String() string {
	switch s {
	case PasswordWeak:
		return "Weak"
	case PasswordFair:
		return "Fair"
	case PasswordGood:
		return "Good"
	case PasswordStrong:
		return "Strong"
	default:
		return "Unknown"
	}
}

// ValidationResult contains the result of password validation
type ValidationResult struct {
	Valid    bool             // Whether password meets hard requirements
	Strength PasswordStrength // Estimated strength
	Warnings []string         // Suggestions for improvement, or the reason Valid is false
}

var (
	hasUpper   = regexp.MustCompile(`[A-Z]`)
	hasLower   = regexp.MustCompile(`[a-z]`)
	hasDigit   = regexp.MustCompile(`\d`)
	hasSpecial = regexp.MustCompile(`[!@#$%^&*(),.?":{}|<>\-_=+\[\]\\;'~/\x60]`)
)

// ValidatePassword checks the hard limits (non-empty, at most 72 bytes after
// normalisation) and returns advisory warnings for weak choices. Warnings do
// not block locking.
func ValidatePassword(password string) *ValidationResult {
	result := &ValidationResult{Valid: true, Strength: PasswordFair}

	length := utf8.RuneCountInString(password)
	if length < MinPasswordLength {
		result.Valid = false
		result.Strength = PasswordWeak
		result.Warnings = append(result.Warnings, "Password must not be empty")
		return result
	}
	if len(norm.NFC.String(password)) > MaxPasswordBytes {
		result.Valid = false
		result.Strength = PasswordWeak
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("Password must be at most %d bytes", MaxPasswordBytes))
		return result
	}

	complexity := 0
	for _, re := range []*regexp.Regexp{hasUpper, hasLower, hasDigit, hasSpecial} {
		if re.MatchString(password) {
			complexity++
		}
	}

	if length < RecommendedPasswordLen {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("Passwords shorter than %d characters are easy to guess", RecommendedPasswordLen))
	} else if length < longPasswordLength {
		result.Warnings = append(result.Warnings,
			"Longer passwords (12+ characters) are more secure")
	}
	if complexity < 2 && length < passphraseLength {
		result.Warnings = append(result.Warnings,
			"Consider using a mix of uppercase, lowercase, numbers, and symbols")
	}

	result.Strength = calculatePasswordStrength(length, complexity)
	return result
}

// calculatePasswordStrength rates a password mainly by length, following
// NIST SP 800-63B; composition only lifts short passwords one level.
func calculatePasswordStrength(length, complexity int) PasswordStrength {
	switch {
	case length >= passphraseLength:
		return PasswordStrong
	case length >= 14 || (length >= longPasswordLength && complexity >= 3):
		return PasswordGood
	case length >= RecommendedPasswordLen:
		return PasswordFair
	default:
		return PasswordWeak
	}
}
