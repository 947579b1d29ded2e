package account

import (
	"net/mail"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/example/nilesession/internal/apperr"
	"github.com/example/nilesession/internal/gate"
)

const (
	minUsername = 4
	maxUsername = 20
	minFullname = 4
	maxFullname = 255
	minPassword = 6
	// bcrypt ignores everything past 72 bytes
	maxPasswordBytes = 72
)

const passwordSpecials = "!@#$%^&*()_+-=[]{};':\"\\|,.<>/?`~"

// ValidatePassword applies the password policy and reports every rule that
// failed, not just the first.
func ValidatePassword(pw string) error {
	var failed []string
	if utf8.RuneCountInString(pw) < minPassword {
		failed = append(failed, "must be at least 6 characters")
	}
	if len(pw) > maxPasswordBytes {
		failed = append(failed, "must be at most 72 bytes")
	}
	var lower, upper, digit, special bool
	for _, r := range pw {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		case strings.ContainsRune(passwordSpecials, r):
			special = true
		}
	}
	if !lower {
		failed = append(failed, "must contain a lowercase letter")
	}
	if !upper {
		failed = append(failed, "must contain an uppercase letter")
	}
	if !digit {
		failed = append(failed, "must contain a digit")
	}
	if !special {
		failed = append(failed, "must contain a special character (e.g. !@#$%^&*)")
	}
	if len(failed) > 0 {
		return apperr.Invalid("password", "Password does not meet the policy", failed...)
	}
	return nil
}

func validateUsername(s string) error {
	n := utf8.RuneCountInString(s)
	if n < minUsername || n > maxUsername {
		return apperr.Invalid("username", "Username must be between 4 and 20 characters")
	}
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return apperr.Invalid("username", "Username must not contain spaces")
		}
	}
	return nil
}

func validateFullname(s string) error {
	n := utf8.RuneCountInString(s)
	if n < minFullname || n > maxFullname {
		return apperr.Invalid("fullname", "Fullname must be between 4 and 255 characters")
	}
	return nil
}

func validateEmail(s string) error {
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s || addr.Name != "" {
		return apperr.Invalid("email", "Invalid email")
	}
	return nil
}

func validateLevel(l int) error {
	if l < gate.MinLevel || l > gate.MaxLevel {
		return apperr.Invalid("level", "Level must be between 0 and 10")
	}
	return nil
}

func validateActive(a int) error {
	if a != 0 && a != 1 {
		return apperr.Invalid("active", "Active must be 0 or 1")
	}
	return nil
}

// normalize trims surrounding space and composes to NFC so that visually
// identical names compare equal.
func normalize(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
