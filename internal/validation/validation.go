// Package validation provides centralized input validation for collector
// names that end up in file paths or database keys.
package validation

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/xtxerr/collector/internal/errors"
)

// =============================================================================
// Name Validation
// =============================================================================

// NameRules defines the validation rules for a kind of name.
type NameRules struct {
	Kind         string
	MinLength    int
	MaxLength    int
	AllowDots    bool
	AllowHyphens bool
	AllowUnders  bool

	// AnyPrintable accepts every printable rune, ignoring the Allow flags.
	AnyPrintable bool
}

// CategoryRules returns the rules for event categories. A category names a
// spool directory, so it must be a single safe path element.
func CategoryRules() NameRules {
	return NameRules{
		Kind:         "category",
		MinLength:    1,
		MaxLength:    200,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// ChannelRules returns the rules for feed channels.
func ChannelRules() NameRules {
	return NameRules{
		Kind:         "channel",
		MinLength:    1,
		MaxLength:    255,
		AnyPrintable: true,
	}
}

// ValidateName validates name according to rules. Failures wrap
// errors.ErrInvalidArgument.
func ValidateName(name string, rules NameRules) error {
	if err := validateName(name, rules); err != nil {
		return fmt.Errorf("%w: %s %q: %v", errors.ErrInvalidArgument, rules.Kind, name, err)
	}
	return nil
}

func validateName(name string, rules NameRules) error {
	n := utf8.RuneCountInString(name)
	if n < rules.MinLength {
		return fmt.Errorf("too short: minimum %d characters required", rules.MinLength)
	}
	if rules.MaxLength > 0 && n > rules.MaxLength {
		return fmt.Errorf("too long: maximum %d characters allowed", rules.MaxLength)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("not valid UTF-8")
	}

	if !rules.AnyPrintable {
		if strings.HasPrefix(name, ".") {
			return fmt.Errorf("cannot start with '.'")
		}
		if strings.Contains(name, "..") {
			return fmt.Errorf("cannot contain '..'")
		}
	}

	for i, r := range name {
		if r < 32 || r == 127 {
			return fmt.Errorf("control character at position %d", i)
		}
		if rules.AnyPrintable {
			if !unicode.IsPrint(r) {
				return fmt.Errorf("unprintable character at position %d", i)
			}
			continue
		}
		if r == '/' || r == '\\' {
			return fmt.Errorf("path separator at position %d", i)
		}
		if !isAllowedNameChar(r, rules) {
			return fmt.Errorf("invalid character '%c' at position %d", r, i)
		}
	}

	return nil
}

func isAllowedNameChar(r rune, rules NameRules) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '.':
		return rules.AllowDots
	case '-':
		return rules.AllowHyphens
	case '_':
		return rules.AllowUnders
	}
	return false
}

// ValidateCategory validates an event category with CategoryRules.
func ValidateCategory(category string) error {
	return ValidateName(category, CategoryRules())
}

// ValidateChannel validates a feed channel with ChannelRules.
func ValidateChannel(channel string) error {
	return ValidateName(channel, ChannelRules())
}
