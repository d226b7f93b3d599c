package cli

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{2,20}$`)

// ValidateInput checks free-text fields (notes, reasons, reviewer names)
// for potentially malicious input patterns before they reach storage.
func ValidateInput(input string) error {
	// Check for command injection patterns
	if strings.Contains(input, ";") || strings.Contains(input, "&&") || strings.Contains(input, "||") {
		return errors.New("potentially malicious input detected")
	}

	// Check for path traversal
	if strings.Contains(input, "../") || strings.Contains(input, "..\\") {
		return errors.New("potentially malicious input detected")
	}

	// Check for SQL injection patterns (more specific)
	sqlPattern := regexp.MustCompile(`['"]\s*;\s*|\b(DROP|DELETE|UPDATE|INSERT)\b`)
	if sqlPattern.MatchString(strings.ToUpper(input)) {
		return errors.New("potentially malicious input detected")
	}

	return nil
}

// ValidateSymbol checks that a trading symbol is upper-case alphanumeric,
// e.g. "BTCUSDT". Lower-case input is rejected rather than normalized so
// callers decide where normalization happens.
func ValidateSymbol(symbol string) error {
	if symbol == "" {
		return errors.New("symbol must not be empty")
	}
	if !symbolPattern.MatchString(symbol) {
		return fmt.Errorf("invalid symbol %q: expected upper-case alphanumeric, 2-20 chars", symbol)
	}
	return nil
}
