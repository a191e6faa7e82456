// Package vin validates and normalizes Vehicle Identification Numbers and
// renders the fixed-width progress bar the progress channel embeds in each
// frame.
package vin

import (
	"fmt"
	"regexp"
	"strings"
)

// grammar matches 17 alphanumeric characters, excluding I, O and Q (the
// characters the VIN standard disallows to avoid confusion with 1/0).
var grammar = regexp.MustCompile(`^[A-HJ-NPR-Z0-9]{17}$`)

// Normalize upper-cases and trims a raw VIN string. It does not validate.
func Normalize(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// Valid reports whether vin (already normalized, or not) satisfies the VIN
// grammar: 17 characters, alphanumeric, excluding I/O/Q.
func Valid(raw string) bool {
	return grammar.MatchString(Normalize(raw))
}

// ProgressBar renders a fixed-width textual progress indicator.
//
// width is the number of bar cells; percent is clamped to [0,100].
func ProgressBar(percent, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if width <= 0 {
		width = 20
	}
	filled := (percent * width) / 100
	return fmt.Sprintf("[%s%s] %d%%", strings.Repeat("█", filled), strings.Repeat("░", width-filled), percent)
}
