// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// CodeAlphabet omits 0, 1, I and O, which are easily confused when a
// code is read aloud or copied by hand.
const CodeAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

// CodeLength is the number of characters in a generated code.
const CodeLength = 6

// GenerateCode returns a fresh random code of CodeLength characters in
// normalized form (no separator).
func GenerateCode() (string, error) {
	random := make([]byte, CodeLength)
	if _, err := rand.Read(random); err != nil {
		return "", fmt.Errorf("reading random bytes for code: %w", err)
	}
	code := make([]byte, CodeLength)
	for index, value := range random {
		// 256 is a multiple of len(CodeAlphabet), so this is unbiased.
		code[index] = CodeAlphabet[int(value)%len(CodeAlphabet)]
	}
	return string(code), nil
}

// FormatCode renders a six-character code as "XXX-YYY" for display.
// Other lengths are returned normalized without a separator.
func FormatCode(code string) string {
	normalized := NormalizeCode(code)
	if len(normalized) != CodeLength {
		return normalized
	}
	return normalized[:3] + "-" + normalized[3:]
}

// ValidateCode checks an operator-supplied code: after normalization it
// must be 4 to 32 characters of A-Z and 0-9.
func ValidateCode(code string) error {
	normalized := NormalizeCode(code)
	if len(normalized) < 4 || len(normalized) > 32 {
		return fmt.Errorf("code must be 4 to 32 characters, got %d", len(normalized))
	}
	if index := strings.IndexFunc(normalized, func(character rune) bool {
		return !(character >= 'A' && character <= 'Z' || character >= '0' && character <= '9')
	}); index >= 0 {
		return fmt.Errorf("code contains invalid character %q", normalized[index])
	}
	return nil
}
