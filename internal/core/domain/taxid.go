package domain

import "strings"

const TaxIDRootLength = 8

// NormalizeTaxID strips every non-digit character.
func NormalizeTaxID(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// TaxIDRoot returns the registrant root of a normalized tax id, or "" when it is too short.
func TaxIDRoot(normalized string) string {
	if len(normalized) < TaxIDRootLength {
		return ""
	}
	return normalized[:TaxIDRootLength]
}

// LooksLikeTaxID reports whether the digits of value have CPF (11) to CNPJ (14) length.
func LooksLikeTaxID(value string) bool {
	n := len(NormalizeTaxID(value))
	return n >= 11 && n <= 14
}

// IsBlank treats the literal "null" that extractors emit as empty.
func IsBlank(value string) bool {
	trimmed := strings.TrimSpace(value)
	return trimmed == "" || strings.EqualFold(trimmed, "null")
}
