package shared

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// NormalizeEmail folds an address to its canonical lowercase form.
func NormalizeEmail(email string) string {
	return cases.Lower(language.Und).String(norm.NFC.String(strings.TrimSpace(email)))
}

// NormalizeCode upper-cases role, department and report codes.
func NormalizeCode(code string) string {
	return cases.Upper(language.Und).String(strings.TrimSpace(code))
}

// NormalizeCodes upper-cases and de-duplicates codes, dropping blanks.
func NormalizeCodes(codes []string) []string {
	seen := make(map[string]struct{}, len(codes))
	out := make([]string, 0, len(codes))
	for _, code := range codes {
		code = NormalizeCode(code)
		if code == "" {
			continue
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	return out
}

// NormalizeName trims and composes a display name.
func NormalizeName(name string) string {
	return norm.NFC.String(strings.Join(strings.Fields(name), " "))
}
