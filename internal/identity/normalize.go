// Package identity maps raw extracted pharmacy sightings to canonical
// pharmacy identities within a region.
package identity

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// genericSuffixes lists trailing tokens that carry no identity signal.
// Sources disagree on whether "Eczanesi" is part of the name.
var genericSuffixes = []string{
	" ECZANESI",
	" ECZANESİ",
	" ECZANE",
	" ECZ",
	" PHARMACY",
	" APOTHEKE",
}

var multiSpaceRe = regexp.MustCompile(`\s{2,}`)

// foldDiacritics strips combining marks after NFD decomposition, so
// "Şifa" and "Sifa" normalize identically.
var foldDiacritics = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// NormalizeName standardizes a pharmacy name for matching by:
//  1. Trimming whitespace and lowercasing
//  2. Folding diacritics (ç→c, ğ→g, ö→o, ş→s, ü→u)
//  3. Mapping dotless ı to i (not a combining mark, handled separately)
//  4. Stripping a trailing generic "pharmacy" suffix
//  5. Removing punctuation and collapsing runs of spaces
//
// The result is uppercase to match how it is stored and compared.
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}

	// Lowercase first: ToLower(İ) yields i + combining dot above, which
	// the diacritic fold then removes.
	name = strings.ToLower(name)

	if folded, _, err := transform.String(foldDiacritics, name); err == nil {
		name = folded
	}
	name = strings.ReplaceAll(name, "ı", "i")

	name = strings.ToUpper(name)

	for _, suffix := range genericSuffixes {
		if strings.HasSuffix(name, suffix) {
			name = strings.TrimSuffix(name, suffix)
			break
		}
	}

	name = strings.NewReplacer(
		",", "",
		".", "",
		"'", "",
		"\"", "",
		"&", " ",
		"-", " ",
		"/", " ",
	).Replace(name)

	name = multiSpaceRe.ReplaceAllString(name, " ")
	name = strings.TrimSpace(name)

	return name
}

// canonicalName cleans the display form of a raw name without folding
// diacritics: whitespace trimmed and runs of spaces collapsed.
func canonicalName(name string) string {
	return multiSpaceRe.ReplaceAllString(strings.TrimSpace(name), " ")
}

// NormalizePhone keeps digits only, dropping the leading country code
// for Turkish numbers so "+90 212 555 0001" and "0212 555 00 01"
// compare equal.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if strings.HasPrefix(digits, "90") && len(digits) == 12 {
		digits = digits[2:]
	}
	digits = strings.TrimPrefix(digits, "0")
	return digits
}
