package entity

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	slugStripRe = regexp.MustCompile(`[^a-z0-9_\s-]`)
	slugDashRe  = regexp.MustCompile(`[-\s]+`)
)

// Slugify maps a display name to its URL-safe key: diacritics and
// punctuation are dropped, the rest lowercased and joined by hyphens.
// "ACME, S.L." becomes "acme-sl".
func Slugify(name string) string {
	t := transform.Chain(
		norm.NFKD,
		runes.Remove(runes.In(unicode.Mn)),
		runes.Remove(runes.Predicate(func(r rune) bool { return r > unicode.MaxASCII })),
	)
	ascii, _, err := transform.String(t, name)
	if err != nil {
		ascii = name
	}
	s := slugStripRe.ReplaceAllString(strings.ToLower(ascii), "")
	s = slugDashRe.ReplaceAllString(strings.TrimSpace(s), "-")
	return strings.Trim(s, "-_")
}
