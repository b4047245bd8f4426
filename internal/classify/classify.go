// Package classify decides whether a registry name denotes a company or a
// natural person and extracts the company's legal form.
package classify

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/jlchulilla/libreborme/internal/model"
)

// Result is the outcome of classifying a name.
type Result struct {
	Name      string
	Kind      model.Kind
	LegalForm string
}

// MissingLegalForm reports a company whose legal form was not recognized.
func (r Result) MissingLegalForm() bool {
	return r.Kind == model.KindCompany && r.LegalForm == ""
}

// abbreviations maps compacted suffixes (dots and spaces removed) to the
// legal-form tag. Keys are matched against the last one to four tokens.
var abbreviations = map[string]string{
	"SL":      "SL",
	"SRL":     "SL",
	"SA":      "SA",
	"SLU":     "SLU",
	"SAU":     "SAU",
	"SLL":     "SLL",
	"SAL":     "SAL",
	"SLNE":    "SLNE",
	"SLP":     "SLP",
	"SAP":     "SAP",
	"SLLP":    "SLLP",
	"SCOOP":   "SCOOP",
	"SOCCOOP": "SCOOP",
	"SCOOPA":  "SCOOP",
	"SCL":     "SCOOP",
	"SC":      "SC",
	"SCP":     "SCP",
	"SRC":     "SRC",
	"SCOM":    "SCOM",
	"SCOMPA":  "SCOMPA",
	"AIE":     "AIE",
	"AEIE":    "AEIE",
	"UTE":     "UTE",
	"SICAV":   "SICAV",
	"SGR":     "SGR",
	"SAT":     "SAT",
	"SE":      "SE",
	"FI":      "FI",
	"FP":      "FP",
	"FCR":     "FCR",
	"SCR":     "SCR",
	"SGIIC":   "SGIIC",
	"SOCIMI":  "SOCIMI",
}

// phrases maps spelled-out legal forms (accent-folded) to their tag. Longest
// phrases first so that "UNIPERSONAL" variants win.
var phrases = []struct {
	suffix string
	tag    string
}{
	{"SOCIEDAD LIMITADA NUEVA EMPRESA", "SLNE"},
	{"SOCIEDAD LIMITADA PROFESIONAL", "SLP"},
	{"SOCIEDAD LIMITADA UNIPERSONAL", "SLU"},
	{"SOCIEDAD ANONIMA UNIPERSONAL", "SAU"},
	{"SOCIEDAD LIMITADA LABORAL", "SLL"},
	{"SOCIEDAD ANONIMA LABORAL", "SAL"},
	{"SOCIEDAD DE RESPONSABILIDAD LIMITADA", "SL"},
	{"AGRUPACION DE INTERES ECONOMICO", "AIE"},
	{"SOCIEDAD AGRARIA DE TRANSFORMACION", "SAT"},
	{"SOCIEDAD COOPERATIVA", "SCOOP"},
	{"SOCIEDAD LIMITADA", "SL"},
	{"SOCIEDAD ANONIMA", "SA"},
	{"SOCIEDAD CIVIL", "SC"},
	{"UNION TEMPORAL DE EMPRESAS", "UTE"},
}

// keywords mark a company even when no legal form is recognized.
var keywords = []string{
	"SOCIEDAD", "LIMITADA", "ANONIMA", "COOPERATIVA", "FUNDACION",
	"ASOCIACION", "AGRUPACION", "UNION TEMPORAL", "COMUNIDAD DE BIENES",
	"FONDO", "BANCO", "CAJA", "MUTUA", "MUTUALIDAD", "CONSORCIO",
	"AYUNTAMIENTO", "DIPUTACION", "CONSEJERIA", "MINISTERIO",
	"ENTIDAD", "HOLDING", "INVERSIONES", "PROMOCIONES", "CONSTRUCCIONES",
}

var (
	spaceRe = regexp.MustCompile(`\s+`)
	tokenRe = regexp.MustCompile(`[\s,;]+`)
)

// Classify returns the normalized display name, its kind and, for companies,
// the legal-form tag. Names default to persons.
func Classify(text string) Result {
	name := Normalize(text)
	res := Result{Name: name, Kind: model.KindPerson}
	if name == "" {
		return res
	}

	folded := strings.ToUpper(Fold(name))

	if tag := legalForm(folded); tag != "" {
		res.Kind = model.KindCompany
		res.LegalForm = tag
		return res
	}

	for _, kw := range keywords {
		if containsWord(folded, kw) {
			res.Kind = model.KindCompany
			return res
		}
	}
	return res
}

// IsCompany reports whether text denotes a company.
func IsCompany(text string) bool {
	return Classify(text).Kind == model.KindCompany
}

// Normalize trims and collapses internal whitespace.
func Normalize(text string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(text, " "))
}

// Fold strips diacritics, keeping base letters ("PÉREZ" -> "PEREZ").
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

func legalForm(folded string) string {
	for _, p := range phrases {
		if strings.HasSuffix(folded, " "+p.suffix) || folded == p.suffix {
			return p.tag
		}
	}

	undotted := strings.ReplaceAll(folded, ".", " ")
	tokens := tokenRe.Split(strings.TrimSpace(undotted), -1)
	// Keep at least one token for the name itself.
	for n := min(4, len(tokens)-1); n >= 1; n-- {
		key := strings.Join(tokens[len(tokens)-n:], "")
		if tag, ok := abbreviations[key]; ok {
			return tag
		}
	}
	return ""
}

func containsWord(folded, word string) bool {
	idx := 0
	for {
		i := strings.Index(folded[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		if (start == 0 || !isWordByte(folded[start-1])) && (end == len(folded) || !isWordByte(folded[end])) {
			return true
		}
		idx = start + 1
	}
}

func isWordByte(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
