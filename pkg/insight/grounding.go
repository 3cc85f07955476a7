package insight

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/malbeclabs/insights/pkg/model"
)

var (
	numberRE = regexp.MustCompile(`(?i)(-|−)?(\d+(?:,\d{3})*)?(?:\.(\d+))?(\s*(?:%|percent\b|per cent\b)|\s*(?:thousand|million|billion)\b|\s?(?:bn|k|m|b)\b)?`)
	yearRE   = regexp.MustCompile(`\b\d{4}\b`)
)

var multipliers = map[string]float64{
	"k": 1e3, "thousand": 1e3,
	"m": 1e6, "million": 1e6,
	"b": 1e9, "bn": 1e9, "billion": 1e9,
}

// Figure is a numeric token found in narrative text.
type Figure struct {
	Text    string
	Value   float64
	Tol     float64
	Percent bool
}

// Figures extracts the numeric tokens of text. Digits glued to a period
// prefix (Q3, H1, FY2024) are part of a label and skipped; any other prefix,
// such as a currency code, does not hide a number.
func Figures(text string) []Figure {
	var out []Figure
	for _, m := range numberRE.FindAllStringSubmatchIndex(text, -1) {
		if m[4] < 0 && m[6] < 0 {
			continue
		}
		if periodPrefixed(text, m[0]) {
			continue
		}
		f := Figure{Text: strings.TrimSpace(text[m[0]:m[1]])}
		digits := "0"
		if m[4] >= 0 {
			digits = strings.ReplaceAll(text[m[4]:m[5]], ",", "")
		}
		decimals := 0
		if m[6] >= 0 {
			digits += "." + text[m[6]:m[7]]
			decimals = m[7] - m[6]
		}
		v, err := strconv.ParseFloat(digits, 64)
		if err != nil {
			continue
		}
		mult := 1.0
		if m[8] >= 0 {
			suffix := strings.ToLower(strings.TrimSpace(text[m[8]:m[9]]))
			if strings.HasPrefix(suffix, "%") || strings.HasPrefix(suffix, "per") {
				f.Percent = true
			} else {
				mult = multipliers[suffix]
			}
		}
		if m[2] >= 0 {
			v = -v
		}
		f.Value = v * mult
		f.Tol = 0.5 * math.Pow10(-decimals) * mult
		out = append(out, f)
	}
	return out
}

// periodPrefixed reports whether the digits at i directly follow a whole
// word that is a quarter, half or fiscal year prefix.
func periodPrefixed(text string, i int) bool {
	j := i
	for j > 0 {
		r, size := utf8.DecodeLastRuneInString(text[:j])
		if !unicode.IsLetter(r) {
			break
		}
		j -= size
	}
	if j == i {
		return false
	}
	switch strings.ToLower(text[j:i]) {
	case "q", "h", "fy":
		return true
	}
	return false
}

// Grounded reports whether every figure in narrative, after masking the
// given labels, matches a cited value within the rounding of how it was
// written. Percentages never match. The first offending token is returned.
func Grounded(narrative string, cited []model.CitedMetric, labels []string) (bool, string) {
	masked := mask(narrative, labels)
	for _, f := range Figures(masked) {
		if f.Percent {
			return false, f.Text
		}
		if !matches(f, cited) {
			return false, f.Text
		}
	}
	return true, ""
}

func matches(f Figure, cited []model.CitedMetric) bool {
	const eps = 1e-9
	for _, c := range cited {
		if math.Abs(f.Value-c.Value) <= f.Tol+eps {
			return true
		}
		// A decline may be written without its sign.
		if f.Value >= 0 && math.Abs(f.Value-math.Abs(c.Value)) <= f.Tol+eps {
			return true
		}
	}
	return false
}

// mask blanks out label text, longest first, and the years that labels
// mention.
func mask(text string, labels []string) string {
	sorted := append([]string(nil), labels...)
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })

	years := map[string]struct{}{}
	for _, l := range sorted {
		if strings.TrimSpace(l) == "" {
			continue
		}
		re := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(l))
		text = re.ReplaceAllString(text, " ")
		for _, y := range yearRE.FindAllString(l, -1) {
			years[y] = struct{}{}
		}
	}
	for y := range years {
		text = regexp.MustCompile(`\b`+y+`\b`).ReplaceAllString(text, " ")
	}
	return text
}

func describeFigure(f string) string {
	return fmt.Sprintf("unsupported figure %q", f)
}
