package lastupdate

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/ayudas-pipeline/internal/textfold"
)

var monthsByName = map[string]time.Month{
	"enero": time.January, "febrero": time.February, "marzo": time.March,
	"abril": time.April, "mayo": time.May, "junio": time.June,
	"julio": time.July, "agosto": time.August, "septiembre": time.September,
	"setiembre": time.September, "octubre": time.October,
	"noviembre": time.November, "diciembre": time.December,
	"january": time.January, "february": time.February, "march": time.March,
	"april": time.April, "may": time.May, "june": time.June,
	"july": time.July, "august": time.August, "september": time.September,
	"october": time.October, "november": time.November, "december": time.December,
}

var spanishMonths = [...]string{
	"enero", "febrero", "marzo", "abril", "mayo", "junio",
	"julio", "agosto", "septiembre", "octubre", "noviembre", "diciembre",
}

var (
	// "15 de septiembre, 2025", "15 de septiembre de 2025 10:30"
	longDateRe = regexp.MustCompile(
		`(\d{1,2})\s+de\s+([a-z]+),?\s+(?:de\s+)?(\d{4})(?:[,\s]+(?:a\s+las\s+)?(\d{1,2}):(\d{2})(?::(\d{2}))?)?`)
	// "January 15, 2024"
	englishDateRe = regexp.MustCompile(`\b([a-z]{3,9})\s+(\d{1,2}),\s*(\d{4})\b`)
	numericDateRe = regexp.MustCompile(
		`(\d{1,2})[/-](\d{1,2})[/-](\d{4})(?:[\sT]+(\d{1,2}):(\d{2})(?::(\d{2}))?)?`)
	isoDayRe = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})$`)
	labelRe  = regexp.MustCompile(`(?i)^\s*(?:[uú]ltima\s+actualizaci[oó]n|last\s+updated?)\s*:?\s*`)
)

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	time.RFC1123,
	time.RFC1123Z,
}

// ParseDate parses the date formats seen on aid pages and returns the instant
// in UTC. Wall-clock values without a zone are taken as UTC. It reports false
// for anything it cannot read, including impossible calendar dates.
func ParseDate(text string) (time.Time, bool) {
	raw := strings.TrimSpace(text)
	if raw == "" {
		return time.Time{}, false
	}
	s := textfold.Fold(raw)

	if m := longDateRe.FindStringSubmatch(s); m != nil {
		if month, ok := monthsByName[m[2]]; ok {
			return buildDate(atoi(m[3]), month, atoi(m[1]), m[4], m[5], m[6])
		}
	}
	if m := englishDateRe.FindStringSubmatch(s); m != nil {
		if month, ok := monthsByName[m[1]]; ok {
			return buildDate(atoi(m[3]), month, atoi(m[2]), "", "", "")
		}
	}
	if m := numericDateRe.FindStringSubmatch(s); m != nil {
		month := atoi(m[2])
		if month >= 1 && month <= 12 {
			return buildDate(atoi(m[3]), time.Month(month), atoi(m[1]), m[4], m[5], m[6])
		}
	}
	if m := isoDayRe.FindStringSubmatch(s); m != nil {
		month := atoi(m[2])
		if month >= 1 && month <= 12 {
			return buildDate(atoi(m[1]), time.Month(month), atoi(m[3]), "", "", "")
		}
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// Compare orders two page dates and returns -1, 0 or +1. Dates read from
// text such as "20 de marzo, 2024" carry no time of day, so when either side
// is exactly midnight UTC both are compared by calendar day. This keeps a
// page from looking updated when one crawl reads the visible date and the
// next reads a timestamped metadata date for the same day.
func Compare(a, b time.Time) int {
	a, b = a.UTC(), b.UTC()
	if dayOnly(a) || dayOnly(b) {
		a, b = truncateDay(a), truncateDay(b)
	}
	return a.Compare(b)
}

func dayOnly(t time.Time) bool {
	return t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// StripLabel removes a leading "Última actualización:" style label.
func StripLabel(text string) string {
	return strings.TrimSpace(labelRe.ReplaceAllString(text, ""))
}

// FormatSpanish renders t as "15 de enero, 2024".
func FormatSpanish(t time.Time) string {
	t = t.UTC()
	return strconv.Itoa(t.Day()) + " de " + spanishMonths[t.Month()-1] + ", " + strconv.Itoa(t.Year())
}

// LabeledText renders t the way the catalogue pages display it.
func LabeledText(t time.Time) string {
	return visibleLabel + FormatSpanish(t)
}

// CanonicalText folds a stored or freshly resolved page text so that two
// renderings of the same date compare equal.
func CanonicalText(text string) string {
	return textfold.Fold(StripLabel(textfold.Clean(text)))
}

func buildDate(year int, month time.Month, day int, hh, mm, ss string) (time.Time, bool) {
	if day < 1 || day > 31 {
		return time.Time{}, false
	}
	hour, minute, second := atoi(hh), atoi(mm), atoi(ss)
	if hour > 23 || minute > 59 || second > 59 {
		return time.Time{}, false
	}
	t := time.Date(year, month, day, hour, minute, second, 0, time.UTC)
	if t.Day() != day || t.Month() != month {
		return time.Time{}, false
	}
	return t, true
}

func atoi(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
