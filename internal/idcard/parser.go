// internal/idcard/parser.go
package idcard

import (
	"regexp"
	"strings"
	"time"
)

// Details holds the fields recovered from the OCR text of a national ID or
// driving licence.
type Details struct {
	Name        string     `json:"name"`
	IDNumber    string     `json:"id_number"`
	DateOfBirth *time.Time `json:"dob,omitempty"`
	Gender      string     `json:"gender"`
	Confidence  float64    `json:"extraction_confidence"`
}

var (
	idNumberRe     = regexp.MustCompile(`\b\d{8,10}\b`)
	labelledNameRe = regexp.MustCompile(`(?i)names?[ \t]*:?[ \t]*([a-z][a-z \t'-]*[a-z])`)
	capsNameRe     = regexp.MustCompile(`\b([A-Z][A-Z '-]{3,}[A-Z])\b`)
	dobRe          = regexp.MustCompile(`(?i)(?:DOB|Date[ \t]+of[ \t]+Birth)[:\s]+(\d{1,2}[/-]\d{1,2}[/-]\d{4})`)
	labelledSexRe  = regexp.MustCompile(`(?i)\b(?:sex|gender)[ \t]*:?[ \t]*(male|female|m|f)\b`)
	sexWordRe      = regexp.MustCompile(`(?i)\b(male|female)\b`)
	digitsOnlyRe   = regexp.MustCompile(`^\d{8,10}$`)
)

// Header words printed on the card that look like an all-caps name.
var headerWords = []string{"REPUBLIC", "KENYA", "IDENTITY", "CARD", "SERIAL", "NUMBER", "DATE", "BIRTH", "DISTRICT", "SEX", "PLACE", "ISSUE", "DRIVING", "LICENCE", "LICENSE", "HOLDER"}

// Parse extracts ID details from recognised text. It never fails; missing
// fields are left empty and reflected in the confidence.
func Parse(text string) Details {
	var d Details
	if strings.TrimSpace(text) == "" {
		return d
	}
	d.Confidence = 0.5

	if m := idNumberRe.FindString(text); m != "" {
		d.IDNumber = m
		d.Confidence = 0.7
	}

	d.Name = parseName(text)

	if m := dobRe.FindStringSubmatch(text); m != nil {
		if dob, ok := parseDate(m[1]); ok {
			d.DateOfBirth = &dob
		}
	}

	d.Gender = parseGender(text)
	return d
}

// ValidIDNumber reports whether s is an 8 to 10 digit national ID number.
func ValidIDNumber(s string) bool {
	return digitsOnlyRe.MatchString(strings.TrimSpace(s))
}

func parseName(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if m := labelledNameRe.FindStringSubmatch(line); m != nil {
			return collapseSpaces(m[1])
		}
	}
	for _, line := range strings.Split(text, "\n") {
		for _, m := range capsNameRe.FindAllString(line, -1) {
			if !isHeader(m) {
				return collapseSpaces(m)
			}
		}
	}
	return ""
}

func parseGender(text string) string {
	m := labelledSexRe.FindStringSubmatch(text)
	if m == nil {
		m = sexWordRe.FindStringSubmatch(text)
	}
	if m == nil {
		return ""
	}
	switch strings.ToUpper(m[1]) {
	case "MALE", "M":
		return "Male"
	case "FEMALE", "F":
		return "Female"
	}
	return ""
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range []string{"2/1/2006", "2-1-2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func isHeader(candidate string) bool {
	for _, w := range strings.Fields(candidate) {
		for _, h := range headerWords {
			if w == h {
				return true
			}
		}
	}
	return false
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
