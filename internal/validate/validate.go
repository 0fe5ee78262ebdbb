// Package validate classifies the raw page content captured after a form
// submission resolves. It is deliberately conservative: anything ambiguous or
// partially loaded classifies as an error so the combination is retried
// rather than silently skipped or falsely matched.
package validate

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/JakeFAU/curp-search-engine/internal/search"
	"github.com/JakeFAU/curp-search-engine/internal/states"
)

// curpPattern matches the 18-character CURP layout: four letters, six date
// digits, sex marker, five letters, homonym char, check digit.
var curpPattern = regexp.MustCompile(`\b[A-Z]{4}\d{6}[HM][A-Z]{5}[0-9A-Z]\d\b`)

// curpCellPattern anchors extraction to the result table so a CURP echoed in
// page scripts is not mistaken for a confirmed match.
var curpCellPattern = regexp.MustCompile(`(?is)CURP:\s*</td>\s*<td[^>]*>\s*([A-Z0-9]{18})\s*</td>`)

var birthDateCellPattern = regexp.MustCompile(`(?is)Fecha de nacimiento:\s*</td>\s*<td[^>]*>\s*(\d{2}/\d{2}/\d{4})\s*</td>`)

var stateCellPattern = regexp.MustCompile(`(?is)Entidad de nacimiento:\s*</td>\s*<td[^>]*>\s*([^<]+?)\s*</td>`)

// Result markers observed on the portal. The download link id is the most
// reliable signal that the result panel rendered.
var resultMarkers = []string{
	"dwnldLnk",
	"Descarga del CURP",
	"Datos del solicitante",
}

// Error-modal markers shown when no record matches the submitted data.
var noMatchMarkers = []string{
	"Aviso importante",
	"los datos ingresados no son correctos",
	"warningmenssage",
}

// Captcha markers for an interposed challenge page. The widget script alone
// is not enough; these only appear when the challenge blocks the form.
var captchaMarkers = []string{
	"Verifica que no eres un robot",
	"captcha-container",
	"cf-challenge",
}

// Classify turns raw page content into exactly one outcome. Empty or
// truncated content, and content carrying neither a result panel nor the
// no-match modal, classify as OutcomeError.
func Classify(content string) search.Outcome {
	if strings.TrimSpace(content) == "" {
		return search.Outcome{Kind: search.OutcomeError, Reason: "empty page content"}
	}
	lower := strings.ToLower(content)

	hasResult := containsAny(content, lower, resultMarkers)
	hasNoMatch := containsAny(content, lower, noMatchMarkers)

	if !hasResult && !hasNoMatch && containsAny(content, lower, captchaMarkers) {
		return search.Outcome{Kind: search.OutcomeCaptcha, Reason: "captcha challenge present"}
	}

	if hasResult {
		if curp, ok := extractCURP(content); ok {
			birthDate := extractBirthDate(content, curp)
			state := extractState(content, curp)
			return search.Outcome{
				Kind:      search.OutcomeFound,
				CURP:      curp,
				BirthDate: birthDate,
				State:     state,
			}
		}
		// Result markers without an extractable CURP means the panel is
		// still rendering; retry instead of guessing.
		return search.Outcome{Kind: search.OutcomeError, Reason: "result panel present but no CURP extracted"}
	}
	if hasNoMatch {
		return search.Outcome{Kind: search.OutcomeNotFound}
	}
	return search.Outcome{Kind: search.OutcomeError, Reason: "page carries neither result nor no-match modal"}
}

// ValidCURP reports whether s has the standard 18-character layout.
func ValidCURP(s string) bool {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) != 18 {
		return false
	}
	return curpPattern.MatchString(s)
}

// BirthDateFromCURP decodes positions 5-10 (YYMMDD) into YYYY-MM-DD. Years
// 00-30 resolve to 2000-2030, the rest to the 1900s.
func BirthDateFromCURP(curp string) (string, bool) {
	if !ValidCURP(curp) {
		return "", false
	}
	curp = strings.ToUpper(strings.TrimSpace(curp))
	var yy, mm, dd int
	if _, err := fmt.Sscanf(curp[4:10], "%2d%2d%2d", &yy, &mm, &dd); err != nil {
		return "", false
	}
	year := 1900 + yy
	if yy <= 30 {
		year = 2000 + yy
	}
	t := time.Date(year, time.Month(mm), dd, 0, 0, 0, 0, time.UTC)
	if int(t.Month()) != mm || t.Day() != dd {
		return "", false
	}
	return t.Format("2006-01-02"), true
}

// StateFromCURP returns the birth-state code embedded at positions 12-13.
func StateFromCURP(curp string) (string, bool) {
	if !ValidCURP(curp) {
		return "", false
	}
	return strings.ToUpper(strings.TrimSpace(curp))[11:13], true
}

func extractCURP(content string) (string, bool) {
	if m := curpCellPattern.FindStringSubmatch(content); m != nil {
		candidate := strings.ToUpper(m[1])
		if ValidCURP(candidate) {
			return candidate, true
		}
	}
	// Fallback: a valid CURP anywhere near a result marker.
	for _, candidate := range curpPattern.FindAllString(strings.ToUpper(content), -1) {
		if ValidCURP(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func extractBirthDate(content, curp string) string {
	if m := birthDateCellPattern.FindStringSubmatch(content); m != nil {
		if t, err := time.Parse("02/01/2006", m[1]); err == nil {
			return t.Format("2006-01-02")
		}
	}
	if date, ok := BirthDateFromCURP(curp); ok {
		return date
	}
	return ""
}

func extractState(content, curp string) string {
	if m := stateCellPattern.FindStringSubmatch(content); m != nil {
		return strings.TrimSpace(m[1])
	}
	if code, ok := StateFromCURP(curp); ok {
		return states.NameFor(code)
	}
	return ""
}

func containsAny(content, lower string, markers []string) bool {
	for _, marker := range markers {
		if strings.Contains(content, marker) || strings.Contains(lower, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}
