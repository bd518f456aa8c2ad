// Package scrub strips PHI/PII from data before it crosses the appliance
// boundary (control plane, LLM provider).
// Compliant with HIPAA §164.312(e)(1), transmission security.
//
// IP addresses and hostnames are infrastructure identifiers per HIPAA Safe
// Harbor 45 CFR 164.514(b)(2); callers exclude those categories so the LLM
// can still reason about network topology.
package scrub

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"strings"
)

// Scrubber replaces PHI matches with tagged placeholders.
type Scrubber struct {
	patterns []pattern
}

type pattern struct {
	category string
	re       *regexp.Regexp
	tag      string
}

type patternDef struct {
	category string
	pattern  string
	tag      string
}

var patternDefs = []patternDef{
	// SSN: 123-45-6789 or 123 45 6789
	{"ssn", `\b\d{3}[-\s]\d{2}[-\s]\d{4}\b`, "SSN-REDACTED"},

	// MRN: MRN followed by digits (various separators)
	{"mrn", `(?i)\bMRN[:\s#]*\d{4,12}\b`, "MRN-REDACTED"},

	// Patient ID: patient_id or patient id followed by alphanumeric
	{"patient_id", `(?i)\bpatient[_\s]?id[:\s#]*[A-Za-z0-9\-]{3,20}\b`, "PATIENT-ID-REDACTED"},

	// Phone: (555) 123-4567, 555-123-4567, 555.123.4567
	{"phone", `(?:\(\d{3}\)\s*\d{3}[-.]?\d{4}|\b\d{3}[-.]?\d{3}[-.]?\d{4}\b)`, "PHONE-REDACTED"},

	// Email
	{"email", `\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`, "EMAIL-REDACTED"},

	// Credit card: 4111-1111-1111-1111 with any of the usual separators
	{"credit_card", `\b(?:\d{4}[-\s]?){3}\d{4}\b`, "CC-REDACTED"},

	// DOB: DOB/Date of Birth followed by date patterns
	{"dob", `(?i)\b(?:DOB|date\s*of\s*birth)[:\s]*\d{1,2}[/\-]\d{1,2}[/\-]\d{2,4}\b`, "DOB-REDACTED"},

	// Street address: number + street name + suffix
	{"address", `\b\d{1,6}\s+[A-Z][a-z]+(?:\s+[A-Z][a-z]+)*\s+(?:Street|St|Avenue|Ave|Boulevard|Blvd|Drive|Dr|Road|Rd|Lane|Ln|Court|Ct|Way|Place|Pl|Circle|Cir)\b`, "ADDRESS-REDACTED"},

	// ZIP+4 only; plain 5-digit numbers could be ports or counts
	{"zip", `\b\d{5}-\d{4}\b`, "ZIP-REDACTED"},

	// Account number: Account/Acct # followed by digits
	{"account_number", `(?i)\b(?:account|acct)[:\s#]*\d{4,20}\b`, "ACCOUNT-REDACTED"},

	// Insurance ID
	{"insurance_id", `(?i)\b(?:insurance|policy)\s*(?:id|#|number)[:\s]*[A-Za-z0-9\-]{4,20}\b`, "INSURANCE-REDACTED"},

	// Medicare ID format (1EG4-TE5-MK72 or similar)
	{"medicare", `(?i)\bmedicare[:\s#]*[A-Za-z0-9]{4}[-\s]?[A-Za-z0-9]{3}[-\s]?[A-Za-z0-9]{4}\b`, "MEDICARE-REDACTED"},
}

// New creates a scrubber with all pattern categories active, minus any in
// excludeCategories. Infrastructure deployments exclude nothing; the L2
// planner excludes none either; IPs are simply not a pattern category.
func New(excludeCategories ...string) *Scrubber {
	excluded := make(map[string]bool, len(excludeCategories))
	for _, c := range excludeCategories {
		excluded[strings.ToLower(c)] = true
	}

	patterns := make([]pattern, 0, len(patternDefs))
	for _, d := range patternDefs {
		if excluded[d.category] {
			continue
		}
		patterns = append(patterns, pattern{
			category: d.category,
			re:       regexp.MustCompile(d.pattern),
			tag:      d.tag,
		})
	}
	return &Scrubber{patterns: patterns}
}

// hashSuffix returns the first 8 hex chars of the SHA-256 of value,
// enabling correlation across scrubbed logs without revealing the original.
func hashSuffix(value string) string {
	h := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", h[:4])
}

// String replaces all PHI matches with tagged placeholders.
// Each replacement carries a hash suffix: [SSN-REDACTED-a1b2c3d4]
func (s *Scrubber) String(input string) string {
	result := input
	for _, p := range s.patterns {
		result = p.re.ReplaceAllStringFunc(result, func(match string) string {
			return fmt.Sprintf("[%s-%s]", p.tag, hashSuffix(match))
		})
	}
	return result
}

// Map recursively scrubs all string values (and nested maps/lists) in data.
// Returns a new map; the original is not modified.
func (s *Scrubber) Map(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = s.value(v)
	}
	return out
}

func (s *Scrubber) value(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return s.String(val)
	case map[string]interface{}:
		return s.Map(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = s.value(item)
		}
		return out
	default:
		return v
	}
}

// ContainsPHI returns true if input matches any active pattern.
func (s *Scrubber) ContainsPHI(input string) bool {
	for _, p := range s.patterns {
		if p.re.MatchString(input) {
			return true
		}
	}
	return false
}

// Report returns the categories found in input.
func (s *Scrubber) Report(input string) []string {
	var found []string
	for _, p := range s.patterns {
		if p.re.MatchString(input) {
			found = append(found, p.category)
		}
	}
	return found
}

// Categories returns the active category names.
func (s *Scrubber) Categories() []string {
	cats := make([]string, len(s.patterns))
	for i, p := range s.patterns {
		cats[i] = p.category
	}
	return cats
}

// ipPattern is used by tests to confirm IPs survive scrubbing.
var ipPattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
