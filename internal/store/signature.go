package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Fields of raw_data that carry pattern identity. Everything else (PIDs,
// counters, free-form output) varies per occurrence and would fragment the
// signature space.
var signatureFields = []string{
	"check_type",
	"service",
	"service_name",
	"error",
	"error_code",
	"message",
	"status",
	"expected",
	"actual",
	"platform",
	"resource",
	"mount_point",
}

var (
	// ISO-8601 timestamps, with or without offset/fraction.
	tsPattern = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?\b`)
	// Dotted-quad IPv4.
	ipv4Pattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	// RFC 4122 UUID.
	uuidPattern = regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`)
	// Bare 32-hex tokens (hashes, generation ids).
	hex32Pattern = regexp.MustCompile(`\b[0-9a-f]{32}\b`)
)

func normalizeValue(v string) string {
	v = tsPattern.ReplaceAllString(v, "<TS>")
	v = uuidPattern.ReplaceAllString(v, "<UUID>")
	v = ipv4Pattern.ReplaceAllString(v, "<IP>")
	v = hex32Pattern.ReplaceAllString(v, "<HEX>")
	return strings.ToLower(strings.TrimSpace(v))
}

// PatternSignature computes the stable 16-hex identity of an incident shape.
// Two incidents with the same type and the same curated raw_data fields
// (after placeholder normalization) share a signature, which is what the
// learning pipeline aggregates on.
func PatternSignature(incidentType string, rawData map[string]interface{}) string {
	parts := []string{"type=" + normalizeValue(incidentType)}
	for _, field := range signatureFields {
		v, ok := rawData[field]
		if !ok || v == nil {
			continue
		}
		parts = append(parts, field+"="+normalizeValue(fmt.Sprintf("%v", v)))
	}
	sort.Strings(parts[1:]) // type stays first
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:8])
}
