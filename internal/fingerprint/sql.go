package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	sqlComment     = regexp.MustCompile(`(?s)/\*.*?\*/|--[^\n]*`)
	sqlString      = regexp.MustCompile(`'(?:[^']|'')*'`)
	sqlNumber      = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	sqlBindParam   = regexp.MustCompile(`\$\d+`)
	sqlInList      = regexp.MustCompile(`(?i)\bin\s*\(\s*\?(?:\s*,\s*\?)*\s*\)`)
	sqlValuesList  = regexp.MustCompile(`(?i)\bvalues\s*\(\s*\?(?:\s*,\s*\?)*\s*\)(?:\s*,\s*\(\s*\?(?:\s*,\s*\?)*\s*\))*`)
	sqlWhitespace  = regexp.MustCompile(`\s+`)
	sqlQuotedIdent = regexp.MustCompile("[`\"]")
)

// NormalizeSQL reduces a query to its shape: comments dropped, literals and
// bind parameters replaced with ?, IN and VALUES lists collapsed, whitespace
// folded and the text lowercased.
func NormalizeSQL(query string) string {
	q := sqlComment.ReplaceAllString(query, " ")
	q = sqlString.ReplaceAllString(q, "?")
	q = sqlBindParam.ReplaceAllString(q, "?")
	q = sqlNumber.ReplaceAllString(q, "?")
	q = sqlQuotedIdent.ReplaceAllString(q, "")
	q = sqlInList.ReplaceAllString(q, "in (?)")
	q = sqlValuesList.ReplaceAllString(q, "values (?)")
	q = sqlWhitespace.ReplaceAllString(q, " ")
	return strings.ToLower(strings.TrimSpace(q))
}

// SQL returns the normalized shape of query and its SHA-256 hex key.
func SQL(query string) (normalized, key string) {
	normalized = NormalizeSQL(query)
	sum := sha256.Sum256([]byte(normalized))
	return normalized, hex.EncodeToString(sum[:])
}
