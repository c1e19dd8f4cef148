// Package hashutil normalizes fetched HTML and produces stable SHA-256 digests.
package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	scriptBlock  = regexp.MustCompile(`(?is)<script\b.*?</script\s*>`)
	styleBlock   = regexp.MustCompile(`(?is)<style\b.*?</style\s*>`)
	htmlComment  = regexp.MustCompile(`(?s)<!--.*?-->`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// SHA256Hex returns the lowercase hex SHA-256 digest of s.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// NormalizeHTML strips script, style and comment blocks, collapses runs of
// whitespace to a single space and trims the result. It is deterministic and
// never fails; empty input yields an empty string.
func NormalizeHTML(html string) string {
	if html == "" {
		return ""
	}
	out := scriptBlock.ReplaceAllString(html, " ")
	out = styleBlock.ReplaceAllString(out, " ")
	out = htmlComment.ReplaceAllString(out, " ")
	out = whitespaceRe.ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}

// RawDigest is the diagnostic digest stored as raw_hash. When normalize is
// false the HTML is hashed as fetched.
func RawDigest(html string, normalize bool) string {
	if normalize {
		return SHA256Hex(NormalizeHTML(html))
	}
	return SHA256Hex(html)
}
