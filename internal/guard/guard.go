// Package guard computes content fingerprints that collapse repeated
// identical failures into one open ticket.
package guard

import (
	"crypto/sha256"
	"math/big"
	"sort"
	"strings"
)

// base36Alphabet is the character set for base36 encoding (0-9, a-z).
const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// GuardLength is the fingerprint length in base36 characters.
// 16 chars of base36 carry ~82 bits, enough to make accidental
// collisions between distinct errors negligible.
const GuardLength = 16

// Fingerprint returns a stable fingerprint for (source, error_type,
// message). Fields are normalized and hashed in canonical order, so
// cosmetic reordering of inputs cannot change the guard for logically
// identical errors. The message contributes only its first prefixLen
// runes: long tails (timestamps, addresses) tend to vary per occurrence.
func Fingerprint(source, errorType, message string, prefixLen int) string {
	parts := []string{
		"error_type=" + normalize(errorType, 0),
		"message=" + normalize(message, prefixLen),
		"source=" + normalize(source, 0),
	}
	sort.Strings(parts)
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return encodeBase36(sum[:10], GuardLength)
}

// normalize trims, lowercases, and collapses runs of whitespace, then
// truncates to max runes (0 means no truncation).
func normalize(s string, max int) string {
	fields := strings.Fields(strings.ToLower(s))
	out := strings.Join(fields, " ")
	if max > 0 {
		runes := []rune(out)
		if len(runes) > max {
			out = string(runes[:max])
		}
	}
	return out
}

// encodeBase36 converts a byte slice to a base36 string of the given
// length, zero-padded and truncated to the least significant digits.
func encodeBase36(data []byte, length int) string {
	num := new(big.Int).SetBytes(data)
	base := big.NewInt(36)
	zero := big.NewInt(0)
	mod := new(big.Int)

	chars := make([]byte, 0, length)
	for num.Cmp(zero) > 0 {
		num.DivMod(num, base, mod)
		chars = append(chars, base36Alphabet[mod.Int64()])
	}
	for i, j := 0, len(chars)-1; i < j; i, j = i+1, j-1 {
		chars[i], chars[j] = chars[j], chars[i]
	}

	str := string(chars)
	if len(str) < length {
		str = strings.Repeat("0", length-len(str)) + str
	}
	if len(str) > length {
		str = str[len(str)-length:]
	}
	return str
}
