package keys

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/hamzanaeem10/apexanalyst/internal/core/model"
)

// Fingerprint maps (season, event, kind) to the session identifier: the full
// 64-bit xxhash of the canonical triple as 16 hex digits.
func Fingerprint(season int, event string, kind model.Kind) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(Canonical(season, event, kind)))
}

// FingerprintKey is Fingerprint over a SessionKey.
func FingerprintKey(k model.SessionKey) string {
	return Fingerprint(k.Season, k.Event, k.Kind)
}

// Canonical is the string form hashed by Fingerprint. Event names are
// whitespace-collapsed and case-folded so "Monaco" and " monaco " agree.
func Canonical(season int, event string, kind model.Kind) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(season))
	b.WriteByte('|')
	b.WriteString(strings.ToLower(collapseASCIIWhitespace(event)))
	b.WriteByte('|')
	b.WriteString(string(kind))
	return b.String()
}

// FetchKey names a fetched payload in the shared fetch-result store.
func FetchKey(id string, f model.Fidelity) string {
	return "fetch:" + sanitizeForKey(id) + ":" + string(f)
}

// ScheduleKey names a season's calendar in the shared fetch-result store.
func ScheduleKey(season int) string {
	return "schedule:" + strconv.Itoa(season)
}

func sanitizeForKey(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))

	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case isASCIIWhitespace(r):
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-':
			out = r
		default:
			// any other rune (including non-ASCII) becomes '-'
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

// converts any run of ASCII whitespace to a single space.
func collapseASCIIWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	wasWS := false
	for _, r := range s {
		if isASCIIWhitespace(r) {
			if !wasWS {
				b.WriteByte(' ')
				wasWS = true
			}
			continue
		}
		b.WriteRune(r)
		wasWS = false
	}
	return strings.TrimSpace(b.String())
}

func isASCIIWhitespace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f'
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9')
}
