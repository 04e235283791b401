// Package nmdcproto holds the low-level NMDC wire-format helpers shared by
// the hub and peer state machines: text escaping, the Lock/Key challenge,
// and the command regexes used to parse $MyINFO/$Search/$SR frames.
package nmdcproto

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var numericEntity = regexp.MustCompile(`\&\#([0-9]{1,3})\;`)

// EscapeChat escapes text for inclusion in an outgoing NMDC frame.
func EscapeChat(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "|", "&#124;")
	s = strings.ReplaceAll(s, "$", "&#36;")
	return s
}

// UnescapeChat reverses EscapeChat.
func UnescapeChat(s string) string {
	s = decodeNumericEntities(s)
	s = strings.ReplaceAll(s, "&amp;", "&")
	return s
}

// EscapeFilename escapes a path or group name: every non-alphanumeric
// character (rune) becomes a numeric entity, so the result is safe to embed in an XML
// attribute or on-disk filename.
func EscapeFilename(s string) string {
	var b strings.Builder
	for _, r := range s {
		if isAlphaNumeric(r) {
			b.WriteRune(r)
		} else {
			fmt.Fprintf(&b, "&#%d;", r)
		}
	}
	return b.String()
}

// UnescapeFilename reverses EscapeFilename.
func UnescapeFilename(s string) string {
	return decodeNumericEntities(s)
}

func isAlphaNumeric(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	default:
		return false
	}
}

func decodeNumericEntities(s string) string {
	return numericEntity.ReplaceAllStringFunc(s, func(m string) string {
		sub := numericEntity.FindStringSubmatch(m)
		n, err := strconv.Atoi(sub[1])
		if err != nil {
			return m
		}
		return string(rune(n))
	})
}
