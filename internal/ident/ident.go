// Package ident canonicalizes person and vehicle identifiers.
//
// Records are written by drivers, guardians and the system itself, each with
// its own habit of formatting national ids ("12.345.678-9", "12345678-9") and
// plates ("ab-cd-12"). Every equality check between identifiers from different
// records goes through Normalize; raw forms are kept only for logs and for
// querying historical documents.
package ident

import (
	"strings"
	"unicode"
)

// ID is a canonical identifier: alphanumerics only, upper-cased.
type ID string

func (id ID) String() string { return string(id) }

// Empty reports whether the identifier normalized to nothing.
func (id ID) Empty() bool { return id == "" }

// Normalize strips every non-alphanumeric character and upper-cases the rest.
// Normalize(Normalize(x)) == Normalize(x).
func Normalize(raw string) ID {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r > unicode.MaxASCII {
			continue
		}
		if unicode.IsDigit(r) || unicode.IsLetter(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return ID(b.String())
}

// Equal compares two raw identifiers by their canonical form.
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

// Variants returns the distinct raw representations under which documents for
// the same identity may have been stored: the trimmed raw input, the canonical
// form, and for national-id shaped values the dotted check-digit format with
// both check-letter cases.
func Variants(raw string) []string {
	canon := Normalize(raw)
	if canon.Empty() {
		return nil
	}
	out := make([]string, 0, 5)
	seen := make(map[string]struct{}, 5)
	add := func(v string) {
		if v == "" {
			return
		}
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	add(strings.TrimSpace(raw))
	add(string(canon))
	if dotted, ok := formatNationalID(canon); ok {
		add(dotted)
		add(strings.ToLower(dotted))
		add(string(canon[:len(canon)-1]) + "-" + string(canon[len(canon)-1:]))
	}
	return out
}

// formatNationalID renders "123456789" as "12.345.678-9". It only applies to a
// run of 7-8 digits followed by a digit or K check character.
func formatNationalID(canon ID) (string, bool) {
	s := string(canon)
	if len(s) < 8 || len(s) > 9 {
		return "", false
	}
	body, check := s[:len(s)-1], s[len(s)-1]
	for _, r := range body {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	if !(check >= '0' && check <= '9') && check != 'K' {
		return "", false
	}
	var groups []string
	for len(body) > 3 {
		groups = append([]string{body[len(body)-3:]}, groups...)
		body = body[:len(body)-3]
	}
	groups = append([]string{body}, groups...)
	return strings.Join(groups, ".") + "-" + string(check), true
}
