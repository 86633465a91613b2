package domain

import (
	"regexp"
	"sort"
	"strings"
)

var tagPattern = regexp.MustCompile(`#([A-Za-z0-9_]+)`)

// ExtractTags returns the distinct, lower-cased #word tags found in text,
// sorted by name.
func ExtractTags(text string) []string {
	var names []string
	for _, m := range tagPattern.FindAllStringSubmatch(text, -1) {
		names = append(names, m[1])
	}
	return NormalizeTags(names)
}

// ParseTagLine splits a whitespace or '#' separated list of tag names, as
// found in profile tag strings.
func ParseTagLine(line string) []string {
	fields := strings.FieldsFunc(line, func(r rune) bool {
		return r == '#' || r == ' ' || r == '\t' || r == '\n' || r == ','
	})
	return NormalizeTags(fields)
}

// NormalizeTags lower-cases, de-duplicates and sorts tag names, dropping
// anything that is not a valid tag.
func NormalizeTags(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	var out []string
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" || !validTag(n) {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func validTag(name string) bool {
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}
