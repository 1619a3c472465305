package irc

import "strings"

// CasemapASCII lowercases the ASCII letters of name.
func CasemapASCII(name string) string {
	var sb strings.Builder
	sb.Grow(len(name))
	for _, r := range name {
		if 'A' <= r && r <= 'Z' {
			r += 'a' - 'A'
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// CasemapRFC1459 lowercases name the way RFC 1459 servers compare nicknames:
// ASCII letters plus "[]\~" mapped to "{}|^".
func CasemapRFC1459(name string) string {
	var sb strings.Builder
	sb.Grow(len(name))
	for _, r := range name {
		if 'A' <= r && r <= 'Z' {
			r += 'a' - 'A'
		} else if r == '[' {
			r = '{'
		} else if r == ']' {
			r = '}'
		} else if r == '\\' {
			r = '|'
		} else if r == '~' {
			r = '^'
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// casemapByName returns the case mapping advertised by the CASEMAPPING
// ISUPPORT token.
func casemapByName(name string) func(string) string {
	switch strings.ToLower(name) {
	case "ascii":
		return CasemapASCII
	default:
		return CasemapRFC1459
	}
}
