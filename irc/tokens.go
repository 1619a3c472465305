package irc

import (
	"strings"

	"github.com/ergochat/irc-go/ircmsg"
)

// chantypes lists the sigils a channel name may start with.
const chantypes = "#&"

func word(s string) (w, rest string) {
	split := strings.SplitN(s, " ", 2)

	if len(split) < 2 {
		w = split[0]
		rest = ""
	} else {
		w = split[0]
		rest = split[1]
	}

	return
}

func tagEscape(c rune) (escape rune) {
	switch c {
	case ':':
		escape = ';'
	case 's':
		escape = ' '
	case 'r':
		escape = '\r'
	case 'n':
		escape = '\n'
	default:
		escape = c
	}

	return
}

func unescapeTagValue(escaped string) (unescaped string) {
	var builder strings.Builder
	builder.Grow(len(escaped))
	escape := false

	for _, c := range escaped {
		if c == '\\' && !escape {
			escape = true
		} else {
			var cpp rune

			if escape {
				cpp = tagEscape(c)
			} else {
				cpp = c
			}

			builder.WriteRune(cpp)
			escape = false
		}
	}

	unescaped = builder.String()
	return
}

func parseTags(s string) (tags map[string]string) {
	s = s[1:]
	tags = map[string]string{}

	for _, item := range strings.Split(s, ";") {
		if item == "" || item == "=" || item == "+" || item == "+=" {
			continue
		}

		kv := strings.SplitN(item, "=", 2)
		if len(kv) < 2 {
			tags[kv[0]] = ""
		} else {
			tags[kv[0]] = unescapeTagValue(kv[1])
		}
	}

	return
}

// cutTrailing splits s around the first " :" delimiter.
func cutTrailing(s string) (head, trailing string, ok bool) {
	if strings.HasPrefix(s, ":") {
		return "", s[1:], true
	}
	i := strings.Index(s, " :")
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+2:], true
}

// IsChannel reports whether name starts with a channel sigil.
func IsChannel(name string) bool {
	return name != "" && strings.IndexByte(chantypes, name[0]) >= 0
}

// scanChannel returns the first token that looks like a channel name.
func scanChannel(tokens []string) string {
	for _, t := range tokens {
		if IsChannel(t) {
			return t
		}
	}
	return ""
}

// joinNonEmpty joins the non-empty parts with single spaces.
func joinNonEmpty(parts ...string) string {
	var sb strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		if sb.Len() != 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(p)
	}
	return sb.String()
}

// Prefix is the nick!user@host source of a user-originated line.
type Prefix struct {
	Name string
	User string
	Host string
}

// ParsePrefix splits a nick!user@host mask.
func ParsePrefix(s string) *Prefix {
	nuh, err := ircmsg.ParseNUH(s)
	if err != nil {
		return &Prefix{}
	}
	return &Prefix{
		Name: nuh.Name,
		User: nuh.User,
		Host: nuh.Host,
	}
}

func (p *Prefix) Copy() *Prefix {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

func (p *Prefix) String() string {
	if p == nil {
		return ""
	}
	nuh := ircmsg.NUH{Name: p.Name, User: p.User, Host: p.Host}
	return nuh.Canonical()
}

type Cap struct {
	Name   string
	Value  string
	Enable bool
}

func TokenizeCaps(caps string) (diff []Cap) {
	for _, c := range strings.Split(caps, " ") {
		if c == "" || c == "-" || c == "=" || c == "-=" {
			continue
		}

		var item Cap

		if strings.HasPrefix(c, "-") {
			item.Enable = false
			c = c[1:]
		} else {
			item.Enable = true
		}

		kv := strings.SplitN(c, "=", 2)
		item.Name = strings.ToLower(kv[0])
		if len(kv) > 1 {
			item.Value = kv[1]
		}

		diff = append(diff, item)
	}

	return
}

// Name is one entry of a NAMES reply.
type Name struct {
	Privileges Privileges
	Nick       string
	User       string
	Host       string
}

// TokenizeNames parses the trailing parameter of a NAMES reply.  Every leading
// privilege sigil is stripped and recorded, so "@+nick" (multi-prefix) yields
// both OP and VOICE.  With userhost-in-names, entries carry user and host.
func TokenizeNames(trailing string) (names []Name) {
	for _, name := range strings.Fields(trailing) {
		var item Name

		mask := name
		for mask != "" {
			p, ok := privilegeBySymbol(mask[0])
			if !ok {
				break
			}
			item.Privileges = item.Privileges.With(p)
			mask = mask[1:]
		}
		if mask == "" {
			continue
		}

		pfx := ParsePrefix(mask)
		item.Nick, item.User, item.Host = pfx.Name, pfx.User, pfx.Host

		names = append(names, item)
	}

	return
}
