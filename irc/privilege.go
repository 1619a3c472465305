package irc

import "strings"

// Privilege is a channel role, ranked by authority.
type Privilege uint8

const (
	Regular Privilege = iota
	Voice
	HalfOp
	Op
)

func (p Privilege) String() string {
	switch p {
	case Regular:
		return "regular"
	case Voice:
		return "voice"
	case HalfOp:
		return "halfop"
	case Op:
		return "op"
	default:
		return "unknown"
	}
}

// Symbol returns the sigil used for p in NAMES replies, or 0 for Regular.
func (p Privilege) Symbol() byte {
	switch p {
	case Voice:
		return '+'
	case HalfOp:
		return '%'
	case Op:
		return '@'
	default:
		return 0
	}
}

func privilegeBySymbol(c byte) (Privilege, bool) {
	switch c {
	case '+':
		return Voice, true
	case '%':
		return HalfOp, true
	case '@':
		return Op, true
	default:
		return Regular, false
	}
}

func privilegeByLetter(c rune) (Privilege, bool) {
	switch c {
	case 'v':
		return Voice, true
	case 'h':
		return HalfOp, true
	case 'o':
		return Op, true
	default:
		return Regular, false
	}
}

// Privileges is the set of privilege flags a member holds.  The zero value is
// the empty set, i.e. a regular member.
type Privileges uint8

func (ps Privileges) Has(p Privilege) bool {
	if p == Regular {
		return true
	}
	return ps&(1<<p) != 0
}

func (ps Privileges) With(p Privilege) Privileges {
	if p == Regular {
		return ps
	}
	return ps | 1<<p
}

func (ps Privileges) Without(p Privilege) Privileges {
	return ps &^ (1 << p)
}

// Highest returns the highest ranked flag held, Regular if none.
func (ps Privileges) Highest() Privilege {
	for p := Op; p > Regular; p-- {
		if ps.Has(p) {
			return p
		}
	}
	return Regular
}

// List returns the flags held, lowest rank first.
func (ps Privileges) List() []Privilege {
	var list []Privilege
	for p := Voice; p <= Op; p++ {
		if ps.Has(p) {
			list = append(list, p)
		}
	}
	return list
}

// String returns the NAMES sigils of the flags held, highest rank first.
func (ps Privileges) String() string {
	var sb strings.Builder
	for p := Op; p > Regular; p-- {
		if ps.Has(p) {
			sb.WriteByte(p.Symbol())
		}
	}
	return sb.String()
}
