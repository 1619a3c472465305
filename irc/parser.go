package irc

import (
	"strings"
)

// Parse turns one protocol line into an Event.
//
// Parse never fails on a line that has a command: fields it cannot find are
// left empty.  Empty lines, lines without a command, and prefixless lines
// without a trailing parameter (other than PING, ERROR and AUTHENTICATE)
// are rejected with a *ParseError.
func Parse(line string) (ev Event, err error) {
	line = strings.TrimRight(line, "\r\n")
	ev.Raw = line

	line = strings.TrimLeft(line, " ")
	if line == "" {
		err = &ParseError{Line: ev.Raw, Reason: "empty line"}
		return
	}

	if line[0] == '@' {
		var tags string

		tags, line = word(line)
		ev.Tags = parseTags(tags)
		line = strings.TrimLeft(line, " ")
	}

	var prefix string
	if strings.HasPrefix(line, ":") {
		prefix, line = word(line)
		prefix = prefix[1:]
		line = strings.TrimLeft(line, " ")
	}

	head, trailing, hasTrailing := cutTrailing(line)
	params := strings.Fields(head)
	if len(params) == 0 {
		err = &ParseError{Line: ev.Raw, Reason: "missing command"}
		return
	}
	ev.Command = strings.ToLower(params[0])
	params = params[1:]

	if prefix == "" && !hasTrailing {
		switch ev.Command {
		case EventPing, EventError, EventAuthenticate:
		default:
			err = &ParseError{Line: ev.Raw, Reason: "no prefix and no trailing parameter"}
			return
		}
	}

	if prefix == "" || !strings.Contains(prefix, "!") {
		ev.FromServer = true
		ev.Server = prefix
	} else {
		ev.Origin = ParsePrefix(prefix)
	}

	switch ev.Command {
	case EventPing, EventAuthenticate:
		if hasTrailing {
			ev.Message = trailing
		} else if len(params) != 0 {
			ev.Message = params[0]
		}
	case EventError:
		text := trailing
		if !hasTrailing {
			text = strings.Join(params, " ")
		}
		parseError(&ev, text)
	case EventPart:
		if hasTrailing && IsChannel(trailing) {
			ev.Channel, _ = word(trailing)
		} else {
			ev.Channel = scanChannel(params)
		}
	case EventKick:
		ev.Channel = scanChannel(params)
		if len(params) > 1 {
			ev.Target = params[1]
			ev.Message = trailing
		} else {
			ev.Target, ev.Message = word(trailing)
		}
	case EventNick:
		if hasTrailing {
			ev.Message = trailing
		} else if len(params) != 0 {
			ev.Message = params[0]
		}
	case EventQuit, EventKill, errYourebannedcreep:
		ev.Message = trailing
	case EventMode:
		if len(params) != 0 {
			ev.Target = params[0]
			if IsChannel(params[0]) {
				ev.Channel = params[0]
			}
			params = params[1:]
		}
		ev.Message = joinNonEmpty(strings.Join(params, " "), trailing)
	case EventCap:
		if len(params) != 0 {
			ev.Target = params[0]
			params = params[1:]
		}
		ev.Message = joinNonEmpty(strings.Join(params, " "), trailing)
	case rplIsupport:
		// <me> 1*13<TOKEN[=value]> :are supported by this server
		parseDefaultAddressing(&ev, params)
		if len(params) > 1 {
			ev.Message = strings.Join(params[1:], " ")
		}
	case rplWhoreply:
		// <me> <channel> <user> <host> <server> <nick> <flags> :<hopcount> <realname>
		parseDefaultAddressing(&ev, params)
		var realname string
		if hasTrailing {
			_, realname = word(trailing)
		}
		if len(params) > 2 {
			ev.Message = joinNonEmpty(strings.Join(params[2:], " "), realname)
		}
	case rplWhoisuser:
		// <me> <nick> <user> <host> * :<realname>
		parseDefaultAddressing(&ev, params)
		if len(params) > 3 {
			ev.Message = params[1] + "!" + params[2] + "@" + params[3]
		}
	case rplEndofwhois:
		// <me> <nick> :End of WHOIS list
		parseDefaultAddressing(&ev, params)
		if len(params) > 1 {
			ev.Message = params[1]
		}
	case rplBanlist:
		// <me> <channel> <mask> [<setter> [<timestamp>]]
		parseDefaultAddressing(&ev, params)
		if len(params) > 2 {
			rest := append(append([]string{}, params[3:]...), strings.Fields(trailing)...)
			if len(rest) != 0 {
				ev.Message = params[2] + " " + rest[len(rest)-1]
			} else {
				ev.Message = params[2]
			}
		}
	case rplTopicwhotime:
		// <me> <channel> <setter> <timestamp>
		parseDefaultAddressing(&ev, params)
		if len(params) > 2 {
			ev.Message = joinNonEmpty(strings.Join(params[2:], " "), trailing)
		}
	default:
		parseDefaultAddressing(&ev, params)
		if ev.Command == EventJoin && ev.Channel == "" && hasTrailing && IsChannel(trailing) {
			ev.Channel, _ = word(trailing)
			ev.Target = ev.Channel
		}
		if hasTrailing {
			ev.Message = trailing
		} else if len(params) > 1 {
			ev.Message = strings.Join(params[1:], " ")
		}
	}

	return
}

func parseDefaultAddressing(ev *Event, params []string) {
	if len(params) != 0 {
		ev.Target = params[0]
	}
	ev.Channel = scanChannel(params)
}

// parseError handles "ERROR :Closing Link: <host> (<reason>)" and the other
// ERROR lines servers send before closing the connection.
func parseError(ev *Event, text string) {
	head, rest, ok := strings.Cut(text, ":")
	if ok && strings.EqualFold(strings.TrimSpace(head), "closing link") {
		ev.Command = EventClosingLink
		words := strings.Fields(rest)
		if len(words) > 1 {
			ev.Message = strings.Join(words[1:], " ")
		}
		return
	}
	_, ev.Message = word(text)
}
