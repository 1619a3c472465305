package irc

import (
	"github.com/ergochat/irc-go/ircfmt"
)

// Names of the events emitted on the Bus.  Protocol events are named after
// their lowercased command or numeric; the channel-scoped variant of an event
// is named by ChannelEventName.
const (
	EventConnecting   = "connecting"
	EventDisconnected = "disconnected"

	EventPing         = "ping"
	EventCap          = "cap"
	EventAuthenticate = "authenticate"
	EventError        = "error"
	EventClosingLink  = "closing link"
	EventKill         = "kill"

	EventJoin    = "join"
	EventPart    = "part"
	EventKick    = "kick"
	EventQuit    = "quit"
	EventNick    = "nick"
	EventMode    = "mode"
	EventPrivmsg = "privmsg"
	EventNotice  = "notice"

	EventWelcome = rplWelcome
	EventNames   = rplNamreply

	// Aggregate events emitted once per NICK/QUIT, carrying Event.Channels.
	EventNickChannels = "nick_channels"
	EventQuitChannels = "quit_channels"
)

// Event is one parsed protocol line.  Handlers receive a copy and must treat
// the Tags map and Channels slice as read-only.
type Event struct {
	Command    string  // lowercased verb or numeric code.
	FromServer bool    // whether the line did not come from a user.
	Server     string  // the server name, if FromServer and the line had a prefix.
	Origin     *Prefix // the user who sent the line, nil if FromServer.
	Target     string  // the addressee, "" if absent.
	Channel    string  // the channel, for channel-scoped commands only.
	Message    string  // command-specific payload, "" if absent.

	Channels []string          // the channels affected, for aggregate events only.
	Tags     map[string]string // IRCv3 message tags, nil if absent.
	Raw      string            // the line as received.
}

// Nick returns the nickname of the user who sent the line, or "".
func (ev *Event) Nick() string {
	if ev.Origin == nil {
		return ""
	}
	return ev.Origin.Name
}

// Text returns Message with IRC formatting codes removed.
func (ev *Event) Text() string {
	return ircfmt.Strip(ev.Message)
}
