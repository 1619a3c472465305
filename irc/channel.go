package irc

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultKickDelay is how long a kicked member stays in the roster.
const DefaultKickDelay = 3 * time.Second

// defaultChanModes lists, per CHANMODES class, the channel modes that take a
// parameter: always for A and B, only when set for C.
var defaultChanModes = [3]string{"beI", "k", "l"}

// ChannelClient is what a Channel needs from the connection it belongs to.
// *Session implements it.
type ChannelClient interface {
	Nick() string
	Casemap(name string) string
	Join(channel, key string) error
	Part(channel, reason string) error
}

// Member is a user present in a channel.
type Member struct {
	Nick       string
	Ident      string
	Host       string
	Privileges Privileges

	joined uint64 // value of Channel.joins at the member's last JOIN.
}

type members []Member

func (m members) Len() int           { return len(m) }
func (m members) Less(i, j int) bool { return strings.ToLower(m[i].Nick) < strings.ToLower(m[j].Nick) }
func (m members) Swap(i, j int)      { m[i], m[j] = m[j], m[i] }

// Channel tracks who is in a channel and what privileges they hold.  It is
// kept up to date by the channel-scoped join, part, kick, quit, nick, mode and
// NAMES events of the Bus it was created with.
//
// All methods are safe for concurrent use.
type Channel struct {
	name      string
	key       string
	bus       *Bus
	client    ChannelClient
	kickDelay time.Duration
	logger    *slog.Logger

	mu       sync.RWMutex
	roster   map[string]*Member
	joins    uint64 // JOIN events seen so far.
	selfJoin uint64 // value of joins at our own last JOIN.
	subs     []Subscription
	closed   bool
}

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

// WithKickDelay sets how long a kicked member stays in the roster.
func WithKickDelay(d time.Duration) ChannelOption {
	return func(c *Channel) {
		if d >= 0 {
			c.kickDelay = d
		}
	}
}

// WithChannelLogger sets the logger of the channel.
func WithChannelLogger(logger *slog.Logger) ChannelOption {
	return func(c *Channel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewChannel starts tracking name on bus.  It does not join the channel.
func NewChannel(bus *Bus, client ChannelClient, name, key string, opts ...ChannelOption) (*Channel, error) {
	c := &Channel{
		name:      name,
		key:       key,
		bus:       bus,
		client:    client,
		kickDelay: DefaultKickDelay,
		logger:    slog.Default(),
		roster:    map[string]*Member{},
	}
	for _, opt := range opts {
		opt(c)
	}

	handlers := []struct {
		event string
		h     HandlerFunc
	}{
		{EventJoin, c.onJoin},
		{EventPart, c.onPart},
		{EventKick, c.onKick},
		{EventQuit, c.onQuit},
		{EventNick, c.onNick},
		{EventMode, c.onMode},
		{EventNames, c.onNames},
	}
	for _, h := range handlers {
		sub, err := bus.SubscribeChannel(h.event, name, h.h)
		if err != nil {
			c.unsubscribe()
			return nil, fmt.Errorf("track channel %q: %w", name, err)
		}
		c.subs = append(c.subs, sub)
	}

	return c, nil
}

func (c *Channel) Name() string {
	return c.name
}

func (c *Channel) Key() string {
	return c.key
}

// Join asks the server to join the channel, with its key if any.
func (c *Channel) Join() error {
	return c.client.Join(c.name, c.key)
}

// Part asks the server to leave the channel.
func (c *Channel) Part(reason string) error {
	return c.client.Part(c.name, reason)
}

// Close stops tracking the channel and empties its roster.
func (c *Channel) Close() {
	c.mu.Lock()
	c.closed = true
	c.roster = map[string]*Member{}
	c.mu.Unlock()

	c.unsubscribe()
}

func (c *Channel) unsubscribe() {
	for _, sub := range c.subs {
		c.bus.Unsubscribe(sub)
	}
	c.subs = nil
}

// IsOn reports whether nick is in the channel.
func (c *Channel) IsOn(nick string) bool {
	key := c.client.Casemap(nick)

	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.roster[key]
	return ok
}

// Privileges returns the flags nick holds, and whether nick is in the
// channel.
func (c *Channel) Privileges(nick string) (Privileges, bool) {
	key := c.client.Casemap(nick)

	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.roster[key]
	if !ok {
		return 0, false
	}
	return m.Privileges, true
}

func (c *Channel) has(nick string, p Privilege) bool {
	ps, ok := c.Privileges(nick)
	return ok && ps.Has(p)
}

func (c *Channel) IsOp(nick string) bool {
	return c.has(nick, Op)
}

func (c *Channel) IsHalfOp(nick string) bool {
	return c.has(nick, HalfOp)
}

func (c *Channel) IsVoice(nick string) bool {
	return c.has(nick, Voice)
}

// Members returns a snapshot of the roster, sorted by nickname.
func (c *Channel) Members() []Member {
	c.mu.RLock()
	list := make([]Member, 0, len(c.roster))
	for _, m := range c.roster {
		list = append(list, *m)
	}
	c.mu.RUnlock()

	sort.Sort(members(list))
	return list
}

// Len returns the number of members in the roster.
func (c *Channel) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.roster)
}

func (c *Channel) isSelf(nick string) bool {
	return c.client.Casemap(nick) == c.client.Casemap(c.client.Nick())
}

func (c *Channel) add(m Member) {
	key := c.client.Casemap(m.Nick)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if cur, ok := c.roster[key]; ok {
		cur.Privileges |= m.Privileges
		if cur.Ident == "" {
			cur.Ident = m.Ident
		}
		if cur.Host == "" {
			cur.Host = m.Host
		}
		return
	}
	c.roster[key] = &m
}

func (c *Channel) remove(nick string) {
	key := c.client.Casemap(nick)

	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.roster, key)
}

func (c *Channel) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.roster = map[string]*Member{}
}

func (c *Channel) onJoin(ev Event) error {
	if ev.Origin == nil || ev.Origin.Name == "" {
		return &ProtocolViolation{Command: "JOIN", Reason: "no user prefix"}
	}
	key := c.client.Casemap(ev.Origin.Name)
	self := c.isSelf(ev.Origin.Name)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.joins++
	if self {
		c.selfJoin = c.joins
	}
	if cur, ok := c.roster[key]; ok {
		cur.joined = c.joins
		if ev.Origin.User != "" {
			cur.Ident, cur.Host = ev.Origin.User, ev.Origin.Host
		}
		return nil
	}
	c.roster[key] = &Member{
		Nick:   ev.Origin.Name,
		Ident:  ev.Origin.User,
		Host:   ev.Origin.Host,
		joined: c.joins,
	}
	return nil
}

func (c *Channel) onPart(ev Event) error {
	nick := ev.Nick()
	if nick == "" {
		return &ProtocolViolation{Command: "PART", Reason: "no user prefix"}
	}
	if c.isSelf(nick) {
		c.logger.Debug("left channel", "channel", c.name)
		c.clear()
	} else {
		c.remove(nick)
	}
	return nil
}

func (c *Channel) onKick(ev Event) error {
	if ev.Target == "" {
		return &ProtocolViolation{Command: "KICK", Reason: "no kicked nickname"}
	}
	self := c.isSelf(ev.Target)
	key := c.client.Casemap(ev.Target)

	c.mu.RLock()
	kicked, selfJoin := c.roster[key], c.selfJoin
	var joined uint64
	if kicked != nil {
		joined = kicked.joined
	}
	c.mu.RUnlock()

	time.Sleep(c.kickDelay)

	c.mu.Lock()
	defer c.mu.Unlock()

	// A JOIN during the grace delay means the kicked user is back.
	if self {
		if c.selfJoin != selfJoin {
			return nil
		}
		c.logger.Info("kicked from channel", "channel", c.name, "by", ev.Nick(), "reason", ev.Message)
		c.roster = map[string]*Member{}
		return nil
	}
	if kicked != nil && c.roster[key] == kicked && kicked.joined == joined {
		delete(c.roster, key)
	}
	return nil
}

func (c *Channel) onQuit(ev Event) error {
	if nick := ev.Nick(); nick != "" {
		c.remove(nick)
	}
	return nil
}

func (c *Channel) onNick(ev Event) error {
	oldNick, newNick := ev.Nick(), ev.Message
	if oldNick == "" || newNick == "" {
		return &ProtocolViolation{Command: "NICK", Reason: "missing old or new nickname"}
	}
	oldKey, newKey := c.client.Casemap(oldNick), c.client.Casemap(newNick)

	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.roster[oldKey]
	if !ok {
		return nil
	}
	delete(c.roster, oldKey)
	m.Nick = newNick
	c.roster[newKey] = m
	return nil
}

func (c *Channel) onNames(ev Event) error {
	for _, name := range TokenizeNames(ev.Message) {
		c.add(Member{
			Nick:       name.Nick,
			Ident:      name.User,
			Host:       name.Host,
			Privileges: name.Privileges,
		})
	}
	return nil
}

func (c *Channel) onMode(ev Event) error {
	changes, err := parseModeChanges(ev.Message)
	for _, change := range changes {
		c.applyMode(change)
	}
	return err
}

type modeChange struct {
	enable    bool
	privilege Privilege
	nick      string
}

// parseModeChanges pairs the privilege letters of a MODE diff with their
// parameters, left to right.  Letters left without a parameter are skipped
// and reported as a *ProtocolViolation.
func parseModeChanges(diff string) (changes []modeChange, err error) {
	fields := strings.Fields(diff)
	if len(fields) == 0 {
		return nil, nil
	}
	modes, params := fields[0], fields[1:]

	enable := true
	missing := 0
	next := func() (string, bool) {
		if len(params) == 0 {
			return "", false
		}
		p := params[0]
		params = params[1:]
		return p, true
	}

	for _, mode := range modes {
		switch mode {
		case '+':
			enable = true
			continue
		case '-':
			enable = false
			continue
		}

		if p, ok := privilegeByLetter(mode); ok {
			nick, ok := next()
			if !ok {
				missing++
				continue
			}
			changes = append(changes, modeChange{enable: enable, privilege: p, nick: nick})
			continue
		}

		if takesParam(mode, enable) {
			next()
		}
	}

	if missing > 0 {
		err = &ProtocolViolation{
			Command: "MODE",
			Reason:  fmt.Sprintf("%q: %d privilege letters without a nickname", diff, missing),
		}
	}
	return
}

func takesParam(mode rune, enable bool) bool {
	switch {
	case strings.ContainsRune(defaultChanModes[0], mode):
		return true
	case strings.ContainsRune(defaultChanModes[1], mode):
		return true
	case strings.ContainsRune(defaultChanModes[2], mode):
		return enable
	default:
		return false
	}
}

func (c *Channel) applyMode(change modeChange) {
	key := c.client.Casemap(change.nick)

	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.roster[key]
	if !ok {
		return
	}
	if change.enable {
		m.Privileges = m.Privileges.With(change.privilege)
	} else {
		m.Privileges = m.Privileges.Without(change.privilege)
	}
}
