package irc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/ergochat/irc-go/ircmsg"
	"golang.org/x/time/rate"
)

// DefaultCapabilities are requested on every connection, in addition to the
// ones listed in SessionParams.Capabilities.
var DefaultCapabilities = []string{"extended-join", "sasl", "userhost-in-names"}

// State is the registration progress of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateNegotiatingCaps
	StateAuthenticating
	StateRegistering
	StateRegistered
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateNegotiatingCaps:
		return "negotiating capabilities"
	case StateAuthenticating:
		return "authenticating"
	case StateRegistering:
		return "registering"
	case StateRegistered:
		return "registered"
	default:
		return "unknown"
	}
}

// SessionParams defines how to connect to an IRC server and what to do once
// connected.
type SessionParams struct {
	Hostname  string
	Port      int
	TLS       bool
	TLSConfig *tls.Config

	Nickname       string
	Username       string // defaults to Nickname.
	RealName       string // defaults to Nickname.
	ServerPassword string // sent with PASS.
	Password       string // SASL PLAIN password.

	// Auth replaces the SASL PLAIN client built from Username and Password.
	Auth sasl.Client

	Capabilities []string

	// AbortOnSASLFailure makes a failed SASL exchange end the connection
	// instead of registering unauthenticated.
	AbortOnSASLFailure bool

	AutoReconnect bool
	RetryCount    int // 0 means unlimited.
	RetryDelay    time.Duration

	// Commands are sent verbatim, in order, once registered.
	Commands []string

	LineLen        int           // outbound bound, CRLF included; MaxLineLen if 0.
	MessageLineLen int           // bound for PRIVMSG and NOTICE; MessageLineLen if 0.
	ReadTimeout    time.Duration // after which a keepalive PING is sent; none if 0.
	ConnectTimeout time.Duration
	KickDelay      time.Duration // DefaultKickDelay if 0.

	Debug  bool
	Logger *slog.Logger
	Bus    *Bus

	// Dial replaces the TCP/TLS dialer, e.g. to use a proxy or a test pipe.
	Dial func(ctx context.Context) (net.Conn, error)

	// Trace, if set, receives every line read from or written to the server.
	Trace func(line string, outgoing bool)
}

// Session is a connection to an IRC server, reconnected as configured.
//
// It drives itself with handlers registered on its Bus: negotiation starts on
// the "connecting" event and every line read from the server is dispatched on
// the Bus.  Other handlers, such as the ones of Channel, share that Bus.
type Session struct {
	params  SessionParams
	bus     *Bus
	logger  *slog.Logger
	limiter *rate.Limiter

	mu          sync.Mutex
	state       State
	conn        net.Conn
	nick        string
	nickCf      string
	casemap     func(string) string
	requested   []string
	enabledCaps map[string]struct{}
	sasl        *saslExchange
	authed      bool
	quitting    bool
	running     bool
	aborted     error
	retries     int
	channels    map[string]*Channel

	writeMu sync.Mutex
}

// NewSession validates params and prepares a Session.  It does not connect;
// call Run.
func NewSession(params SessionParams) (*Session, error) {
	if params.Dial == nil {
		if params.Hostname == "" {
			return nil, ErrNoHostname
		}
		if params.Port <= 0 {
			return nil, ErrNoPort
		}
	}
	if params.Nickname == "" {
		return nil, ErrNoNickname
	}
	if params.Username == "" {
		params.Username = params.Nickname
	}
	if params.RealName == "" {
		params.RealName = params.Nickname
	}
	if params.LineLen <= 0 {
		params.LineLen = MaxLineLen
	}
	if params.MessageLineLen <= 0 {
		params.MessageLineLen = MessageLineLen
	}
	if params.KickDelay <= 0 {
		params.KickDelay = DefaultKickDelay
	}
	if params.ConnectTimeout <= 0 {
		params.ConnectTimeout = 30 * time.Second
	}
	if params.Auth == nil && params.Password != "" {
		params.Auth = NewPlainAuth(params.Username, params.Password)
	}

	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus := params.Bus
	if bus == nil {
		bus = NewBus(WithLogger(logger))
	}

	s := &Session{
		params:      params,
		bus:         bus,
		logger:      logger,
		limiter:     rate.NewLimiter(rate.Every(params.RetryDelay), 1),
		state:       StateDisconnected,
		nick:        params.Nickname,
		casemap:     CasemapRFC1459,
		requested:   capabilitySet(params.Capabilities),
		enabledCaps: map[string]struct{}{},
		channels:    map[string]*Channel{},
	}
	s.nickCf = s.casemap(s.nick)

	handlers := []struct {
		event string
		h     HandlerFunc
	}{
		{EventConnecting, s.handleConnecting},
		{EventPing, s.handlePing},
		{EventCap, s.handleCap},
		{EventAuthenticate, s.handleAuthenticate},
		{rplSaslsuccess, s.handleSASLSuccess},
		{errSaslalready, s.handleSASLSuccess},
		{rplLoggedin, s.handleLoggedIn},
		{errSaslfail, s.handleSASLFailure},
		{errSasltoolong, s.handleSASLFailure},
		{errSaslaborted, s.handleSASLFailure},
		{errNicknameinuse, s.handleNicknameInUse},
		{rplWelcome, s.handleWelcome},
		{rplIsupport, s.handleIsupport},
		{EventNick, s.handleNick},
		{EventQuit, s.handleQuit},
		{EventClosingLink, s.handleClosingLink},
		{EventError, s.handleClosingLink},
	}
	for _, h := range handlers {
		if _, err := bus.Subscribe(h.event, h.h); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// capabilitySet returns caps followed by the missing default capabilities,
// lowercased and without duplicates.
func capabilitySet(caps []string) []string {
	seen := map[string]struct{}{}
	var set []string
	for _, list := range [][]string{caps, DefaultCapabilities} {
		for _, c := range list {
			c = strings.ToLower(strings.TrimSpace(c))
			if c == "" {
				continue
			}
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			set = append(set, c)
		}
	}
	return set
}

// Bus returns the Bus the session dispatches events on.
func (s *Session) Bus() *Bus {
	return s.bus
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.mu.Unlock()

	if prev != state {
		s.logger.Debug("session state changed", "from", prev.String(), "to", state.String())
	}
}

// Nick returns the current nickname.
func (s *Session) Nick() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nick
}

// IsMe reports whether nick is the current nickname.
func (s *Session) IsMe(nick string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nickCf == s.casemap(nick)
}

// Casemap folds name with the case mapping advertised by the server.
func (s *Session) Casemap(name string) string {
	s.mu.Lock()
	casemap := s.casemap
	s.mu.Unlock()
	return casemap(name)
}

// HasCapability reports whether the given capability has been negotiated
// successfully.
func (s *Session) HasCapability(capability string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.enabledCaps[strings.ToLower(capability)]
	return ok
}

// Capabilities returns the negotiated capabilities, sorted.
func (s *Session) Capabilities() []string {
	s.mu.Lock()
	caps := make([]string, 0, len(s.enabledCaps))
	for c := range s.enabledCaps {
		caps = append(caps, c)
	}
	s.mu.Unlock()

	sort.Strings(caps)
	return caps
}

// Authenticated reports whether SASL authentication succeeded on the current
// connection.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authed
}

// Channel returns the tracked channel called name, tracking it if needed.
func (s *Session) Channel(name, key string) (*Channel, error) {
	cf := s.Casemap(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.channels[cf]; ok {
		return ch, nil
	}
	ch, err := NewChannel(s.bus, s, name, key,
		WithKickDelay(s.params.KickDelay),
		WithChannelLogger(s.logger))
	if err != nil {
		return nil, err
	}
	s.channels[cf] = ch
	return ch, nil
}

// Channels returns the tracked channels, sorted by name.
func (s *Session) Channels() []*Channel {
	s.mu.Lock()
	list := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		list = append(list, ch)
	}
	s.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		return strings.ToLower(list[i].Name()) < strings.ToLower(list[j].Name())
	})
	return list
}

// ForgetChannel stops tracking the channel called name.
func (s *Session) ForgetChannel(name string) {
	cf := s.Casemap(name)

	s.mu.Lock()
	ch, ok := s.channels[cf]
	delete(s.channels, cf)
	s.mu.Unlock()

	if ok {
		ch.Close()
	}
}

// channelsWith returns the names of the tracked channels nick is in.
func (s *Session) channelsWith(nick string) []string {
	var names []string
	for _, ch := range s.Channels() {
		if ch.IsOn(nick) {
			names = append(names, ch.Name())
		}
	}
	return names
}

// Run connects and serves the connection until it ends, then reconnects as
// configured.  It returns nil after Quit or Close, the *AuthError of an
// aborted SASL exchange, ctx.Err() once ctx is done, the error that ended the
// last connection when reconnection is off, or an error wrapping
// ErrRetriesExhausted.  It fails with ErrAlreadyRunning if another call to Run
// has not returned yet.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	for {
		if err := s.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		err := s.serve(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.mu.Lock()
		quitting, aborted := s.quitting, s.aborted
		s.mu.Unlock()

		switch {
		case quitting:
			s.logger.Info("disconnected", "err", err)
			return nil
		case aborted != nil:
			s.logger.Error("disconnected", "err", aborted)
			return aborted
		case !s.params.AutoReconnect:
			s.logger.Warn("disconnected", "err", err)
			return err
		}

		s.mu.Lock()
		s.retries++
		attempt := s.retries
		s.mu.Unlock()

		if s.params.RetryCount > 0 && attempt > s.params.RetryCount {
			s.logger.Error("giving up reconnecting", "attempts", s.params.RetryCount, "err", err)
			return fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, s.params.RetryCount, err)
		}
		s.logger.Info("reconnecting", "attempt", attempt, "delay", s.params.RetryDelay, "err", err)
	}
}

// serve runs one connection, from dial to disconnection.
func (s *Session) serve(ctx context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		s.logger.Error("connection failed", "err", err)
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateConnecting
	s.nick = s.params.Nickname
	s.nickCf = s.casemap(s.nick)
	s.enabledCaps = map[string]struct{}{}
	s.sasl = nil
	s.authed = false
	s.aborted = nil
	s.mu.Unlock()

	s.logger.Info("connected", "addr", conn.RemoteAddr().String())

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	s.bus.Emit(EventConnecting, Event{Command: EventConnecting, FromServer: true})

	err = s.readLoop(conn)

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.state = StateDisconnected
	s.mu.Unlock()
	conn.Close()

	// Rosters are rebuilt from the NAMES replies of the next connection.
	for _, ch := range s.Channels() {
		ch.clear()
	}

	msg := ""
	if err != nil {
		msg = err.Error()
	}
	s.bus.Emit(EventDisconnected, Event{Command: EventDisconnected, FromServer: true, Message: msg})

	return err
}

func (s *Session) addr() string {
	return net.JoinHostPort(s.params.Hostname, strconv.Itoa(s.params.Port))
}

func (s *Session) dial(ctx context.Context) (net.Conn, error) {
	s.setState(StateConnecting)

	var (
		conn net.Conn
		err  error
	)
	if s.params.Dial != nil {
		conn, err = s.params.Dial(ctx)
	} else {
		dialer := &net.Dialer{Timeout: s.params.ConnectTimeout}
		if s.params.TLS {
			tlsDialer := &tls.Dialer{NetDialer: dialer, Config: s.params.TLSConfig}
			conn, err = tlsDialer.DialContext(ctx, "tcp", s.addr())
		} else {
			conn, err = dialer.DialContext(ctx, "tcp", s.addr())
		}
	}
	if err != nil {
		s.setState(StateDisconnected)
		return nil, &ConnectError{Addr: s.addr(), Err: err}
	}
	return conn, nil
}

// Close ends the current connection and stops Run from reconnecting.
func (s *Session) Close() {
	s.mu.Lock()
	s.quitting = true
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// disconnect ends the current connection, leaving the reconnection policy to
// Run.
func (s *Session) disconnect() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (s *Session) handleConnecting(Event) error {
	if s.params.ServerPassword != "" {
		if err := s.send(s.params.LineLen, false, "PASS", s.params.ServerPassword); err != nil {
			return err
		}
	}

	if len(s.requested) == 0 {
		return s.register()
	}

	s.setState(StateNegotiatingCaps)
	if err := s.send(s.params.LineLen, false, "CAP", "LS", "302"); err != nil {
		return err
	}
	return s.send(s.params.LineLen, true, "CAP", "REQ", strings.Join(s.requested, " "))
}

func (s *Session) handlePing(ev Event) error {
	return s.send(s.params.LineLen, false, "PONG", ev.Message)
}

func (s *Session) handleCap(ev Event) error {
	subcommand, rest := word(ev.Message)
	switch strings.ToUpper(subcommand) {
	case "ACK":
		if s.State() != StateNegotiatingCaps {
			return nil
		}

		s.mu.Lock()
		for _, c := range TokenizeCaps(rest) {
			if !c.Enable {
				delete(s.enabledCaps, c.Name)
				continue
			}
			for _, r := range s.requested {
				if r == c.Name {
					s.enabledCaps[c.Name] = struct{}{}
				}
			}
		}
		_, saslActive := s.enabledCaps["sasl"]
		s.mu.Unlock()

		s.logger.Info("capabilities acknowledged", "caps", s.Capabilities())

		if saslActive && s.params.Auth != nil {
			return s.authenticate()
		}
		return s.endNegotiation()
	case "NAK":
		if s.State() != StateNegotiatingCaps {
			return nil
		}
		s.logger.Warn("capabilities rejected", "caps", rest)
		return s.endNegotiation()
	default:
		s.logger.Debug("ignoring CAP reply", "subcommand", subcommand, "params", rest)
		return nil
	}
}

func (s *Session) endNegotiation() error {
	if err := s.send(s.params.LineLen, false, "CAP", "END"); err != nil {
		return err
	}
	return s.register()
}

func (s *Session) authenticate() error {
	x := newSASLExchange(s.params.Auth)
	mech, err := x.start()
	if err != nil {
		s.logger.Warn("cannot start sasl", "err", err)
		return s.endNegotiation()
	}

	s.mu.Lock()
	s.sasl = x
	s.mu.Unlock()
	s.setState(StateAuthenticating)

	return s.send(s.params.LineLen, false, "AUTHENTICATE", mech)
}

func (s *Session) handleAuthenticate(ev Event) error {
	s.mu.Lock()
	x := s.sasl
	s.mu.Unlock()

	if x == nil || s.State() != StateAuthenticating {
		return &ProtocolViolation{Command: "AUTHENTICATE", Reason: "no sasl exchange in progress"}
	}

	resp, err := x.respond(ev.Message)
	if err != nil {
		s.logger.Warn("aborting sasl", "err", err)
		return s.send(s.params.LineLen, false, "AUTHENTICATE", "*")
	}
	for _, r := range resp {
		if err := s.send(s.params.LineLen, false, "AUTHENTICATE", r); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) handleLoggedIn(ev Event) error {
	s.logger.Info("logged in", "message", ev.Message)
	return nil
}

func (s *Session) handleSASLSuccess(Event) error {
	if s.State() != StateAuthenticating {
		return nil
	}

	s.mu.Lock()
	s.authed = true
	s.sasl = nil
	s.mu.Unlock()

	s.logger.Info("sasl authentication succeeded")
	return s.endNegotiation()
}

func (s *Session) handleSASLFailure(ev Event) error {
	if s.State() != StateAuthenticating {
		return nil
	}

	authErr := &AuthError{Code: ev.Command, Message: ev.Message}

	s.mu.Lock()
	s.sasl = nil
	s.mu.Unlock()

	if err := s.send(s.params.LineLen, false, "CAP", "END"); err != nil {
		return err
	}

	if s.params.AbortOnSASLFailure {
		s.logger.Error("sasl authentication failed, disconnecting", "err", authErr)
		s.mu.Lock()
		s.aborted = authErr
		s.mu.Unlock()
		s.disconnect()
		return nil
	}

	s.logger.Warn("sasl authentication failed, continuing unauthenticated", "err", authErr)
	return s.register()
}

// register sends NICK and USER, once per connection.
func (s *Session) register() error {
	s.mu.Lock()
	if s.state >= StateRegistering {
		s.mu.Unlock()
		return nil
	}
	s.state = StateRegistering
	nick := s.nick
	s.mu.Unlock()

	host := s.params.Hostname
	if host == "" {
		host = "*"
	}
	if err := s.send(s.params.LineLen, false, "NICK", nick); err != nil {
		return err
	}
	return s.send(s.params.LineLen, true, "USER", s.params.Username, host, "0", s.params.RealName)
}

func (s *Session) handleNicknameInUse(ev Event) error {
	s.mu.Lock()
	if s.state == StateRegistered {
		s.mu.Unlock()
		return nil
	}
	s.nick += "_"
	s.nickCf = s.casemap(s.nick)
	nick := s.nick
	s.mu.Unlock()

	s.logger.Warn("nickname in use, retrying", "nick", nick)
	return s.send(s.params.LineLen, false, "NICK", nick)
}

func (s *Session) handleWelcome(ev Event) error {
	s.mu.Lock()
	s.state = StateRegistered
	s.retries = 0
	if ev.Target != "" {
		s.nick = ev.Target
		s.nickCf = s.casemap(s.nick)
	}
	nick := s.nick
	s.mu.Unlock()

	s.logger.Info("registered", "nick", nick, "server", ev.Server)

	for _, cmd := range s.params.Commands {
		if err := s.SendRaw(cmd); err != nil {
			return err
		}
	}
	return s.send(s.params.LineLen, false, "MODE", nick, "+B")
}

func (s *Session) handleIsupport(ev Event) error {
	for _, token := range strings.Fields(ev.Message) {
		key, value, _ := strings.Cut(token, "=")
		if !strings.EqualFold(key, "CASEMAPPING") {
			continue
		}
		s.mu.Lock()
		s.casemap = casemapByName(value)
		s.nickCf = s.casemap(s.nick)
		s.mu.Unlock()
		s.logger.Debug("case mapping set", "casemapping", value)
	}
	return nil
}

func (s *Session) handleNick(ev Event) error {
	oldNick, newNick := ev.Nick(), ev.Message
	if oldNick == "" || newNick == "" {
		return &ProtocolViolation{Command: "NICK", Reason: "missing old or new nickname"}
	}

	if s.IsMe(oldNick) {
		s.mu.Lock()
		s.nick = newNick
		s.nickCf = s.casemap(newNick)
		s.mu.Unlock()
		s.logger.Info("nickname changed", "nick", newNick)
	}

	s.fanOut(EventNickChannels, EventNick, oldNick, ev)
	return nil
}

func (s *Session) handleQuit(ev Event) error {
	nick := ev.Nick()
	if nick == "" {
		return &ProtocolViolation{Command: "QUIT", Reason: "no user prefix"}
	}

	s.fanOut(EventQuitChannels, EventQuit, nick, ev)

	if s.IsMe(nick) {
		s.logger.Info("quit", "reason", ev.Message)
		s.Close()
	}
	return nil
}

// fanOut re-emits ev under the channel-scoped names of base for every tracked
// channel nick is in, then once under aggregate with the list of channels.
func (s *Session) fanOut(aggregate, base, nick string, ev Event) {
	channels := s.channelsWith(nick)
	for _, ch := range channels {
		chEv := ev
		chEv.Channel = ch
		s.bus.EmitChannel(base, ch, chEv)
	}

	ev.Command = aggregate
	ev.Channels = channels
	s.bus.Emit(aggregate, ev)
}

func (s *Session) handleClosingLink(ev Event) error {
	s.logger.Warn("server closed the link", "command", ev.Command, "reason", ev.Message)
	s.disconnect()
	return nil
}

// SendRaw sends raw as is, split into several lines if too long.
func (s *Session) SendRaw(raw string) error {
	return s.write(raw, s.params.LineLen)
}

func (s *Session) Join(channel, key string) error {
	if key == "" {
		return s.send(s.params.LineLen, false, "JOIN", channel)
	}
	return s.send(s.params.LineLen, false, "JOIN", channel, key)
}

func (s *Session) Part(channel, reason string) error {
	if reason == "" {
		return s.send(s.params.LineLen, false, "PART", channel)
	}
	return s.send(s.params.LineLen, true, "PART", channel, reason)
}

// Say sends text to target with PRIVMSG, one message per line of text.
func (s *Session) Say(target, text string) error {
	return s.sendText("PRIVMSG", target, text)
}

// Notice sends text to target with NOTICE, one message per line of text.
func (s *Session) Notice(target, text string) error {
	return s.sendText("NOTICE", target, text)
}

func (s *Session) sendText(command, target, text string) error {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if err := s.send(s.params.MessageLineLen, true, command, target, line); err != nil {
			return err
		}
	}
	return nil
}

// Mode sends a MODE change, e.g. Mode("#foo", "+o", "nick").
func (s *Session) Mode(target, modes string, params ...string) error {
	return s.send(s.params.LineLen, false, "MODE", append([]string{target, modes}, params...)...)
}

func (s *Session) Ban(channel, mask string) error {
	return s.Mode(channel, "+b", mask)
}

func (s *Session) Unban(channel, mask string) error {
	return s.Mode(channel, "-b", mask)
}

// ChangeNick asks the server for a new nickname.
func (s *Session) ChangeNick(nick string) error {
	return s.send(s.params.LineLen, false, "NICK", nick)
}

// Quit sends QUIT and stops Run from reconnecting once the server closes the
// connection.
func (s *Session) Quit(reason string) error {
	s.mu.Lock()
	s.quitting = true
	s.mu.Unlock()

	if reason == "" {
		return s.send(s.params.LineLen, false, "QUIT")
	}
	return s.send(s.params.LineLen, true, "QUIT", reason)
}

// send builds a command with ircmsg and writes it within limit.  trailing
// forces the last parameter to be sent as a trailing parameter, so that
// FrameLine splits it rather than the command.
func (s *Session) send(limit int, trailing bool, command string, params ...string) error {
	msg := ircmsg.MakeMessage(nil, "", command, params...)
	if trailing && len(params) != 0 {
		msg.ForceTrailing()
	}
	line, err := msg.Line()
	if err != nil {
		return fmt.Errorf("build %s: %w", command, err)
	}
	return s.write(line, limit)
}

func (s *Session) write(raw string, limit int) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for _, line := range FrameLine(raw, limit) {
		if s.params.Debug {
			s.logger.Debug("sent", "line", strings.TrimRight(line, crlf))
		}
		if s.params.Trace != nil {
			s.params.Trace(strings.TrimRight(line, crlf), true)
		}
		if _, err := conn.Write([]byte(line)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return ErrNotConnected
			}
			return err
		}
	}
	return nil
}
