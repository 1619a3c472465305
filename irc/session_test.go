package irc

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const testTimeout = 2 * time.Second

type fakeServer struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func (srv *fakeServer) readLine() (string, error) {
	_ = srv.conn.SetReadDeadline(time.Now().Add(testTimeout))
	line, err := srv.r.ReadString('\n')
	return strings.TrimRight(line, "\r\n"), err
}

func (srv *fakeServer) expect(expected ...string) {
	srv.t.Helper()

	for _, e := range expected {
		line, err := srv.readLine()
		if err != nil {
			srv.t.Fatalf("expected %q, got error %v", e, err)
		}
		if line != e {
			srv.t.Fatalf("expected %q, got %q", e, line)
		}
	}
}

func (srv *fakeServer) expectPrefix(prefix string) string {
	srv.t.Helper()

	line, err := srv.readLine()
	if err != nil {
		srv.t.Fatalf("expected %q..., got error %v", prefix, err)
	}
	if !strings.HasPrefix(line, prefix) {
		srv.t.Fatalf("expected %q..., got %q", prefix, line)
	}
	return line
}

func (srv *fakeServer) send(lines ...string) {
	srv.t.Helper()

	_ = srv.conn.SetWriteDeadline(time.Now().Add(testTimeout))
	for _, line := range lines {
		if _, err := io.WriteString(srv.conn, line+"\r\n"); err != nil {
			srv.t.Fatalf("send %q: %v", line, err)
		}
	}
}

// expectClosed waits for the session to close the connection.
func (srv *fakeServer) expectClosed() {
	srv.t.Helper()

	for {
		line, err := srv.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return
			}
			srv.t.Fatalf("expected the connection to be closed, got %v", err)
		}
		srv.t.Logf("discarding %q", line)
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startSession runs a Session whose first connection goes to the returned
// fake server.  Run's result is sent on the returned channel.
func startSession(t *testing.T, params SessionParams) (*fakeServer, *Session, <-chan error) {
	t.Helper()

	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	var dialed atomic.Bool
	params.Dial = func(ctx context.Context) (net.Conn, error) {
		if dialed.Swap(true) {
			return nil, errors.New("no more connections")
		}
		return client, nil
	}
	if params.Nickname == "" {
		params.Nickname = "bot"
	}
	params.Logger = quietLogger()

	s, err := NewSession(params)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	errC := make(chan error, 1)
	go func() {
		errC <- s.Run(ctx)
	}()

	return &fakeServer{t: t, conn: server, r: bufio.NewReader(server)}, s, errC
}

func waitRun(t *testing.T, errC <-chan error) error {
	t.Helper()

	select {
	case err := <-errC:
		return err
	case <-time.After(testTimeout):
		t.Fatal("Run did not return")
		return nil
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// registerSession drives the session through a refused capability
// negotiation and the welcome.
func registerSession(srv *fakeServer) {
	srv.t.Helper()

	srv.expect("CAP LS 302", "CAP REQ :extended-join sasl userhost-in-names")
	srv.send(":irc.example.org CAP * NAK :extended-join sasl userhost-in-names")
	srv.expect("CAP END", "NICK bot", "USER bot * 0 :bot")
	srv.send(":irc.example.org 001 bot :Welcome")
	srv.expect("MODE bot +B")
}

func TestNewSessionValidation(t *testing.T) {
	if _, err := NewSession(SessionParams{Port: 6667, Nickname: "bot"}); !errors.Is(err, ErrNoHostname) {
		t.Errorf("expected ErrNoHostname, got %v", err)
	}
	if _, err := NewSession(SessionParams{Hostname: "irc.example.org", Nickname: "bot"}); !errors.Is(err, ErrNoPort) {
		t.Errorf("expected ErrNoPort, got %v", err)
	}
	if _, err := NewSession(SessionParams{Hostname: "irc.example.org", Port: 6667}); !errors.Is(err, ErrNoNickname) {
		t.Errorf("expected ErrNoNickname, got %v", err)
	}
}

func TestCapabilitySet(t *testing.T) {
	caps := capabilitySet([]string{"multi-prefix", "SASL", ""})
	expected := []string{"multi-prefix", "sasl", "extended-join", "userhost-in-names"}
	if strings.Join(caps, " ") != strings.Join(expected, " ") {
		t.Errorf("expected %q, got %q", expected, caps)
	}
}

func TestRegistrationWithSASL(t *testing.T) {
	srv, s, errC := startSession(t, SessionParams{
		Username: "user",
		Password: "pass",
		Commands: []string{"JOIN #chan", "PRIVMSG NickServ :hello there"},
	})

	srv.expect("CAP LS 302", "CAP REQ :extended-join sasl userhost-in-names")
	srv.send(
		":irc.example.org CAP * LS :sasl extended-join userhost-in-names",
		":irc.example.org CAP * ACK :extended-join sasl userhost-in-names")
	srv.expect("AUTHENTICATE PLAIN")

	srv.send("AUTHENTICATE +")
	payload := base64.StdEncoding.EncodeToString([]byte("user\x00user\x00pass"))
	srv.expect("AUTHENTICATE " + payload)

	srv.send(":irc.example.org 903 bot :SASL authentication successful")
	srv.expect("CAP END", "NICK bot", "USER user * 0 :bot")

	srv.send(":irc.example.org 001 bot :Welcome to the network")
	srv.expect("JOIN #chan", "PRIVMSG NickServ :hello there", "MODE bot +B")

	eventually(t, "registration", func() bool { return s.State() == StateRegistered })
	if !s.Authenticated() {
		t.Errorf("expected the session to be authenticated")
	}
	for _, c := range []string{"sasl", "extended-join", "userhost-in-names"} {
		if !s.HasCapability(c) {
			t.Errorf("expected %q to be active", c)
		}
	}

	srv.send("PING :abc123")
	srv.expect("PONG abc123")

	go s.Quit("bye")
	srv.expect("QUIT :bye")
	srv.send("ERROR :Closing Link: bot.example.org (Quit: bye)")
	srv.expectClosed()

	if err := waitRun(t, errC); err != nil {
		t.Errorf("expected Run to return nil after QUIT, got %v", err)
	}
}

func TestSASLFailureContinue(t *testing.T) {
	srv, s, errC := startSession(t, SessionParams{Password: "wrong"})

	srv.expect("CAP LS 302", "CAP REQ :extended-join sasl userhost-in-names")
	srv.send(":irc.example.org CAP * ACK :sasl")
	srv.expect("AUTHENTICATE PLAIN")
	srv.send("AUTHENTICATE +")
	srv.expectPrefix("AUTHENTICATE ")
	srv.send(":irc.example.org 904 bot :SASL authentication failed")
	srv.expect("CAP END", "NICK bot", "USER bot * 0 :bot")

	if s.Authenticated() {
		t.Errorf("expected the session not to be authenticated")
	}
	if s.HasCapability("extended-join") {
		t.Errorf("expected only acknowledged capabilities to be active")
	}

	s.Close()
	srv.expectClosed()
	if err := waitRun(t, errC); err != nil {
		t.Errorf("expected Run to return nil after Close, got %v", err)
	}
}

func TestSASLFailureAbort(t *testing.T) {
	srv, _, errC := startSession(t, SessionParams{
		Password:           "wrong",
		AbortOnSASLFailure: true,
		AutoReconnect:      true,
	})

	srv.expect("CAP LS 302", "CAP REQ :extended-join sasl userhost-in-names")
	srv.send(":irc.example.org CAP * ACK :sasl")
	srv.expect("AUTHENTICATE PLAIN")
	srv.send("AUTHENTICATE +")
	srv.expectPrefix("AUTHENTICATE ")
	srv.send(":irc.example.org 904 bot :SASL authentication failed")
	srv.expect("CAP END")
	srv.expectClosed()

	err := waitRun(t, errC)
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected an *AuthError, got %v", err)
	}
	if authErr.Code != "904" {
		t.Errorf("expected code 904, got %q", authErr.Code)
	}
}

func TestSASLWithoutPassword(t *testing.T) {
	srv, s, _ := startSession(t, SessionParams{})

	srv.expect("CAP LS 302", "CAP REQ :extended-join sasl userhost-in-names")
	srv.send(":irc.example.org CAP * ACK :extended-join sasl userhost-in-names")
	srv.expect("CAP END", "NICK bot", "USER bot * 0 :bot")

	s.Close()
	srv.expectClosed()
}

func TestServerPassword(t *testing.T) {
	srv, s, _ := startSession(t, SessionParams{ServerPassword: "letmein"})

	srv.expect("PASS letmein", "CAP LS 302")
	s.Close()
	srv.expectClosed()
}

func TestNicknameInUse(t *testing.T) {
	srv, s, _ := startSession(t, SessionParams{})

	srv.expect("CAP LS 302", "CAP REQ :extended-join sasl userhost-in-names")
	srv.send(":irc.example.org CAP * NAK :extended-join sasl userhost-in-names")
	srv.expect("CAP END", "NICK bot", "USER bot * 0 :bot")
	srv.send(":irc.example.org 433 * bot :Nickname is already in use")
	srv.expect("NICK bot_")
	srv.send(":irc.example.org 001 bot_ :Welcome")
	srv.expect("MODE bot_ +B")

	eventually(t, "nickname update", func() bool { return s.Nick() == "bot_" })
	s.Close()
	srv.expectClosed()
}

func TestSelfNickChange(t *testing.T) {
	srv, s, _ := startSession(t, SessionParams{})
	registerSession(srv)

	go s.ChangeNick("robot")
	srv.expect("NICK robot")
	srv.send(":bot!bot@host NICK :robot")
	eventually(t, "nickname update", func() bool { return s.Nick() == "robot" })
	if !s.IsMe("ROBOT") {
		t.Errorf("expected IsMe to fold case")
	}

	s.Close()
	srv.expectClosed()
}

func TestCasemapping(t *testing.T) {
	srv, s, _ := startSession(t, SessionParams{})

	if s.Casemap("Nick[1]") != "nick{1}" {
		t.Errorf("expected rfc1459 case mapping by default, got %q", s.Casemap("Nick[1]"))
	}

	registerSession(srv)
	srv.send(":irc.example.org 005 bot CASEMAPPING=ascii :are supported by this server")
	eventually(t, "case mapping", func() bool { return s.Casemap("Nick[1]") == "nick[1]" })

	s.Close()
	srv.expectClosed()
}

func TestSendAPI(t *testing.T) {
	srv, s, _ := startSession(t, SessionParams{})
	registerSession(srv)

	errC := make(chan error, 1)
	go func() {
		errC <- errors.Join(
			s.Join("#chan", ""),
			s.Join("#secret", "key"),
			s.Part("#chan", ""),
			s.Part("#secret", "see you"),
			s.Say("#chan", "hi"),
			s.Notice("nick", "line one\nline two"),
			s.Mode("#chan", "+o", "nick"),
			s.Ban("#chan", "*!*@bad.host"),
			s.Unban("#chan", "*!*@bad.host"),
			s.SendRaw("WHOIS nick"))
	}()
	srv.expect(
		"JOIN #chan",
		"JOIN #secret key",
		"PART #chan",
		"PART #secret :see you",
		"PRIVMSG #chan :hi",
		"NOTICE nick :line one",
		"NOTICE nick :line two",
		"MODE #chan +o nick",
		"MODE #chan +b *!*@bad.host",
		"MODE #chan -b *!*@bad.host",
		"WHOIS nick")
	if err := <-errC; err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	s.Close()
	srv.expectClosed()
}

func TestSayFragments(t *testing.T) {
	srv, s, _ := startSession(t, SessionParams{})
	registerSession(srv)

	text := strings.Repeat("abcdefghij", 100)
	errC := make(chan error, 1)
	go func() { errC <- s.Say("#chan", text) }()

	var got strings.Builder
	for got.Len() < len(text) {
		line := srv.expectPrefix("PRIVMSG #chan :")
		if len(line)+2 > MessageLineLen {
			t.Errorf("line of %d bytes exceeds %d", len(line)+2, MessageLineLen)
		}
		got.WriteString(strings.TrimPrefix(line, "PRIVMSG #chan :"))
	}
	if got.String() != text {
		t.Errorf("fragments do not reassemble the text")
	}
	if err := <-errC; err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	s.Close()
	srv.expectClosed()
}

func TestSendNotConnected(t *testing.T) {
	s, err := NewSession(SessionParams{Hostname: "irc.example.org", Port: 6667, Nickname: "bot", Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Say("#chan", "hi"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestFanOut(t *testing.T) {
	srv, s, _ := startSession(t, SessionParams{})

	a, err := s.Channel("#a", "")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := s.Channel("#B", "")
	_, _ = s.Channel("#c", "")
	if again, _ := s.Channel("#A", ""); again != a {
		t.Errorf("expected the tracked channel to be returned")
	}

	var mu sync.Mutex
	var nickChannels, quitChannels []string
	nickDone := make(chan struct{})
	quitDone := make(chan struct{})
	_, _ = s.Bus().Subscribe(EventNickChannels, func(ev Event) error {
		mu.Lock()
		nickChannels = ev.Channels
		mu.Unlock()
		close(nickDone)
		return nil
	})
	_, _ = s.Bus().Subscribe(EventQuitChannels, func(ev Event) error {
		mu.Lock()
		quitChannels = ev.Channels
		mu.Unlock()
		close(quitDone)
		return nil
	})

	registerSession(srv)
	srv.send(
		":irc.example.org 353 bot = #a :bot @nick",
		":irc.example.org 353 bot = #B :nick",
		":irc.example.org 353 bot = #c :bot")
	eventually(t, "NAMES", func() bool { return a.IsOn("nick") && b.IsOn("nick") })

	srv.send(":nick!user@host NICK :newnick")
	select {
	case <-nickDone:
	case <-time.After(testTimeout):
		t.Fatal("no nick_channels event")
	}
	mu.Lock()
	if strings.Join(nickChannels, " ") != "#a #B" {
		t.Errorf("expected nick_channels for #a #B, got %q", nickChannels)
	}
	mu.Unlock()
	eventually(t, "rename", func() bool { return a.IsOp("newnick") && b.IsOn("newnick") })

	srv.send(":newnick!user@host QUIT :gone")
	select {
	case <-quitDone:
	case <-time.After(testTimeout):
		t.Fatal("no quit_channels event")
	}
	mu.Lock()
	if strings.Join(quitChannels, " ") != "#a #B" {
		t.Errorf("expected quit_channels for #a #B, got %q", quitChannels)
	}
	mu.Unlock()
	eventually(t, "removal", func() bool { return !a.IsOn("newnick") && !b.IsOn("newnick") })

	s.ForgetChannel("#c")
	if len(s.Channels()) != 2 {
		t.Errorf("expected 2 tracked channels, got %d", len(s.Channels()))
	}

	s.Close()
	srv.expectClosed()
}

func TestSelfQuitStopsReconnection(t *testing.T) {
	srv, _, errC := startSession(t, SessionParams{AutoReconnect: true})
	registerSession(srv)

	srv.send(":bot!bot@host QUIT :Killed")
	srv.expectClosed()
	if err := waitRun(t, errC); err != nil {
		t.Errorf("expected Run to return nil, got %v", err)
	}
}

func TestClosingLinkWithoutReconnect(t *testing.T) {
	srv, s, errC := startSession(t, SessionParams{})
	registerSession(srv)

	srv.send("ERROR :Closing Link: bot.example.org (K-Lined)")
	srv.expectClosed()
	if err := waitRun(t, errC); err == nil {
		t.Errorf("expected Run to report the lost connection")
	}
	if s.State() != StateDisconnected {
		t.Errorf("expected state disconnected, got %s", s.State())
	}
}

func TestKeepalive(t *testing.T) {
	srv, _, errC := startSession(t, SessionParams{ReadTimeout: 50 * time.Millisecond})

	srv.expect("CAP LS 302", "CAP REQ :extended-join sasl userhost-in-names")
	srv.expectPrefix("PING ")
	srv.expectClosed()

	if err := waitRun(t, errC); !errors.Is(err, errPingTimeout) {
		t.Errorf("expected a ping timeout, got %v", err)
	}
}

func TestTrace(t *testing.T) {
	var mu sync.Mutex
	var traced []string
	srv, s, _ := startSession(t, SessionParams{
		Trace: func(line string, outgoing bool) {
			mu.Lock()
			defer mu.Unlock()
			if outgoing {
				traced = append(traced, "> "+line)
			} else {
				traced = append(traced, "< "+line)
			}
		},
	})
	registerSession(srv)

	mu.Lock()
	got := strings.Join(traced, "\n")
	mu.Unlock()
	for _, e := range []string{"> CAP LS 302", "< :irc.example.org 001 bot :Welcome", "> MODE bot +B"} {
		if !strings.Contains(got, e) {
			t.Errorf("expected %q to be traced, got:\n%s", e, got)
		}
	}

	s.Close()
	srv.expectClosed()
}

// dropDialer returns a Dial func whose first connection is closed right
// away by the server and whose next attempts fail.
func dropDialer(t *testing.T, attempts *atomic.Int32, onAttempt func(n int32)) func(context.Context) (net.Conn, error) {
	return func(ctx context.Context) (net.Conn, error) {
		n := attempts.Add(1)
		if onAttempt != nil {
			onAttempt(n)
		}
		if n == 1 {
			client, server := net.Pipe()
			go func() {
				io.Copy(io.Discard, server)
			}()
			go func() {
				time.Sleep(10 * time.Millisecond)
				server.Close()
			}()
			t.Cleanup(func() { client.Close() })
			return client, nil
		}
		return nil, errors.New("connection refused")
	}
}

func TestReconnectRetryCount(t *testing.T) {
	var attempts atomic.Int32
	s, err := NewSession(SessionParams{
		Nickname:      "bot",
		AutoReconnect: true,
		RetryCount:    3,
		Logger:        quietLogger(),
		Dial:          dropDialer(t, &attempts, nil),
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	err = s.Run(ctx)
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if n := attempts.Load(); n != 4 {
		t.Errorf("expected 1 connection and 3 reconnection attempts, got %d attempts", n)
	}
}

func TestReconnectUnlimited(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	var attempts atomic.Int32
	s, err := NewSession(SessionParams{
		Nickname:      "bot",
		AutoReconnect: true,
		RetryCount:    0,
		Logger:        quietLogger(),
		Dial: dropDialer(t, &attempts, func(n int32) {
			if n == 20 {
				cancel()
			}
		}),
	})
	if err != nil {
		t.Fatal(err)
	}

	err = s.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected Run to stop on cancellation only, got %v", err)
	}
	if n := attempts.Load(); n < 20 {
		t.Errorf("expected reconnection to go on, got %d attempts", n)
	}
}

func TestReconnectDelay(t *testing.T) {
	const delay = 50 * time.Millisecond

	var attempts atomic.Int32
	s, err := NewSession(SessionParams{
		Nickname:      "bot",
		AutoReconnect: true,
		RetryCount:    2,
		RetryDelay:    delay,
		Logger:        quietLogger(),
		Dial:          dropDialer(t, &attempts, nil),
	})
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	err = s.Run(context.Background())
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 2*delay-10*time.Millisecond {
		t.Errorf("expected reconnections to be paced by %v, took %v", delay, elapsed)
	}
}

func TestNoReconnect(t *testing.T) {
	var attempts atomic.Int32
	s, err := NewSession(SessionParams{
		Nickname: "bot",
		Logger:   quietLogger(),
		Dial:     dropDialer(t, &attempts, func(n int32) {}),
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Run(context.Background()); err == nil {
		t.Errorf("expected the lost connection to be reported")
	}
	if n := attempts.Load(); n != 1 {
		t.Errorf("expected a single attempt, got %d", n)
	}

	var connErr *ConnectError
	attempts.Store(1)
	if err := s.Run(context.Background()); !errors.As(err, &connErr) {
		t.Errorf("expected a *ConnectError, got %v", err)
	}
}

func TestRunTwice(t *testing.T) {
	srv, s, errC := startSession(t, SessionParams{})
	registerSession(srv)

	if err := s.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}

	s.Close()
	srv.expectClosed()
	if err := waitRun(t, errC); err != nil {
		t.Errorf("expected the first Run to return nil, got %v", err)
	}
}

func TestReconnectClearsRosters(t *testing.T) {
	conns := make(chan net.Conn, 2)
	var servers []*fakeServer
	for i := 0; i < 2; i++ {
		client, server := net.Pipe()
		t.Cleanup(func() {
			client.Close()
			server.Close()
		})
		conns <- client
		servers = append(servers, &fakeServer{t: t, conn: server, r: bufio.NewReader(server)})
	}

	s, err := NewSession(SessionParams{
		Nickname:      "bot",
		AutoReconnect: true,
		Logger:        quietLogger(),
		Dial: func(ctx context.Context) (net.Conn, error) {
			select {
			case conn := <-conns:
				return conn, nil
			default:
				return nil, errors.New("no more connections")
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	ch, err := s.Channel("#test", "")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	errC := make(chan error, 1)
	go func() {
		errC <- s.Run(ctx)
	}()

	registerSession(servers[0])
	servers[0].send(":irc.example.org 353 bot = #test :bot alice")
	eventually(t, "NAMES", func() bool { return ch.IsOn("alice") })

	servers[0].conn.Close()

	registerSession(servers[1])
	if ch.IsOn("alice") {
		t.Errorf("expected the roster to be cleared on disconnection")
	}

	servers[1].send(":irc.example.org 353 bot = #test :bot")
	eventually(t, "NAMES", func() bool { return ch.IsOn("bot") })
	if members := ch.Members(); len(members) != 1 {
		t.Errorf("expected only bot after reconnecting, got %+v", members)
	}

	s.Close()
	servers[1].expectClosed()
	if err := waitRun(t, errC); err != nil {
		t.Errorf("expected Run to return nil after Close, got %v", err)
	}
}
