package irc

import (
	"errors"
	"net"
	"strconv"
	"time"
)

var errPingTimeout = errors.New("ping timeout")

const readBufferSize = 4096

// readLoop reads lines from conn and dispatches them until the connection
// fails or is closed.
//
// When ReadTimeout is set, a read that times out is not an error: the server
// is sent a PING, and only a second silent period ends the connection.
func (s *Session) readLoop(conn net.Conn) error {
	var framer Framer
	buf := make([]byte, readBufferSize)
	pinged := false

	for {
		if s.params.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.params.ReadTimeout))
		}

		n, err := conn.Read(buf)
		if n > 0 {
			pinged = false
			for _, line := range framer.Feed(buf[:n]) {
				s.handleLine(line)
			}
		}
		if err == nil {
			continue
		}

		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() && s.params.ReadTimeout > 0 {
			if pinged {
				return errPingTimeout
			}
			pinged = true
			token := strconv.FormatInt(time.Now().Unix(), 10)
			if err := s.send(s.params.LineLen, false, "PING", token); err != nil {
				return err
			}
			continue
		}
		return err
	}
}

func (s *Session) handleLine(line string) {
	if s.params.Trace != nil {
		s.params.Trace(line, false)
	}

	ev, err := Parse(line)
	if err != nil {
		s.logger.Warn("dropping line", "err", err)
		return
	}
	if s.params.Debug {
		s.logger.Debug("received",
			"line", line,
			"command", ev.Command,
			"channel", ev.Channel,
			"target", ev.Target)
	}

	s.bus.Dispatch(ev)
}
