package irc

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/ergochat/irc-go/ircmsg"
	"golang.org/x/text/encoding/charmap"
)

const (
	// MaxLineLen is the maximum length of a protocol line, CRLF included.
	MaxLineLen = 512

	// MessageLineLen is the bound used when fragmenting PRIVMSG and NOTICE.
	// It leaves room for the nick!user@host prefix the server prepends when
	// relaying the message.
	MessageLineLen = 451
)

const crlf = "\r\n"

// Framer converts between a byte stream and protocol lines.  The zero value
// is ready to use and frames outbound lines within MaxLineLen.
//
// Feed is not safe for concurrent use; it is meant to be called by the single
// reader of a connection.
type Framer struct {
	LineLen int // the outbound bound, CRLF included.

	buf []byte
}

// Feed appends p to the carry-over buffer and returns every complete line
// found, without its terminator.  The trailing partial line is kept for the
// next call.  Empty lines are dropped.  Lines that are not valid UTF-8 are
// decoded as Windows-1252.
func (f *Framer) Feed(p []byte) (lines []string) {
	f.buf = append(f.buf, p...)

	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(f.buf[:i], "\r")
		f.buf = f.buf[i+1:]
		if len(line) == 0 {
			continue
		}
		lines = append(lines, decodeLine(line))
	}

	if len(f.buf) == 0 {
		f.buf = nil
	}

	return
}

// Buffered returns the number of bytes held for the next call to Feed.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Reset drops the carry-over buffer.
func (f *Framer) Reset() {
	f.buf = nil
}

// Frame splits raw into wire lines within the framer's LineLen.
func (f *Framer) Frame(raw string) []string {
	limit := f.LineLen
	if limit <= 0 {
		limit = MaxLineLen
	}
	return FrameLine(raw, limit)
}

// FrameLine splits raw into wire lines, CRLF terminated, of at most limit
// bytes each.
//
// A line that fits is returned as is.  When raw has a "prefix :payload"
// shape, only the payload is split and every line repeats the prefix.
// Otherwise raw is cut directly.  Cuts never split a UTF-8 sequence unless the
// payload is not UTF-8.
func FrameLine(raw string, limit int) []string {
	raw = strings.TrimRight(raw, crlf)
	if len(raw)+len(crlf) <= limit {
		return []string{raw + crlf}
	}

	var prefix, payload string
	if i := strings.Index(raw, " :"); i >= 0 && i+2+len(crlf) < limit {
		prefix, payload = raw[:i+2], raw[i+2:]
	} else {
		payload = raw
	}

	chunks := splitChunks(payload, limit-len(prefix)-len(crlf))
	lines := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		lines = append(lines, prefix+chunk+crlf)
	}
	return lines
}

func splitChunks(s string, chunkLen int) (chunks []string) {
	if chunkLen <= 0 {
		return []string{s}
	}
	for chunkLen < len(s) {
		chunk := ircmsg.TruncateUTF8Safe(s, chunkLen)
		if chunk == "" {
			chunk = s[:chunkLen]
		}
		chunks = append(chunks, chunk)
		s = s[len(chunk):]
	}
	if len(s) != 0 {
		chunks = append(chunks, s)
	}
	return
}

func decodeLine(line []byte) string {
	if utf8.Valid(line) {
		return string(line)
	}
	decoded, err := charmap.Windows1252.NewDecoder().Bytes(line)
	if err != nil {
		return strings.ToValidUTF8(string(line), string(utf8.RuneError))
	}
	return string(decoded)
}
