package pyrc

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BigBadWouf/pyrc/irc"
	"mvdan.cc/xurls/v2"
)

func init() {
	RegisterExtension("logger", func(b *Bot) (Extension, error) {
		dir, err := b.ExtensionDir("logger")
		if err != nil {
			return nil, err
		}
		return NewChatLog(b.Bus(), dir, b.Logger())
	})
}

// ChatLog writes channel traffic to one plain text file per channel, with
// formatting codes removed, and reports the links it sees.
type ChatLog struct {
	bus    *irc.Bus
	dir    string
	logger *slog.Logger
	now    func() time.Time
	subs   []irc.Subscription

	mu    sync.Mutex
	files map[string]*os.File
}

// NewChatLog starts logging the events of bus into dir.
func NewChatLog(bus *irc.Bus, dir string, logger *slog.Logger) (*ChatLog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &ChatLog{
		bus:    bus,
		dir:    dir,
		logger: logger,
		now:    time.Now,
		files:  map[string]*os.File{},
	}

	handlers := []struct {
		event string
		h     irc.HandlerFunc
	}{
		{irc.EventPrivmsg, l.onPrivmsg},
		{irc.EventNotice, l.onNotice},
		{irc.EventJoin, l.onJoin},
		{irc.EventPart, l.onPart},
		{irc.EventKick, l.onKick},
		{irc.EventNickChannels, l.onNick},
		{irc.EventQuitChannels, l.onQuit},
	}
	for _, h := range handlers {
		sub, err := bus.Subscribe(h.event, h.h)
		if err != nil {
			l.Close()
			return nil, err
		}
		l.subs = append(l.subs, sub)
	}

	return l, nil
}

func (l *ChatLog) Close() error {
	for _, sub := range l.subs {
		l.bus.Unsubscribe(sub)
	}
	l.subs = nil

	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	for name, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(l.files, name)
	}
	return firstErr
}

// Path returns the file the traffic of buffer is written to.
func (l *ChatLog) Path(buffer string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, irc.CasemapASCII(buffer))
	return filepath.Join(l.dir, name+".log")
}

func (l *ChatLog) write(buffer, line string) error {
	key := irc.CasemapASCII(buffer)

	l.mu.Lock()
	defer l.mu.Unlock()

	f, ok := l.files[key]
	if !ok {
		var err error
		f, err = os.OpenFile(l.Path(buffer), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		l.files[key] = f
	}

	_, err := fmt.Fprintf(f, "%s %s\n", l.now().Format("2006-01-02 15:04:05"), line)
	return err
}

func (l *ChatLog) message(ev irc.Event, format string) error {
	buffer := ev.Target
	if !irc.IsChannel(buffer) {
		buffer = ev.Nick()
	}
	if buffer == "" {
		buffer = ev.Server
	}
	if buffer == "" {
		return nil
	}

	text := ev.Text()
	if links := xurls.Strict().FindAllString(text, -1); len(links) != 0 {
		l.logger.Info("links seen", "buffer", buffer, "from", ev.Nick(), "links", links)
	}

	from := ev.Nick()
	if from == "" {
		from = ev.Server
	}
	return l.write(buffer, fmt.Sprintf(format, from, text))
}

func (l *ChatLog) onPrivmsg(ev irc.Event) error {
	return l.message(ev, "<%s> %s")
}

func (l *ChatLog) onNotice(ev irc.Event) error {
	return l.message(ev, "-%s- %s")
}

func (l *ChatLog) onJoin(ev irc.Event) error {
	if ev.Channel == "" || ev.Origin == nil {
		return nil
	}
	return l.write(ev.Channel, fmt.Sprintf("--> %s (%s@%s) has joined", ev.Origin.Name, ev.Origin.User, ev.Origin.Host))
}

func (l *ChatLog) onPart(ev irc.Event) error {
	if ev.Channel == "" {
		return nil
	}
	return l.write(ev.Channel, fmt.Sprintf("<-- %s has left", ev.Nick()))
}

func (l *ChatLog) onKick(ev irc.Event) error {
	if ev.Channel == "" {
		return nil
	}
	return l.write(ev.Channel, fmt.Sprintf("<-- %s was kicked by %s (%s)", ev.Target, ev.Nick(), ev.Text()))
}

func (l *ChatLog) onNick(ev irc.Event) error {
	line := fmt.Sprintf("-- %s is now known as %s", ev.Nick(), ev.Message)
	for _, ch := range ev.Channels {
		if err := l.write(ch, line); err != nil {
			return err
		}
	}
	return nil
}

func (l *ChatLog) onQuit(ev irc.Event) error {
	line := fmt.Sprintf("<-- %s has quit (%s)", ev.Nick(), ev.Text())
	for _, ch := range ev.Channels {
		if err := l.write(ch, line); err != nil {
			return err
		}
	}
	return nil
}
