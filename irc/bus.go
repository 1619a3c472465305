package irc

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
)

// HandlerFunc handles one event.  A returned error is logged by the Bus.
type HandlerFunc func(ev Event) error

// Subscription identifies a registered handler.
type Subscription struct {
	name string
	id   uint64
}

// Name returns the event name the handler is registered for.
func (s Subscription) Name() string {
	return s.name
}

type subscriber struct {
	id uint64
	h  HandlerFunc
}

// Bus maps event names to ordered lists of handlers.
//
// Emit runs every handler of the event in its own goroutine and returns
// without waiting: handlers of one event, and handlers of successive events,
// run in no particular order.  A handler that fails or panics is logged and
// does not affect the others.
//
// Registration and dispatch are safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscriber
	nextID uint64

	running sync.WaitGroup
	logger  *slog.Logger
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithLogger sets the logger used to report handler failures.
func WithLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs:   map[string][]subscriber{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ValidEventName reports whether name can be subscribed to: it must be
// non-empty, lowercase, and fit on a single line.
func ValidEventName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidEventName)
	}
	if strings.ContainsAny(name, "\r\n\x00") {
		return fmt.Errorf("%w: %q contains a control character", ErrInvalidEventName, name)
	}
	if CasemapASCII(name) != name {
		return fmt.Errorf("%w: %q is not lowercase", ErrInvalidEventName, name)
	}
	return nil
}

// ChannelEventName returns the name of the channel-scoped variant of the base
// event: the base name followed by the lowercased channel name, e.g.
// "join#foo".
func ChannelEventName(base, channel string) (string, error) {
	if err := ValidEventName(base); err != nil {
		return "", err
	}
	if strings.ContainsAny(base, chantypes) {
		return "", fmt.Errorf("%w: base name %q contains a channel sigil", ErrInvalidEventName, base)
	}
	if !IsChannel(channel) || strings.ContainsAny(channel, " ,\r\n\x00") {
		return "", fmt.Errorf("%w: %q is not a channel name", ErrInvalidEventName, channel)
	}
	return base + CasemapASCII(channel), nil
}

// Subscribe appends h to the handlers of the named event.
func (b *Bus) Subscribe(name string, h HandlerFunc) (Subscription, error) {
	if err := ValidEventName(name); err != nil {
		return Subscription{}, err
	}
	if h == nil {
		return Subscription{}, fmt.Errorf("%w: nil handler for %q", ErrInvalidEventName, name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := Subscription{name: name, id: b.nextID}
	b.subs[name] = append(b.subs[name], subscriber{id: sub.id, h: h})
	return sub, nil
}

// SubscribeChannel subscribes h to the variant of base scoped to channel.
func (b *Bus) SubscribeChannel(base, channel string, h HandlerFunc) (Subscription, error) {
	name, err := ChannelEventName(base, channel)
	if err != nil {
		return Subscription{}, err
	}
	return b.Subscribe(name, h)
}

// Unsubscribe removes the handler registered by sub.  It reports whether the
// handler was registered.
func (b *Bus) Unsubscribe(sub Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[sub.name]
	for i, s := range subs {
		if s.id != sub.id {
			continue
		}
		rest := make([]subscriber, 0, len(subs)-1)
		rest = append(rest, subs[:i]...)
		rest = append(rest, subs[i+1:]...)
		if len(rest) == 0 {
			delete(b.subs, sub.name)
		} else {
			b.subs[sub.name] = rest
		}
		return true
	}
	return false
}

// Count returns the number of handlers registered for name.
func (b *Bus) Count(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subs[name])
}

// Emit starts every handler of the named event with ev and returns the
// number of handlers started.
func (b *Bus) Emit(name string, ev Event) int {
	b.mu.RLock()
	subs := make([]subscriber, len(b.subs[name]))
	copy(subs, b.subs[name])
	b.mu.RUnlock()

	b.running.Add(len(subs))
	for _, s := range subs {
		go b.run(name, s.h, ev)
	}
	return len(subs)
}

// EmitChannel emits ev under the variant of base scoped to channel.
func (b *Bus) EmitChannel(base, channel string, ev Event) int {
	name, err := ChannelEventName(base, channel)
	if err != nil {
		b.logger.Debug("dropping channel event", "event", base, "channel", channel, "err", err)
		return 0
	}
	return b.Emit(name, ev)
}

// Dispatch emits a parsed event: first under its channel-scoped name when it
// has a channel, then under its command.
func (b *Bus) Dispatch(ev Event) {
	if ev.Channel != "" {
		b.EmitChannel(ev.Command, ev.Channel, ev)
	}
	b.Emit(ev.Command, ev)
}

// Wait blocks until every handler started so far has returned.
func (b *Bus) Wait() {
	b.running.Wait()
}

func (b *Bus) run(name string, h HandlerFunc, ev Event) {
	defer b.running.Done()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", name,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()

	if err := h(ev); err != nil {
		b.logger.Warn("event handler failed", "event", name, "err", err)
	}
}
