package irc

import (
	"log"
	"sync"
)

// EventKind names one of the connection's dispatchable events.
type EventKind string

// Event kinds the engine dispatches. Handlers for a kind receive only the
// Event fields that kind documents; everything else is left zero.
const (
	EventConnect         EventKind = "connect"             // connection accepted
	EventDisconnect      EventKind = "disconnect"          // Reason
	EventQuit            EventKind = "quit"                // Message (optional)
	EventRawLine         EventKind = "raw-line"            // Raw; precedes every command-specific event
	EventLoginAttempt    EventKind = "login-attempt"       // User, Password, Login
	EventSuccessfulLogin EventKind = "successful-login"    // User, Password
	EventFailedLogin     EventKind = "failed-login"        // User, Password, Reason (optional)
	EventSocketError     EventKind = "socket-error"        // Err
	EventPing            EventKind = "ping"                // Message (token data)
	EventAuthTimeout     EventKind = "auth-timeout"        //
	EventOnlineCheck     EventKind = "online-check"        // Nicks
	EventJoin            EventKind = "join"                // Channels
	EventPart            EventKind = "part"                // Channel, Reason (optional)
	EventChannelInfo     EventKind = "channel-info"        // Channel
	EventChannelUsers    EventKind = "channel-users"       // Channel
	EventChatMessage     EventKind = "chat-message"        // Target, Text
	EventAway            EventKind = "away"                // Message
	EventBack            EventKind = "back"                //
	EventKick            EventKind = "kick"                // Channel, Nick, Reason (optional)
	EventTopicChange     EventKind = "topic-change"        // Channel, Topic
	EventUserModeChange  EventKind = "user-mode-change"    // Channel, Nick, Added, Removed
	EventChanModeChange  EventKind = "channel-mode-change" // Channel, Added, Removed
	EventInvite          EventKind = "invite"              // Nick, Channel
)

// Event is the payload delivered to registered handlers.
type Event struct {
	Kind EventKind
	Conn *Conn

	Raw      string
	Channel  string
	Channels []string
	Nick     string
	Nicks    []string
	Target   string
	Text     string
	Message  string
	Topic    string
	Reason   string
	Added    []rune
	Removed  []rune
	Err      error

	User     *UserInfo
	Password string

	// Login carries the accept/deny continuations of a login-attempt event
	// and is nil for every other kind.
	Login *LoginAttempt
}

// HandlerFunc handles one dispatched event. Handlers for a connection run on
// that connection's processing path, strictly in registration order; a panic
// in one handler is logged and does not prevent the rest from running.
type HandlerFunc func(*Event)

// Registration identifies a registered handler so it can later be removed.
// It is opaque to callers; the zero value identifies nothing.
type Registration struct {
	kind EventKind
	id   uint64
}

type handlerEntry struct {
	id uint64
	fn HandlerFunc

	// match, when set, makes the entry one-shot: it is invoked instead of fn
	// and the entry is removed as soon as it reports a match.
	match func(*Event) bool
}

type registry struct {
	mu       sync.Mutex
	seq      uint64
	handlers map[EventKind][]handlerEntry
}

func (r *registry) add(kind EventKind, e handlerEntry) Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = make(map[EventKind][]handlerEntry)
	}
	r.seq++
	e.id = r.seq
	r.handlers[kind] = append(r.handlers[kind], e)
	return Registration{kind: kind, id: e.id}
}

func (r *registry) remove(reg Registration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.handlers[reg.kind]
	for i, e := range entries {
		if e.id == reg.id {
			r.handlers[reg.kind] = append(entries[:i:i], entries[i+1:]...)
			return true
		}
	}
	return false
}

func (r *registry) snapshot(kind EventKind) []handlerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.handlers[kind]
	if len(entries) == 0 {
		return nil
	}
	out := make([]handlerEntry, len(entries))
	copy(out, entries)
	return out
}

// Handle registers fn for the given event kind. Multiple handlers per kind
// are permitted and run in registration order.
func (c *Conn) Handle(kind EventKind, fn HandlerFunc) Registration {
	return c.events.add(kind, handlerEntry{fn: fn})
}

// HandleOnce registers a matcher that is removed as soon as it reports a
// match. The liveness monitor uses this to await a single PONG reply.
func (c *Conn) HandleOnce(kind EventKind, match func(*Event) bool) Registration {
	return c.events.add(kind, handlerEntry{match: match})
}

// Unhandle removes a previously registered handler. It reports whether the
// registration was still present.
func (c *Conn) Unhandle(reg Registration) bool {
	return c.events.remove(reg)
}

// dispatch invokes every handler registered for e.Kind, in order, each
// isolated from the others' panics. For login-attempt events, iteration
// stops at the first handler that settles the attempt.
func (c *Conn) dispatch(e *Event) {
	e.Conn = c
	for _, entry := range c.events.snapshot(e.Kind) {
		if entry.match != nil {
			if c.invokeMatch(entry, e) {
				c.events.remove(Registration{kind: e.Kind, id: entry.id})
			}
		} else {
			c.invoke(entry, e)
		}
		if e.Login != nil && e.Login.Decided() {
			break
		}
	}
}

func (c *Conn) invoke(entry handlerEntry, e *Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[%s] %s handler panic: %v", c.shortID(), e.Kind, r)
		}
	}()
	entry.fn(e)
}

func (c *Conn) invokeMatch(entry handlerEntry, e *Event) (matched bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[%s] %s handler panic: %v", c.shortID(), e.Kind, r)
		}
	}()
	return entry.match(e)
}
