package irc

import (
	"bufio"
	"io"
	"log"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Notifier receives connection lifecycle transitions. The server wrapper
// implements it to keep its registry current; the engine only reports, it
// never iterates or mutates the registry itself.
type Notifier interface {
	ConnAccepted(*Conn)
	ConnAuthenticated(*Conn)
	ConnClosed(*Conn)
}

// Conn drives the IRC protocol over one accepted socket: it frames the byte
// stream into lines, runs the authentication/capability handshake, classifies
// post-auth commands into events, and exposes the outbound encoder.
//
// All handler execution for a connection is sequential: Serve's goroutine
// processes inbound lines and timer-driven work (auth timeout, CAP END
// settling, liveness deadlines) from a single select, so no two dispatches
// on one connection ever overlap.
type Conn struct {
	id     string
	opts   Options
	notify Notifier
	conn   net.Conn

	events registry

	writeMu sync.Mutex
	writer  *bufio.Writer

	mu           sync.Mutex
	user         *UserInfo
	caps         map[string]struct{}
	mode         string
	lastPing     time.Time
	disconnected bool

	// Handshake state, meaningful only while user is nil. Discarded on the
	// authentication decision; never copied into the accepted UserInfo.
	candNick string
	candUser string
	candReal string
	candPass string
	candCaps map[string]struct{}
	capEnded bool

	authGen   uint64
	authTimer *time.Timer
	capTimer  *time.Timer

	work chan func()
	done chan struct{}

	closeReason string
}

// NewConn wraps an accepted transport in a protocol engine. notify may be
// nil when no external registry needs lifecycle notifications.
func NewConn(nc net.Conn, opts Options, notify Notifier) (*Conn, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Conn{
		id:     uuid.NewString(),
		opts:   opts,
		notify: notify,
		conn:   nc,
		writer: bufio.NewWriter(nc),
		work:   make(chan func()),
		done:   make(chan struct{}),
	}, nil
}

// Serve pumps the connection until the socket closes or the connection is
// forcibly ended. It blocks; callers run it on its own goroutine.
//
// Serve's goroutine is the connection's sole dispatcher. A reader goroutine
// feeds it framed lines while timer callbacks hand it work through enqueue,
// and a single select drains both, so a handler chain always runs to
// completion before the next one starts. The disconnect chain fires here as
// the loop winds down.
func (c *Conn) Serve() {
	defer func() {
		c.Close(c.opts.QuitMessage)
		c.finishClose()
	}()

	if c.notify != nil {
		c.notify.ConnAccepted(c)
	}
	c.dispatch(&Event{Kind: EventConnect})

	c.mu.Lock()
	c.armAuthTimerLocked()
	c.mu.Unlock()

	go c.pingLoop()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		reader := textproto.NewReader(bufio.NewReader(c.conn))
		for {
			line, err := reader.ReadLine()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case lines <- line:
			case <-c.done:
				return
			}
		}
	}()

	for {
		select {
		case line := <-lines:
			c.processLine(line)
		case fn := <-c.work:
			fn()
		case err := <-readErr:
			if err != io.EOF && !c.Disconnected() {
				c.dispatch(&Event{Kind: EventSocketError, Err: err})
			}
			return
		case <-c.done:
			return
		}
		if c.Disconnected() {
			return
		}
	}
}

// enqueue hands fn to Serve's select for execution on the connection's
// processing goroutine. Dropped once the connection has ended.
func (c *Conn) enqueue(fn func()) {
	select {
	case c.work <- fn:
	case <-c.done:
	}
}

// processLine runs one inbound line through the generic raw-line event, the
// parser, and the state machine.
func (c *Conn) processLine(raw string) {
	if c.opts.Debug {
		log.Printf("[%s] <= %s", c.shortID(), raw)
	}

	c.dispatch(&Event{Kind: EventRawLine, Raw: raw})

	p, err := ParseLine(raw)
	if err != nil {
		c.SendError("Malformed line received")
		return
	}

	if c.IsAuthenticated() {
		c.handleCommand(p)
	} else {
		c.handleHandshake(p)
	}
}

// handleHandshake accumulates candidate login fields while the connection is
// still authenticating. Each command idempotently overwrites its slot.
func (c *Conn) handleHandshake(p ParsedLine) {
	switch p.Name {
	case "PASS":
		c.mu.Lock()
		c.candPass = tokenOrContent(p)
		c.mu.Unlock()

	case "NICK":
		c.mu.Lock()
		c.candNick = firstToken(tokenOrContent(p))
		ready := c.candUser != "" && c.capsPresentLocked()
		c.mu.Unlock()
		if ready {
			c.evaluateLogin()
		}

	case "USER":
		c.mu.Lock()
		c.candUser = firstToken(p.Metadata)
		if c.candUser == "" {
			// Some clients send USER with no metadata run; fall back to the
			// candidate nick rather than rejecting outright.
			c.candUser = c.candNick
		}
		if p.HasContent {
			c.candReal = p.Content
		}
		c.mu.Unlock()

	case "CAP":
		c.handleCAP(p)

	case "QUIT":
		c.handleQuit(p)
	}
}

// handleCAP implements the IRCv3 negotiation subset the handshake honors:
// LS, REQ and END.
func (c *Conn) handleCAP(p ParsedLine) {
	switch strings.ToUpper(firstToken(p.Metadata)) {
	case "LS":
		c.sendServerMessage("CAP * LS", strings.Join(c.opts.Capabilities, " "))

	case "REQ":
		if !p.HasContent {
			c.SendError("Malformed line received")
			return
		}
		var accepted []string
		c.mu.Lock()
		if c.candCaps == nil {
			c.candCaps = make(map[string]struct{})
		}
		for _, name := range strings.Fields(p.Content) {
			if c.advertises(name) {
				c.candCaps[name] = struct{}{}
				accepted = append(accepted, name)
			}
		}
		c.mu.Unlock()
		c.sendServerMessage("CAP * ACK", strings.Join(accepted, " "))

	case "END":
		c.mu.Lock()
		c.capEnded = true
		if c.capTimer == nil {
			c.capTimer = time.AfterFunc(c.opts.CapEndDelay, func() {
				c.enqueue(func() {
					c.mu.Lock()
					c.capTimer = nil
					c.mu.Unlock()
					c.evaluateLogin()
				})
			})
		}
		c.mu.Unlock()
	}
}

// capsPresentLocked reports whether the candidate capability set exists: the
// client either closed negotiation with CAP END or established the set with
// at least one CAP REQ. Caller holds c.mu.
func (c *Conn) capsPresentLocked() bool {
	return c.capEnded || c.candCaps != nil
}

// evaluateLogin runs one auth attempt: it validates the candidate fields,
// cancels the pending auth timeout, and walks the login-attempt handlers
// until one of them settles the attempt. A handler that settles nothing
// leaves the connection authenticating with no timer beyond any already
// running one.
func (c *Conn) evaluateLogin() {
	c.mu.Lock()
	if c.disconnected || c.user != nil {
		c.mu.Unlock()
		return
	}
	if c.candNick == "" || c.candUser == "" || !c.capsPresentLocked() {
		c.mu.Unlock()
		c.SendError("Insufficient login information")
		c.Close("Insufficient login information")
		return
	}

	c.cancelAuthTimerLocked()

	user := &UserInfo{
		Nick:     c.candNick,
		Username: c.candUser,
		Realname: c.candReal,
		Hostname: c.opts.Hostname,
	}
	caps := make(map[string]struct{}, len(c.candCaps))
	for name := range c.candCaps {
		caps[name] = struct{}{}
	}
	attempt := &LoginAttempt{
		conn:     c,
		user:     user,
		caps:     caps,
		password: c.candPass,
	}
	password := c.candPass
	c.mu.Unlock()

	c.dispatch(&Event{
		Kind:     EventLoginAttempt,
		User:     user,
		Password: password,
		Login:    attempt,
	})
}

// LoginAttempt carries the terminal continuations of one auth attempt
// evaluation. Exactly one of Accept or Deny takes effect; later calls on a
// settled attempt are no-ops. Handlers may hold the attempt and settle it
// asynchronously.
type LoginAttempt struct {
	mu       sync.Mutex
	done     bool
	conn     *Conn
	user     *UserInfo
	caps     map[string]struct{}
	password string
}

// Decided reports whether Accept or Deny has been called.
func (a *LoginAttempt) Decided() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

func (a *LoginAttempt) settle() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done {
		return false
	}
	a.done = true
	return true
}

// Accept commits the proposed identity and capabilities, promotes the
// connection to authenticated, and dispatches the successful-login handlers.
// It deliberately sends no protocol confirmation; welcome/MOTD/mode replies
// are the host application's responsibility.
func (a *LoginAttempt) Accept() {
	if !a.settle() {
		return
	}
	c := a.conn

	c.mu.Lock()
	if c.disconnected || c.user != nil {
		c.mu.Unlock()
		return
	}
	c.user = a.user
	c.caps = a.caps
	c.candNick, c.candUser, c.candReal, c.candPass = "", "", "", ""
	c.candCaps = nil
	c.mu.Unlock()

	if c.notify != nil {
		c.notify.ConnAuthenticated(c)
	}
	c.dispatch(&Event{Kind: EventSuccessfulLogin, User: a.user, Password: a.password})
}

// Deny rejects the attempt, restarts the authentication timeout from zero,
// and dispatches the failed-login handlers. The candidate handshake fields
// survive unless the connection was configured to clear them, so a corrected
// retry need only resend what changed.
func (a *LoginAttempt) Deny(reason string) {
	if !a.settle() {
		return
	}
	c := a.conn

	c.mu.Lock()
	if c.disconnected || c.user != nil {
		c.mu.Unlock()
		return
	}
	if c.opts.ClearHandshakeOnDeny {
		c.candNick, c.candUser, c.candReal, c.candPass = "", "", "", ""
		c.candCaps = nil
		c.capEnded = false
	}
	c.armAuthTimerLocked()
	c.mu.Unlock()

	c.dispatch(&Event{Kind: EventFailedLogin, User: a.user, Password: a.password, Reason: reason})
}

// handleCommand maps one authenticated-state line to its event.
func (c *Conn) handleCommand(p ParsedLine) {
	switch p.Name {
	case "PING":
		data := tokenOrContent(p)
		c.touchPing()
		c.dispatch(&Event{Kind: EventPing, Message: data})
		c.sendServerMessage("PONG", data)

	case "JOIN":
		if p.Metadata != "" {
			c.dispatch(&Event{Kind: EventJoin, Channels: strings.Split(p.Metadata, ",")})
		}

	case "PART":
		e := &Event{Kind: EventPart, Channel: firstToken(p.Metadata)}
		if p.HasContent {
			e.Reason = p.Content
		}
		c.dispatch(e)

	case "MODE":
		c.handleMode(p)

	case "WHO":
		c.dispatch(&Event{Kind: EventChannelUsers, Channel: firstToken(p.Metadata)})

	case "PRIVMSG":
		target, text := p.Metadata, p.Content
		if !p.HasContent {
			// Legacy "PRIVMSG <target> <text>" framing without a colon.
			sp := strings.IndexByte(p.Metadata, ' ')
			if sp < 0 {
				return
			}
			target, text = p.Metadata[:sp], p.Metadata[sp+1:]
		}
		c.dispatch(&Event{Kind: EventChatMessage, Target: firstToken(target), Text: text})

	case "AWAY":
		if p.HasContent && p.Content != "" {
			c.dispatch(&Event{Kind: EventAway, Message: p.Content})
		} else {
			c.dispatch(&Event{Kind: EventBack})
		}

	case "ISON":
		nicks := strings.Fields(p.Metadata)
		if p.HasContent {
			nicks = append(nicks, strings.Fields(p.Content)...)
		}
		c.dispatch(&Event{Kind: EventOnlineCheck, Nicks: nicks})

	case "KICK":
		fields := strings.Fields(p.Metadata)
		if len(fields) < 2 {
			return
		}
		e := &Event{Kind: EventKick, Channel: fields[0], Nick: fields[1]}
		if p.HasContent {
			e.Reason = p.Content
		}
		c.dispatch(e)

	case "TOPIC":
		topic := p.Content
		if !p.HasContent {
			if sp := strings.IndexByte(p.Metadata, ' '); sp >= 0 {
				topic = p.Metadata[sp+1:]
			}
		}
		c.dispatch(&Event{Kind: EventTopicChange, Channel: firstToken(p.Metadata), Topic: topic})

	case "INVITE":
		fields := strings.Fields(p.Metadata)
		if len(fields) < 2 {
			return
		}
		c.dispatch(&Event{Kind: EventInvite, Nick: fields[0], Channel: fields[1]})

	case "QUIT":
		c.handleQuit(p)

	default:
		if c.opts.ReplyUnknownCommands {
			c.SendNumeric(ERR_UNKNOWNCOMMAND, p.Name+" :Unknown command")
		}
	}
}

// handleMode distinguishes the three MODE shapes by token count: a channel
// query, a channel mode delta, and a per-user mode delta.
func (c *Conn) handleMode(p ParsedLine) {
	fields := strings.Fields(p.Metadata)
	switch len(fields) {
	case 1:
		c.dispatch(&Event{Kind: EventChannelInfo, Channel: fields[0]})
	case 2:
		added, removed := ParseModeDelta(fields[1])
		c.dispatch(&Event{Kind: EventChanModeChange, Channel: fields[0], Added: added, Removed: removed})
	case 3:
		added, removed := ParseModeDelta(fields[1])
		c.dispatch(&Event{Kind: EventUserModeChange, Channel: fields[0], Nick: fields[2], Added: added, Removed: removed})
	}
}

// handleQuit short-circuits everything else, in both macro-states.
func (c *Conn) handleQuit(p ParsedLine) {
	message := c.opts.QuitMessage
	if p.HasContent && p.Content != "" {
		message = p.Content
	}
	c.dispatch(&Event{Kind: EventQuit, Message: message})
	c.Close(message)
}

// armAuthTimerLocked (re)starts the authentication timeout. Caller holds c.mu.
func (c *Conn) armAuthTimerLocked() {
	c.authGen++
	gen := c.authGen
	if c.authTimer != nil {
		c.authTimer.Stop()
	}
	c.authTimer = time.AfterFunc(c.opts.AuthTimeout, func() { c.authTimedOut(gen) })
}

// cancelAuthTimerLocked stops the authentication timeout. Caller holds c.mu.
func (c *Conn) cancelAuthTimerLocked() {
	c.authGen++
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
}

func (c *Conn) authTimedOut(gen uint64) {
	c.enqueue(func() {
		c.mu.Lock()
		if gen != c.authGen || c.disconnected || c.user != nil {
			c.mu.Unlock()
			return
		}
		c.authTimer = nil
		c.mu.Unlock()

		c.dispatch(&Event{Kind: EventAuthTimeout})
		c.SendError("Authentication timeout")
		c.Close("Authentication timeout")
	})
}

// Close force-ends the connection: it tears down the timers, marks the
// connection terminal, and closes the transport. Safe from any goroutine and
// idempotent. The disconnect chain and the registry notification run exactly
// once, on the processing goroutine as Serve winds down, so they never
// overlap a handler already in flight.
func (c *Conn) Close(reason string) {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return
	}
	c.disconnected = true
	c.closeReason = reason
	c.cancelAuthTimerLocked()
	if c.capTimer != nil {
		c.capTimer.Stop()
		c.capTimer = nil
	}
	close(c.done)
	c.mu.Unlock()

	c.conn.Close()
}

// finishClose fires the disconnect chain, once, from Serve's teardown.
func (c *Conn) finishClose() {
	c.mu.Lock()
	reason := c.closeReason
	c.mu.Unlock()

	c.dispatch(&Event{Kind: EventDisconnect, Reason: reason})
	if c.notify != nil {
		c.notify.ConnClosed(c)
	}
}

func (c *Conn) touchPing() {
	c.mu.Lock()
	c.lastPing = time.Now()
	c.mu.Unlock()
}

// tokenOrContent favors the metadata run of a line and falls back to its
// trailing content, covering commands that accept either framing.
func tokenOrContent(p ParsedLine) string {
	if p.Metadata != "" {
		return p.Metadata
	}
	return p.Content
}
