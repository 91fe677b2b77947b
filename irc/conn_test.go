package irc

import (
	"bufio"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingNotifier records lifecycle transitions on buffered channels so
// tests can await them.
type recordingNotifier struct {
	accepted chan *Conn
	authed   chan *Conn
	closed   chan *Conn
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{
		accepted: make(chan *Conn, 4),
		authed:   make(chan *Conn, 4),
		closed:   make(chan *Conn, 4),
	}
}

func (n *recordingNotifier) ConnAccepted(c *Conn)      { n.accepted <- c }
func (n *recordingNotifier) ConnAuthenticated(c *Conn) { n.authed <- c }
func (n *recordingNotifier) ConnClosed(c *Conn)        { n.closed <- c }

// harness drives one engine over an in-memory pipe. Tests register handlers
// on harness.conn before calling serve.
type harness struct {
	t      *testing.T
	conn   *Conn
	notify *recordingNotifier
	client net.Conn
	lines  chan string
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	client, srvSide := net.Pipe()
	notify := newRecordingNotifier()
	c, err := NewConn(srvSide, opts, notify)
	require.NoError(t, err)

	h := &harness{t: t, conn: c, notify: notify, client: client, lines: make(chan string, 64)}
	go func() {
		scanner := bufio.NewScanner(client)
		for scanner.Scan() {
			h.lines <- scanner.Text()
		}
		close(h.lines)
	}()
	t.Cleanup(func() {
		client.Close()
		c.Close("test over")
	})
	return h
}

func testOptions() Options {
	return Options{
		Hostname:    "irc.test",
		AuthTimeout: 2 * time.Second,
		CapEndDelay: 10 * time.Millisecond,
		PingPeriod:  time.Hour, // out of the way unless a test wants it
	}
}

func (h *harness) serve() { go h.conn.Serve() }

func (h *harness) send(line string) {
	h.t.Helper()
	h.client.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err := h.client.Write([]byte(line + "\r\n"))
	require.NoError(h.t, err, "writing %q", line)
}

// expect reads lines until one contains substr, failing on timeout or EOF.
func (h *harness) expect(substr string) string {
	h.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case line, ok := <-h.lines:
			require.True(h.t, ok, "connection closed while awaiting %q", substr)
			if strings.Contains(line, substr) {
				return line
			}
		case <-deadline:
			h.t.Fatalf("timed out awaiting %q", substr)
			return ""
		}
	}
}

// expectClosed waits for the peer side of the pipe to close.
func (h *harness) expectClosed() {
	h.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-h.lines:
			if !ok {
				return
			}
		case <-deadline:
			h.t.Fatal("connection still open")
			return
		}
	}
}

// acceptAll registers a login-attempt handler that accepts every attempt and
// returns a channel of the attempts it saw.
func (h *harness) acceptAll() <-chan Event {
	attempts := make(chan Event, 4)
	h.conn.Handle(EventLoginAttempt, func(e *Event) {
		attempts <- *e
		e.Login.Accept()
	})
	return attempts
}

// login drives the standard handshake through to acceptance.
func (h *harness) login(nick string) {
	h.t.Helper()
	h.acceptAll()
	h.serve()
	h.send("NICK " + nick)
	h.send("USER " + nick + " 0 * :" + nick)
	h.send("CAP END")
	select {
	case <-h.notify.authed:
	case <-time.After(2 * time.Second):
		h.t.Fatal("login did not complete")
	}
}

func awaitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out awaiting event")
		return Event{}
	}
}

func TestHandshakeFullNegotiation(t *testing.T) {
	h := newHarness(t, testOptions())
	attempts := h.acceptAll()
	h.serve()

	h.send("CAP LS 302")
	ls := h.expect("CAP * LS")
	assert.Contains(t, ls, CapServerTime)
	assert.Contains(t, ls, CapAwayNotify)

	h.send("CAP REQ :server-time bogus-cap")
	ack := h.expect("CAP * ACK")
	assert.Contains(t, ack, "server-time")
	assert.NotContains(t, ack, "bogus-cap")

	h.send("PASS test")
	h.send("NICK alice")
	h.send("USER alice 0 * :Alice")
	h.send("CAP END")

	e := awaitEvent(t, attempts)
	require.NotNil(t, e.User)
	assert.Equal(t, "alice", e.User.Nick)
	assert.Equal(t, "alice", e.User.Username)
	assert.Equal(t, "Alice", e.User.Realname)
	assert.Equal(t, "irc.test", e.User.Hostname)
	assert.Equal(t, "test", e.Password)

	select {
	case <-h.notify.authed:
	case <-time.After(2 * time.Second):
		t.Fatal("no authenticated notification")
	}
	assert.True(t, h.conn.IsAuthenticated())
	assert.Equal(t, "alice", h.conn.Nick())
	assert.True(t, h.conn.HasCapability(CapServerTime))
	assert.Equal(t, []string{CapServerTime}, h.conn.Capabilities())
}

func TestHandshakeBareCapEnd(t *testing.T) {
	h := newHarness(t, testOptions())
	attempts := h.acceptAll()
	h.serve()

	h.send("PASS test")
	h.send("NICK alice")
	h.send("USER alice 0 * :Alice")
	h.send("CAP END")

	e := awaitEvent(t, attempts)
	assert.Equal(t, "alice", e.User.Nick)
	assert.Equal(t, "test", e.Password)

	select {
	case <-h.notify.authed:
	case <-time.After(2 * time.Second):
		t.Fatal("no authenticated notification")
	}
	assert.Empty(t, h.conn.Capabilities(), "no CAP REQ means no negotiated capabilities")
}

func TestHandshakeNickArrivingLastTriggersEvaluation(t *testing.T) {
	h := newHarness(t, testOptions())
	attempts := h.acceptAll()
	h.serve()

	h.send("CAP END")
	h.send("USER bob 0 * :Bob")
	h.send("NICK bob")

	e := awaitEvent(t, attempts)
	assert.Equal(t, "bob", e.User.Nick)
	assert.Equal(t, "bob", e.User.Username)
}

func TestHandshakeCapReqEstablishesCapabilitySet(t *testing.T) {
	h := newHarness(t, testOptions())
	attempts := h.acceptAll()
	h.serve()

	// CAP REQ creates the capability set; no CAP END is needed once NICK
	// and USER are both in.
	h.send("CAP REQ :server-time")
	h.expect("CAP * ACK")
	h.send("USER alice 0 * :Alice")
	h.send("NICK alice")

	e := awaitEvent(t, attempts)
	assert.Equal(t, "alice", e.User.Nick)

	select {
	case <-h.notify.authed:
	case <-time.After(2 * time.Second):
		t.Fatal("login did not complete")
	}
	assert.True(t, h.conn.HasCapability(CapServerTime))
}

func TestHandshakeInsufficientInformation(t *testing.T) {
	h := newHarness(t, testOptions())
	h.serve()

	h.send("CAP END")
	h.expect("ERROR :Insufficient login information")
	h.expectClosed()
}

func TestHandshakeUserWithoutMetadataFallsBackToNick(t *testing.T) {
	h := newHarness(t, testOptions())
	attempts := h.acceptAll()
	h.serve()

	h.send("NICK carol")
	h.send("USER :Carol Real")
	h.send("CAP END")

	e := awaitEvent(t, attempts)
	assert.Equal(t, "carol", e.User.Username)
	assert.Equal(t, "Carol Real", e.User.Realname)
}

func TestMalformedLinesKeepConnectionOpen(t *testing.T) {
	h := newHarness(t, testOptions())
	h.serve()

	h.send("")
	h.expect("ERROR :Malformed line received")

	h.send("CAP REQ")
	h.expect("ERROR :Malformed line received")

	// still alive and negotiating
	h.send("CAP LS")
	h.expect("CAP * LS")
}

func TestAuthTimeout(t *testing.T) {
	opts := testOptions()
	opts.AuthTimeout = 30 * time.Millisecond
	h := newHarness(t, opts)

	timeouts := make(chan Event, 4)
	h.conn.Handle(EventAuthTimeout, func(e *Event) { timeouts <- *e })
	h.serve()

	awaitEvent(t, timeouts)
	h.expect("ERROR :Authentication timeout")
	h.expectClosed()

	select {
	case <-h.notify.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("no closed notification")
	}
	select {
	case c := <-h.notify.closed:
		t.Fatalf("second closed notification for %s", c.ID())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTimerDispatchSerializesWithLineProcessing(t *testing.T) {
	h := newHarness(t, testOptions())

	var inLogin, overlapped atomic.Bool
	h.conn.Handle(EventRawLine, func(e *Event) {
		if inLogin.Load() {
			overlapped.Store(true)
		}
	})
	pings := make(chan Event, 4)
	h.conn.Handle(EventPing, func(e *Event) { pings <- *e })

	started := make(chan struct{})
	release := make(chan struct{})
	h.conn.Handle(EventLoginAttempt, func(e *Event) {
		inLogin.Store(true)
		close(started)
		<-release
		inLogin.Store(false)
		e.Login.Accept()
	})
	h.serve()

	// CAP END arriving last keeps the nick path from evaluating, so the
	// attempt fires through the settling timer's handoff.
	h.send("USER alice 0 * :Alice")
	h.send("NICK alice")
	h.send("CAP END")

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("login attempt never started")
	}

	// a line arriving while the login-attempt handler is in flight must
	// wait its turn
	h.send("PING x")
	time.Sleep(50 * time.Millisecond)
	assert.False(t, overlapped.Load(), "line dispatched during a timer-driven handler")
	close(release)

	awaitEvent(t, pings)
	h.expect("PONG")
	assert.False(t, overlapped.Load())
}

func TestDenyKeepsCandidatesAndReArmsTimer(t *testing.T) {
	h := newHarness(t, testOptions())

	attempts := make(chan Event, 4)
	decisions := []string{"deny", "accept"}
	h.conn.Handle(EventLoginAttempt, func(e *Event) {
		attempts <- *e
		d := decisions[0]
		decisions = decisions[1:]
		if d == "deny" {
			e.Login.Deny("not yet")
		} else {
			e.Login.Accept()
		}
	})
	failed := make(chan Event, 4)
	h.conn.Handle(EventFailedLogin, func(e *Event) { failed <- *e })
	h.serve()

	h.send("PASS hunter2")
	h.send("NICK alice")
	h.send("USER alice 0 * :Alice")
	h.send("CAP END")

	awaitEvent(t, attempts)
	f := awaitEvent(t, failed)
	assert.Equal(t, "not yet", f.Reason)
	assert.False(t, h.conn.IsAuthenticated())

	// evaluation cancels the auth timer; the deny must have re-armed it
	h.conn.mu.Lock()
	rearmed := h.conn.authTimer != nil
	h.conn.mu.Unlock()
	assert.True(t, rearmed, "deny should re-arm the authentication timeout")

	// candidates survive a deny; resending NICK alone re-triggers evaluation
	h.send("NICK alice")
	e := awaitEvent(t, attempts)
	assert.Equal(t, "hunter2", e.Password, "password candidate should survive the deny")

	select {
	case <-h.notify.authed:
	case <-time.After(2 * time.Second):
		t.Fatal("retry was not accepted")
	}
}

func TestClearHandshakeOnDeny(t *testing.T) {
	opts := testOptions()
	opts.ClearHandshakeOnDeny = true
	opts.AuthTimeout = 50 * time.Millisecond
	h := newHarness(t, opts)

	h.conn.Handle(EventLoginAttempt, func(e *Event) { e.Login.Deny("bad password") })
	h.serve()

	h.send("PASS wrong")
	h.send("NICK alice")
	h.send("USER alice 0 * :Alice")
	h.send("CAP END")

	// with candidates cleared nothing can re-trigger, so the re-armed
	// timeout ends the connection
	h.expect("ERROR :Authentication timeout")
	h.expectClosed()
}

func TestJoinMultipleChannels(t *testing.T) {
	h := newHarness(t, testOptions())
	joins := make(chan Event, 4)
	h.conn.Handle(EventJoin, func(e *Event) { joins <- *e })
	h.login("alice")

	h.send("JOIN #a,#b")
	e := awaitEvent(t, joins)
	assert.Equal(t, []string{"#a", "#b"}, e.Channels)
}

func TestJoinWithoutChannelsDispatchesNothing(t *testing.T) {
	h := newHarness(t, testOptions())
	joins := make(chan Event, 4)
	h.conn.Handle(EventJoin, func(e *Event) { joins <- *e })
	h.login("alice")

	h.send("JOIN")
	h.send("JOIN #a")
	e := awaitEvent(t, joins)
	assert.Equal(t, []string{"#a"}, e.Channels, "bare JOIN should not dispatch a join")
}

func TestCommandEvents(t *testing.T) {
	h := newHarness(t, testOptions())

	events := make(chan Event, 16)
	for _, kind := range []EventKind{
		EventPart, EventChatMessage, EventAway, EventBack, EventOnlineCheck,
		EventKick, EventTopicChange, EventInvite, EventChannelInfo,
		EventChannelUsers, EventChanModeChange, EventUserModeChange,
	} {
		h.conn.Handle(kind, func(e *Event) { events <- *e })
	}
	h.login("alice")

	h.send("PART #go :gone")
	e := awaitEvent(t, events)
	assert.Equal(t, EventPart, e.Kind)
	assert.Equal(t, "#go", e.Channel)
	assert.Equal(t, "gone", e.Reason)

	h.send("PRIVMSG #go :hello")
	e = awaitEvent(t, events)
	assert.Equal(t, EventChatMessage, e.Kind)
	assert.Equal(t, "#go", e.Target)
	assert.Equal(t, "hello", e.Text)

	h.send("PRIVMSG bob no colon framing")
	e = awaitEvent(t, events)
	assert.Equal(t, EventChatMessage, e.Kind)
	assert.Equal(t, "bob", e.Target)
	assert.Equal(t, "no colon framing", e.Text)

	h.send("AWAY :lunch")
	e = awaitEvent(t, events)
	assert.Equal(t, EventAway, e.Kind)
	assert.Equal(t, "lunch", e.Message)

	h.send("AWAY")
	e = awaitEvent(t, events)
	assert.Equal(t, EventBack, e.Kind)

	h.send("ISON bob carol")
	e = awaitEvent(t, events)
	assert.Equal(t, EventOnlineCheck, e.Kind)
	assert.Equal(t, []string{"bob", "carol"}, e.Nicks)

	h.send("KICK #go bob :flooding")
	e = awaitEvent(t, events)
	assert.Equal(t, EventKick, e.Kind)
	assert.Equal(t, "#go", e.Channel)
	assert.Equal(t, "bob", e.Nick)
	assert.Equal(t, "flooding", e.Reason)

	h.send("TOPIC #go :new topic")
	e = awaitEvent(t, events)
	assert.Equal(t, EventTopicChange, e.Kind)
	assert.Equal(t, "new topic", e.Topic)

	h.send("INVITE bob #go")
	e = awaitEvent(t, events)
	assert.Equal(t, EventInvite, e.Kind)
	assert.Equal(t, "bob", e.Nick)
	assert.Equal(t, "#go", e.Channel)

	h.send("MODE #go")
	e = awaitEvent(t, events)
	assert.Equal(t, EventChannelInfo, e.Kind)
	assert.Equal(t, "#go", e.Channel)

	h.send("WHO #go")
	e = awaitEvent(t, events)
	assert.Equal(t, EventChannelUsers, e.Kind)
	assert.Equal(t, "#go", e.Channel)

	h.send("MODE #go +is")
	e = awaitEvent(t, events)
	assert.Equal(t, EventChanModeChange, e.Kind)
	assert.Equal(t, []rune{'i', 's'}, e.Added)
	assert.Empty(t, e.Removed)

	h.send("MODE #go -o bob")
	e = awaitEvent(t, events)
	assert.Equal(t, EventUserModeChange, e.Kind)
	assert.Equal(t, "bob", e.Nick)
	assert.Equal(t, []rune{'o'}, e.Removed)
}

func TestClientPingGetsPong(t *testing.T) {
	h := newHarness(t, testOptions())
	h.login("alice")

	h.send("PING 12345")
	assert.Equal(t, ":irc.test PONG :12345", h.expect("PONG"))
	assert.False(t, h.conn.LastPing().IsZero())
}

func TestQuitEndsConnection(t *testing.T) {
	h := newHarness(t, testOptions())
	quits := make(chan Event, 4)
	disconnects := make(chan Event, 4)
	h.conn.Handle(EventQuit, func(e *Event) { quits <- *e })
	h.conn.Handle(EventDisconnect, func(e *Event) { disconnects <- *e })
	h.login("alice")

	h.send("QUIT :bye now")
	e := awaitEvent(t, quits)
	assert.Equal(t, "bye now", e.Message)
	e = awaitEvent(t, disconnects)
	assert.Equal(t, "bye now", e.Reason)
	h.expectClosed()
}

func TestUnknownCommandReply(t *testing.T) {
	opts := testOptions()
	opts.ReplyUnknownCommands = true
	h := newHarness(t, opts)
	h.login("alice")

	h.send("BOGUS thing")
	assert.Equal(t, ":irc.test 421 alice BOGUS :Unknown command", h.expect("421"))
}

func TestLivenessPingPong(t *testing.T) {
	opts := testOptions()
	opts.PingPeriod = 20 * time.Millisecond
	h := newHarness(t, opts)
	h.login("alice")

	line := h.expect("PING :")
	token := strings.TrimPrefix(line, "PING :")
	h.send("PONG :" + token)

	require.Eventually(t, func() bool {
		return !h.conn.LastPing().IsZero()
	}, 2*time.Second, 5*time.Millisecond, "PONG should refresh liveness")
}

func TestPongTimeout(t *testing.T) {
	opts := testOptions()
	opts.PingPeriod = 20 * time.Millisecond
	opts.PongTimeout = 30 * time.Millisecond
	h := newHarness(t, opts)
	h.login("alice")

	h.expect("PING :")
	h.expect("ERROR :Ping timeout")
	h.expectClosed()
}
