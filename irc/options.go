package irc

import (
	"fmt"
	"time"
)

// Defaults applied by Options.withDefaults.
const (
	DefaultAuthTimeout = 10 * time.Second
	DefaultPingPeriod  = 10 * time.Second
	DefaultCapEndDelay = 50 * time.Millisecond
	DefaultQuitMessage = "Client quit"
)

// Options configures a single connection's protocol engine. The zero value
// is not usable; Hostname is required and everything else falls back to the
// documented defaults.
type Options struct {
	// Hostname is the cosmetic server name used as the prefix of
	// server-originated lines.
	Hostname string

	// AuthTimeout bounds the handshake. It is armed when the connection is
	// created, cancelled when an auth attempt evaluation begins, and re-armed
	// from zero whenever a login attempt is denied.
	AuthTimeout time.Duration

	// CapEndDelay is the settling delay between CAP END and the auth attempt
	// evaluation it triggers, absorbing out-of-order NICK/USER/CAP arrival.
	CapEndDelay time.Duration

	// PingPeriod is the interval between unsolicited liveness PINGs.
	PingPeriod time.Duration

	// PongTimeout bounds the wait for a matching PONG after each liveness
	// PING. Zero disables the bound and leaves the wait open-ended.
	PongTimeout time.Duration

	// Capabilities is the advertised IRCv3 capability list.
	Capabilities []string

	// ClearHandshakeOnDeny discards the candidate nick/user/password after a
	// denied login attempt, forcing a full NICK/USER redo. The default keeps
	// them, permitting a lighter retry where only PASS changes.
	ClearHandshakeOnDeny bool

	// ReplyUnknownCommands answers unmatched post-auth commands with a 421
	// numeric instead of ignoring them.
	ReplyUnknownCommands bool

	// QuitMessage is the disconnect reason used when none is supplied.
	QuitMessage string

	// Debug logs every inbound and outbound line.
	Debug bool
}

func (o Options) withDefaults() Options {
	if o.AuthTimeout == 0 {
		o.AuthTimeout = DefaultAuthTimeout
	}
	if o.CapEndDelay == 0 {
		o.CapEndDelay = DefaultCapEndDelay
	}
	if o.PingPeriod == 0 {
		o.PingPeriod = DefaultPingPeriod
	}
	if o.Capabilities == nil {
		o.Capabilities = DefaultCapabilities()
	}
	if o.QuitMessage == "" {
		o.QuitMessage = DefaultQuitMessage
	}
	return o
}

// Validate reports whether the options describe a usable connection engine.
func (o Options) Validate() error {
	if o.Hostname == "" {
		return fmt.Errorf("irc: options: hostname is required")
	}
	if o.AuthTimeout < 0 || o.CapEndDelay < 0 || o.PingPeriod < 0 || o.PongTimeout < 0 {
		return fmt.Errorf("irc: options: durations must not be negative")
	}
	return nil
}
