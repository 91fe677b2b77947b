package irc

import (
	"net"
	"time"
)

// ID returns the connection's stable identifier.
func (c *Conn) ID() string { return c.id }

func (c *Conn) shortID() string {
	if len(c.id) >= 8 {
		return c.id[:8]
	}
	return c.id
}

// RemoteAddr returns the transport's remote address.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// IsAuthenticated reports whether a login attempt has been accepted.
func (c *Conn) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user != nil
}

// User returns the connection's identity, nil until authenticated. The
// pointer stays owned by the connection; hosts mutate it to rename or
// restyle the user and copy it by value when describing the user to peers.
func (c *Conn) User() *UserInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// Nick returns the authenticated nick, or the candidate nick while the
// handshake is still in progress.
func (c *Conn) Nick() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user != nil {
		return c.user.Nick
	}
	return c.candNick
}

// SetNick renames an authenticated user. It is a no-op before login.
func (c *Conn) SetNick(nick string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user != nil {
		c.user.Nick = nick
	}
}

// Mode returns the current user mode string.
func (c *Conn) Mode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetMode replaces the user mode string.
func (c *Conn) SetMode(mode string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = mode
}

// LastPing returns when liveness traffic was last observed; zero when no
// ping has completed yet.
func (c *Conn) LastPing() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPing
}

// Disconnected reports whether the connection has been torn down. It is
// monotonic: once true it never reverts.
func (c *Conn) Disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}
