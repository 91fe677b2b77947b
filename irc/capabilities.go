package irc

import "sort"

// IRCv3 capabilities advertised by default. The set is fixed per server
// instance; clients negotiate a subset of it during the handshake.
const (
	CapServerTime      = "server-time"
	CapAwayNotify      = "away-notify"
	CapChgHost         = "chghost"
	CapInviteNotify    = "invite-notify"
	CapMultiPrefix     = "multi-prefix"
	CapUserhostInNames = "userhost-in-names"
)

// DefaultCapabilities returns the capability list advertised when the
// configuration does not override it.
func DefaultCapabilities() []string {
	return []string{
		CapServerTime,
		CapAwayNotify,
		CapChgHost,
		CapInviteNotify,
		CapMultiPrefix,
		CapUserhostInNames,
	}
}

// HasCapability reports whether the connection negotiated the named
// capability. Always false before authentication.
func (c *Conn) HasCapability(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.caps[name]
	return ok
}

// Capabilities returns the acknowledged capability set, sorted.
func (c *Conn) Capabilities() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.caps))
	for name := range c.caps {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// advertises reports whether the server offers the named capability. The
// advertised list is immutable per connection, so no lock is needed.
func (c *Conn) advertises(name string) bool {
	for _, adv := range c.opts.Capabilities {
		if adv == name {
			return true
		}
	}
	return false
}
