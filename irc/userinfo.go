package irc

// UserInfo describes an identified IRC user. A connection owns exactly one
// UserInfo once authenticated; copies by value are used when describing other
// users to a peer (channel rosters, chat relays) and are snapshots, not live
// references.
type UserInfo struct {
	Nick     string
	Username string
	Realname string
	Hostname string // cosmetic, may be overridden by the host application
	Status   string // presence/role prefix characters, e.g. "@" or "+"
}

// Prefix returns the wire prefix for lines acting as this user.
func (u UserInfo) Prefix() string {
	return u.Nick + "!~u@" + u.Hostname
}
