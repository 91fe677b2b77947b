package irc

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// ErrConnClosed is returned by strict sends on an already-ended connection.
var ErrConnClosed = errors.New("irc: connection closed")

// serverTimeLayout is the IRCv3 server-time timestamp format.
const serverTimeLayout = "2006-01-02T15:04:05.000Z"

// chatLineLimit is the hard wrap applied to chat message payloads.
const chatLineLimit = 512

// namesBatchSize is how many users one roster reply line carries.
const namesBatchSize = 3

type sendOpts struct {
	strict bool
	noTime bool
	at     time.Time
}

// SendOption adjusts how one outbound operation behaves.
type SendOption func(*sendOpts)

// SendStrict makes writes to an already-disconnected connection fail with
// ErrConnClosed instead of logging and dropping them.
func SendStrict() SendOption { return func(o *sendOpts) { o.strict = true } }

// SendNoTime suppresses the server-time tag on connections that negotiated
// the capability.
func SendNoTime() SendOption { return func(o *sendOpts) { o.noTime = true } }

// SendAt stamps the line with a historical server-time timestamp instead of
// the current send time, for replaying chat history.
func SendAt(t time.Time) SendOption { return func(o *sendOpts) { o.at = t } }

func buildSendOpts(opts []SendOption) sendOpts {
	var o sendOpts
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// sendLine writes one complete wire line, tagging it with server-time when
// the connection negotiated that capability, and awaits the flush.
func (c *Conn) sendLine(line string, o sendOpts) error {
	if c.Disconnected() {
		if o.strict {
			return ErrConnClosed
		}
		log.Printf("[%s] dropped write to closed connection: %s", c.shortID(), line)
		return nil
	}

	if c.HasCapability(CapServerTime) && !o.noTime {
		at := o.at
		if at.IsZero() {
			at = time.Now()
		}
		line = "@time=" + at.UTC().Format(serverTimeLayout) + " " + line
	}

	if c.opts.Debug {
		log.Printf("[%s] => %s", c.shortID(), line)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.writer.WriteString(line + "\r\n"); err != nil {
		return fmt.Errorf("irc: write: %w", err)
	}
	if err := c.writer.Flush(); err != nil {
		return fmt.Errorf("irc: flush: %w", err)
	}
	return nil
}

// SendRaw writes line verbatim (plus framing and any server-time tag).
func (c *Conn) SendRaw(line string, opts ...SendOption) error {
	return c.sendLine(line, buildSendOpts(opts))
}

// serverMessage formats a server-originated line: ":<hostname> <metadata>"
// with an optional trailing " :<content>".
func (c *Conn) serverMessage(metadata, content string, o sendOpts) error {
	line := ":" + c.opts.Hostname + " " + metadata
	if content != "" {
		line += " :" + content
	}
	return c.sendLine(line, o)
}

func (c *Conn) sendServerMessage(metadata, content string, opts ...SendOption) error {
	return c.serverMessage(metadata, content, buildSendOpts(opts))
}

// userPrefix formats the acting-user prefix, substituting the server's
// hostname when the user carries none.
func (c *Conn) userPrefix(u UserInfo) string {
	if u.Hostname == "" {
		u.Hostname = c.opts.Hostname
	}
	return u.Prefix()
}

// userMessage formats a user-action line: ":<nick>!~u@<hostname> <rest>".
func (c *Conn) userMessage(u UserInfo, rest string, o sendOpts) error {
	return c.sendLine(":"+c.userPrefix(u)+" "+rest, o)
}

// SendNumeric sends one numeric reply addressed to this connection's nick,
// or "*" while no nick is known yet.
func (c *Conn) SendNumeric(code int, text string, opts ...SendOption) error {
	nick := c.Nick()
	if nick == "" {
		nick = "*"
	}
	return c.sendServerMessage(fmt.Sprintf("%03d %s %s", code, nick, text), "", opts...)
}

// SendError sends an ERROR line per non-empty segment of text. Clients see
// these immediately before forced disconnects.
func (c *Conn) SendError(text string, opts ...SendOption) error {
	o := buildSendOpts(opts)
	for _, segment := range splitSegments(text) {
		if err := c.sendLine("ERROR :"+segment, o); err != nil {
			return err
		}
	}
	return nil
}

// SendNotice sends a server notice, one wire line per non-empty segment.
func (c *Conn) SendNotice(text string, opts ...SendOption) error {
	o := buildSendOpts(opts)
	nick := c.Nick()
	if nick == "" {
		nick = "*"
	}
	for _, segment := range splitSegments(text) {
		if err := c.serverMessage("NOTICE "+nick, segment, o); err != nil {
			return err
		}
	}
	return nil
}

// SendPing sends an unsolicited server PING carrying data as its token.
func (c *Conn) SendPing(data string, opts ...SendOption) error {
	return c.sendLine("PING :"+data, buildSendOpts(opts))
}

// SendChat relays one chat message from a user to a target. Embedded
// newlines split the message into separate wire lines (empty segments drop);
// each segment is additionally hard-wrapped at 512 characters, every
// fragment reusing the same sender prefix and target.
func (c *Conn) SendChat(from UserInfo, target, text string, opts ...SendOption) error {
	o := buildSendOpts(opts)
	prefix := "PRIVMSG " + target + " :"
	for _, segment := range splitSegments(text) {
		for _, chunk := range chunkString(segment, chatLineLimit) {
			if err := c.userMessage(from, prefix+chunk, o); err != nil {
				return err
			}
		}
	}
	return nil
}

// SendJoin announces a user joining a channel.
func (c *Conn) SendJoin(user UserInfo, channel string, opts ...SendOption) error {
	return c.userMessage(user, "JOIN "+channel, buildSendOpts(opts))
}

// SendPart announces a user leaving a channel.
func (c *Conn) SendPart(user UserInfo, channel, reason string, opts ...SendOption) error {
	rest := "PART " + channel
	if reason != "" {
		rest += " :" + reason
	}
	return c.userMessage(user, rest, buildSendOpts(opts))
}

// SendQuit announces a user quitting to a peer that shared a channel.
func (c *Conn) SendQuit(user UserInfo, reason string, opts ...SendOption) error {
	rest := "QUIT"
	if reason != "" {
		rest += " :" + reason
	}
	return c.userMessage(user, rest, buildSendOpts(opts))
}

// SendKick announces a kick performed by a user.
func (c *Conn) SendKick(by UserInfo, channel, nick, reason string, opts ...SendOption) error {
	rest := "KICK " + channel + " " + nick
	if reason != "" {
		rest += " :" + reason
	}
	return c.userMessage(by, rest, buildSendOpts(opts))
}

// SendTopic announces a topic change.
func (c *Conn) SendTopic(by UserInfo, channel, topic string, opts ...SendOption) error {
	return c.userMessage(by, "TOPIC "+channel+" :"+topic, buildSendOpts(opts))
}

// SendInvite announces an invitation (invite-notify).
func (c *Conn) SendInvite(by UserInfo, nick, channel string, opts ...SendOption) error {
	return c.userMessage(by, "INVITE "+nick+" :"+channel, buildSendOpts(opts))
}

// SendNickChange announces a user renaming themselves.
func (c *Conn) SendNickChange(user UserInfo, newNick string, opts ...SendOption) error {
	return c.userMessage(user, "NICK :"+newNick, buildSendOpts(opts))
}

// SendModeChange announces a mode delta applied by a user.
func (c *Conn) SendModeChange(by UserInfo, target, delta string, opts ...SendOption) error {
	return c.userMessage(by, "MODE "+target+" "+delta, buildSendOpts(opts))
}

// SendAway announces a user's away state (away-notify). An empty message
// marks the user as back.
func (c *Conn) SendAway(user UserInfo, message string, opts ...SendOption) error {
	rest := "AWAY"
	if message != "" {
		rest += " :" + message
	}
	return c.userMessage(user, rest, buildSendOpts(opts))
}

// SendChangeHost announces a user/host change (chghost).
func (c *Conn) SendChangeHost(user UserInfo, newUser, newHost string, opts ...SendOption) error {
	return c.userMessage(user, "CHGHOST "+newUser+" "+newHost, buildSendOpts(opts))
}

// SendWelcome sends the fixed 001–004 registration block for network.
func (c *Conn) SendWelcome(network string, opts ...SendOption) error {
	u := c.User()
	if u == nil {
		return fmt.Errorf("irc: welcome before authentication")
	}
	lines := []struct {
		code int
		text string
	}{
		{RPL_WELCOME, fmt.Sprintf(":Welcome to the %s IRC Network %s!%s@%s", network, u.Nick, u.Username, u.Hostname)},
		{RPL_YOURHOST, fmt.Sprintf(":Your host is %s, running version ircserve-1.0", c.opts.Hostname)},
		{RPL_CREATED, fmt.Sprintf(":This server was created %s", time.Now().Format(time.RFC1123))},
		{RPL_MYINFO, fmt.Sprintf("%s ircserve-1.0 o o", c.opts.Hostname)},
	}
	for _, l := range lines {
		if err := c.SendNumeric(l.code, l.text, opts...); err != nil {
			return err
		}
	}
	return nil
}

// SendMotd sends the MOTD block, one 372 per non-empty segment of motd.
func (c *Conn) SendMotd(motd string, opts ...SendOption) error {
	if err := c.SendNumeric(RPL_MOTDSTART, fmt.Sprintf(":- %s Message of the Day -", c.opts.Hostname), opts...); err != nil {
		return err
	}
	for _, segment := range splitSegments(motd) {
		if err := c.SendNumeric(RPL_MOTD, ":- "+segment, opts...); err != nil {
			return err
		}
	}
	return c.SendNumeric(RPL_ENDOFMOTD, ":End of MOTD command", opts...)
}

// SendNickTaken reports a nick collision.
func (c *Conn) SendNickTaken(nick string, opts ...SendOption) error {
	return c.SendNumeric(ERR_NICKNAMEINUSE, nick+" :Nickname is already in use", opts...)
}

// SendNoSuchNick reports an unknown nick or channel target.
func (c *Conn) SendNoSuchNick(nick string, opts ...SendOption) error {
	return c.SendNumeric(ERR_NOSUCHNICK, nick+" :No such nick/channel", opts...)
}

// SendNotInChannel reports an operation on a channel the user is not on.
func (c *Conn) SendNotInChannel(channel string, opts ...SendOption) error {
	return c.SendNumeric(ERR_NOTONCHANNEL, channel+" :You're not on that channel", opts...)
}

// SendChanOpsRequired reports an operation needing channel operator status.
func (c *Conn) SendChanOpsRequired(channel string, opts ...SendOption) error {
	return c.SendNumeric(ERR_CHANOPRIVSNEEDED, channel+" :You're not a channel operator", opts...)
}

// SendOnlineReply answers an online-check with the subset of nicks present.
func (c *Conn) SendOnlineReply(nicks []string, opts ...SendOption) error {
	return c.SendNumeric(RPL_ISON, ":"+strings.Join(nicks, " "), opts...)
}

// SendAwayReply reports another user's away message to a sender who just
// messaged them.
func (c *Conn) SendAwayReply(nick, message string, opts ...SendOption) error {
	return c.SendNumeric(RPL_AWAY, nick+" :"+message, opts...)
}

// SendNowAway confirms the connection's own AWAY request.
func (c *Conn) SendNowAway(opts ...SendOption) error {
	return c.SendNumeric(RPL_NOWAWAY, ":You have been marked as being away", opts...)
}

// SendBackReply confirms the connection's own return from away.
func (c *Conn) SendBackReply(opts ...SendOption) error {
	return c.SendNumeric(RPL_UNAWAY, ":You are no longer marked as being away", opts...)
}

// SendNames sends the channel roster in fixed-size batches followed by the
// end-of-list numeric. Users render as their status prefix plus nick, or as
// the full nick!~u@host form when the connection negotiated
// userhost-in-names.
func (c *Conn) SendNames(channel string, users []UserInfo, opts ...SendOption) error {
	full := c.HasCapability(CapUserhostInNames)
	for start := 0; start < len(users); start += namesBatchSize {
		end := start + namesBatchSize
		if end > len(users) {
			end = len(users)
		}
		names := make([]string, 0, end-start)
		for _, u := range users[start:end] {
			name := u.Status + u.Nick
			if full {
				name = u.Status + c.userPrefix(u)
			}
			names = append(names, name)
		}
		if err := c.SendNumeric(RPL_NAMREPLY, "= "+channel+" :"+strings.Join(names, " "), opts...); err != nil {
			return err
		}
	}
	return c.SendNumeric(RPL_ENDOFNAMES, channel+" :End of NAMES list", opts...)
}

// splitSegments splits text on embedded newlines, dropping empty segments.
func splitSegments(text string) []string {
	var out []string
	for _, segment := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		if segment != "" {
			out = append(out, segment)
		}
	}
	return out
}

// chunkString hard-wraps s into rune chunks of at most n.
func chunkString(s string, n int) []string {
	if len(s) <= n {
		return []string{s}
	}
	var out []string
	runes := []rune(s)
	for start := 0; start < len(runes); start += n {
		end := start + n
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}
