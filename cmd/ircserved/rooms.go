package main

import (
	"log"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/ircserve/ircserve/irc"
	"github.com/ircserve/ircserve/irc/config"
	"github.com/ircserve/ircserve/irc/server"
)

// roomHost keeps the daemon's chat state: an in-memory channel registry
// layered over the library's connection engine. Everything here runs in
// event handlers, so per-room state is guarded by a single mutex.
type roomHost struct {
	srv *server.Server
	cfg *config.Config

	mu    sync.Mutex
	rooms map[string]*room
	away  map[string]string // away message per connection ID
}

type room struct {
	name    string
	topic   string
	members map[string]*irc.Conn // keyed by connection ID
}

func newRoomHost(srv *server.Server, cfg *config.Config) *roomHost {
	return &roomHost{srv: srv, cfg: cfg, rooms: make(map[string]*room), away: make(map[string]string)}
}

// attach wires the host's handlers onto a freshly accepted connection.
func (h *roomHost) attach(c *irc.Conn) {
	c.Handle(irc.EventLoginAttempt, h.onLoginAttempt)
	c.Handle(irc.EventSuccessfulLogin, h.onLogin)
	c.Handle(irc.EventJoin, h.onJoin)
	c.Handle(irc.EventPart, h.onPart)
	c.Handle(irc.EventChatMessage, h.onChat)
	c.Handle(irc.EventChannelUsers, h.onChannelUsers)
	c.Handle(irc.EventChannelInfo, h.onChannelInfo)
	c.Handle(irc.EventOnlineCheck, h.onOnlineCheck)
	c.Handle(irc.EventTopicChange, h.onTopicChange)
	c.Handle(irc.EventKick, h.onKick)
	c.Handle(irc.EventInvite, h.onInvite)
	c.Handle(irc.EventAway, h.onAway)
	c.Handle(irc.EventBack, h.onBack)
	c.Handle(irc.EventQuit, h.onQuit)
	c.Handle(irc.EventDisconnect, h.onDisconnect)
}

func (h *roomHost) onLoginAttempt(e *irc.Event) {
	if other := h.srv.FindByNick(e.User.Nick); other != nil && other != e.Conn {
		e.Conn.SendNickTaken(e.User.Nick)
		e.Login.Deny("Nickname is already in use")
		return
	}
	if hash := h.cfg.Server.PasswordHash; hash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(e.Password)); err != nil {
			e.Login.Deny("Bad password")
			return
		}
	}
	e.Login.Accept()
}

func (h *roomHost) onLogin(e *irc.Event) {
	if err := e.Conn.SendWelcome(h.cfg.Server.Network); err != nil {
		log.Printf("welcome to %s failed: %v", e.User.Nick, err)
		return
	}
	if h.cfg.MOTD != "" {
		e.Conn.SendMotd(h.cfg.MOTD)
	}
}

func (h *roomHost) onJoin(e *irc.Event) {
	user := *e.Conn.User()
	for _, name := range e.Channels {
		h.mu.Lock()
		r := h.rooms[name]
		if r == nil {
			r = &room{name: name, members: make(map[string]*irc.Conn)}
			h.rooms[name] = r
		}
		r.members[e.Conn.ID()] = e.Conn
		members, topic := r.snapshot()
		h.mu.Unlock()

		for _, m := range members {
			m.SendJoin(user, name)
		}
		if topic != "" {
			e.Conn.SendTopic(user, name, topic)
		}
		e.Conn.SendNames(name, memberInfos(members))
	}
}

func (h *roomHost) onPart(e *irc.Event) {
	user := *e.Conn.User()
	members, ok := h.removeMember(e.Channel, e.Conn)
	if !ok {
		e.Conn.SendNotInChannel(e.Channel)
		return
	}
	e.Conn.SendPart(user, e.Channel, e.Reason)
	for _, m := range members {
		m.SendPart(user, e.Channel, e.Reason)
	}
}

func (h *roomHost) onChat(e *irc.Event) {
	user := *e.Conn.User()
	if isChannel(e.Target) {
		h.mu.Lock()
		r := h.rooms[e.Target]
		if r == nil || r.members[e.Conn.ID()] == nil {
			h.mu.Unlock()
			e.Conn.SendNotInChannel(e.Target)
			return
		}
		members, _ := r.snapshot()
		h.mu.Unlock()
		for _, m := range members {
			if m.ID() != e.Conn.ID() {
				m.SendChat(user, e.Target, e.Text)
			}
		}
		return
	}
	peer := h.srv.FindByNick(e.Target)
	if peer == nil {
		e.Conn.SendNoSuchNick(e.Target)
		return
	}
	peer.SendChat(user, e.Target, e.Text)
	h.mu.Lock()
	awayMsg, isAway := h.away[peer.ID()]
	h.mu.Unlock()
	if isAway {
		e.Conn.SendAwayReply(e.Target, awayMsg)
	}
}

func (h *roomHost) onChannelUsers(e *irc.Event) {
	h.mu.Lock()
	r := h.rooms[e.Channel]
	var members []*irc.Conn
	if r != nil {
		members, _ = r.snapshot()
	}
	h.mu.Unlock()
	e.Conn.SendNames(e.Channel, memberInfos(members))
}

func (h *roomHost) onChannelInfo(e *irc.Event) {
	h.mu.Lock()
	r := h.rooms[e.Channel]
	var (
		members []*irc.Conn
		topic   string
	)
	if r != nil {
		members, topic = r.snapshot()
	}
	h.mu.Unlock()
	if topic != "" {
		e.Conn.SendTopic(*e.Conn.User(), e.Channel, topic)
	}
	e.Conn.SendNames(e.Channel, memberInfos(members))
}

func (h *roomHost) onOnlineCheck(e *irc.Event) {
	online := make([]string, 0, len(e.Nicks))
	for _, nick := range e.Nicks {
		if h.srv.FindByNick(nick) != nil {
			online = append(online, nick)
		}
	}
	e.Conn.SendOnlineReply(online)
}

func (h *roomHost) onTopicChange(e *irc.Event) {
	user := *e.Conn.User()
	h.mu.Lock()
	r := h.rooms[e.Channel]
	if r == nil || r.members[e.Conn.ID()] == nil {
		h.mu.Unlock()
		e.Conn.SendNotInChannel(e.Channel)
		return
	}
	r.topic = e.Topic
	members, _ := r.snapshot()
	h.mu.Unlock()
	for _, m := range members {
		m.SendTopic(user, e.Channel, e.Topic)
	}
}

func (h *roomHost) onKick(e *irc.Event) {
	by := *e.Conn.User()
	target := h.srv.FindByNick(e.Nick)
	h.mu.Lock()
	r := h.rooms[e.Channel]
	if r == nil || r.members[e.Conn.ID()] == nil {
		h.mu.Unlock()
		e.Conn.SendNotInChannel(e.Channel)
		return
	}
	if target == nil || r.members[target.ID()] == nil {
		h.mu.Unlock()
		e.Conn.SendNoSuchNick(e.Nick)
		return
	}
	members, _ := r.snapshot()
	delete(r.members, target.ID())
	h.mu.Unlock()
	for _, m := range members {
		m.SendKick(by, e.Channel, e.Nick, e.Reason)
	}
}

func (h *roomHost) onInvite(e *irc.Event) {
	target := h.srv.FindByNick(e.Nick)
	if target == nil {
		e.Conn.SendNoSuchNick(e.Nick)
		return
	}
	target.SendInvite(*e.Conn.User(), e.Nick, e.Channel)
}

func (h *roomHost) onAway(e *irc.Event) {
	h.mu.Lock()
	h.away[e.Conn.ID()] = e.Message
	h.mu.Unlock()
	e.Conn.SendNowAway()
	h.broadcastAway(e.Conn, e.Message)
}

func (h *roomHost) onBack(e *irc.Event) {
	h.mu.Lock()
	delete(h.away, e.Conn.ID())
	h.mu.Unlock()
	e.Conn.SendBackReply()
	h.broadcastAway(e.Conn, "")
}

// broadcastAway notifies away-notify peers sharing a room with c.
func (h *roomHost) broadcastAway(c *irc.Conn, message string) {
	user := *c.User()
	seen := make(map[string]struct{})
	h.mu.Lock()
	var peers []*irc.Conn
	for _, r := range h.rooms {
		if r.members[c.ID()] == nil {
			continue
		}
		for id, m := range r.members {
			if id == c.ID() {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			peers = append(peers, m)
		}
	}
	h.mu.Unlock()
	for _, m := range peers {
		if m.HasCapability(irc.CapAwayNotify) {
			m.SendAway(user, message)
		}
	}
}

func (h *roomHost) onQuit(e *irc.Event) {
	reason := e.Message
	if reason == "" {
		reason = h.cfg.Policy.QuitMessage
	}
	h.departAll(e.Conn, reason)
}

func (h *roomHost) onDisconnect(e *irc.Event) {
	h.departAll(e.Conn, e.Reason)
}

// departAll removes c from every room and tells remaining members once.
func (h *roomHost) departAll(c *irc.Conn, reason string) {
	if !c.IsAuthenticated() {
		return
	}
	user := *c.User()
	seen := make(map[string]struct{})
	h.mu.Lock()
	delete(h.away, c.ID())
	var peers []*irc.Conn
	for name, r := range h.rooms {
		if r.members[c.ID()] == nil {
			continue
		}
		delete(r.members, c.ID())
		if len(r.members) == 0 {
			delete(h.rooms, name)
			continue
		}
		for id, m := range r.members {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			peers = append(peers, m)
		}
	}
	h.mu.Unlock()
	for _, m := range peers {
		m.SendQuit(user, reason)
	}
}

// removeMember drops c from the named room and returns the remaining
// members. ok is false when c was not a member.
func (h *roomHost) removeMember(name string, c *irc.Conn) (remaining []*irc.Conn, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.rooms[name]
	if r == nil || r.members[c.ID()] == nil {
		return nil, false
	}
	delete(r.members, c.ID())
	if len(r.members) == 0 {
		delete(h.rooms, name)
		return nil, true
	}
	remaining, _ = r.snapshot()
	return remaining, true
}

// snapshot copies the member list; callers hold h.mu.
func (r *room) snapshot() ([]*irc.Conn, string) {
	out := make([]*irc.Conn, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	return out, r.topic
}

func memberInfos(members []*irc.Conn) []irc.UserInfo {
	out := make([]irc.UserInfo, 0, len(members))
	for _, m := range members {
		if u := m.User(); u != nil {
			out = append(out, *u)
		}
	}
	return out
}

func isChannel(target string) bool {
	return len(target) > 0 && (target[0] == '#' || target[0] == '&')
}
