package irc

import (
	"strconv"
	"time"
)

// pingLoop emits an unsolicited PING every PingPeriod while the connection
// is open. Client-initiated PINGs are handled separately by the command
// table and also refresh lastPing.
func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.enqueue(c.sendLivenessPing)
		}
	}
}

// sendLivenessPing sends one PING carrying the current timestamp as token
// data and registers a one-shot raw-line matcher for the echoing PONG. When
// PongTimeout is set, a reply that never arrives ends the connection.
func (c *Conn) sendLivenessPing() {
	token := strconv.FormatInt(time.Now().UnixMilli(), 10)

	reg := c.HandleOnce(EventRawLine, func(e *Event) bool {
		p, err := ParseLine(e.Raw)
		if err != nil || p.Name != "PONG" {
			return false
		}
		if tokenOrContent(p) != token {
			return false
		}
		c.touchPing()
		return true
	})

	if err := c.SendPing(token); err != nil {
		c.Unhandle(reg)
		return
	}

	if c.opts.PongTimeout > 0 {
		time.AfterFunc(c.opts.PongTimeout, func() {
			c.enqueue(func() {
				// Still registered means no matching PONG arrived in time.
				if c.Unhandle(reg) && !c.Disconnected() {
					c.SendError("Ping timeout")
					c.Close("Ping timeout")
				}
			})
		})
	}
}
