package gateway

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxMessage = 4096
	sendBuffer = 256 // queued envelopes per client
)

// Client is one websocket peer.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// ID returns the client's connection id.
func (c *Client) ID() string { return c.id }

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			// Coalesce whatever is already queued into one frame,
			// newline separated.
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.RemoveClient(c)
		c.conn.Close()
		log.Printf("[gateway] ws client %s disconnected", c.id)
	}()

	c.conn.SetReadLimit(maxMessage)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var base struct {
			Type string `json:"type"`
			Ping int64  `json:"ping"`
		}
		if json.Unmarshal(msg, &base) != nil {
			c.reply(Reply{Type: "reply", Error: "invalid JSON"})
			continue
		}
		if base.Ping > 0 {
			pong, _ := json.Marshal(map[string]any{
				"type":      "pong",
				"ping":      base.Ping,
				"server_ts": time.Now().UnixMilli(),
			})
			c.hub.sendTo(c, pong)
			continue
		}

		cmd, err := DecodeCommand(msg)
		if err != nil {
			c.reply(Reply{Type: "reply", Error: err.Error()})
			continue
		}
		ctl := c.hub.controller()
		if ctl == nil {
			c.reply(Reply{Type: "reply", ReqID: cmd.ReqID, Command: cmd.Type, Error: "read-only gateway"})
			continue
		}
		// Commands block until the engine answers; keep reading meanwhile
		// so pongs are still processed.
		go func() {
			r := timedDispatch(ctl, cmd, c.hub.Latency)
			log.Printf("[gateway] ws client %s: %s ok=%v %s", c.id, cmd.Type, r.OK, r.Error)
			c.reply(r)
		}()
	}
}

func (c *Client) reply(r Reply) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	c.hub.sendTo(c, data)
}
