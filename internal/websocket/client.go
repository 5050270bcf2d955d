package websocket

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orrn/labelpress/internal/events"
)

const (
	writeWait = 10 * time.Second

	pongWait = 60 * time.Second

	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024
)

type MessageType string

const (
	TypeEvent     MessageType = "event"
	TypeSubscribe MessageType = "subscribe"
	TypePing      MessageType = "ping"
	TypePong      MessageType = "pong"
	TypeError     MessageType = "error"
)

// Message is the frame exchanged with clients. Servers send events; clients
// may narrow their subscription or ping.
type Message struct {
	Type      MessageType   `json:"type"`
	Event     *events.Event `json:"event,omitempty"`
	Types     []string      `json:"types,omitempty"`
	PrinterID string        `json:"printer_id,omitempty"`
	JobID     string        `json:"job_id,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Filter narrows the events a client receives. Zero values match
// everything.
type Filter struct {
	Types     []events.Type
	PrinterID string
	JobID     string
}

// FilterFromQuery reads ?types=a,b&printer_id=&job_id= from a request.
func FilterFromQuery(r *http.Request) Filter {
	q := r.URL.Query()
	f := Filter{PrinterID: q.Get("printer_id"), JobID: q.Get("job_id")}
	if v := q.Get("types"); v != "" {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.Types = append(f.Types, events.Type(t))
			}
		}
	}
	return f
}

func (f Filter) match(e events.Event) bool {
	if f.PrinterID != "" && e.PrinterID != f.PrinterID {
		return false
	}
	if f.JobID != "" && e.JobID != f.JobID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}

type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	reply  chan []byte
	remote string

	mu     sync.Mutex
	filter Filter
}

func newClient(hub *Hub, conn *websocket.Conn, f Filter) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, 256),
		reply:  make(chan []byte, 8),
		remote: conn.RemoteAddr().String(),
		filter: f,
	}
}

func (c *Client) wants(e events.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter.match(e)
}

func (c *Client) setFilter(f Filter) {
	c.mu.Lock()
	c.filter = f
	c.mu.Unlock()
}

func (c *Client) respond(m Message) {
	b, _ := json.Marshal(m)
	select {
	case c.reply <- b:
	default:
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug().Err(err).Str("remote", c.remote).Msg("read failed")
			}
			return
		}

		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			c.respond(Message{Type: TypeError, Error: "invalid message"})
			continue
		}

		switch m.Type {
		case TypeSubscribe:
			f := Filter{PrinterID: m.PrinterID, JobID: m.JobID}
			for _, t := range m.Types {
				f.Types = append(f.Types, events.Type(t))
			}
			c.setFilter(f)
		case TypePing:
			c.respond(Message{Type: TypePong})
		default:
			c.respond(Message{Type: TypeError, Error: "unknown message type " + string(m.Type)})
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case message := <-c.reply:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// Upgrader accepts any origin; the API sits behind its own auth.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWs upgrades the request and attaches the connection to the hub.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written the error response
		return
	}

	c := newClient(hub, conn, FilterFromQuery(r))
	if !hub.join(c) {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}
