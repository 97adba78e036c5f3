package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"outreach/internal/domain"
)

const (
	feedBuffer     = 64
	feedWriteWait  = 10 * time.Second
	feedPingPeriod = 30 * time.Second
)

// ActivitySource publishes every recorded interaction.
type ActivitySource interface {
	OnInteraction(fn func(domain.InteractionRecord)) string
	RemoveInteractionListener(id string)
}

// FeedMessage is one frame on the activity websocket.
type FeedMessage struct {
	Type        string                    `json:"type"` // "hello" | "interaction"
	Interaction *domain.InteractionRecord `json:"interaction,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The ops endpoint binds to localhost by default.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// feed fans interactions out to websocket clients. A client that cannot
// keep up is disconnected.
type feed struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*feedClient]struct{}
	closed  bool
}

type feedClient struct {
	conn *websocket.Conn
	lead string
	send chan []byte
	once sync.Once
}

func newFeed(logger *slog.Logger) *feed {
	return &feed{logger: logger, clients: make(map[*feedClient]struct{})}
}

func (f *feed) publish(rec domain.InteractionRecord) {
	data, err := json.Marshal(FeedMessage{Type: "interaction", Interaction: &rec})
	if err != nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		if c.lead != "" && c.lead != rec.LeadID {
			continue
		}
		select {
		case c.send <- data:
		default:
			f.logger.Warn("activity client too slow, disconnecting", "lead", c.lead)
			delete(f.clients, c)
			c.close()
		}
	}
}

func (f *feed) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	c := &feedClient{conn: conn, lead: r.URL.Query().Get("lead"), send: make(chan []byte, feedBuffer)}
	hello, _ := json.Marshal(FeedMessage{Type: "hello"})
	c.send <- hello

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		conn.Close()
		return
	}
	f.clients[c] = struct{}{}
	f.mu.Unlock()
	f.logger.Info("activity client connected", "lead", c.lead, "remote", r.RemoteAddr)

	go c.writeLoop()
	c.readLoop()

	f.mu.Lock()
	delete(f.clients, c)
	f.mu.Unlock()
	c.close()
	f.logger.Info("activity client disconnected", "lead", c.lead)
}

// close disconnects every client and refuses new ones.
func (f *feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for c := range f.clients {
		delete(f.clients, c)
		c.close()
	}
}

func (f *feed) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (c *feedClient) close() {
	c.once.Do(func() {
		close(c.send)
		c.conn.Close()
	})
}

// readLoop discards client frames and returns when the connection ends.
func (c *feedClient) readLoop() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *feedClient) writeLoop() {
	ping := time.NewTicker(feedPingPeriod)
	defer ping.Stop()
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.conn.Close()
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}
