package capabilities

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/normanking/taskengine/internal/logging"
)

const (
	// progressEndpoint is the path local observers connect to.
	progressEndpoint = "/task-progress"

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// ProgressEvent is one progress(percentage, message) update mirrored to
// attached observers, generalised from the teacher's bus Event envelope.
type ProgressEvent struct {
	TaskID     string    `json:"task_id"`
	Percentage float64   `json:"percentage"`
	Message    string    `json:"message"`
	At         time.Time `json:"at"`
}

// ProgressMirror is a websocket server that fans progress events out to
// any attached local observer (the dashboard itself is an external
// collaborator; this is just the same-process side-channel it listens
// on). Grounded on the teacher's bus.Observer: a register/unregister
// client-manager goroutine plus one writePump per client.
type ProgressMirror struct {
	upgrader websocket.Upgrader
	server   *http.Server
	log      *logging.Logger

	clientsMu sync.RWMutex
	clients   map[*progressClient]bool

	register   chan *progressClient
	unregister chan *progressClient
	done       chan struct{}
}

type progressClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewProgressMirror creates a mirror; Start binds it to an address
// (e.g. ":8766").
func NewProgressMirror() *ProgressMirror {
	return &ProgressMirror{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log:        logging.Global().WithComponent("ProgressMirror"),
		clients:    make(map[*progressClient]bool),
		register:   make(chan *progressClient),
		unregister: make(chan *progressClient),
		done:       make(chan struct{}),
	}
}

// Start begins serving websocket connections on addr.
func (m *ProgressMirror) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc(progressEndpoint, m.handleWebSocket)
	m.server = &http.Server{Addr: addr, Handler: mux}

	go m.runClientManager()
	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.log.Error("progress mirror server error: %v", err)
		}
	}()
	return nil
}

// Stop shuts the mirror down and closes all client connections.
func (m *ProgressMirror) Stop() {
	close(m.done)
	m.clientsMu.Lock()
	for c := range m.clients {
		close(c.send)
		delete(m.clients, c)
	}
	m.clientsMu.Unlock()
	if m.server != nil {
		m.server.Close()
	}
}

// Publish mirrors a progress event to every attached observer. Slow
// clients are dropped rather than allowed to block the caller.
func (m *ProgressMirror) Publish(evt ProgressEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	m.clientsMu.RLock()
	clients := make([]*progressClient, 0, len(m.clients))
	for c := range m.clients {
		clients = append(clients, c)
	}
	m.clientsMu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			m.unregister <- c
		}
	}
}

func (m *ProgressMirror) runClientManager() {
	for {
		select {
		case c := <-m.register:
			m.clientsMu.Lock()
			m.clients[c] = true
			m.clientsMu.Unlock()
		case c := <-m.unregister:
			m.clientsMu.Lock()
			if _, ok := m.clients[c]; ok {
				delete(m.clients, c)
				close(c.send)
				c.conn.Close()
			}
			m.clientsMu.Unlock()
		case <-m.done:
			return
		}
	}
}

func (m *ProgressMirror) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Error("websocket upgrade failed: %v", err)
		return
	}
	c := &progressClient{conn: conn, send: make(chan []byte, 64)}
	m.register <- c

	go m.writePump(c)
	go m.readPump(c)
}

func (m *ProgressMirror) writePump(c *progressClient) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-m.done:
			return
		}
	}
}

func (m *ProgressMirror) readPump(c *progressClient) {
	defer func() { m.unregister <- c }()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
