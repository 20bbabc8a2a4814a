package dashboard

import (
	"time"

	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
)

const (
	clientSendQueue = 32
	writeTimeout    = 10 * time.Second
)

// wsClient is one websocket connection.
// Writes happen on their own goroutine, so that a slow browser can't hold up the hub.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func (c *wsClient) writer(log logs.Log) {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			log.Infof("Websocket write failed: %v", err)
			// Closing the connection ends the reader in Serve, which unregisters us
			c.conn.Close()
			for range c.send {
			}
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

// Hub fans dashboard updates out to every connected websocket
type Hub struct {
	log        logs.Log
	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte
	count      chan chan int
	stop       chan struct{}
	exited     chan struct{}
}

func NewHub(log logs.Log) *Hub {
	h := &Hub{
		log:        log,
		clients:    map[*wsClient]bool{},
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan []byte, 64),
		count:      make(chan chan int),
		stop:       make(chan struct{}),
		exited:     make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	defer close(h.exited)
	for {
		select {
		case <-h.stop:
			for c := range h.clients {
				close(c.send)
			}
			h.clients = nil
			return
		case c := <-h.register:
			h.clients[c] = true
			h.log.Infof("Websocket client connected. Total: %v", len(h.clients))
		case c := <-h.unregister:
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
				h.log.Infof("Websocket client disconnected. Total: %v", len(h.clients))
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.log.Warnf("Dropping slow websocket client")
					delete(h.clients, c)
					close(c.send)
				}
			}
		case reply := <-h.count:
			reply <- len(h.clients)
		}
	}
}

// Serve registers conn, and blocks until the client goes away
func (h *Hub) Serve(conn *websocket.Conn, initial [][]byte) {
	c := &wsClient{
		conn: conn,
		send: make(chan []byte, clientSendQueue+len(initial)),
	}
	for _, msg := range initial {
		c.send <- msg
	}
	select {
	case h.register <- c:
	case <-h.stop:
		conn.Close()
		return
	}
	go c.writer(h.log)

	// We don't expect anything from the browser, but we must read in order to notice a close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	select {
	case h.unregister <- c:
	case <-h.stop:
	}
}

func (h *Hub) Broadcast(msg []byte) {
	select {
	case h.broadcast <- msg:
	case <-h.stop:
	}
}

func (h *Hub) NumClients() int {
	reply := make(chan int)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.stop:
		return 0
	}
}

func (h *Hub) Close() {
	close(h.stop)
	<-h.exited
}
