package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/strangerloop/strangerloop/internal/bus"
	"github.com/strangerloop/strangerloop/internal/util"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Anonymous service; identity comes from the token, not the origin.
		return true
	},
}

// Bridge relays between WebSocket clients and the signaling bus. Every
// connected socket receives every bus message (the same global-broadcast
// contract the bus itself provides) and everything a socket sends is
// published with its sender forced to the token identity, so a client
// cannot speak as someone else.
type Bridge struct {
	bus    bus.Bus
	secret string

	mu      sync.RWMutex
	sockets map[string]*wsClient
}

// wsClient is one bridged connection.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// NewBridge creates a bridge over the given bus.
func NewBridge(b bus.Bus, secret string) *Bridge {
	return &Bridge{
		bus:     b,
		secret:  secret,
		sockets: make(map[string]*wsClient),
	}
}

// Start subscribes the bridge to the bus. The returned unsubscribe must
// run on shutdown.
func (br *Bridge) Start(ctx context.Context) (func(), error) {
	return br.bus.Subscribe(ctx, br.fanOut)
}

// Routes registers the bridge's endpoints on the router.
func (br *Bridge) Routes(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/auth/anon", AnonLogin(br.secret))
	router.GET("/ws", br.handleWS)
}

// handleWS upgrades a token-bearing request and starts its pumps.
func (br *Bridge) handleWS(c *gin.Context) {
	userID, ok := identityFromToken(c.Query("token"), br.secret)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		util.LogWarning("websocket upgrade failed: %v", err)
		return
	}

	client := &wsClient{
		id:   userID,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	br.mu.Lock()
	// A reconnect replaces the previous socket for the same identity.
	if prev, exists := br.sockets[userID]; exists {
		prev.conn.Close()
	}
	br.sockets[userID] = client
	br.mu.Unlock()

	util.LogInfo("bridged %s", userID)

	go client.writePump()
	go br.readPump(client)
}

// fanOut delivers one bus message to every connected socket. A socket
// with a full buffer loses the message, matching the bus's no-guarantee
// delivery contract.
func (br *Bridge) fanOut(msg bus.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	br.mu.RLock()
	defer br.mu.RUnlock()
	for _, client := range br.sockets {
		select {
		case client.send <- data:
		default:
		}
	}
}

// readPump publishes each inbound frame on the bus, with the sender
// identity pinned to the socket's token.
func (br *Bridge) readPump(client *wsClient) {
	defer func() {
		br.mu.Lock()
		if br.sockets[client.id] == client {
			delete(br.sockets, client.id)
		}
		br.mu.Unlock()
		client.conn.Close()
		util.LogInfo("unbridged %s", client.id)
	}()

	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				util.LogWarning("websocket read from %s: %v", client.id, err)
			}
			return
		}

		var msg bus.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			util.LogWarning("dropping malformed frame from %s: %v", client.id, err)
			continue
		}
		msg.SenderID = client.id

		if err := br.bus.Publish(context.Background(), msg); err != nil {
			util.LogWarning("publishing frame from %s: %v", client.id, err)
		}
	}
}

// writePump drains the send buffer onto the socket and keeps it alive
// with pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

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
		}
	}
}
