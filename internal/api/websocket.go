package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MessageType defines WebSocket message types.
type MessageType string

const (
	// Server -> Client messages
	MsgTypeJobStarted  MessageType = "job_started"
	MsgTypeJobProgress MessageType = "job_progress"
	MsgTypeJobComplete MessageType = "job_complete"
	MsgTypeResponse    MessageType = "response"
	MsgTypeError       MessageType = "error"
	MsgTypeHeartbeat   MessageType = "heartbeat"

	// Client -> Server messages
	MsgTypeSubscribe   MessageType = "subscribe"
	MsgTypeUnsubscribe MessageType = "unsubscribe"
	MsgTypeCommand     MessageType = "command"
)

// Channel names. Job events go to ChannelJobs and to JobChannel(id).
const ChannelJobs = "jobs"

// JobChannel is the channel carrying the events of one job.
func JobChannel(id string) string { return "jobs:" + id }

// WSMessage is a WebSocket message.
type WSMessage struct {
	ID        string          `json:"id,omitempty"`
	Type      MessageType     `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Command   string          `json:"command,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// CommandHandler answers a client command. The result is sent back as the
// data of a response message.
type CommandHandler func(command string, data json.RawMessage) (interface{}, error)

// Client is a WebSocket client connection.
type Client struct {
	id            string
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]bool
	mu            sync.RWMutex
}

// Hub manages WebSocket connections.
type Hub struct {
	logger   *zap.Logger
	clients  map[*Client]bool
	channels map[string]map[*Client]bool
	commands CommandHandler
	mu       sync.RWMutex
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *zap.Logger, commands CommandHandler) *Hub {
	return &Hub{
		logger:   logger,
		clients:  make(map[*Client]bool),
		channels: make(map[string]map[*Client]bool),
		commands: commands,
	}
}

// Run sends heartbeats until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				h.remove(client)
			}
			h.mu.Unlock()
			return

		case <-ticker.C:
			h.sendHeartbeat()
		}
	}
}

// Register adds client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
	h.logger.Debug("Client registered", zap.String("id", client.id))
}

// Unregister removes client and closes its send queue.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	h.remove(client)
	h.mu.Unlock()
	h.logger.Debug("Client unregistered", zap.String("id", client.id))
}

// remove drops client from the hub. Callers hold h.mu.
func (h *Hub) remove(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	client.mu.RLock()
	for channel := range client.subscriptions {
		if clients, ok := h.channels[channel]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.channels, channel)
			}
		}
	}
	client.mu.RUnlock()
}

// sendHeartbeat pings every client with the connection count. Clients whose
// queue is full are dropped.
func (h *Hub) sendHeartbeat() {
	h.mu.Lock()
	defer h.mu.Unlock()

	data, err := encode(WSMessage{Type: MsgTypeHeartbeat}, map[string]int{"clients": len(h.clients)})
	if err != nil {
		return
	}
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			h.logger.Warn("Dropping slow WebSocket client", zap.String("id", client.id))
			h.remove(client)
		}
	}
}

// Subscribe subscribes a client to a channel.
func (h *Hub) Subscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*Client]bool)
	}
	h.channels[channel][client] = true

	client.mu.Lock()
	client.subscriptions[channel] = true
	client.mu.Unlock()

	h.logger.Debug("Client subscribed to channel",
		zap.String("client", client.id),
		zap.String("channel", channel))
}

// Unsubscribe unsubscribes a client from a channel.
func (h *Hub) Unsubscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.channels[channel]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.channels, channel)
		}
	}

	client.mu.Lock()
	delete(client.subscriptions, channel)
	client.mu.Unlock()
}

// PublishToChannel publishes a message to a channel.
func (h *Hub) PublishToChannel(channel string, msgType MessageType, data interface{}) {
	msgBytes, err := encode(WSMessage{Type: msgType, Channel: channel}, data)
	if err != nil {
		h.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.channels[channel] {
		select {
		case client.send <- msgBytes:
		default:
		}
	}
}

// PublishJob sends a job event to the jobs channel and the job's own channel.
func (h *Hub) PublishJob(msgType MessageType, id string, data interface{}) {
	h.PublishToChannel(ChannelJobs, msgType, data)
	h.PublishToChannel(JobChannel(id), msgType, data)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func encode(msg WSMessage, data interface{}) ([]byte, error) {
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		msg.Data = raw
	}
	msg.Timestamp = time.Now().UnixMilli()
	return json.Marshal(msg)
}

// NewClient creates a new client.
func NewClient(id string, hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:            id,
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
	}
}

// ReadPump pumps messages from the WebSocket to the hub.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.logger.Warn("Invalid WebSocket message", zap.Error(err))
			c.reply(WSMessage{Type: MsgTypeError, Error: "invalid message"}, nil)
			continue
		}

		switch msg.Type {
		case MsgTypeSubscribe:
			c.hub.Subscribe(c, msg.Channel)
			c.reply(WSMessage{ID: msg.ID, Type: MsgTypeResponse, Channel: msg.Channel}, nil)
		case MsgTypeUnsubscribe:
			c.hub.Unsubscribe(c, msg.Channel)
			c.reply(WSMessage{ID: msg.ID, Type: MsgTypeResponse, Channel: msg.Channel}, nil)
		case MsgTypeCommand:
			c.handleCommand(msg)
		default:
			c.reply(WSMessage{ID: msg.ID, Type: MsgTypeError, Error: "unknown message type"}, nil)
		}
	}
}

// WritePump pumps messages from the hub to the WebSocket. Queued messages
// are batched into one frame separated by newlines.
func (c *Client) WritePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleCommand(msg WSMessage) {
	c.hub.logger.Debug("Received command", zap.String("client", c.id), zap.String("command", msg.Command))

	resp := WSMessage{ID: msg.ID, Type: MsgTypeResponse, Command: msg.Command}
	if msg.Command == "ping" {
		c.reply(resp, map[string]string{"pong": "ok"})
		return
	}
	if c.hub.commands == nil {
		resp.Type, resp.Error = MsgTypeError, "commands not supported"
		c.reply(resp, nil)
		return
	}

	result, err := c.hub.commands(msg.Command, msg.Data)
	if err != nil {
		resp.Type, resp.Error = MsgTypeError, err.Error()
		c.reply(resp, nil)
		return
	}
	c.reply(resp, result)
}

// reply queues msg for this client only. The hub may have closed send
// already, so the write is guarded.
func (c *Client) reply(msg WSMessage, data interface{}) {
	b, err := encode(msg, data)
	if err != nil {
		c.hub.logger.Error("Failed to marshal reply", zap.Error(err))
		return
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- b:
	default:
	}
}
