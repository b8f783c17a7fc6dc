package ws

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MessageType WebSocket 消息类型
const (
	MsgTypeOrderUpdate = "order_update" // 订单变化通知
	MsgTypeError       = "error"        // 轮询失败通知
)

// Message WebSocket 消息结构
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// envelope 投递给单个用户的消息
type envelope struct {
	chatID string
	data   []byte
}

// Client WebSocket 客户端，绑定一个 chat_id
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	chatID string
	send   chan []byte
}

// Hub 按 chat_id 分发的 WebSocket 连接管理中心
type Hub struct {
	logger     *zap.Logger
	clients    map[string]map[*Client]bool
	deliver    chan envelope
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
}

// NewHub 创建 Hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger,
		clients:    make(map[string]map[*Client]bool),
		deliver:    make(chan envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run 运行 Hub
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.chatID] == nil {
				h.clients[client.chatID] = make(map[*Client]bool)
			}
			h.clients[client.chatID][client] = true
			h.mu.Unlock()
			h.logger.Info("WebSocket client connected", zap.String("chat_id", client.chatID))

		case client := <-h.unregister:
			h.mu.Lock()
			if subs, ok := h.clients[client.chatID]; ok {
				if _, ok := subs[client]; ok {
					delete(subs, client)
					close(client.send)
					if len(subs) == 0 {
						delete(h.clients, client.chatID)
					}
				}
			}
			h.mu.Unlock()
			h.logger.Info("WebSocket client disconnected", zap.String("chat_id", client.chatID))

		case env := <-h.deliver:
			h.mu.RLock()
			for client := range h.clients[env.chatID] {
				select {
				case client.send <- env.data:
				default:
					// 慢消费者，关闭连接
					close(client.send)
					delete(h.clients[env.chatID], client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// SendToChat 向某个用户的全部连接投递结构化消息
func (h *Hub) SendToChat(chatID, msgType string, data interface{}) {
	msg := Message{
		Type: msgType,
		Data: data,
	}

	jsonData, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}

	h.deliver <- envelope{chatID: chatID, data: jsonData}
}

// SubscriberCount 某用户当前的连接数
func (h *Hub) SubscriberCount(chatID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[chatID])
}

// NewClient 创建客户端
func NewClient(hub *Hub, conn *websocket.Conn, chatID string) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		chatID: chatID,
		send:   make(chan []byte, 256),
	}
}

// Register 注册客户端
func (c *Client) Register() {
	c.hub.register <- c
}

// Unregister 注销客户端
func (c *Client) Unregister() {
	c.hub.unregister <- c
}

// ReadPump 读取消息（保持连接活跃）
func (c *Client) ReadPump() {
	defer func() {
		c.Unregister()
		c.conn.Close()
	}()

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		// 不处理客户端消息，仅保持连接
	}
}

// WritePump 发送消息
func (c *Client) WritePump() {
	defer c.conn.Close()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			break
		}
	}
}
