package ws

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocket 消息类型
const (
	MsgTypeInit          = "init"           // 初始化数据（条目列表+实体）
	MsgTypeEntityCreated = "entity_created" // 新实体创建
	MsgTypeEntityUpdated = "entity_updated" // 实体状态更新
	MsgTypeEntryStatus   = "entry_status"   // 条目状态变化（如 needs_reauth）
	MsgTypeError         = "error"          // 错误消息
)

// Message WebSocket 下行消息。EntryID 为 0 表示全局消息。
type Message struct {
	Type    string      `json:"type"`
	EntryID int64       `json:"entry_id,omitempty"`
	Data    interface{} `json:"data"`
}

// command 客户端上行指令，用于按条目订阅
type command struct {
	Action  string `json:"action"` // subscribe / unsubscribe
	EntryID int64  `json:"entry_id"`
}

// InitData 初始化数据
type InitData struct {
	Entries  interface{} `json:"entries"`
	Entities interface{} `json:"entities"`
}

// Client WebSocket 客户端。subs 为空时接收全部条目的消息。
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu   sync.Mutex
	subs map[int64]bool
}

// envelope 待分发消息和它的条目归属
type envelope struct {
	entryID int64
	data    []byte
}

// Hub WebSocket 连接管理中心。按条目过滤下发实体事件。
type Hub struct {
	logger     *zap.Logger
	clients    map[*Client]bool
	broadcast  chan envelope
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex

	// 初始数据提供者回调
	getInitData func() *InitData
}

// NewHub 创建 Hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// SetInitDataProvider 设置初始数据提供者
func (h *Hub) SetInitDataProvider(provider func() *InitData) {
	h.getInitData = provider
}

// Run 运行 Hub
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case env := <-h.broadcast:
			h.fanOut(env)
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("WebSocket client connected", zap.Int("total_clients", total))
	h.sendInitData(client)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("WebSocket client disconnected", zap.Int("total_clients", total))
}

// fanOut 把消息分发给订阅了对应条目的客户端
func (h *Hub) fanOut(env envelope) {
	h.mu.Lock()
	for client := range h.clients {
		if !client.wants(env.entryID) {
			continue
		}
		select {
		case client.send <- env.data:
		default:
			// 慢消费者，关闭连接
			close(client.send)
			delete(h.clients, client)
		}
	}
	h.mu.Unlock()
}

// sendInitData 发送初始数据给新连接的客户端
func (h *Hub) sendInitData(client *Client) {
	if h.getInitData == nil {
		return
	}

	initData := h.getInitData()
	if initData == nil {
		return
	}

	data, err := json.Marshal(Message{Type: MsgTypeInit, Data: initData})
	if err != nil {
		h.logger.Error("Failed to marshal init data", zap.Error(err))
		return
	}

	select {
	case client.send <- data:
	default:
		h.logger.Warn("Failed to send init data, client buffer full")
	}
}

// BroadcastMessage 广播结构化消息。entryID 为 0 时发给所有客户端，
// 否则只发给订阅了该条目（或未设置过滤）的客户端。
func (h *Hub) BroadcastMessage(msgType string, entryID int64, data interface{}) {
	jsonData, err := json.Marshal(Message{Type: msgType, EntryID: entryID, Data: data})
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}

	h.broadcast <- envelope{entryID: entryID, data: jsonData}
}

// ClientCount 获取客户端数量
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// NewClient 创建客户端
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, 256),
		subs: make(map[int64]bool),
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

// wants 判断客户端是否接收该条目的消息
func (c *Client) wants(entryID int64) bool {
	if entryID == 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs) == 0 || c.subs[entryID]
}

// ReadPump 读取客户端指令并维护按条目的订阅集合
func (c *Client) ReadPump() {
	defer func() {
		c.Unregister()
		c.conn.Close()
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			break
		}

		var cmd command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			continue
		}

		c.mu.Lock()
		switch cmd.Action {
		case "subscribe":
			if cmd.EntryID > 0 {
				c.subs[cmd.EntryID] = true
			}
		case "unsubscribe":
			delete(c.subs, cmd.EntryID)
		}
		c.mu.Unlock()
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
