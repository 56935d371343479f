package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 2 * time.Second
	clientQueueLen = 32
)

// client 是一个 WebSocket 连接和它的发送队列
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub 负责管理所有的 WebSocket 客户端连接，并向它们广播消息
// 广播从不阻塞调用方：Hub 队列满时丢弃消息，慢客户端被断开
type Hub struct {
	clients    map[*client]bool // 存储所有活跃的客户端连接
	broadcast  chan []byte      // 广播通道，用于接收需要发送给所有客户端的消息
	register   chan *client     // 注册通道，用于接收新连接
	unregister chan *client     // 注销通道，用于处理断开的连接
	mu         sync.Mutex       // 互斥锁，保护 clients 映射的并发访问
	logger     *slog.Logger
}

// NewHub 创建一个新的 Hub 实例
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		clients:    make(map[*client]bool),
		logger:     logger.With("component", "ws-hub"),
	}
}

// Run 启动 Hub 的主循环，监听并处理来自各个通道的事件
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					h.logger.Warn("客户端发送队列已满，断开连接")
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Clients 返回当前连接数
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast 将消息序列化为 JSON 并放入广播队列
func (h *Hub) Broadcast(v any) {
	message, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("序列化广播消息失败", "error", err)
		return
	}
	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("广播队列已满，丢弃消息")
	}
}

// upgrader 将普通的 HTTP 连接升级为 WebSocket 连接
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 控制站只在实验室内网使用
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWs 处理来自客户端的 WebSocket 请求
// first 非空时在注册前先发送给新客户端 (例如全量状态)
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request, first any) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("升级 WebSocket 失败", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientQueueLen)}
	if first != nil {
		if data, err := json.Marshal(first); err == nil {
			c.send <- data
		}
	}
	h.register <- c
	go h.writePump(c)
	go h.readPump(c)
}

// writePump 把队列里的消息写给客户端
func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			h.logger.Warn("写入 WebSocket 失败", "error", err)
			h.unregister <- c
			// 继续排空直到 Hub 关闭发送队列
			for range c.send {
			}
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// readPump 只用于发现客户端断开
func (h *Hub) readPump(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.unregister <- c
			return
		}
	}
}
