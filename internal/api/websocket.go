// internal/api/websocket.go
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Corphon/StageTalkMCP/internal/models"
	"github.com/Corphon/StageTalkMCP/internal/utils"
)

// WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 在生产环境中应该进行更严格的检查
		return true
	},
}

// idleEnterer 空闲重新进入接口，由空闲编排服务实现
type idleEnterer interface {
	EnterIdle(sessionID string, selectedIDs []string)
}

// inboundMessage 播放层上行消息
type inboundMessage struct {
	Type         string   `json:"type"`
	CharacterIDs []string `json:"character_ids"`
}

// WebSocketClient 表示一个 WebSocket 客户端连接
type WebSocketClient struct {
	conn      *websocket.Conn
	sessionID string
	send      chan []byte
	done      chan struct{}
	idle      idleEnterer
	closed    int32 // 原子操作标志，0=开启，1=关闭
	lastPing  time.Time
}

// Close 安全关闭客户端连接
// 发送通道永不关闭，写循环通过 done 退出，推送方不会撞上已关闭的通道
func (client *WebSocketClient) Close() {
	if atomic.CompareAndSwapInt32(&client.closed, 0, 1) {
		if client.done != nil {
			close(client.done)
		}
		if client.conn != nil {
			client.conn.Close()
		}
	}
}

// IsClosed 检查连接是否已关闭
func (client *WebSocketClient) IsClosed() bool {
	return atomic.LoadInt32(&client.closed) == 1
}

// SendMessage 安全发送消息到客户端
func (client *WebSocketClient) SendMessage(message map[string]interface{}) error {
	if client.IsClosed() {
		return nil
	}

	msgBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}

	if client.IsClosed() {
		return nil
	}

	select {
	case client.send <- msgBytes:
		return nil
	default:
		// 队列满，丢弃消息但不阻塞推送方
		utils.GetLogger().Warn("客户端消息队列已满，消息被丢弃", map[string]interface{}{
			"session_id": client.sessionID,
		})
		return nil
	}
}

// SessionHub 按会话管理 WebSocket 连接，向播放层推送场景与姿势
type SessionHub struct {
	clients     map[string]map[*WebSocketClient]bool // sessionID -> clients
	mutex       sync.RWMutex
	pingTimeout time.Duration
}

// 全局会话推送中心
var sessionHub = &SessionHub{
	clients:     make(map[string]map[*WebSocketClient]bool),
	pingTimeout: 60 * time.Second,
}

func (hub *SessionHub) register(client *WebSocketClient) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()

	if hub.clients[client.sessionID] == nil {
		hub.clients[client.sessionID] = make(map[*WebSocketClient]bool)
	}
	hub.clients[client.sessionID][client] = true
}

func (hub *SessionHub) unregister(client *WebSocketClient) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()

	if clients, ok := hub.clients[client.sessionID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(hub.clients, client.sessionID)
		}
	}
}

// PushToSession 向一个会话的全部连接推送消息
func (hub *SessionHub) PushToSession(sessionID string, message map[string]interface{}) {
	hub.mutex.RLock()
	clients := make([]*WebSocketClient, 0, len(hub.clients[sessionID]))
	for client := range hub.clients[sessionID] {
		clients = append(clients, client)
	}
	hub.mutex.RUnlock()

	for _, client := range clients {
		client.SendMessage(message)
	}
}

// PushScene 推送完整场景
func (hub *SessionHub) PushScene(sessionID string, scene *models.Scene) {
	hub.PushToSession(sessionID, map[string]interface{}{
		"type":      "scene",
		"scene":     scene,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// PushPose 推送单角色姿势变更
func (hub *SessionHub) PushPose(sessionID, characterID, pose string) {
	hub.PushToSession(sessionID, map[string]interface{}{
		"type":         "pose",
		"character_id": characterID,
		"pose":         pose,
		"timestamp":    time.Now().Format(time.RFC3339),
	})
}

// Status 当前连接概况（调试用）
func (hub *SessionHub) Status() map[string]interface{} {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()

	total := 0
	perSession := make(map[string]int, len(hub.clients))
	for sessionID, clients := range hub.clients {
		perSession[sessionID] = len(clients)
		total += len(clients)
	}

	return map[string]interface{}{
		"total_connections": total,
		"sessions":          perSession,
	}
}

// handleSessionSocket 升级连接并启动读写循环
func handleSessionSocket(c *gin.Context, sessionID string, idle idleEnterer) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		utils.GetLogger().Error("WebSocket升级失败", map[string]interface{}{
			"session_id": sessionID,
			"error":      err.Error(),
		})
		return
	}

	client := &WebSocketClient{
		conn:      conn,
		sessionID: sessionID,
		send:      make(chan []byte, 64),
		done:      make(chan struct{}),
		idle:      idle,
		lastPing:  time.Now(),
	}

	sessionHub.register(client)

	go client.writePump()
	go client.readPump()
}

// readPump 读取循环：消费ping保活与播放层的上行信号
func (client *WebSocketClient) readPump() {
	defer func() {
		sessionHub.unregister(client)
		client.Close()
	}()

	client.conn.SetReadLimit(4096)
	client.conn.SetReadDeadline(time.Now().Add(sessionHub.pingTimeout))
	client.conn.SetPongHandler(func(string) error {
		client.lastPing = time.Now()
		client.conn.SetReadDeadline(time.Now().Add(sessionHub.pingTimeout))
		return nil
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		client.handleInbound(data)
	}
}

// handleInbound 处理播放层上行消息
// 场景播放结束信号触发空闲重新进入：沉降延迟后恢复角色微动作，
// 刚说完话的角色不会立刻闪变成空闲姿势
func (client *WebSocketClient) handleInbound(data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	if msg.Type == "playback_complete" && client.idle != nil && len(msg.CharacterIDs) > 0 {
		client.idle.EnterIdle(client.sessionID, msg.CharacterIDs)
	}
}

// writePump 写入循环：发送队列消息并定期ping
func (client *WebSocketClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		client.Close()
	}()

	for {
		select {
		case <-client.done:
			return
		case message := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
