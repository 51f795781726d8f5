package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"

	"github.com/qiuyier/service-bridge/internal/events"
)

var (
	ErrTooManyConns     = errors.New("too many live feed connections")
	ErrConnectionExists = errors.New("connection already exists")
	ErrHubClosed        = errors.New("live feed is closed")
)

var _ events.Receiver = (*Hub)(nil)

// Hub 管理 /ws 连接，把本节点消费到的消息推送给所有连接
type Hub struct {
	connMap cmap.ConcurrentMap[string, *Connection]

	// 统计
	totalConns atomic.Int64
	broadcasts atomic.Int64

	maxConns int

	// mu 保证 Close 开始后不再有连接加入或启动读写循环
	mu     sync.Mutex
	closed bool
	pumps  sync.WaitGroup

	logger *zap.Logger
}

func NewHub(maxConns int, logger *zap.Logger) *Hub {
	return &Hub{
		connMap:  cmap.New[*Connection](),
		maxConns: maxConns,
		logger:   logger,
	}
}

// AddConnection 添加连接
func (h *Hub) AddConnection(conn *Connection) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHubClosed
	}

	// 检查连接数限制
	if h.maxConns > 0 && h.connMap.Count() >= h.maxConns {
		return ErrTooManyConns
	}

	if !h.connMap.SetIfAbsent(conn.ID, conn) {
		return ErrConnectionExists
	}

	h.totalConns.Add(1)

	h.logger.Info("connection added",
		zap.String("conn_id", conn.ID),
		zap.String("remote_addr", conn.RemoteAddr),
		zap.Int64("total", h.totalConns.Load()),
	)

	return nil
}

// RemoveConnection 移除连接
func (h *Hub) RemoveConnection(id string) {
	if _, ok := h.connMap.Pop(id); !ok {
		return
	}

	h.totalConns.Add(-1)

	h.logger.Info("connection removed",
		zap.String("conn_id", id),
		zap.Int64("total", h.totalConns.Load()),
	)
}

// Run 启动读写循环，客户端断开后移除连接
func (h *Hub) Run(conn *Connection, pingInterval time.Duration) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		h.RemoveConnection(conn.ID)
		conn.CloseWith(websocket.CloseTryAgainLater, ErrHubClosed.Error())
		return
	}
	h.pumps.Add(2)
	h.mu.Unlock()

	go func() {
		defer h.pumps.Done()
		conn.WritePump(pingInterval)
	}()

	go func() {
		defer h.pumps.Done()
		conn.ReadPump(h)
		h.RemoveConnection(conn.ID)
	}()
}

// Broadcast 广播给所有连接，返回成功入队的连接数
func (h *Hub) Broadcast(data []byte) int {
	sentCount := 0

	h.connMap.IterCb(func(_ string, conn *Connection) {
		if conn.Send(data) {
			sentCount++
		}
	})

	h.broadcasts.Add(1)
	return sentCount
}

// Receive 推送一条消费到的消息
func (h *Hub) Receive(msg events.Message) {
	wsMsg, err := NewWSMessage(MessageTypeMessage, msg)
	if err != nil {
		h.logger.Error("encode live feed message failed", zap.Error(err))
		return
	}
	data, err := wsMsg.Encode()
	if err != nil {
		h.logger.Error("encode live feed message failed", zap.Error(err))
		return
	}

	sent := h.Broadcast(data)
	h.logger.Debug("live feed broadcast",
		zap.String("sent_from", msg.SentFrom),
		zap.Int("sent_count", sent),
	)
}

// HandleMessage 回复 ping，其他类型返回错误
func (h *Hub) HandleMessage(conn *Connection, data []byte) error {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.reply(conn, MessageTypeError, &ErrorPayload{Message: "invalid message"})
		return fmt.Errorf("decode client message: %w", err)
	}

	switch msg.Type {
	case MessageTypePing:
		h.reply(conn, MessageTypePong, nil)
		return nil
	default:
		h.reply(conn, MessageTypeError, &ErrorPayload{Message: "unsupported message type: " + msg.Type})
		return nil
	}
}

func (h *Hub) reply(conn *Connection, msgType string, payload any) {
	msg, err := NewWSMessage(msgType, payload)
	if err != nil {
		return
	}
	data, err := msg.Encode()
	if err != nil {
		return
	}
	conn.Send(data)
}

// Count 当前连接数
func (h *Hub) Count() int {
	return h.connMap.Count()
}

// GetStats 获取在线统计
func (h *Hub) GetStats() map[string]int64 {
	var dropped int64
	h.connMap.IterCb(func(_ string, conn *Connection) {
		dropped += conn.Dropped()
	})

	return map[string]int64{
		"total":      h.totalConns.Load(),
		"broadcasts": h.broadcasts.Load(),
		"dropped":    dropped,
	}
}

// Close 断开所有连接并等待读写循环退出
func (h *Hub) Close(timeout time.Duration) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return true
	}
	h.closed = true
	h.mu.Unlock()

	h.logger.Info("closing live feed", zap.Int("connections", h.connMap.Count()))

	for _, conn := range h.connMap.Items() {
		conn.Close()
	}

	done := make(chan struct{})
	go func() {
		h.pumps.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		h.logger.Warn("live feed close timeout")
		return false
	}
}
