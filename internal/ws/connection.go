package ws

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

// Connection 一个订阅实时消息流的客户端
type Connection struct {
	ID         string
	RemoteAddr string

	ws     *websocket.Conn
	outbox chan []byte

	readLimit   int64
	pongTimeout time.Duration

	lastSeen atomic.Int64
	dropped  atomic.Int64
	closed   atomic.Bool

	done   context.Context
	cancel context.CancelFunc
	logger *zap.Logger
}

func NewConnection(
	id string,
	conn *websocket.Conn,
	sendChanSize int,
	maxMessageSize int64,
	pongTimeout time.Duration,
	logger *zap.Logger,
) *Connection {
	done, cancel := context.WithCancel(context.Background())

	c := &Connection{
		ID:          id,
		RemoteAddr:  conn.RemoteAddr().String(),
		ws:          conn,
		outbox:      make(chan []byte, sendChanSize),
		readLimit:   maxMessageSize,
		pongTimeout: pongTimeout,
		done:        done,
		cancel:      cancel,
		logger:      logger.With(zap.String("conn_id", id)),
	}
	c.touch()

	return c
}

func (c *Connection) touch() {
	c.lastSeen.Store(time.Now().UnixMilli())
	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongTimeout))
}

// LastSeen 最后一次收到客户端数据（含 pong）的时间
func (c *Connection) LastSeen() time.Time {
	return time.UnixMilli(c.lastSeen.Load())
}

// Dropped 因发送队列已满而丢弃的消息数
func (c *Connection) Dropped() int64 {
	return c.dropped.Load()
}

// Send 非阻塞入队，队列满时丢弃
func (c *Connection) Send(data []byte) bool {
	if c.closed.Load() {
		return false
	}

	select {
	case c.outbox <- data:
		return true
	case <-c.done.Done():
		return false
	default:
		if c.dropped.Add(1) == 1 {
			c.logger.Warn("outbox full, dropping live feed frames")
		}
		return false
	}
}

func (c *Connection) Done() <-chan struct{} {
	return c.done.Done()
}

// Close 可重复调用；outbox 不关闭，写循环通过 Done 退出
func (c *Connection) Close() {
	c.CloseWith(websocket.CloseGoingAway, "live feed closed")
}

// CloseWith 发送关闭帧后断开
func (c *Connection) CloseWith(code int, reason string) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.cancel()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeWait))
	_ = c.ws.Close()
	c.logger.Info("connection closed", zap.Int64("dropped", c.dropped.Load()))
}

// ReadPump 读取消息循环，超时未收到 pong 时退出
func (c *Connection) ReadPump(handler MessageHandler) {
	defer c.Close()

	c.ws.SetReadLimit(c.readLimit)
	c.touch()
	c.ws.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.closed.Load() && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("read error", zap.Error(err))
			}
			return
		}
		c.touch()

		if err = handler.HandleMessage(c, data); err != nil {
			c.logger.Warn("bad client frame", zap.Error(err))
		}
	}
}

// WritePump 写入消息循环，同时按 pingInterval 发送 ping
func (c *Connection) WritePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		var (
			kind    = websocket.PingMessage
			payload []byte
		)

		select {
		case <-c.done.Done():
			return
		case payload = <-c.outbox:
			kind = websocket.TextMessage
		case <-ticker.C:
		}

		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(kind, payload); err != nil {
			c.logger.Warn("write error", zap.Int("kind", kind), zap.Error(err))
			return
		}
	}
}
