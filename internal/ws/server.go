package ws

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Options 连接参数
type Options struct {
	ReadBufferSize  int
	WriteBufferSize int
	PingInterval    time.Duration
	PongTimeout     time.Duration
	MaxMessageSize  int64
	SendChannelSize int
}

// Handler 升级 /ws 请求并交给 Hub
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	opts     Options
	logger   *zap.Logger
}

func NewHandler(hub *Hub, opts Options, logger *zap.Logger) *Handler {
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  opts.ReadBufferSize,
			WriteBufferSize: opts.WriteBufferSize,
			// 只读的消息流，不限制来源
			CheckOrigin: func(*http.Request) bool { return true },
		},
		opts:   opts,
		logger: logger,
	}
}

// RegisterRoutes 注册 /ws
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/ws", h.ServeWS).Methods(http.MethodGet)
}

func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader 已写回错误响应
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := NewConnection(uuid.NewString(), wsConn, h.opts.SendChannelSize, h.opts.MaxMessageSize, h.opts.PongTimeout, h.logger)
	if err := h.hub.AddConnection(conn); err != nil {
		h.logger.Warn("rejecting live feed connection", zap.Error(err))
		conn.CloseWith(websocket.CloseTryAgainLater, err.Error())
		return
	}

	h.hub.Run(conn, h.opts.PingInterval)
}
