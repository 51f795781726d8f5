// Package api 节点对外的 REST 接口
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/qiuyier/service-bridge/internal/broker"
	"github.com/qiuyier/service-bridge/internal/consts"
	"github.com/qiuyier/service-bridge/internal/events"
	"github.com/qiuyier/service-bridge/internal/httputil"
)

// Sender 以本节点身份向对端发消息
type Sender interface {
	Node() events.Node
	SendToPeer(ctx context.Context, text, via string) (events.Message, error)
	SendDirectToPeer(ctx context.Context, text string) (events.Message, error)
}

// BrokerStatus 连接状态和统计
type BrokerStatus interface {
	GetStats() *broker.BrokerStats
	HealthCheck() error
}

type Handlers struct {
	sender Sender
	status BrokerStatus
	logger *zap.Logger
}

func NewHandlers(sender Sender, status BrokerStatus, logger *zap.Logger) *Handlers {
	return &Handlers{sender: sender, status: status, logger: logger}
}

// RegisterRoutes 注册消息、状态和健康检查路由
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", h.Healthz).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/message", h.SendMessage).Methods(http.MethodPost)
	api.HandleFunc("/message/exchange", h.SendViaExchange).Methods(http.MethodPost)
	api.HandleFunc("/message/direct", h.SendDirect).Methods(http.MethodPost)
	api.HandleFunc("/status", h.Status).Methods(http.MethodGet)
}

type sendRequest struct {
	Message string `json:"message"`
}

// ExchangeDetails 经交换机发送时的路由信息
type ExchangeDetails struct {
	Exchange    string `json:"exchange"`
	RoutingKey  string `json:"routingKey"`
	Destination string `json:"destination"`
}

// DirectDetails 直接投递队列时的信息
type DirectDetails struct {
	Queue  string `json:"queue"`
	Method string `json:"method"`
}

// SendMessage 发给对端 POST /api/message
func (h *Handlers) SendMessage(w http.ResponseWriter, r *http.Request) {
	text, ok := h.readMessage(w, r)
	if !ok {
		return
	}

	peer := h.sender.Node().Peer()
	if _, err := h.sender.SendToPeer(r.Context(), text, ""); err != nil {
		h.sendFailed(w, "Failed to send message", err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{
		Success: true,
		Message: fmt.Sprintf("Message sent to %s", peer.Name),
	})
}

// SendViaExchange 经交换机发送 POST /api/message/exchange
func (h *Handlers) SendViaExchange(w http.ResponseWriter, r *http.Request) {
	text, ok := h.readMessage(w, r)
	if !ok {
		return
	}

	peer := h.sender.Node().Peer()
	if _, err := h.sender.SendToPeer(r.Context(), text, consts.SentViaExchange); err != nil {
		h.sendFailed(w, "Failed to send message", err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{
		Success: true,
		Message: fmt.Sprintf("Message sent to %s via exchange", peer.Name),
		Details: ExchangeDetails{
			Exchange:    consts.Exchange,
			RoutingKey:  peer.RoutingKey,
			Destination: peer.Queue,
		},
	})
}

// SendDirect 直投对端队列 POST /api/message/direct
func (h *Handlers) SendDirect(w http.ResponseWriter, r *http.Request) {
	text, ok := h.readMessage(w, r)
	if !ok {
		return
	}

	peer := h.sender.Node().Peer()
	if _, err := h.sender.SendDirectToPeer(r.Context(), text); err != nil {
		h.sendFailed(w, "Failed to send direct message", err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{
		Success: true,
		Message: fmt.Sprintf("Message sent directly to %s queue", peer.Name),
		Details: DirectDetails{Queue: peer.Queue, Method: "direct"},
	})
}

// Status 节点状态 GET /api/status
func (h *Handlers) Status(w http.ResponseWriter, _ *http.Request) {
	node := h.sender.Node()
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":   node.Name + " is running",
		"identity": node.Identity,
		"broker":   h.status.GetStats(),
	})
}

// Healthz broker 不可用时返回 503
func (h *Handlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	if err := h.status.HealthCheck(); err != nil {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) readMessage(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req sendRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return "", false
	}
	if req.Message == "" {
		h.logger.Warn("missing message content in request", zap.String("path", r.URL.Path))
		httputil.WriteError(w, http.StatusBadRequest, "Message content is required")
		return "", false
	}
	return req.Message, true
}

func (h *Handlers) sendFailed(w http.ResponseWriter, message string, err error) {
	h.logger.Error("send message failed", zap.Error(err))

	if errors.Is(err, events.ErrEmptyMessage) {
		httputil.WriteError(w, http.StatusBadRequest, "Message content is required")
		return
	}
	httputil.WriteFailure(w, http.StatusInternalServerError, message, err)
}
