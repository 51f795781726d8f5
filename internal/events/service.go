// Package events 节点之间的消息收发
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/qiuyier/service-bridge/internal/broker"
	"github.com/qiuyier/service-bridge/internal/consts"
)

var ErrEmptyMessage = errors.New("message content is required")

// Receiver 接收本节点消费到的消息
type Receiver interface {
	Receive(msg Message)
}

type ReceiverFunc func(msg Message)

func (f ReceiverFunc) Receive(msg Message) { f(msg) }

// Service 以某个节点的身份收发消息
type Service struct {
	node      Node
	broker    broker.MessageBroker
	receivers []Receiver
	logger    *zap.Logger
	now       func() time.Time
}

func NewService(node Node, b broker.MessageBroker, logger *zap.Logger, receivers ...Receiver) *Service {
	return &Service{
		node:      node,
		broker:    b,
		receivers: receivers,
		logger:    logger.With(zap.String("service", node.Identity)),
		now:       time.Now,
	}
}

func (s *Service) Node() Node { return s.node }

// SendToPeer 经交换机按对端路由键发送，via 可为空
func (s *Service) SendToPeer(ctx context.Context, text, via string) (Message, error) {
	if text == "" {
		return Message{}, ErrEmptyMessage
	}

	peer := s.node.Peer()
	msg := NewMessage(text, s.node.Identity, via, s.now())
	body, err := json.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("encode message: %w", err)
	}

	s.logger.Info("sending message to peer",
		zap.String("peer", peer.Identity),
		zap.String("routing_key", peer.RoutingKey),
		zap.String("sent_via", via),
	)

	if err := s.broker.Publish(ctx, peer.RoutingKey, body); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// SendDirectToPeer 绕过交换机，经默认交换机直接投递到对端队列
func (s *Service) SendDirectToPeer(ctx context.Context, text string) (Message, error) {
	if text == "" {
		return Message{}, ErrEmptyMessage
	}

	peer := s.node.Peer()
	msg := NewMessage(text, s.node.Identity, consts.SentViaDirect, s.now())
	body, err := json.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("encode message: %w", err)
	}

	s.logger.Info("sending message directly to peer queue",
		zap.String("peer", peer.Identity),
		zap.String("queue", peer.Queue),
	)

	if err := s.broker.PublishToQueue(ctx, peer.Queue, body); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// SetupConsumers 订阅本节点自己的队列
func (s *Service) SetupConsumers(ctx context.Context) error {
	s.logger.Info("setting up message consumers", zap.String("queue", s.node.Queue))

	if err := s.broker.Subscribe(ctx, s.node.Queue, s.HandleMessage); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.node.Queue, err)
	}

	s.logger.Info("consumers ready", zap.String("queue", s.node.Queue))
	return nil
}

// HandleMessage 解码消息并分发给 receivers，解码失败返回错误（消息仍会被确认）
func (s *Service) HandleMessage(body []byte) error {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	s.logger.Info("processed message",
		zap.String("sent_from", msg.SentFrom),
		zap.String("sent_via", msg.SentVia),
		zap.String("timestamp", msg.Timestamp),
		zap.String("message", msg.Message),
	)

	for _, r := range s.receivers {
		r.Receive(msg)
	}
	return nil
}
