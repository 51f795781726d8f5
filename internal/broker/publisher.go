package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// 消息 ID 前缀
const (
	MessageIDPrefix       = "msg"
	DirectMessageIDPrefix = "direct_msg"
)

// Publisher 发布消息，附带投递元数据
type Publisher struct {
	origin  string
	seq     atomic.Uint64
	mu      sync.Mutex
	metrics *Metrics
	logger  *zap.Logger
}

func NewPublisher(origin string, metrics *Metrics, logger *zap.Logger) *Publisher {
	return &Publisher{
		origin:  origin,
		metrics: metrics,
		logger:  logger,
	}
}

// Envelope 构造消息，交换机和直投两种方式只有 id 前缀不同
func (p *Publisher) Envelope(body []byte, idPrefix string) amqp.Publishing {
	now := time.Now()
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    fmt.Sprintf("%s_%d_%d", idPrefix, now.UnixMilli(), p.seq.Add(1)),
		Timestamp:    now,
		AppId:        p.origin,
		Body:         body,
	}
}

// Publish 发布到交换机，返回 nil 只表示 channel 已接收
func (p *Publisher) Publish(ctx context.Context, ch Channel, exchange, routingKey string, body []byte) error {
	return p.send(ctx, ch, exchange, routingKey, p.Envelope(body, MessageIDPrefix))
}

// PublishToQueue 经默认交换机直接投递到队列
func (p *Publisher) PublishToQueue(ctx context.Context, ch Channel, queue string, body []byte) error {
	return p.send(ctx, ch, "", queue, p.Envelope(body, DirectMessageIDPrefix))
}

func (p *Publisher) send(ctx context.Context, ch Channel, exchange, key string, msg amqp.Publishing) error {
	target := exchange
	if target == "" {
		target = "queue:" + key
	}

	if ch == nil {
		p.metrics.Published.WithLabelValues(target, "failure").Inc()
		return fmt.Errorf("%w: channel is not available", ErrPublish)
	}

	p.mu.Lock()
	err := ch.PublishWithContext(ctx, exchange, key, false, false, msg)
	p.mu.Unlock()

	if err != nil {
		p.metrics.Published.WithLabelValues(target, "failure").Inc()
		p.logger.Error("publish message failed",
			zap.String("exchange", exchange),
			zap.String("routing_key", key),
			zap.String("message_id", msg.MessageId),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}

	p.metrics.Published.WithLabelValues(target, "success").Inc()
	p.logger.Debug("message published",
		zap.String("exchange", exchange),
		zap.String("routing_key", key),
		zap.String("message_id", msg.MessageId),
		zap.Int("size", len(msg.Body)),
	)
	return nil
}
