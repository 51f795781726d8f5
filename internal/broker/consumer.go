package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Consumer 订阅队列并调用处理函数，无论处理成功、失败或 panic 都确认一次
type Consumer struct {
	tagPrefix string
	prefetch  int

	subscriptions cmap.ConcurrentMap[string, MessageHandler]
	wg            sync.WaitGroup

	activeConsumers atomic.Int32
	processedCount  atomic.Int64
	errorCount      atomic.Int64

	metrics *Metrics
	logger  *zap.Logger
}

// NewConsumer prefetch 为 0 时不限制在途消息数
func NewConsumer(tagPrefix string, prefetch int, metrics *Metrics, logger *zap.Logger) *Consumer {
	return &Consumer{
		tagPrefix:     tagPrefix,
		prefetch:      prefetch,
		subscriptions: cmap.New[MessageHandler](),
		metrics:       metrics,
		logger:        logger,
	}
}

// Subscribe broker 接受后立即返回，后台消费直到 ctx 取消或 channel 关闭；重复订阅只替换 handler
func (c *Consumer) Subscribe(ctx context.Context, ch Channel, queue string, handler MessageHandler) error {
	if !c.subscriptions.SetIfAbsent(queue, handler) {
		c.logger.Warn("queue already subscribed, replacing handler",
			zap.String("queue", queue),
		)
		c.subscriptions.Set(queue, handler)
		return nil
	}

	if c.prefetch > 0 {
		if err := ch.Qos(c.prefetch, 0, false); err != nil {
			c.subscriptions.Remove(queue)
			return fmt.Errorf("set qos: %w", err)
		}
	}

	tag := fmt.Sprintf("%s-%s", c.tagPrefix, uuid.NewString())
	msgs, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		// 回滚
		c.subscriptions.Remove(queue)
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	c.logger.Info("now consuming messages",
		zap.String("queue", queue),
		zap.String("consumer_tag", tag),
		zap.Int("total_queues", c.subscriptions.Count()),
	)

	c.wg.Add(1)
	go c.loop(ctx, queue, msgs)

	return nil
}

func (c *Consumer) loop(ctx context.Context, queue string, msgs <-chan amqp.Delivery) {
	defer c.wg.Done()

	c.activeConsumers.Add(1)
	c.metrics.ActiveConsumers.Inc()
	defer func() {
		c.activeConsumers.Add(-1)
		c.metrics.ActiveConsumers.Dec()
	}()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopping", zap.String("queue", queue))
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warn("delivery channel closed", zap.String("queue", queue))
				return
			}
			c.handleDelivery(queue, msg)
		}
	}
}

func (c *Consumer) handleDelivery(queue string, msg amqp.Delivery) {
	start := time.Now()
	c.metrics.Consumed.WithLabelValues(queue).Inc()

	c.logger.Debug("message received",
		zap.String("queue", queue),
		zap.Uint64("delivery_tag", msg.DeliveryTag),
		zap.String("message_id", msg.MessageId),
		zap.String("app_id", msg.AppId),
	)

	handler, exists := c.subscriptions.Get(queue)
	if !exists {
		c.logger.Warn("no handler for queue", zap.String("queue", queue))
	} else if err := invoke(handler, msg.Body); err != nil {
		c.errorCount.Add(1)
		c.metrics.HandlerErrors.WithLabelValues(queue).Inc()
		c.logger.Error("message handler failed",
			zap.String("queue", queue),
			zap.Uint64("delivery_tag", msg.DeliveryTag),
			zap.String("message_id", msg.MessageId),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
	}

	if err := msg.Ack(false); err != nil {
		c.logger.Error("ack failed",
			zap.String("queue", queue),
			zap.Uint64("delivery_tag", msg.DeliveryTag),
			zap.Error(err),
		)
		return
	}

	c.processedCount.Add(1)
	c.logger.Debug("message processed",
		zap.String("queue", queue),
		zap.Uint64("delivery_tag", msg.DeliveryTag),
		zap.Duration("duration", time.Since(start)),
	)
}

// Wait 等待所有消费循环退出，超时返回 false
func (c *Consumer) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func invoke(handler MessageHandler, body []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrHandler, r)
		}
	}()

	if err := handler(body); err != nil {
		return fmt.Errorf("%w: %w", ErrHandler, err)
	}
	return nil
}
