package brokertest

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/qiuyier/service-bridge/internal/broker"
)

var (
	_ broker.Connection = (*Connection)(nil)
	_ broker.Channel    = (*Channel)(nil)
	_ amqp.Acknowledger = (*Channel)(nil)
)

// Connection 内存连接
type Connection struct {
	srv      *Server
	closed   bool
	channels []*Channel
	notify   []chan *amqp.Error
}

func (c *Connection) Channel() (broker.Channel, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}

	ch := &Channel{srv: c.srv}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *Connection) IsClosed() bool {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	return c.closed
}

func (c *Connection) Close() error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	c.closeLocked(nil)
	return nil
}

func (c *Connection) closeLocked(reason *amqp.Error) {
	if c.closed {
		return
	}
	c.closed = true

	for _, ch := range c.channels {
		ch.closeLocked(reason)
	}
	for _, n := range c.notify {
		if reason != nil {
			select {
			case n <- reason:
			default:
			}
		}
		close(n)
	}
	c.notify = nil
}

// Channel 内存 channel
type Channel struct {
	srv       *Server
	closed    bool
	prefetch  int
	notify    []chan *amqp.Error
	consumers []*consumer
}

// Prefetch 最近一次 Qos 设置的 prefetch
func (ch *Channel) Prefetch() int {
	ch.srv.mu.Lock()
	defer ch.srv.mu.Unlock()
	return ch.prefetch
}

// IsClosed 任一方关闭后为 true
func (ch *Channel) IsClosed() bool {
	ch.srv.mu.Lock()
	defer ch.srv.mu.Unlock()
	return ch.closed
}

func (ch *Channel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	ch.srv.mu.Lock()
	defer ch.srv.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	if ex, ok := ch.srv.exchanges[name]; ok {
		if ex.kind != kind {
			return ch.exceptionLocked(amqp.PreconditionFailed,
				fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s' in vhost '/': received '%s' but current is '%s'", name, kind, ex.kind))
		}
		if ex.durable != durable {
			return ch.exceptionLocked(amqp.PreconditionFailed,
				fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'durable' for exchange '%s' in vhost '/': received '%t' but current is '%t'", name, durable, ex.durable))
		}
		return nil
	}

	ch.srv.exchanges[name] = &exchange{kind: kind, durable: durable}
	return nil
}

func (ch *Channel) ExchangeDeclarePassive(name, _ string, _, _, _, _ bool, _ amqp.Table) error {
	ch.srv.mu.Lock()
	defer ch.srv.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := ch.srv.exchanges[name]; !ok {
		return ch.exceptionLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no exchange '%s' in vhost '/'", name))
	}
	return nil
}

func (ch *Channel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	ch.srv.mu.Lock()
	defer ch.srv.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}

	if name == "" {
		ch.srv.nextQueueID++
		name = fmt.Sprintf("amq.gen-%d", ch.srv.nextQueueID)
	}

	if q, ok := ch.srv.queues[name]; ok {
		if q.durable != durable {
			return amqp.Queue{}, ch.exceptionLocked(amqp.PreconditionFailed,
				fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'durable' for queue '%s' in vhost '/': received '%t' but current is '%t'", name, durable, q.durable))
		}
		return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
	}

	ch.srv.queues[name] = &queue{durable: durable}
	return amqp.Queue{Name: name}, nil
}

func (ch *Channel) QueueDeclarePassive(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	ch.srv.mu.Lock()
	defer ch.srv.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}

	q, ok := ch.srv.queues[name]
	if !ok {
		return amqp.Queue{}, ch.exceptionLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s' in vhost '/'", name))
	}
	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

func (ch *Channel) QueueBind(name, key, exchangeName string, _ bool, _ amqp.Table) error {
	ch.srv.mu.Lock()
	defer ch.srv.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	ex, ok := ch.srv.exchanges[exchangeName]
	if !ok {
		return ch.exceptionLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no exchange '%s' in vhost '/'", exchangeName))
	}
	if _, ok := ch.srv.queues[name]; !ok {
		return ch.exceptionLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s' in vhost '/'", name))
	}

	b := Binding{Queue: name, RoutingKey: key}
	for _, existing := range ex.bindings {
		if existing == b {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, b)
	return nil
}

func (ch *Channel) Qos(prefetchCount, _ int, _ bool) error {
	ch.srv.mu.Lock()
	defer ch.srv.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

func (ch *Channel) PublishWithContext(ctx context.Context, exchangeName, key string, _, _ bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ch.srv.mu.Lock()
	defer ch.srv.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if ch.srv.rejectPublish != nil {
		return ch.srv.rejectPublish
	}

	if err := ch.srv.route(exchangeName, key, msg); err != nil {
		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) {
			return ch.exceptionLocked(amqpErr.Code, amqpErr.Reason)
		}
		return err
	}

	ch.srv.publishedCount++
	return nil
}

func (ch *Channel) Consume(queueName, tag string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	ch.srv.mu.Lock()
	defer ch.srv.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}

	q, ok := ch.srv.queues[queueName]
	if !ok {
		return nil, ch.exceptionLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s' in vhost '/'", queueName))
	}

	c := &consumer{tag: tag, channel: ch, deliveries: make(chan amqp.Delivery, deliveryBuffer)}
	q.consumers = append(q.consumers, c)
	ch.consumers = append(ch.consumers, c)

	backlog := q.ready
	q.ready = nil
	for _, m := range backlog {
		ch.srv.deliver(c, m)
	}

	return c.deliveries, nil
}

func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.srv.mu.Lock()
	defer ch.srv.mu.Unlock()

	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

func (ch *Channel) Close() error {
	ch.srv.mu.Lock()
	defer ch.srv.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closeLocked(nil)
	return nil
}

// Ack 实现 amqp.Acknowledger
func (ch *Channel) Ack(tag uint64, _ bool) error {
	ch.srv.mu.Lock()
	defer ch.srv.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.srv.acks[tag]++
	return nil
}

// Nack 实现 amqp.Acknowledger
func (ch *Channel) Nack(tag uint64, _ bool, _ bool) error {
	ch.srv.mu.Lock()
	defer ch.srv.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.srv.nacks[tag]++
	return nil
}

// Reject 实现 amqp.Acknowledger
func (ch *Channel) Reject(tag uint64, _ bool) error {
	return ch.Nack(tag, false, false)
}

// exceptionLocked 模拟 channel 级异常：带错误关闭 channel
func (ch *Channel) exceptionLocked(code int, reason string) error {
	err := &amqp.Error{Code: code, Reason: reason, Server: true}
	ch.closeLocked(err)
	return err
}

func (ch *Channel) closeLocked(reason *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true

	ch.srv.removeConsumers(ch)
	for _, c := range ch.consumers {
		close(c.deliveries)
	}
	ch.consumers = nil

	for _, n := range ch.notify {
		if reason != nil {
			select {
			case n <- reason:
			default:
			}
		}
		close(n)
	}
	ch.notify = nil
}
