// Package brokertest 内存版 AMQP broker，实现 broker.Connection 和 broker.Channel
//
// 声明参数不一致返回 406，passive 检查不存在返回 404，异常会关闭 channel
package brokertest

import (
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/qiuyier/service-bridge/internal/broker"
)

// ErrDialRefused 注入的拨号失败
var ErrDialRefused = errors.New("brokertest: connection refused")

const deliveryBuffer = 4096

// Binding 交换机上的一条绑定
type Binding struct {
	Queue      string
	RoutingKey string
}

type exchange struct {
	kind     string
	durable  bool
	bindings []Binding
}

type message struct {
	exchange   string
	routingKey string
	publishing amqp.Publishing
}

type queue struct {
	durable   bool
	ready     []message
	consumers []*consumer
	next      int
}

type consumer struct {
	tag        string
	channel    *Channel
	deliveries chan amqp.Delivery
}

// Server 共享的 broker 状态，同一 Server 的连接看到相同的交换机和队列
type Server struct {
	mu sync.Mutex

	exchanges map[string]*exchange
	queues    map[string]*queue

	dialFailures   int
	dials          int
	rejectPublish  error
	nextTag        uint64
	nextQueueID    int
	acks           map[uint64]int
	nacks          map[uint64]int
	publishedCount int
	connections    []*Connection
}

func NewServer() *Server {
	return &Server{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		acks:      make(map[uint64]int),
		nacks:     make(map[uint64]int),
	}
}

// FailDials 之后 n 次 Dial 失败
func (s *Server) FailDials(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialFailures = n
}

// RejectPublishes 之后的发布都返回 err，传 nil 恢复
func (s *Server) RejectPublishes(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectPublish = err
}

// Dial 符合 broker.DialFunc
func (s *Server) Dial(_ string) (broker.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dials++
	if s.dialFailures > 0 {
		s.dialFailures--
		return nil, ErrDialRefused
	}

	conn := &Connection{srv: s}
	s.connections = append(s.connections, conn)
	return conn, nil
}

// Dials Dial 调用次数
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// HasExchange 交换机是否存在及其类型
func (s *Server) HasExchange(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, ok := s.exchanges[name]
	if !ok {
		return "", false
	}
	return ex.kind, true
}

// HasQueue 队列是否已声明
func (s *Server) HasQueue(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.queues[name]
	return ok
}

// Bindings 交换机上的绑定（副本）
func (s *Server) Bindings(exchangeName string) []Binding {
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, ok := s.exchanges[exchangeName]
	if !ok {
		return nil
	}
	return append([]Binding(nil), ex.bindings...)
}

// Ready 队列中等待消费的消息体
func (s *Server) Ready(queueName string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[queueName]
	if !ok {
		return nil
	}
	bodies := make([][]byte, 0, len(q.ready))
	for _, m := range q.ready {
		bodies = append(bodies, m.publishing.Body)
	}
	return bodies
}

// ReadyPublishings 队列中等待消费的完整消息
func (s *Server) ReadyPublishings(queueName string) []amqp.Publishing {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[queueName]
	if !ok {
		return nil
	}
	out := make([]amqp.Publishing, 0, len(q.ready))
	for _, m := range q.ready {
		out = append(out, m.publishing)
	}
	return out
}

// Published 已接受的发布数
func (s *Server) Published() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publishedCount
}

// Acks delivery tag -> 确认次数
func (s *Server) Acks() map[uint64]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[uint64]int, len(s.acks))
	for k, v := range s.acks {
		out[k] = v
	}
	return out
}

// Nacks delivery tag -> nack/reject 次数
func (s *Server) Nacks() map[uint64]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[uint64]int, len(s.nacks))
	for k, v := range s.nacks {
		out[k] = v
	}
	return out
}

// ForceClose 以 CONNECTION_FORCED 关闭所有连接
func (s *Server) ForceClose() {
	s.mu.Lock()
	defer s.mu.Unlock()

	reason := &amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure", Server: true}
	for _, c := range s.connections {
		c.closeLocked(reason)
	}
}

// route 投递或入队，调用方持有 s.mu
func (s *Server) route(exchangeName, key string, msg amqp.Publishing) error {
	m := message{exchange: exchangeName, routingKey: key, publishing: msg}

	if exchangeName == "" {
		if q, ok := s.queues[key]; ok {
			s.enqueue(q, m)
		}
		return nil
	}

	ex, ok := s.exchanges[exchangeName]
	if !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s' in vhost '/'", exchangeName), Server: true}
	}

	for _, b := range ex.bindings {
		if ex.kind == amqp.ExchangeFanout || b.RoutingKey == key {
			if q, ok := s.queues[b.Queue]; ok {
				s.enqueue(q, m)
			}
		}
	}
	return nil
}

// enqueue 轮询交给消费者，无消费者时暂存，调用方持有 s.mu
func (s *Server) enqueue(q *queue, m message) {
	if len(q.consumers) == 0 {
		q.ready = append(q.ready, m)
		return
	}

	c := q.consumers[q.next%len(q.consumers)]
	q.next++
	s.deliver(c, m)
}

func (s *Server) deliver(c *consumer, m message) {
	s.nextTag++
	p := m.publishing
	c.deliveries <- amqp.Delivery{
		Acknowledger:    c.channel,
		Headers:         p.Headers,
		ContentType:     p.ContentType,
		ContentEncoding: p.ContentEncoding,
		DeliveryMode:    p.DeliveryMode,
		Priority:        p.Priority,
		CorrelationId:   p.CorrelationId,
		ReplyTo:         p.ReplyTo,
		Expiration:      p.Expiration,
		MessageId:       p.MessageId,
		Timestamp:       p.Timestamp,
		Type:            p.Type,
		UserId:          p.UserId,
		AppId:           p.AppId,
		ConsumerTag:     c.tag,
		DeliveryTag:     s.nextTag,
		Exchange:        m.exchange,
		RoutingKey:      m.routingKey,
		Body:            p.Body,
	}
}

func (s *Server) removeConsumers(ch *Channel) {
	for _, q := range s.queues {
		kept := q.consumers[:0]
		for _, c := range q.consumers {
			if c.channel != ch {
				kept = append(kept, c)
			}
		}
		q.consumers = kept
	}
}
