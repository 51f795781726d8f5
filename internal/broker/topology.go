package broker

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/qiuyier/service-bridge/internal/consts"
)

// Binding 队列通过路由键绑定到交换机
type Binding struct {
	Queue      string
	RoutingKey string
}

// DefaultBindings 每个服务一个队列，路由键即目标服务身份
var DefaultBindings = []Binding{
	{Queue: consts.QueueServiceA, RoutingKey: consts.RoutingKeyServiceA},
	{Queue: consts.QueueServiceB, RoutingKey: consts.RoutingKeyServiceB},
}

// Topology 声明交换机、各服务队列及绑定
type Topology struct {
	exchange string
	kind     string
	bindings []Binding
	logger   *zap.Logger

	mu       sync.Mutex
	declared Channel
}

func NewTopology(logger *zap.Logger) *Topology {
	return &Topology{
		exchange: consts.Exchange,
		kind:     consts.ExchangeType,
		bindings: DefaultBindings,
		logger:   logger,
	}
}

// Ensure 每个 channel 只声明一次，失败不缓存
func (t *Topology) Ensure(ch Channel) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.declared != nil && t.declared == ch {
		return nil
	}

	if err := t.Declare(ch); err != nil {
		return err
	}

	t.declared = ch
	return nil
}

// Declare 依次声明，相同参数重复声明由 broker 视为无操作
func (t *Topology) Declare(ch Channel) error {
	t.logger.Info("declaring exchange",
		zap.String("exchange", t.exchange),
		zap.String("kind", t.kind),
	)
	if err := DeclareExchange(ch, t.exchange, t.kind); err != nil {
		return err
	}

	for _, b := range t.bindings {
		t.logger.Info("declaring queue", zap.String("queue", b.Queue))
		if _, err := ch.QueueDeclare(b.Queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("%w: declare queue %s: %w", ErrTopology, b.Queue, err)
		}
	}

	for _, b := range t.bindings {
		t.logger.Info("binding queue",
			zap.String("queue", b.Queue),
			zap.String("exchange", t.exchange),
			zap.String("routing_key", b.RoutingKey),
		)
		if err := ch.QueueBind(b.Queue, b.RoutingKey, t.exchange, false, nil); err != nil {
			return fmt.Errorf("%w: bind queue %s to %s with %s: %w", ErrTopology, b.Queue, t.exchange, b.RoutingKey, err)
		}
	}

	t.logger.Info("exchange and queues set up",
		zap.String("exchange", t.exchange),
		zap.Int("queues", len(t.bindings)),
	)
	return nil
}

// Verify 校验交换机和队列是否存在，只记日志；每次检查单独开 channel
func (t *Topology) Verify(open func() (Channel, error)) {
	t.logger.Info("verifying exchange and queues")

	check := func(what, name string, fn func(ch Channel) error) {
		ch, err := open()
		if err != nil {
			t.logger.Warn("verification channel unavailable", zap.String(what, name), zap.Error(err))
			return
		}
		defer func() { _ = ch.Close() }()

		if err := fn(ch); err != nil {
			t.logger.Warn("verification failed", zap.String(what, name), zap.Error(err))
			return
		}
		t.logger.Info("verified", zap.String(what, name))
	}

	check("exchange", t.exchange, func(ch Channel) error {
		return ch.ExchangeDeclarePassive(t.exchange, t.kind, true, false, false, false, nil)
	})

	for _, b := range t.bindings {
		check("queue", b.Queue, func(ch Channel) error {
			q, err := ch.QueueDeclarePassive(b.Queue, true, false, false, false, nil)
			if err == nil {
				t.logger.Debug("queue state",
					zap.String("queue", q.Name),
					zap.Int("messages", q.Messages),
					zap.Int("consumers", q.Consumers),
				)
			}
			return err
		})
	}
}

// DeclareExchange 声明持久交换机，参数冲突返回 ErrTopology
func DeclareExchange(ch Channel, name, kind string) error {
	if err := ch.ExchangeDeclare(name, kind, true, false, false, false, nil); err != nil {
		return fmt.Errorf("%w: declare exchange %s (%s): %w", ErrTopology, name, kind, err)
	}
	return nil
}
