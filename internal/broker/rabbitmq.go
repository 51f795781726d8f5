package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const DefaultShutdownTimeout = 30 * time.Second

var _ MessageBroker = (*RabbitMQBroker)(nil)

// Options RabbitMQBroker 配置
type Options struct {
	URL string
	// Identity 作为 AppId 写入每条消息，也是 consumer tag 前缀
	Identity        string
	Retries         int
	RetryDelay      time.Duration
	Prefetch        int
	ShutdownTimeout time.Duration
	Dial            DialFunc
	Metrics         *Metrics
}

// RabbitMQBroker 进程内唯一的连接和 channel，发布与消费共用
type RabbitMQBroker struct {
	connector *Connector
	topology  *Topology
	publisher *Publisher
	consumer  *Consumer
	logger    *zap.Logger

	// 一次性初始化：连接 + 拓扑
	initOnce sync.Once
	initErr  error
	session  atomic.Pointer[Session]
	watchers sync.WaitGroup
	// 共享 channel 被 broker 关闭后置位，不再恢复
	channelDown atomic.Bool

	// 关闭控制
	closeOnce       sync.Once
	closed          atomic.Bool
	ctx             context.Context
	cancel          context.CancelFunc
	shutdownTimeout time.Duration

	publishCount atomic.Int64
	publishErrs  atomic.Int64
}

func NewRabbitMQBroker(opts Options, logger *zap.Logger) *RabbitMQBroker {
	if opts.Dial == nil {
		opts.Dial = NewDialer(ConnectionConfig{Name: opts.Identity})
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &RabbitMQBroker{
		connector:       NewConnector(opts.URL, opts.Retries, opts.RetryDelay, opts.Dial, opts.Metrics, logger),
		topology:        NewTopology(logger),
		publisher:       NewPublisher(opts.Identity, opts.Metrics, logger),
		consumer:        NewConsumer(opts.Identity, opts.Prefetch, opts.Metrics, logger),
		logger:          logger,
		ctx:             ctx,
		cancel:          cancel,
		shutdownTimeout: opts.ShutdownTimeout,
	}
}

// Start 连接、声明拓扑并校验；重试期间取消 ctx 会终止 broker
func (r *RabbitMQBroker) Start(ctx context.Context) error {
	stop := context.AfterFunc(ctx, r.cancel)
	defer stop()

	if _, err := r.ready(); err != nil {
		return err
	}

	r.topology.Verify(r.session.Load().Conn.Channel)
	return nil
}

// Publish 通过交换机发布消息
func (r *RabbitMQBroker) Publish(ctx context.Context, routingKey string, message []byte) error {
	ch, err := r.ready()
	if err != nil {
		r.publishErrs.Add(1)
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}

	if err := r.publisher.Publish(ctx, ch, r.topology.exchange, routingKey, message); err != nil {
		r.publishErrs.Add(1)
		return err
	}

	r.publishCount.Add(1)
	return nil
}

// PublishToQueue 直接投递到队列（诊断或兜底用）
func (r *RabbitMQBroker) PublishToQueue(ctx context.Context, queue string, message []byte) error {
	ch, err := r.ready()
	if err != nil {
		r.publishErrs.Add(1)
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}

	if err := r.publisher.PublishToQueue(ctx, ch, queue, message); err != nil {
		r.publishErrs.Add(1)
		return err
	}

	r.publishCount.Add(1)
	return nil
}

// Subscribe 订阅队列
func (r *RabbitMQBroker) Subscribe(_ context.Context, queue string, handler MessageHandler) error {
	ch, err := r.ready()
	if err != nil {
		return err
	}

	r.logger.Info("setting up consumer", zap.String("queue", queue))
	return r.consumer.Subscribe(r.ctx, ch, queue, handler)
}

func (r *RabbitMQBroker) Close() error {
	var closeErr error

	r.closeOnce.Do(func() {
		if r.closed.Swap(true) {
			return
		}

		r.logger.Info("closing rabbitmq broker")

		// 1. 取消 context（停止重试等待和所有消费循环）
		r.cancel()

		// 2. 等待进行中的初始化结束，之后 session 不再变化
		r.initOnce.Do(func() { r.initErr = ErrClosed })

		// 3. 等待消费循环退出
		r.watchers.Wait()
		if r.consumer.Wait(r.shutdownTimeout) {
			r.logger.Info("all consumers stopped gracefully")
		} else {
			r.logger.Warn("force closing: consumers timeout")
		}

		// 4. 关闭 channel 和连接
		if session := r.session.Load(); session != nil {
			if err := session.Close(); err != nil {
				r.logger.Error("close session failed", zap.Error(err))
				closeErr = err
			}
		}

		stats := r.GetStats()
		r.logger.Info("rabbitmq broker closed",
			zap.Int64("processed", stats.ProcessedCount),
			zap.Int64("errors", stats.ErrorCount),
			zap.Int64("published", stats.PublishCount),
		)
	})

	return closeErr
}

// GetStats 获取统计信息
func (r *RabbitMQBroker) GetStats() *BrokerStats {
	return &BrokerStats{
		ActiveConsumers: r.consumer.activeConsumers.Load(),
		ProcessedCount:  r.consumer.processedCount.Load(),
		ErrorCount:      r.consumer.errorCount.Load() + r.publishErrs.Load(),
		PublishCount:    r.publishCount.Load(),
	}
}

// HealthCheck 健康检查
func (r *RabbitMQBroker) HealthCheck() error {
	if r.closed.Load() {
		return ErrClosed
	}

	session := r.session.Load()
	if session == nil {
		return errors.New("broker not connected")
	}
	if session.Conn.IsClosed() {
		return errors.New("connection is closed")
	}
	if r.channelDown.Load() {
		return errors.New("channel is closed")
	}
	return nil
}

// ready 首次调用时建立连接并声明拓扑，并发调用者等待同一次初始化
func (r *RabbitMQBroker) ready() (Channel, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}

	r.initOnce.Do(func() {
		r.initErr = r.init()
	})
	if r.initErr != nil {
		return nil, r.initErr
	}

	return r.session.Load().Channel, nil
}

func (r *RabbitMQBroker) init() error {
	r.logger.Info("initializing rabbitmq channel")

	session, err := r.connector.Connect(r.ctx)
	if err != nil {
		return err
	}

	if err := r.topology.Ensure(session.Channel); err != nil {
		_ = session.Close()
		return err
	}

	r.session.Store(session)

	// 监听连接断开
	r.watchers.Add(1)
	go r.watch(session)

	return nil
}

// watch 记录 broker 主动关闭，不重连
func (r *RabbitMQBroker) watch(session *Session) {
	defer r.watchers.Done()

	connErrs := session.Conn.NotifyClose(make(chan *amqp.Error, 1))
	chanErrs := session.Channel.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-r.ctx.Done():
			return

		case err, ok := <-connErrs:
			if !ok {
				return
			}
			r.logger.Error("rabbitmq connection error",
				zap.Error(err),
				zap.Int("code", err.Code),
				zap.String("reason", err.Reason),
			)

		case err, ok := <-chanErrs:
			r.channelDown.Store(true)
			if !ok {
				chanErrs = nil
				continue
			}
			r.logger.Error("rabbitmq channel error",
				zap.Error(err),
				zap.Int("code", err.Code),
				zap.String("reason", err.Reason),
			)
		}
	}
}
