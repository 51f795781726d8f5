package broker

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel *amqp.Channel 中用到的方法
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Connection 可创建 Channel 的连接
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// DialFunc 按 url 建立连接
type DialFunc func(url string) (Connection, error)

// ConnectionConfig amqp 连接参数
type ConnectionConfig struct {
	Name      string
	Heartbeat time.Duration
	Locale    string
}

// NewDialer 基于 amqp091-go 的 DialFunc
func NewDialer(cfg ConnectionConfig) DialFunc {
	if cfg.Locale == "" {
		cfg.Locale = "en_US"
	}

	return func(url string) (Connection, error) {
		props := amqp.NewConnectionProperties()
		if cfg.Name != "" {
			props.SetClientConnectionName(cfg.Name)
		}

		conn, err := amqp.DialConfig(url, amqp.Config{
			Heartbeat:  cfg.Heartbeat,
			Locale:     cfg.Locale,
			Properties: props,
		})
		if err != nil {
			return nil, err
		}
		return &amqpConnection{Connection: conn}, nil
	}
}

type amqpConnection struct {
	*amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}
