package broker

import (
	"context"
	"fmt"
	neturl "net/url"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultRetries    = 5
	DefaultRetryDelay = 5 * time.Second
)

// Session 一个已建立的连接及其上的逻辑 channel
type Session struct {
	Conn    Connection
	Channel Channel
}

// Close 先关 channel 再关连接
func (s *Session) Close() error {
	var closeErr error
	if s.Channel != nil {
		closeErr = s.Channel.Close()
	}
	if s.Conn != nil && !s.Conn.IsClosed() {
		if err := s.Conn.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
	}
	return closeErr
}

// Connector 建立 broker 连接，失败后按固定间隔重试
type Connector struct {
	url     string
	retries int
	delay   time.Duration
	dial    DialFunc
	metrics *Metrics
	logger  *zap.Logger
}

func NewConnector(url string, retries int, delay time.Duration, dial DialFunc, metrics *Metrics, logger *zap.Logger) *Connector {
	if retries < 0 {
		retries = DefaultRetries
	}
	if delay < 0 {
		delay = DefaultRetryDelay
	}

	return &Connector{
		url:     url,
		retries: retries,
		delay:   delay,
		dial:    dial,
		metrics: metrics,
		logger:  logger,
	}
}

// Connect 建立连接和 channel，失败按固定间隔重试，耗尽后返回 ErrConnection
func (c *Connector) Connect(ctx context.Context) (*Session, error) {
	attemptsLeft := c.retries

	for {
		c.logger.Info("connecting to rabbitmq",
			zap.String("url", redactURL(c.url)),
			zap.Int("attempts_left", attemptsLeft),
		)

		session, err := c.attempt()
		if err == nil {
			c.metrics.ConnectAttempts.WithLabelValues("success").Inc()
			c.logger.Info("connected to rabbitmq")
			return session, nil
		}

		c.metrics.ConnectAttempts.WithLabelValues("failure").Inc()
		c.logger.Error("rabbitmq connection failed",
			zap.Int("attempts_left", attemptsLeft),
			zap.Error(err),
		)

		if attemptsLeft <= 0 {
			return nil, fmt.Errorf("%w: gave up after %d attempts: %w", ErrConnection, c.retries+1, err)
		}

		c.logger.Info("retrying rabbitmq connection",
			zap.Duration("delay", c.delay),
			zap.Int("attempts_left", attemptsLeft),
		)

		timer := time.NewTimer(c.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %w", ErrConnection, ctx.Err())
		case <-timer.C:
		}

		attemptsLeft--
	}
}

func (c *Connector) attempt() (*Session, error) {
	conn, err := c.dial(c.url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	return &Session{Conn: conn, Channel: ch}, nil
}

// 日志里不输出密码
func redactURL(raw string) string {
	u, err := neturl.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}
