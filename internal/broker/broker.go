package broker

import (
	"context"
	"errors"
)

var (
	// ErrConnection 重试次数耗尽后仍无法连接到 broker
	ErrConnection = errors.New("broker connection failed")
	// ErrTopology 交换机/队列声明或绑定被 broker 拒绝
	ErrTopology = errors.New("broker topology setup failed")
	// ErrPublish channel 不可用或 broker 拒绝发布
	ErrPublish = errors.New("broker publish failed")
	// ErrHandler 消费回调处理失败（消息仍会被确认）
	ErrHandler = errors.New("message handler failed")
	// ErrClosed broker 已关闭
	ErrClosed = errors.New("broker is closed")
)

// MessageBroker 消息代理接口
type MessageBroker interface {
	// Publish 通过交换机按路由键发布消息
	Publish(ctx context.Context, routingKey string, message []byte) error

	// PublishToQueue 绕过交换机直接投递到指定队列
	PublishToQueue(ctx context.Context, queue string, message []byte) error

	// Subscribe 订阅队列，注册后立即返回，消息异步投递
	Subscribe(ctx context.Context, queue string, handler MessageHandler) error

	// Close 关闭连接
	Close() error

	// GetStats 获取统计信息
	GetStats() *BrokerStats
}

// MessageHandler 消息处理函数
type MessageHandler func(message []byte) error

// BrokerStats 统计信息
type BrokerStats struct {
	ActiveConsumers int32 `json:"active_consumers"`
	ProcessedCount  int64 `json:"processed"`
	ErrorCount      int64 `json:"errors"`
	PublishCount    int64 `json:"published"`
}
