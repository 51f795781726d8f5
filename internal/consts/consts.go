package consts

// 服务身份
const (
	ServiceA = "service-a"
	ServiceB = "service-b"
)

// 交换机
const (
	Exchange     = "services.exchange"
	ExchangeType = "direct"
)

// 队列
const (
	QueueServiceA = "service_a_queue"
	QueueServiceB = "service_b_queue"
)

// 路由键，与目标服务一一对应
const (
	RoutingKeyServiceA = "to.service.a"
	RoutingKeyServiceB = "to.service.b"
)

// 消息发送方式
const (
	SentViaExchange = "exchange"
	SentViaDirect   = "direct-queue"
)
