package events

import (
	"fmt"

	"github.com/qiuyier/service-bridge/internal/consts"
)

// Node 服务节点：身份、展示名、自己的队列和路由键
type Node struct {
	Identity   string
	Name       string
	Queue      string
	RoutingKey string
}

var (
	ServiceA = Node{
		Identity:   consts.ServiceA,
		Name:       "Service A",
		Queue:      consts.QueueServiceA,
		RoutingKey: consts.RoutingKeyServiceA,
	}
	ServiceB = Node{
		Identity:   consts.ServiceB,
		Name:       "Service B",
		Queue:      consts.QueueServiceB,
		RoutingKey: consts.RoutingKeyServiceB,
	}
)

// LookupNode 按身份查找节点
func LookupNode(identity string) (Node, error) {
	switch identity {
	case consts.ServiceA:
		return ServiceA, nil
	case consts.ServiceB:
		return ServiceB, nil
	default:
		return Node{}, fmt.Errorf("unknown service identity %q", identity)
	}
}

// Peer 返回对端节点
func (n Node) Peer() Node {
	if n.Identity == consts.ServiceA {
		return ServiceB
	}
	return ServiceA
}
