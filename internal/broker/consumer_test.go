package broker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/qiuyier/service-bridge/internal/broker"
	"github.com/qiuyier/service-bridge/internal/broker/brokertest"
	"github.com/qiuyier/service-bridge/internal/consts"
)

func declaredChannel(t *testing.T, srv *brokertest.Server) broker.Channel {
	t.Helper()

	ch := openChannel(t, srv)
	require.NoError(t, broker.NewTopology(zaptest.NewLogger(t)).Declare(ch))
	return ch
}

func TestConsumerAppliesPrefetch(t *testing.T) {
	srv := brokertest.NewServer()
	ch := declaredChannel(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	c := broker.NewConsumer("test", 5, broker.NewMetrics(prometheus.NewRegistry()), zaptest.NewLogger(t))
	defer func() {
		cancel()
		c.Wait(time.Second)
	}()

	require.NoError(t, c.Subscribe(ctx, ch, consts.QueueServiceA, func([]byte) error { return nil }))
	assert.Equal(t, 5, ch.(*brokertest.Channel).Prefetch())
}

func TestConsumerUnknownQueue(t *testing.T) {
	srv := brokertest.NewServer()
	ch := declaredChannel(t, srv)
	c := broker.NewConsumer("test", 0, broker.NewMetrics(prometheus.NewRegistry()), zaptest.NewLogger(t))

	err := c.Subscribe(context.Background(), ch, "missing_queue", func([]byte) error { return nil })
	require.Error(t, err)

	// 回滚之后可以在新 channel 上重新订阅
	ch = declaredChannel(t, srv)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.Wait(time.Second)
	}()
	require.NoError(t, c.Subscribe(ctx, ch, consts.QueueServiceA, func([]byte) error { return nil }))
}

func TestConsumerDeliversBacklog(t *testing.T) {
	srv := brokertest.NewServer()
	ch := declaredChannel(t, srv)
	p := broker.NewPublisher(consts.ServiceA, broker.NewMetrics(prometheus.NewRegistry()), zaptest.NewLogger(t))

	// 消费者上线前发出的消息留在队列里
	for _, body := range []string{`"one"`, `"two"`} {
		require.NoError(t, p.Publish(context.Background(), ch, consts.Exchange, consts.RoutingKeyServiceB, []byte(body)))
	}
	require.Len(t, srv.Ready(consts.QueueServiceB), 2)

	received := make(chan string, 2)
	ctx, cancel := context.WithCancel(context.Background())
	c := broker.NewConsumer("test", 0, broker.NewMetrics(prometheus.NewRegistry()), zaptest.NewLogger(t))
	defer func() {
		cancel()
		c.Wait(time.Second)
	}()

	require.NoError(t, c.Subscribe(ctx, ch, consts.QueueServiceB, func(message []byte) error {
		received <- string(message)
		if string(message) == `"one"` {
			return errors.New("rejected")
		}
		return nil
	}))

	for _, want := range []string{`"one"`, `"two"`} {
		select {
		case got := <-received:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}

	assert.Eventually(t, func() bool { return len(srv.Acks()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, srv.Ready(consts.QueueServiceB))
}

func TestConsumerStopsOnCancel(t *testing.T) {
	srv := brokertest.NewServer()
	ch := declaredChannel(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	c := broker.NewConsumer("test", 0, broker.NewMetrics(prometheus.NewRegistry()), zaptest.NewLogger(t))
	require.NoError(t, c.Subscribe(ctx, ch, consts.QueueServiceA, func([]byte) error { return nil }))
	require.NoError(t, c.Subscribe(ctx, ch, consts.QueueServiceB, func([]byte) error { return nil }))

	cancel()
	assert.True(t, c.Wait(time.Second))
}
