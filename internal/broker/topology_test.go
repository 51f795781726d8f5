package broker_test

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/qiuyier/service-bridge/internal/broker"
	"github.com/qiuyier/service-bridge/internal/broker/brokertest"
	"github.com/qiuyier/service-bridge/internal/consts"
)

func openChannel(t *testing.T, srv *brokertest.Server) broker.Channel {
	t.Helper()

	conn, err := srv.Dial("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ch, err := conn.Channel()
	require.NoError(t, err)
	return ch
}

func TestTopologyDeclareIsIdempotent(t *testing.T) {
	srv := brokertest.NewServer()
	logger := zaptest.NewLogger(t)

	// 两个进程各自启动时都会声明一遍
	for i := 0; i < 2; i++ {
		require.NoError(t, broker.NewTopology(logger).Declare(openChannel(t, srv)))
	}

	kind, ok := srv.HasExchange(consts.Exchange)
	require.True(t, ok)
	assert.Equal(t, consts.ExchangeType, kind)
	assert.Len(t, srv.Bindings(consts.Exchange), 2)
	assert.True(t, srv.HasQueue(consts.QueueServiceA))
	assert.True(t, srv.HasQueue(consts.QueueServiceB))
}

func TestTopologyEnsureOncePerChannel(t *testing.T) {
	srv := brokertest.NewServer()
	ch := openChannel(t, srv)
	topo := broker.NewTopology(zaptest.NewLogger(t))

	require.NoError(t, topo.Ensure(ch))
	require.NoError(t, topo.Ensure(ch))
	require.NoError(t, topo.Ensure(openChannel(t, srv)))

	assert.Len(t, srv.Bindings(consts.Exchange), 2)
}

func TestTopologyEnsureRetriesAfterFailure(t *testing.T) {
	srv := brokertest.NewServer()
	require.NoError(t, openChannel(t, srv).ExchangeDeclare(consts.Exchange, amqp.ExchangeFanout, true, false, false, false, nil))

	topo := broker.NewTopology(zaptest.NewLogger(t))
	err := topo.Ensure(openChannel(t, srv))
	require.ErrorIs(t, err, broker.ErrTopology)
	assert.False(t, srv.HasQueue(consts.QueueServiceA))

	// 失败不会被记住，换个 channel 仍然报同样的错误
	assert.ErrorIs(t, topo.Ensure(openChannel(t, srv)), broker.ErrTopology)
}

func TestDeclareExchangeKindConflict(t *testing.T) {
	srv := brokertest.NewServer()
	ch := openChannel(t, srv)

	require.NoError(t, broker.DeclareExchange(ch, "test.exchange", amqp.ExchangeDirect))
	require.NoError(t, broker.DeclareExchange(ch, "test.exchange", amqp.ExchangeDirect))

	err := broker.DeclareExchange(ch, "test.exchange", amqp.ExchangeFanout)
	require.ErrorIs(t, err, broker.ErrTopology)

	var amqpErr *amqp.Error
	require.ErrorAs(t, err, &amqpErr)
	assert.Equal(t, amqp.PreconditionFailed, amqpErr.Code)

	kind, _ := srv.HasExchange("test.exchange")
	assert.Equal(t, amqp.ExchangeDirect, kind)
}

func TestTopologyVerifyOnlyLogs(t *testing.T) {
	srv := brokertest.NewServer()
	conn, err := srv.Dial("")
	require.NoError(t, err)
	defer conn.Close()

	core, logs := observer.New(zapcore.InfoLevel)
	topo := broker.NewTopology(zap.New(core))

	// 什么都没声明：三项检查全部失败，但只记录告警
	topo.Verify(conn.Channel)
	assert.Equal(t, 3, logs.FilterMessage("verification failed").Len())
	assert.False(t, conn.IsClosed())

	ch, err := conn.Channel()
	require.NoError(t, err)
	require.NoError(t, topo.Declare(ch))

	logs.TakeAll()
	topo.Verify(conn.Channel)
	assert.Equal(t, 0, logs.FilterMessage("verification failed").Len())
	assert.Equal(t, 3, logs.FilterMessage("verified").Len())
}
