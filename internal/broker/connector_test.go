package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/qiuyier/service-bridge/internal/broker"
	"github.com/qiuyier/service-bridge/internal/broker/brokertest"
)

func TestConnectorRetryBudget(t *testing.T) {
	tests := []struct {
		name         string
		retries      int
		failures     int
		wantErr      bool
		wantAttempts int
	}{
		{name: "first attempt succeeds", retries: 5, failures: 0, wantAttempts: 1},
		{name: "succeeds on last retry", retries: 5, failures: 5, wantAttempts: 6},
		{name: "budget exhausted", retries: 5, failures: 6, wantErr: true, wantAttempts: 6},
		{name: "no retries", retries: 0, failures: 1, wantErr: true, wantAttempts: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := brokertest.NewServer()
			srv.FailDials(tt.failures)
			metrics := broker.NewMetrics(prometheus.NewRegistry())

			c := broker.NewConnector("amqp://localhost", tt.retries, time.Millisecond, srv.Dial, metrics, zaptest.NewLogger(t))
			session, err := c.Connect(context.Background())

			assert.Equal(t, tt.wantAttempts, srv.Dials())
			if tt.wantErr {
				require.ErrorIs(t, err, broker.ErrConnection)
				require.ErrorIs(t, err, brokertest.ErrDialRefused)
				assert.Nil(t, session)
				assert.Equal(t, float64(tt.wantAttempts), testutil.ToFloat64(metrics.ConnectAttempts.WithLabelValues("failure")))
				return
			}

			require.NoError(t, err)
			require.NotNil(t, session.Channel)
			assert.False(t, session.Conn.IsClosed())
			assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ConnectAttempts.WithLabelValues("success")))
			assert.NoError(t, session.Close())
			assert.True(t, session.Conn.IsClosed())
		})
	}
}

func TestConnectorWaitsBetweenAttempts(t *testing.T) {
	srv := brokertest.NewServer()
	srv.FailDials(2)

	c := broker.NewConnector("", 2, 20*time.Millisecond, srv.Dial, broker.NewMetrics(prometheus.NewRegistry()), zaptest.NewLogger(t))

	start := time.Now()
	session, err := c.Connect(context.Background())
	require.NoError(t, err)
	defer session.Close()

	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestConnectorCancelledDuringWait(t *testing.T) {
	srv := brokertest.NewServer()
	srv.FailDials(1)

	c := broker.NewConnector("", 3, time.Hour, srv.Dial, broker.NewMetrics(prometheus.NewRegistry()), zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Connect(ctx)
	require.ErrorIs(t, err, broker.ErrConnection)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, srv.Dials())
}

func TestNewConnectorDefaults(t *testing.T) {
	srv := brokertest.NewServer()
	srv.FailDials(broker.DefaultRetries + 1)

	// 负数重试次数回退到默认值，delay 为 0 时不等待
	c := broker.NewConnector("", -1, 0, srv.Dial, broker.NewMetrics(prometheus.NewRegistry()), zaptest.NewLogger(t))
	_, err := c.Connect(context.Background())

	require.ErrorIs(t, err, broker.ErrConnection)
	assert.Equal(t, broker.DefaultRetries+1, srv.Dials())
}
