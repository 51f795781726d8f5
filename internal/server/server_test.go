package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/qiuyier/service-bridge/config"
	"github.com/qiuyier/service-bridge/internal/broker"
	"github.com/qiuyier/service-bridge/internal/broker/brokertest"
	"github.com/qiuyier/service-bridge/internal/consts"
)

func testConfig(identity string) *config.Config {
	cfg := config.Default()
	cfg.Service.Identity = identity
	cfg.RabbitMQ.Retries = 0
	cfg.RabbitMQ.RetryDelay = 0
	cfg.Server.ShutdownTimeout = 5 * time.Second
	return cfg
}

type node struct {
	url  string
	done chan error
}

func startNode(t *testing.T, srv *brokertest.Server, cfg *config.Config) *node {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	n := &node{url: "http://" + ln.Addr().String(), done: make(chan error, 1)}

	s := New(cfg, zaptest.NewLogger(t), WithDialer(srv.Dial), WithListener(ln))
	go func() { n.done <- s.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-n.done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("node did not stop")
		}
	})

	require.Eventually(t, func() bool {
		resp, err := http.Get(n.url + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	return n
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func post(t *testing.T, url, body string) int {
	t.Helper()

	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

type statusResponse struct {
	Status   string             `json:"status"`
	Identity string             `json:"identity"`
	Broker   broker.BrokerStats `json:"broker"`
}

func TestHelloBetweenNodes(t *testing.T) {
	srv := brokertest.NewServer()
	a := startNode(t, srv, testConfig(consts.ServiceA))
	b := startNode(t, srv, testConfig(consts.ServiceB))

	require.Equal(t, http.StatusOK, post(t, a.url+"/api/message", `{"message":"hello"}`))
	require.Equal(t, http.StatusOK, post(t, b.url+"/api/message/direct", `{"message":"hi back"}`))

	require.Eventually(t, func() bool {
		var st statusResponse
		return getJSON(t, b.url+"/api/status", &st) == http.StatusOK && st.Broker.ProcessedCount == 1
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		var st statusResponse
		return getJSON(t, a.url+"/api/status", &st) == http.StatusOK && st.Broker.ProcessedCount == 1
	}, 5*time.Second, 20*time.Millisecond)

	var st statusResponse
	getJSON(t, a.url+"/api/status", &st)
	assert.Equal(t, "Service A is running", st.Status)
	assert.Equal(t, consts.ServiceA, st.Identity)
	assert.Equal(t, int64(1), st.Broker.PublishCount)
	assert.Zero(t, st.Broker.ErrorCount)

	kind, ok := srv.HasExchange(consts.Exchange)
	assert.True(t, ok)
	assert.Equal(t, consts.ExchangeType, kind)
	assert.Empty(t, srv.Nacks())
}

func TestNodeServesDocsAndMetrics(t *testing.T) {
	srv := brokertest.NewServer()
	cfg := testConfig(consts.ServiceB)
	cfg.Server.HTTPPort = "3001"
	n := startNode(t, srv, cfg)

	resp, err := http.Get(n.url + "/api-docs/openapi.yaml")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "Service B API")
	assert.Contains(t, string(body), "http://localhost:3001")

	require.Equal(t, http.StatusOK, post(t, n.url+"/api/message", `{"message":"count me"}`))

	resp, err = http.Get(n.url + "/metrics")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `service_bridge_broker_published_total{outcome="success",target="services.exchange"} 1`)
	assert.Contains(t, string(body), "service_bridge_broker_active_consumers 1")
}

func TestNodeWithTaskStore(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(consts.ServiceA)
	cfg.Redis.Addr = mr.Addr()
	n := startNode(t, brokertest.NewServer(), cfg)

	require.Equal(t, http.StatusCreated, post(t, n.url+"/api/tasks", `{"id":"1","title":"write tests"}`))

	var tasks []map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, n.url+"/api/tasks", &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "write tests", tasks[0]["title"])
}

func TestNodeWithoutTaskStore(t *testing.T) {
	n := startNode(t, brokertest.NewServer(), testConfig(consts.ServiceA))

	assert.Equal(t, http.StatusNotFound, getJSON(t, n.url+"/api/tasks", nil))
}

func TestRunFailsWhenBrokerUnreachable(t *testing.T) {
	srv := brokertest.NewServer()
	srv.FailDials(10)

	cfg := testConfig(consts.ServiceA)
	cfg.RabbitMQ.Retries = 2

	err := New(cfg, zaptest.NewLogger(t), WithDialer(srv.Dial)).Run(context.Background())
	require.ErrorIs(t, err, broker.ErrConnection)
	assert.Equal(t, 3, srv.Dials())
}

func TestRunFailsOnConflictingTopology(t *testing.T) {
	srv := brokertest.NewServer()
	conn, err := srv.Dial("")
	require.NoError(t, err)
	ch, err := conn.Channel()
	require.NoError(t, err)
	require.NoError(t, ch.ExchangeDeclare(consts.Exchange, "fanout", true, false, false, false, nil))
	require.NoError(t, conn.Close())

	err = New(testConfig(consts.ServiceB), zaptest.NewLogger(t), WithDialer(srv.Dial)).Run(context.Background())
	require.ErrorIs(t, err, broker.ErrTopology)
}

func TestRunRejectsUnknownIdentity(t *testing.T) {
	srv := brokertest.NewServer()

	err := New(testConfig("service-c"), zaptest.NewLogger(t), WithDialer(srv.Dial)).Run(context.Background())
	require.Error(t, err)
	assert.Zero(t, srv.Dials())
}
