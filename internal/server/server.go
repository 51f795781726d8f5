// Package server 节点的启动与关闭流程
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/qiuyier/service-bridge/config"
	"github.com/qiuyier/service-bridge/internal/api"
	"github.com/qiuyier/service-bridge/internal/broker"
	"github.com/qiuyier/service-bridge/internal/docs"
	"github.com/qiuyier/service-bridge/internal/events"
	"github.com/qiuyier/service-bridge/internal/logger"
	"github.com/qiuyier/service-bridge/internal/task"
	"github.com/qiuyier/service-bridge/internal/ws"
)

const readHeaderTimeout = 10 * time.Second

type Option func(*Server)

// WithDialer 替换默认的 amqp091-go 拨号函数
func WithDialer(dial broker.DialFunc) Option {
	return func(s *Server) { s.dial = dial }
}

// WithRegistry 指定指标注册表，/metrics 输出它
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// WithListener 使用已有监听，不再按 server.http_port 监听
func WithListener(ln net.Listener) Option {
	return func(s *Server) { s.listener = ln }
}

// Server 一个节点：broker、消费者、HTTP 接口和实时推送
type Server struct {
	cfg      *config.Config
	logger   *zap.Logger
	dial     broker.DialFunc
	registry *prometheus.Registry
	listener net.Listener
}

func New(cfg *config.Config, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(s)
	}

	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	if s.dial == nil {
		s.dial = broker.NewDialer(broker.ConnectionConfig{
			Name:      cfg.Service.Identity,
			Heartbeat: cfg.RabbitMQ.Heartbeat,
		})
	}
	return s
}

// Run 连接、声明拓扑、订阅成功后才开始监听，任一步失败直接返回；阻塞到 ctx 取消
func (s *Server) Run(ctx context.Context) error {
	node, err := events.LookupNode(s.cfg.Service.Identity)
	if err != nil {
		return err
	}
	log := s.logger.With(zap.String("identity", node.Identity))

	hub := ws.NewHub(s.cfg.WS.MaxConnections, log)
	defer hub.Close(s.cfg.Server.ShutdownTimeout)

	b := broker.NewRabbitMQBroker(broker.Options{
		URL:             s.cfg.RabbitMQ.URL,
		Identity:        node.Identity,
		Retries:         s.cfg.RabbitMQ.Retries,
		RetryDelay:      s.cfg.RabbitMQ.RetryDelay,
		Prefetch:        s.cfg.RabbitMQ.Prefetch,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
		Dial:            s.dial,
		Metrics:         broker.NewMetrics(s.registry),
	}, log)

	log.Info("starting node", zap.String("name", node.Name))

	if err = b.Start(ctx); err != nil {
		_ = b.Close()
		return fmt.Errorf("start broker: %w", err)
	}

	svc := events.NewService(node, b, log, hub)
	if err = svc.SetupConsumers(ctx); err != nil {
		_ = b.Close()
		return err
	}

	client := s.connectRedis(ctx, log)
	defer func() {
		if err := b.Close(); err != nil {
			log.Warn("close broker", zap.Error(err))
		}
		if client != nil {
			if err := client.Close(); err != nil {
				log.Warn("close redis", zap.Error(err))
			}
		}
	}()

	router, err := s.routes(node, svc, b, hub, client, log)
	if err != nil {
		return err
	}

	ln := s.listener
	if ln == nil {
		if ln, err = net.Listen("tcp", ":"+s.cfg.Server.HTTPPort); err != nil {
			return fmt.Errorf("listen on %s: %w", s.cfg.Server.HTTPPort, err)
		}
	}

	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	log.Info("node running",
		zap.String("addr", ln.Addr().String()),
		zap.String("docs", "/api-docs"),
	)

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err = srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}

	stats := b.GetStats()
	log.Info("node stopped",
		zap.Int64("processed", stats.ProcessedCount),
		zap.Int64("errors", stats.ErrorCount),
		zap.Int64("published", stats.PublishCount),
	)
	return nil
}

// connectRedis 任务缓存为可选功能，连接失败时跳过
func (s *Server) connectRedis(ctx context.Context, log *zap.Logger) *redis.Client {
	if s.cfg.Redis.Addr == "" {
		log.Info("redis not configured, task routes disabled")
		return nil
	}

	client, err := task.Connect(ctx, task.RedisOptions{
		Addr:     s.cfg.Redis.Addr,
		Password: s.cfg.Redis.Password,
		DB:       s.cfg.Redis.DB,
	}, log)
	if err != nil {
		log.Warn("task routes disabled", zap.Error(err))
		return nil
	}
	return client
}

func (s *Server) routes(node events.Node, svc *events.Service, b *broker.RabbitMQBroker, hub *ws.Hub, client *redis.Client, log *zap.Logger) (*mux.Router, error) {
	r := mux.NewRouter()
	r.Use(logger.AccessLog(log))

	api.NewHandlers(svc, b, log).RegisterRoutes(r)

	if client != nil {
		task.NewHandlers(task.NewStore(client, s.cfg.Redis.CacheTTL, log), log).RegisterRoutes(r)
	}

	if err := docs.RegisterRoutes(r, node.Name+" API", s.cfg.Server.HTTPPort); err != nil {
		return nil, fmt.Errorf("api docs: %w", err)
	}

	ws.NewHandler(hub, ws.Options{
		ReadBufferSize:  s.cfg.WS.ReadBufferSize,
		WriteBufferSize: s.cfg.WS.WriteBufferSize,
		PingInterval:    s.cfg.WS.PingInterval,
		PongTimeout:     s.cfg.WS.PongTimeout,
		MaxMessageSize:  s.cfg.WS.MaxMessageSize,
		SendChannelSize: s.cfg.WS.SendChannelSize,
	}, log).RegisterRoutes(r)

	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	return r, nil
}
