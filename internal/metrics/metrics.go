// Package metrics 以 Prometheus 指标的形式暴露连接与投递统计
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/life-stream-dev/life-stream-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-broker/internal/mqtt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "life_stream_broker"

// Collector 实现调度器与连接编排器的观察者接口
type Collector struct {
	registry *prometheus.Registry

	connectionsTotal  prometheus.Counter
	clientsConnected  prometheus.Gauge
	connectsRejected  *prometheus.CounterVec
	messagesPublished *prometheus.CounterVec
	messagesDelivered *prometheus.CounterVec
	messagesQueued    prometheus.Counter
	deliveryFailures  prometheus.Counter
	retainedUpdates   *prometheus.CounterVec
}

func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "The total number of accepted CONNECT requests.",
		}),
		clientsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients_connected",
			Help:      "The number of currently connected clients.",
		}),
		connectsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_rejected_total",
			Help:      "The total number of rejected CONNECT requests by return code.",
		}, []string{"code"}),
		messagesPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "The total number of messages processed by the dispatcher.",
		}, []string{"qos"}),
		messagesDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "The total number of messages handed to live clients.",
		}, []string{"qos"}),
		messagesQueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_queued_total",
			Help:      "The total number of messages appended to offline sessions.",
		}),
		deliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "The total number of failed sends to live clients.",
		}),
		retainedUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retained_updates_total",
			Help:      "The total number of retained store changes.",
		}, []string{"op"}),
	}
}

// RegisterGauge 注册一个在抓取时求值的指标，例如订阅数或离线会话数
func (c *Collector) RegisterGauge(name, help string, value func() float64) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, value))
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func qosLabel(qos mqtt.QoS) string {
	return strconv.Itoa(int(qos))
}

func (c *Collector) MessagePublished(msg mqtt.Message) {
	c.messagesPublished.WithLabelValues(qosLabel(msg.QoS)).Inc()
}

func (c *Collector) MessageDelivered(_ string, qos mqtt.QoS) {
	c.messagesDelivered.WithLabelValues(qosLabel(qos)).Inc()
}

func (c *Collector) MessageQueued(string) {
	c.messagesQueued.Inc()
}

func (c *Collector) DeliveryFailed(string, error) {
	c.deliveryFailures.Inc()
}

func (c *Collector) RetainedChanged(_ string, removed bool) {
	if removed {
		c.retainedUpdates.WithLabelValues("delete").Inc()
		return
	}
	c.retainedUpdates.WithLabelValues("set").Inc()
}

func (c *Collector) ClientConnected(string) {
	c.connectionsTotal.Inc()
	c.clientsConnected.Inc()
}

func (c *Collector) ClientDisconnected(string) {
	c.clientsConnected.Dec()
}

func (c *Collector) ConnectRejected(code mqtt.ConnAckCode) {
	c.connectsRejected.WithLabelValues(strconv.Itoa(int(code))).Inc()
}

// Server 指标 HTTP 服务，同时作为关闭回调注册
type Server struct {
	server *http.Server
}

func NewServer(addr string, collector *Collector) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Serve 阻塞直到服务关闭
func (s *Server) Serve(listener net.Listener) error {
	logger.InfoF("Metrics server listening on %s", listener.Addr())
	if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

func (s *Server) Invoke(ctx context.Context) error {
	logger.InfoF("Stopping metrics server")
	return s.server.Shutdown(ctx)
}
