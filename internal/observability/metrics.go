package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_http_requests_total",
			Help: "Total number of HTTP requests processed by the support gateway.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	wsActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
		[]string{"role"},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_ws_events_total",
			Help: "Total number of websocket events handled by the gateway.",
		},
		[]string{"role", "event"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
	clientFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_client_frames_total",
			Help: "Inbound frames received by the chat client, by event and outcome.",
		},
		[]string{"event", "outcome"},
	)
	clientSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_client_sends_total",
			Help: "Messages sent by the chat client, by final delivery result.",
		},
		[]string{"result"},
	)
	clientReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_client_reconnect_attempts_total",
			Help: "Reconnect attempts scheduled by the chat client.",
		},
	)
	clientConnectionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_client_connection_state",
			Help: "Connection state of the chat client (0 disconnected, 1 connecting, 2 connected).",
		},
	)
	clientNotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_client_notifications_total",
			Help: "Notifications forwarded to the notification facility.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		wsActiveConnections,
		wsEventsTotal,
		amqpPublishErrorsTotal,
		clientFramesTotal,
		clientSendsTotal,
		clientReconnectsTotal,
		clientConnectionState,
		clientNotificationsTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func IncWSActive(role string) {
	wsActiveConnections.WithLabelValues(role).Inc()
}

func DecWSActive(role string) {
	wsActiveConnections.WithLabelValues(role).Dec()
}

func IncWSEvent(role, event string) {
	wsEventsTotal.WithLabelValues(role, event).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}

func IncClientFrame(event, outcome string) {
	clientFramesTotal.WithLabelValues(event, outcome).Inc()
}

func IncClientSend(result string) {
	clientSendsTotal.WithLabelValues(result).Inc()
}

func IncClientReconnect() {
	clientReconnectsTotal.Inc()
}

func SetClientConnectionState(state int) {
	clientConnectionState.Set(float64(state))
}

func IncClientNotification(status string) {
	clientNotificationsTotal.WithLabelValues(status).Inc()
}
