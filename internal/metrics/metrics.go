package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "demeet_ws_connections",
		Help: "Current number of active websocket connections",
	})
	WsRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "demeet_ws_rooms",
		Help: "Current number of rooms with at least one member",
	})
	ChatMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "demeet_chat_messages_total",
		Help: "Total number of chat messages persisted",
	})
	PollEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "demeet_poll_events_total",
		Help: "Poll requests by event and outcome",
	}, []string{"event", "outcome"})
	MeetingsSweptTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "demeet_meetings_swept_total",
		Help: "Meetings completed by the expiry sweeper",
	})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(WsConnections, WsRooms, ChatMessagesTotal, PollEventsTotal, MeetingsSweptTotal, HttpRequestsTotal, HttpRequestDuration)
}

// PollEvent 记录一次投票请求的处理结果。
func PollEvent(event string, applied bool) {
	outcome := "ignored"
	if applied {
		outcome = "applied"
	}
	PollEventsTotal.WithLabelValues(event, outcome).Inc()
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
