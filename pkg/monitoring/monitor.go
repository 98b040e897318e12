package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "endpoint"},
	)

	GradingJobCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grading_jobs_total",
			Help: "Total number of grading jobs by terminal outcome",
		},
		[]string{"outcome"},
	)

	GradingJobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "grading_job_duration_seconds",
			Help:    "Duration of evaluator grading jobs",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"outcome"},
	)

	GradingQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "grading_queue_depth",
			Help: "Answers currently in QUEUED state",
		},
	)
)

func Init() {
	prometheus.MustRegister(RequestCounter)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(GradingJobCounter)
	prometheus.MustRegister(GradingJobDuration)
	prometheus.MustRegister(GradingQueueDepth)
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := c.Writer.Status()

		RequestCounter.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			strconv.Itoa(status),
		).Inc()

		RequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
		).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
