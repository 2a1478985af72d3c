package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "neuroutine"

// #region collectors
// Metrics holds the loop's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	decisions     *prometheus.CounterVec
	teacherCalls  *prometheus.CounterVec
	labels        *prometheus.CounterVec
	retrains      *prometheus.CounterVec
	runnerLatency *prometheus.HistogramVec
	restarts      *prometheus.CounterVec
	starved       prometheus.Counter
	drift         prometheus.Counter
	gateAccuracy  *prometheus.GaugeVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Gate decisions per generated token.",
		}, []string{"decision"}),
		teacherCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "teacher_calls_total",
			Help:      "Verify runner calls by the policy rule that forced them.",
		}, []string{"reason"}),
		labels: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "labels_total",
			Help:      "Labeled samples by label.",
		}, []string{"label"}),
		retrains: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrains_total",
			Help:      "Retrain attempts by result.",
		}, []string{"result"}),
		runnerLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "request_seconds",
			Help:      "Runner round-trip latency for one token.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"runner"}),
		restarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "restarts_total",
			Help:      "Runner subprocess restarts.",
		}, []string{"runner"}),
		starved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "metrics",
			Name:      "starved_total",
			Help:      "Draft tokens scored with zero metrics after a side-channel timeout.",
		}),
		drift: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "metrics",
			Name:      "drift_total",
			Help:      "Draft tokens that left metrics queued behind them.",
		}),
		gateAccuracy: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gate_accuracy",
			Help:      "Gate decision accuracy against the verifier.",
		}, []string{"window"}),
	}
}

// #endregion collectors

// #region record
func (m *Metrics) Decision(decision string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) TeacherCall(reason string) {
	if m == nil {
		return
	}
	m.teacherCalls.WithLabelValues(reason).Inc()
}

func (m *Metrics) Label(label int) {
	if m == nil {
		return
	}
	m.labels.WithLabelValues(strconv.Itoa(label)).Inc()
}

func (m *Metrics) Retrain(result string) {
	if m == nil {
		return
	}
	m.retrains.WithLabelValues(result).Inc()
}

func (m *Metrics) RunnerLatency(runner string, d time.Duration) {
	if m == nil {
		return
	}
	m.runnerLatency.WithLabelValues(runner).Observe(d.Seconds())
}

func (m *Metrics) Restart(runner string) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(runner).Inc()
}

func (m *Metrics) Starved() {
	if m == nil {
		return
	}
	m.starved.Inc()
}

func (m *Metrics) Drift() {
	if m == nil {
		return
	}
	m.drift.Inc()
}

// Accuracy sets the total and rolling gate accuracy gauges.
func (m *Metrics) Accuracy(total, rolling float64) {
	if m == nil {
		return
	}
	m.gateAccuracy.WithLabelValues("total").Set(total)
	m.gateAccuracy.WithLabelValues("rolling").Set(rolling)
}

// #endregion record

// #region serve
// Serve exposes g on addr at /metrics until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen metrics %s: %w", addr, err)
	}
	return ServeListener(ctx, ln, g)
}

// ServeListener is Serve on an existing listener.
func ServeListener(ctx context.Context, ln net.Listener, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	slog.Info("metrics listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve metrics: %w", err)
	}
}

// #endregion serve
