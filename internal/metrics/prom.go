package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PromSink records engine events in Prometheus metrics.
type PromSink struct {
	started   *prometheus.CounterVec
	completed *prometheus.CounterVec
	aborted   *prometheus.CounterVec
	jams      *prometheus.CounterVec
	blocked   *prometheus.CounterVec
	misses    *prometheus.CounterVec
	factor    *prometheus.HistogramVec
}

// NewPromSink registers metrics on reg. A nil registerer defaults to the
// global Prometheus registerer.
func NewPromSink(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PromSink{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procarray_runs_started_total",
			Help: "Batches committed, by family and whether the cached recipe was reused",
		}, []string{"family", "cached"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procarray_runs_completed_total",
			Help: "Batches that delivered their outputs",
		}, []string{"family"}),
		aborted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procarray_runs_aborted_total",
			Help: "Batches discarded because the installed unit no longer satisfies them",
		}, []string{"family", "reason"}),
		jams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procarray_jams_total",
			Help: "Transitions into the jammed state",
		}, []string{"family", "reason"}),
		blocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procarray_blocked_ticks_total",
			Help: "Ticks where a matched recipe failed a feasibility gate",
		}, []string{"reason"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procarray_search_misses_total",
			Help: "Searches that found no runnable recipe",
		}, []string{"family", "malformed"}),
		factor: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "procarray_parallel_factor",
			Help:    "Multiplier of committed batches",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
		}, []string{"family"}),
	}
	var err error
	if s.started, err = registerCounter(reg, s.started); err != nil {
		return nil, err
	}
	if s.completed, err = registerCounter(reg, s.completed); err != nil {
		return nil, err
	}
	if s.aborted, err = registerCounter(reg, s.aborted); err != nil {
		return nil, err
	}
	if s.jams, err = registerCounter(reg, s.jams); err != nil {
		return nil, err
	}
	if s.blocked, err = registerCounter(reg, s.blocked); err != nil {
		return nil, err
	}
	if s.misses, err = registerCounter(reg, s.misses); err != nil {
		return nil, err
	}
	if err := reg.Register(s.factor); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		s.factor = are.ExistingCollector.(*prometheus.HistogramVec)
	}
	return s, nil
}

func registerCounter(reg prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector.(*prometheus.CounterVec), nil
		}
		return nil, err
	}
	return c, nil
}

func (s *PromSink) RecordRunStarted(family string, multiplier int, cached bool) {
	s.started.WithLabelValues(family, strconv.FormatBool(cached)).Inc()
	s.factor.WithLabelValues(family).Observe(float64(multiplier))
}

func (s *PromSink) RecordRunCompleted(family string, _ int) {
	s.completed.WithLabelValues(family).Inc()
}

func (s *PromSink) RecordRunAborted(family, reason string) {
	s.aborted.WithLabelValues(family, reason).Inc()
}

func (s *PromSink) RecordJam(family, reason string) {
	s.jams.WithLabelValues(family, reason).Inc()
}

func (s *PromSink) RecordBlocked(reason string) {
	s.blocked.WithLabelValues(reason).Inc()
}

func (s *PromSink) RecordSearchMiss(family string, malformed bool) {
	s.misses.WithLabelValues(family, strconv.FormatBool(malformed)).Inc()
}

// StartPromServer serves /metrics on addr until ctx is cancelled.
func StartPromServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
