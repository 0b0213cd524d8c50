// Package metrics exposes lab events as Prometheus metrics.
//
//   - g13_events_total{kind}                    every event by kind
//   - g13_admissions_total{agent,result,reason} Tchek decisions
//   - g13_transitions_total{to}                 lifecycle transitions
//   - g13_closed_trades_total{agent,reason}     closed positions by exit reason
//   - g13_realized_pnl{agent}                   realized P&L in account currency
//   - g13_adjustments_total{agent,param}        strategist parameter changes
//   - g13_equity, g13_drawdown_pct, g13_open_positions, g13_risk_status{status}
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"g13lab/internal/domain"
	"g13lab/internal/ports"
)

// RiskStatuses are the label values of g13_risk_status.
var RiskStatuses = []string{"Nominal", "WarnDrawdown", "HaltTrading"}

// Sink is a ports.EventSink that updates Prometheus collectors.
type Sink struct {
	reg *prometheus.Registry

	events      *prometheus.CounterVec
	admissions  *prometheus.CounterVec
	transitions *prometheus.CounterVec
	closed      *prometheus.CounterVec
	realized    *prometheus.GaugeVec
	adjustments *prometheus.CounterVec
	equity      prometheus.Gauge
	drawdown    prometheus.Gauge
	open        prometheus.Gauge
	status      *prometheus.GaugeVec
}

// NewSink creates a sink with its own registry.
func NewSink() *Sink {
	s := &Sink{
		reg: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "g13_events_total",
			Help: "Events emitted by the lab, by kind.",
		}, []string{"kind"}),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "g13_admissions_total",
			Help: "Admission decisions by agent, result and rejection reason.",
		}, []string{"agent", "result", "reason"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "g13_transitions_total",
			Help: "Position state transitions by target state.",
		}, []string{"to"}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "g13_closed_trades_total",
			Help: "Closed positions by agent and close reason.",
		}, []string{"agent", "reason"}),
		realized: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "g13_realized_pnl",
			Help: "Realized P&L per agent in account currency.",
		}, []string{"agent"}),
		adjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "g13_adjustments_total",
			Help: "Strategist parameter adjustments by agent and parameter.",
		}, []string{"agent", "param"}),
		equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "g13_equity",
			Help: "Account equity as tracked by the risk governor.",
		}),
		drawdown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "g13_drawdown_pct",
			Help: "Drawdown from peak equity, percent.",
		}),
		open: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "g13_open_positions",
			Help: "Positions not yet closed.",
		}),
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "g13_risk_status",
			Help: "Risk governor status; the active status series is 1.",
		}, []string{"status"}),
	}
	s.reg.MustRegister(s.events, s.admissions, s.transitions, s.closed, s.realized, s.adjustments,
		s.equity, s.drawdown, s.open, s.status)
	return s
}

// Registry returns the registry holding the lab collectors.
func (s *Sink) Registry() *prometheus.Registry { return s.reg }

// Emit implements ports.EventSink.
func (s *Sink) Emit(_ context.Context, ev domain.Event) {
	s.events.WithLabelValues(string(ev.Kind)).Inc()

	switch ev.Kind {
	case domain.EventAdmission:
		result := "rejected"
		if admitted, _ := ev.Fields["admitted"].(bool); admitted {
			result = "admitted"
		}
		s.admissions.WithLabelValues(ev.AgentID, result, fieldString(ev.Fields, "reason")).Inc()
	case domain.EventTransition:
		to := fieldString(ev.Fields, "to")
		s.transitions.WithLabelValues(to).Inc()
		if to == string(domain.StateClosed) {
			if pnl, ok := ev.Fields["pnl"].(float64); ok {
				s.closed.WithLabelValues(ev.AgentID, fieldString(ev.Fields, "reason")).Inc()
				s.realized.WithLabelValues(ev.AgentID).Add(pnl)
			}
		}
	case domain.EventAdjustment:
		s.adjustments.WithLabelValues(ev.AgentID, fieldString(ev.Fields, "param")).Inc()
	}
}

// SetAccount publishes the governor's account view.
func (s *Sink) SetAccount(equity, drawdownPct float64, status string, openPositions int) {
	s.equity.Set(equity)
	s.drawdown.Set(drawdownPct)
	s.open.Set(float64(openPositions))
	for _, st := range RiskStatuses {
		v := 0.0
		if st == status {
			v = 1
		}
		s.status.WithLabelValues(st).Set(v)
	}
}

// Handler serves the registry in the Prometheus text format.
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (s *Sink) Serve(ctx context.Context, addr string, logger ports.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "Serving metrics", map[string]interface{}{"addr": addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
}

func fieldString(fields map[string]interface{}, key string) string {
	switch v := fields[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
