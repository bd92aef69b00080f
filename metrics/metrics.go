// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package metrics exposes call and registration counters in prometheus format
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const namespace = "sip_audio_session"

// Collector keeps its own registry so nothing leaks into the global one
type Collector struct {
	reg *prometheus.Registry

	callsStarted  *prometheus.CounterVec
	callsEnded    *prometheus.CounterVec
	callsActive   prometheus.Gauge
	callDuration  *prometheus.HistogramVec
	dtmfSent      prometheus.Counter
	registrations *prometheus.CounterVec
}

func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)

	return &Collector{
		reg: reg,
		callsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_started_total",
			Help:      "Sessions that reached media",
		}, []string{"direction"}),
		callsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_ended_total",
			Help:      "Sessions ended by outcome",
		}, []string{"direction", "outcome"}),
		callsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Sessions currently in progress",
		}),
		callDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Duration of established sessions",
			Buckets:   []float64{1, 5, 10, 30, 60, 300, 900, 1800, 3600},
		}, []string{"direction"}),
		dtmfSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dtmf_sent_total",
			Help:      "DTMF digits sent",
		}),
		registrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Registration attempts by outcome",
		}, []string{"outcome"}),
	}
}

func (c *Collector) CallStarted(direction string) {
	c.callsStarted.WithLabelValues(direction).Inc()
	c.callsActive.Inc()
}

// CallEnded is called for every session. Zero duration means media never started.
func (c *Collector) CallEnded(direction string, outcome string, duration time.Duration) {
	c.callsEnded.WithLabelValues(direction, outcome).Inc()
	if duration > 0 {
		c.callsActive.Dec()
		c.callDuration.WithLabelValues(direction).Observe(duration.Seconds())
	}
}

func (c *Collector) DTMFSent() {
	c.dtmfSent.Inc()
}

func (c *Collector) RegistrationResult(outcome string) {
	c.registrations.WithLabelValues(outcome).Inc()
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done
func (c *Collector) Serve(ctx context.Context, addr string, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Info().Str("addr", l.Addr().String()).Msg("Serving metrics")
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
