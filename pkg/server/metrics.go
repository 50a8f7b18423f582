/**
 * Copyright (c) 2026, the stalqd authors.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package server

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stalq/stalqd/pkg/queue"
)

type metricInfo struct {
	description *prometheus.Desc
	supplier    func(snap queue.Snapshot, srv *Server) prometheus.Metric
}

// Collector exposes the engine's state as Prometheus metrics. Every scrape
// takes one store snapshot; per-tube ready depth is labelled by tube.
type Collector struct {
	srv       *Server
	infos     []metricInfo
	readyDesc *prometheus.Desc
}

func NewCollector(prefix string, constLabels prometheus.Labels, srv *Server) *Collector {
	c := &Collector{srv: srv}
	c.addMetrics(prefix, constLabels)
	return c
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	for _, info := range c.infos {
		descs <- info.description
	}
	descs <- c.readyDesc
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	snap := c.srv.store.Stats()
	for _, info := range c.infos {
		metrics <- info.supplier(snap, c.srv)
	}
	for tube, depth := range snap.ReadyByTube {
		metrics <- prometheus.MustNewConstMetric(c.readyDesc, prometheus.GaugeValue, float64(depth), tube)
	}
}

func (c *Collector) addMetrics(prefix string, constLabels prometheus.Labels) {
	gauge := func(name, help string, value func(snap queue.Snapshot, srv *Server) float64) metricInfo {
		desc := prometheus.NewDesc(prefix+name, help, nil, constLabels)
		return metricInfo{
			description: desc,
			supplier: func(snap queue.Snapshot, srv *Server) prometheus.Metric {
				return prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, value(snap, srv))
			},
		}
	}
	counter := func(name, help string, value func(snap queue.Snapshot, srv *Server) float64) metricInfo {
		desc := prometheus.NewDesc(prefix+name, help, nil, constLabels)
		return metricInfo{
			description: desc,
			supplier: func(snap queue.Snapshot, srv *Server) prometheus.Metric {
				return prometheus.MustNewConstMetric(desc, prometheus.CounterValue, value(snap, srv))
			},
		}
	}

	c.infos = []metricInfo{
		gauge("jobs_urgent", "Ready jobs with priority below 1024.",
			func(snap queue.Snapshot, _ *Server) float64 { return float64(snap.JobsUrgent) }),
		gauge("jobs_ready", "Jobs eligible for reservation.",
			func(snap queue.Snapshot, _ *Server) float64 { return float64(snap.JobsReady) }),
		gauge("jobs_reserved", "Jobs held by a reserver.",
			func(snap queue.Snapshot, _ *Server) float64 { return float64(snap.JobsReserved) }),
		gauge("jobs_delayed", "Jobs waiting out their delay.",
			func(snap queue.Snapshot, _ *Server) float64 { return float64(snap.JobsDelayed) }),
		gauge("jobs_buried", "Jobs set aside until kicked.",
			func(snap queue.Snapshot, _ *Server) float64 { return float64(snap.JobsBuried) }),
		counter("jobs_total", "Jobs created since start.",
			func(snap queue.Snapshot, _ *Server) float64 { return float64(snap.TotalJobs) }),
		counter("job_timeouts_total", "Reservations released by TTR expiry.",
			func(snap queue.Snapshot, _ *Server) float64 { return float64(snap.JobTimeouts) }),
		gauge("tubes", "Live tubes.",
			func(snap queue.Snapshot, _ *Server) float64 { return float64(snap.Tubes) }),
		gauge("connections", "Open client connections.",
			func(_ queue.Snapshot, srv *Server) float64 {
				srv.mu.Lock()
				defer srv.mu.Unlock()
				return float64(len(srv.conns))
			}),
		counter("connections_total", "Connections accepted since start.",
			func(_ queue.Snapshot, srv *Server) float64 {
				srv.mu.Lock()
				defer srv.mu.Unlock()
				return float64(srv.totalConns)
			}),
		gauge("waiting_reservers", "Connections parked in a blocking reserve.",
			func(_ queue.Snapshot, srv *Server) float64 {
				return float64(atomic.LoadInt64(&srv.waiting))
			}),
		counter("rx_bytes_total", "Bytes received over closed connections.",
			func(_ queue.Snapshot, srv *Server) float64 {
				return float64(atomic.LoadInt64(&srv.rxBytes))
			}),
		counter("tx_bytes_total", "Bytes sent over closed connections.",
			func(_ queue.Snapshot, srv *Server) float64 {
				return float64(atomic.LoadInt64(&srv.txBytes))
			}),
	}
	c.readyDesc = prometheus.NewDesc(prefix+"tube_ready_depth", "Ready jobs per tube.", []string{"tube"}, constLabels)
}
