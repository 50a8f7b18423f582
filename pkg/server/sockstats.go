/**
 * Copyright (c) 2026, the stalqd authors.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package server

import (
	"net"
	"time"
)

const (
	SockStatsOpen  = 0
	SockStatsClose = 1
)

// ReportStatsFn receives a connection's accounting on open and close.
type ReportStatsFn func(sc *StatConn, state int)

// StatConn wraps an accepted net.Conn and tracks byte counts and lifecycle
// timestamps, reporting them through the callback on open and close. The
// counters feed the stats verb and the Prometheus collector.
type StatConn struct {
	net.Conn
	reportStats  ReportStatsFn
	OpenedAt     int64
	ClosedAt     int64
	FirstReadAt  int64
	FirstWriteAt int64
	SentBytes    int64
	RecvBytes    int64
	RecvErr      error
	SentErr      error
}

func WrapConn(ncon net.Conn, reportStatsFn ReportStatsFn) *StatConn {
	w := &StatConn{
		Conn:        ncon,
		reportStats: reportStatsFn,
		OpenedAt:    time.Now().UnixNano(),
	}
	if w.reportStats != nil {
		w.reportStats(w, SockStatsOpen)
	}
	return w
}

// Close invokes the report callback with a close event before closing the
// connection.
func (w *StatConn) Close() error {
	w.ClosedAt = time.Now().UnixNano()
	if w.reportStats != nil {
		w.reportStats(w, SockStatsClose)
	}
	return w.Conn.Close()
}

// Read wraps the underlying Read method and tracks the data
func (w *StatConn) Read(b []byte) (int, error) {
	n, err := w.Conn.Read(b)
	if err == nil && w.RecvBytes == 0 && n > 0 {
		// Track the timestamp of the first successful read
		w.FirstReadAt = time.Now().UnixNano()
	}
	w.RecvBytes += int64(n)
	if err, ok := err.(net.Error); ok && !err.Timeout() {
		w.RecvErr = err
	}
	return n, err
}

// Write wraps the underlying Write method and tracks the data
func (w *StatConn) Write(b []byte) (int, error) {
	n, err := w.Conn.Write(b)
	if err == nil && w.SentBytes == 0 && n > 0 {
		// Track the timestamp of the first successful write
		w.FirstWriteAt = time.Now().UnixNano()
	}
	w.SentBytes += int64(n)
	if err, ok := err.(net.Error); ok && !err.Timeout() {
		w.SentErr = err
	}
	return n, err
}
