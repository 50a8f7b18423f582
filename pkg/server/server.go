/**
 * Copyright (c) 2026, the stalqd authors.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package server

import (
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/stalq/stalqd/pkg/protocol"
	"github.com/stalq/stalqd/pkg/queue"
)

// Version is reported by the stats verb.
const Version = "1.0.0"

// Options configures a Server. Zero values pick the defaults.
type Options struct {
	MaxJobSize int
	Logger     *logrus.Logger
}

// Server accepts connections on a listener the caller bound and runs one
// connection driver per client over a shared job store.
type Server struct {
	store *queue.Store
	coord *queue.Coordinator
	log   *logrus.Logger

	instanceID string
	hostname   string

	mu         sync.Mutex
	conns      map[*Conn]struct{}
	totalConns uint64
	cmdCounts  map[protocol.Op]uint64
	closed     bool
	listener   net.Listener

	waiting int64

	rxBytes int64
	txBytes int64
}

func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	hostname, _ := os.Hostname()
	s := &Server{
		store:      queue.NewStore(opts.MaxJobSize),
		log:        log,
		instanceID: xid.New().String(),
		hostname:   hostname,
		conns:      make(map[*Conn]struct{}),
		cmdCounts:  make(map[protocol.Op]uint64),
	}
	s.coord = queue.NewCoordinator(s.store)
	return s
}

// Store exposes the job store, for the metrics collector.
func (s *Server) Store() *queue.Store { return s.store }

// SetDraining toggles drain mode: while set, put answers DRAINING.
func (s *Server) SetDraining(v bool) {
	s.store.SetDraining(v)
	s.log.WithField("draining", v).Info("drain mode changed")
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("server closed")
	}
	s.listener = l
	s.mu.Unlock()
	s.log.WithField("addr", l.Addr().String()).Info("serving")

	for {
		nc, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		c := newConn(s, xid.New().String(), WrapConn(nc, s.reportConnStats))

		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.totalConns++
		s.mu.Unlock()

		c.log.Debug("connection opened")
		go c.serve()
	}
}

// Close stops accepting, shuts every connection down, and releases the
// engine's goroutines.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	l := s.listener
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if l != nil {
		_ = l.Close()
	}
	for _, c := range conns {
		c.shutdown()
	}
	s.coord.Close()
	s.store.Close()
	return nil
}

func (s *Server) removeConn(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) countCmd(op protocol.Op) {
	s.mu.Lock()
	s.cmdCounts[op]++
	s.mu.Unlock()
}

func (s *Server) addWaiting(d int64) {
	atomic.AddInt64(&s.waiting, d)
}

func (s *Server) reportConnStats(sc *StatConn, state int) {
	if state != SockStatsClose {
		return
	}
	atomic.AddInt64(&s.rxBytes, sc.RecvBytes)
	atomic.AddInt64(&s.txBytes, sc.SentBytes)
	s.log.WithFields(logrus.Fields{
		"remote":   sc.RemoteAddr().String(),
		"rx_bytes": sc.RecvBytes,
		"tx_bytes": sc.SentBytes,
		"lifetime": sc.ClosedAt - sc.OpenedAt,
	}).Debug("connection stats")
}
