/**
 * Copyright (c) 2026, the stalqd authors.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package server

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/stalq/stalqd/pkg/protocol"
	"github.com/stalq/stalqd/pkg/queue"
)

// writeTimeout bounds every outbound frame. A peer that stops reading gets
// its connection closed rather than an unbounded buffer.
const writeTimeout = 30 * time.Second

// Conn drives one client connection: it owns the used tube and the watch
// list, and processes commands strictly one at a time. Asynchronous pushes
// (DEADLINE_SOON, TTR expiry) come in from the timer service on other
// goroutines; the write mutex keeps frames whole.
type Conn struct {
	id    string
	srv   *Server
	nc    net.Conn
	dec   *protocol.Decoder
	log   *logrus.Entry
	used  string
	watch []string

	writeMu sync.Mutex

	closed    chan struct{}
	closeOnce sync.Once

	// frames carries decoded input from the reader goroutine; eof closes
	// when the peer goes away, which also cancels a parked reserve.
	frames chan inbound
	eof    chan struct{}

	producer bool
	worker   bool
}

type inbound struct {
	frame []protocol.Token
	err   error
}

func newConn(srv *Server, id string, nc net.Conn) *Conn {
	// Every connection starts out using and watching default; teardown drops
	// both references.
	srv.store.Using(queue.DefaultTube)
	srv.store.Watching(queue.DefaultTube)
	return &Conn{
		id:     id,
		srv:    srv,
		nc:     nc,
		dec:    protocol.NewDecoder(nc, srv.store.MaxJobSize()),
		log:    srv.log.WithFields(logrus.Fields{"conn": id, "remote": nc.RemoteAddr().String()}),
		used:   queue.DefaultTube,
		watch:  []string{queue.DefaultTube},
		closed: make(chan struct{}),
		frames: make(chan inbound),
		eof:    make(chan struct{}),
	}
}

// Reserver implementation for the store's timer callbacks.

func (c *Conn) ID() string { return c.id }

// DeadlineSoon pushes the one-per-reservation warning that a held job is 1s
// from TTR expiry. The store confirms the hold so a job released in the
// meantime stays quiet.
func (c *Conn) DeadlineSoon(jobID uint64) {
	if !c.srv.store.Held(c.id, jobID) {
		return
	}
	c.writeFrame(protocol.Name("DEADLINE_SOON"))
}

// ReservationExpired is the TTR-expiry notification. The store has already
// released the job and no reply is owed.
func (c *Conn) ReservationExpired(jobID uint64) {}

// readLoop decodes frames off the wire and hands them to serve. It is the
// only reader of the connection, so a peer disconnect surfaces here first;
// closing eof lets a parked reserve notice without consuming input.
func (c *Conn) readLoop() {
	defer close(c.eof)
	for {
		frame, err := c.dec.ReadFrame()
		if err != nil && isNetworkError(err) {
			return
		}
		select {
		case c.frames <- inbound{frame: frame, err: err}:
		case <-c.closed:
			return
		}
		if err != nil && c.dec.Broken() {
			return
		}
	}
}

func (c *Conn) serve() {
	defer c.teardown()
	go c.readLoop()
	for {
		var in inbound
		select {
		case <-c.closed:
			return
		case <-c.eof:
			return
		case in = <-c.frames:
		}

		if in.err != nil {
			c.writeFrame(protocol.Name(protocol.WireError(in.err)))
			if c.dec.Broken() {
				// Stream position is indeterminate; recovery is impossible.
				c.log.WithField("err", in.err).Debug("closing desynced connection")
				return
			}
			continue
		}

		cmd, err := protocol.Parse(in.frame)
		if err != nil {
			c.writeFrame(protocol.Name(protocol.WireError(err)))
			continue
		}

		c.srv.countCmd(cmd.Op)
		if quit := c.dispatch(cmd); quit {
			return
		}
	}
}

func isNetworkError(err error) bool {
	cause := errors.Cause(err)
	if cause == io.EOF || cause == io.ErrUnexpectedEOF {
		return true
	}
	_, ok := cause.(net.Error)
	return ok
}

// dispatch runs one command and writes its reply. It returns true when the
// connection should shut down.
func (c *Conn) dispatch(cmd *protocol.Command) bool {
	st := c.srv.store
	switch cmd.Op {
	case protocol.OpPut:
		c.producer = true
		id, ok := st.Put(c.used, cmd.Pri, cmd.Delay, cmd.TTR, cmd.Body)
		if !ok {
			c.writeFrame(protocol.Name(protocol.ErrDraining.Error()))
			return false
		}
		c.writeFrame(protocol.Name("INSERTED"), protocol.Integer(id))

	case protocol.OpUse:
		if cmd.Tube != c.used {
			st.Using(cmd.Tube)
			st.StopUsing(c.used)
			c.used = cmd.Tube
		}
		c.writeFrame(protocol.Name("USING"), protocol.Name(c.used))

	case protocol.OpReserve:
		c.worker = true
		c.reserve(nil)

	case protocol.OpReserveWithTimeout:
		c.worker = true
		timeout := time.Duration(cmd.Timeout) * time.Second
		c.reserve(&timeout)

	case protocol.OpReserveJob:
		c.worker = true
		job, ok := st.ReserveByID(c, cmd.ID)
		if !ok {
			c.writeFrame(protocol.Name(protocol.ErrNotFound.Error()))
			return false
		}
		c.replyReserved(job)

	case protocol.OpDelete:
		if !st.Delete(c.id, cmd.ID) {
			c.writeFrame(protocol.Name(protocol.ErrNotFound.Error()))
			return false
		}
		c.writeFrame(protocol.Name("DELETED"))

	case protocol.OpRelease:
		if !st.Release(c.id, cmd.ID, cmd.Pri, cmd.Delay) {
			c.writeFrame(protocol.Name(protocol.ErrNotFound.Error()))
			return false
		}
		c.writeFrame(protocol.Name("RELEASED"))

	case protocol.OpBury:
		if !st.Bury(c.id, cmd.ID, cmd.Pri) {
			c.writeFrame(protocol.Name(protocol.ErrNotFound.Error()))
			return false
		}
		c.writeFrame(protocol.Name("BURIED"))

	case protocol.OpTouch:
		if !st.Touch(c.id, cmd.ID) {
			c.writeFrame(protocol.Name(protocol.ErrNotFound.Error()))
			return false
		}
		c.writeFrame(protocol.Name("TOUCHED"))

	case protocol.OpWatch:
		if !c.watching(cmd.Tube) {
			st.Watching(cmd.Tube)
			c.watch = append(c.watch, cmd.Tube)
		}
		c.writeFrame(protocol.Name("WATCHING"), protocol.Integer(uint64(len(c.watch))))

	case protocol.OpIgnore:
		if len(c.watch) == 1 && c.watch[0] == cmd.Tube {
			c.writeFrame(protocol.Name(protocol.ErrNotIgnored.Error()))
			return false
		}
		for i, name := range c.watch {
			if name == cmd.Tube {
				c.watch = append(c.watch[:i], c.watch[i+1:]...)
				st.StopWatching(name)
				break
			}
		}
		c.writeFrame(protocol.Name("WATCHING"), protocol.Integer(uint64(len(c.watch))))

	case protocol.OpPeek:
		c.replyPeek(st.Peek(cmd.ID))
	case protocol.OpPeekReady:
		c.replyPeek(st.PeekReady(c.used))
	case protocol.OpPeekDelayed:
		c.replyPeek(st.PeekDelayed(c.used))
	case protocol.OpPeekBuried:
		c.replyPeek(st.PeekBuried(c.used))

	case protocol.OpKick:
		n := st.Kick(c.used, cmd.Bound)
		c.writeFrame(protocol.Name("KICKED"), protocol.Integer(uint64(n)))

	case protocol.OpKickJob:
		if !st.KickJob(cmd.ID) {
			c.writeFrame(protocol.Name(protocol.ErrNotFound.Error()))
			return false
		}
		c.writeFrame(protocol.Name("KICKED"))

	case protocol.OpStatsJob:
		stats, ok := st.StatsJob(cmd.ID)
		if !ok {
			c.writeFrame(protocol.Name(protocol.ErrNotFound.Error()))
			return false
		}
		c.replyYAML(stats)

	case protocol.OpStatsTube:
		stats, ok := st.StatsTube(cmd.Tube)
		if !ok {
			c.writeFrame(protocol.Name(protocol.ErrNotFound.Error()))
			return false
		}
		c.replyYAML(stats)

	case protocol.OpStats:
		c.replyYAML(c.srv.serverStats())

	case protocol.OpListTubes:
		c.replyYAML(st.ListTubes())

	case protocol.OpListTubeUsed:
		c.writeFrame(protocol.Name("USING"), protocol.Name(c.used))

	case protocol.OpListTubesWatched:
		c.replyYAML(append([]string(nil), c.watch...))

	case protocol.OpPauseTube:
		if !st.PauseTube(cmd.Tube, cmd.Delay) {
			c.writeFrame(protocol.Name(protocol.ErrNotFound.Error()))
			return false
		}
		c.writeFrame(protocol.Name("PAUSED"))

	case protocol.OpQuit:
		return true
	}
	return false
}

// reserve implements reserve and reserve-with-timeout. nil means wait
// forever; zero means try once.
func (c *Conn) reserve(timeout *time.Duration) {
	st := c.srv.store
	job, w := c.srv.coord.Reserve(c, c.watch)
	if w == nil {
		c.replyReserved(job)
		return
	}
	if timeout != nil && *timeout == 0 {
		// Parked only for the length of the atomic try; a delivery may
		// still have raced in.
		if job, delivered := c.srv.coord.Cancel(w); delivered {
			c.replyReserved(job)
			return
		}
		c.writeFrame(protocol.Name(protocol.ErrTimedOut.Error()))
		return
	}

	st.Waiting(c.watch)
	defer st.StopWaiting(c.watch)
	c.srv.addWaiting(1)
	defer c.srv.addWaiting(-1)

	var timerC <-chan time.Time
	if timeout != nil {
		timer := time.NewTimer(*timeout)
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case job := <-w.Job():
		c.replyReserved(job)
	case <-timerC:
		// A job may have been delivered while the timer fired; the
		// reservation is ours either way.
		if job, delivered := c.srv.coord.Cancel(w); delivered {
			c.replyReserved(job)
			return
		}
		c.writeFrame(protocol.Name(protocol.ErrTimedOut.Error()))
	case <-c.eof:
		// Peer disconnected while parked; no reply is owed. teardown
		// releases any reservation delivered in this window.
		c.srv.coord.Cancel(w)
	case <-c.closed:
		// teardown releases any reservation delivered in this window.
		c.srv.coord.Cancel(w)
	}
}

func (c *Conn) replyReserved(job queue.Job) {
	c.writeFrame(
		protocol.Name("RESERVED"),
		protocol.Integer(job.ID),
		protocol.Integer(uint64(len(job.Body))),
		protocol.CRLF(),
		protocol.Body(job.Body),
	)
}

func (c *Conn) replyPeek(job queue.Job, ok bool) {
	if !ok {
		c.writeFrame(protocol.Name(protocol.ErrNotFound.Error()))
		return
	}
	c.writeFrame(
		protocol.Name("FOUND"),
		protocol.Integer(job.ID),
		protocol.Integer(uint64(len(job.Body))),
		protocol.CRLF(),
		protocol.Body(job.Body),
	)
}

// replyYAML writes an OK response whose body is the YAML document for v.
func (c *Conn) replyYAML(v interface{}) {
	out, err := yaml.Marshal(v)
	if err != nil {
		c.writeFrame(protocol.Name(protocol.ErrInternal.Error()))
		return
	}
	body := append([]byte("---\n"), out...)
	c.writeFrame(
		protocol.Name("OK"),
		protocol.Integer(uint64(len(body))),
		protocol.CRLF(),
		protocol.Body(body),
	)
}

func (c *Conn) writeFrame(toks ...protocol.Token) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.nc.Write(protocol.Encode(toks)); err != nil {
		c.shutdown()
	}
}

func (c *Conn) watching(name string) bool {
	for _, t := range c.watch {
		if t == name {
			return true
		}
	}
	return false
}

// shutdown unblocks the serve loop; safe to call more than once and from
// any goroutine.
func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		// Unblocks a read in flight.
		_ = c.nc.SetReadDeadline(time.Now())
	})
}

func (c *Conn) teardown() {
	c.shutdown()
	st := c.srv.store
	st.ReleaseConn(c.id)
	st.StopUsing(c.used)
	for _, name := range c.watch {
		st.StopWatching(name)
	}
	c.srv.removeConn(c)
	_ = c.nc.Close()
	c.log.Debug("connection closed")
}
