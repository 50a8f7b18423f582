/**
 * Copyright (c) 2026, the stalqd authors.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package server

import (
	"bufio"
	"io"
	"net"
	"testing"
	"time"

	"github.com/beanstalkd/go-beanstalk"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stalq/stalqd/pkg/queue"
)

func startServer(t *testing.T, opts Options) (*Server, string) {
	t.Helper()
	if opts.Logger == nil {
		log := logrus.New()
		log.SetLevel(logrus.ErrorLevel)
		opts.Logger = log
	}
	srv := New(opts)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { _ = srv.Close() })
	return srv, l.Addr().String()
}

// rawConn speaks the wire protocol directly, for scenarios the client
// library papers over.
type rawConn struct {
	t  *testing.T
	nc net.Conn
	r  *bufio.Reader
}

func dialRaw(t *testing.T, addr string) *rawConn {
	t.Helper()
	nc, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	require.NoError(t, nc.SetDeadline(time.Now().Add(10*time.Second)))
	t.Cleanup(func() { _ = nc.Close() })
	return &rawConn{t: t, nc: nc, r: bufio.NewReader(nc)}
}

func (c *rawConn) send(s string) {
	c.t.Helper()
	_, err := c.nc.Write([]byte(s))
	require.NoError(c.t, err)
}

func (c *rawConn) line() string {
	c.t.Helper()
	line, err := c.r.ReadString('\n')
	require.NoError(c.t, err)
	require.True(c.t, len(line) >= 2 && line[len(line)-2] == '\r', "line not CRLF terminated: %q", line)
	return line[:len(line)-2]
}

func (c *rawConn) expect(want string) {
	c.t.Helper()
	assert.Equal(c.t, want, c.line())
}

func TestPutReserveDelete(t *testing.T) {
	_, addr := startServer(t, Options{})
	c := dialRaw(t, addr)

	c.send("put 1 0 60 5\r\nhello\r\n")
	c.expect("INSERTED 1")

	c.send("reserve\r\n")
	c.expect("RESERVED 1 5")
	c.expect("hello")

	c.send("delete 1\r\n")
	c.expect("DELETED")

	c.send("delete 1\r\n")
	c.expect("NOT_FOUND")
}

func TestPriorityOrder(t *testing.T) {
	_, addr := startServer(t, Options{})
	conn, err := beanstalk.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Put([]byte("a"), 10, 0, 60*time.Second)
	require.NoError(t, err)
	_, err = conn.Put([]byte("b"), 1, 0, 60*time.Second)
	require.NoError(t, err)
	_, err = conn.Put([]byte("c"), 5, 0, 60*time.Second)
	require.NoError(t, err)

	ts := beanstalk.NewTubeSet(conn, "default")
	var got []string
	for i := 0; i < 3; i++ {
		id, body, err := ts.Reserve(time.Second)
		require.NoError(t, err)
		got = append(got, string(body))
		require.NoError(t, conn.Delete(id))
	}
	assert.Equal(t, []string{"b", "c", "a"}, got)
}

func TestDelayedPromotion(t *testing.T) {
	_, addr := startServer(t, Options{})
	conn, err := beanstalk.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Put([]byte("later"), 0, 2*time.Second, 60*time.Second)
	require.NoError(t, err)

	ts := beanstalk.NewTubeSet(conn, "default")
	_, _, err = ts.Reserve(0)
	connErr, ok := err.(beanstalk.ConnError)
	require.True(t, ok, "want ConnError, got %v", err)
	assert.Equal(t, beanstalk.ErrTimeout, connErr.Err)

	start := time.Now()
	_, body, err := ts.Reserve(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("later"), body)
	assert.Greater(t, time.Since(start), time.Second)
}

func TestWatchAndIgnore(t *testing.T) {
	_, addr := startServer(t, Options{})
	producer := dialRaw(t, addr)
	worker := dialRaw(t, addr)

	producer.send("use t1\r\n")
	producer.expect("USING t1")
	producer.send("put 0 0 60 1\r\ny\r\n")
	producer.expect("INSERTED 1")

	worker.send("reserve-with-timeout 0\r\n")
	worker.expect("TIMED_OUT")

	worker.send("watch t1\r\n")
	worker.expect("WATCHING 2")
	worker.send("reserve\r\n")
	worker.expect("RESERVED 1 1")
	worker.expect("y")

	worker.send("ignore t1\r\n")
	worker.expect("WATCHING 1")
	worker.send("ignore default\r\n")
	worker.expect("NOT_IGNORED")
}

func TestTTRExpiryHandsJobOver(t *testing.T) {
	_, addr := startServer(t, Options{})
	first := dialRaw(t, addr)
	second := dialRaw(t, addr)

	first.send("put 0 0 2 4\r\nwork\r\n")
	first.expect("INSERTED 1")
	start := time.Now()
	first.send("reserve\r\n")
	first.expect("RESERVED 1 4")
	first.expect("work")

	// The warning arrives 1s before the 2s TTR runs out.
	first.expect("DEADLINE_SOON")
	assert.Greater(t, time.Since(start), 500*time.Millisecond)

	second.send("reserve-with-timeout 5\r\n")
	second.expect("RESERVED 1 4")
	second.expect("work")
	assert.Greater(t, time.Since(start), 1500*time.Millisecond)
}

func TestBlockedReserveWakesOnPut(t *testing.T) {
	_, addr := startServer(t, Options{})
	worker := dialRaw(t, addr)
	producer := dialRaw(t, addr)

	worker.send("reserve\r\n")
	time.Sleep(100 * time.Millisecond)

	producer.send("put 0 0 60 3\r\nnew\r\n")
	producer.expect("INSERTED 1")

	worker.expect("RESERVED 1 3")
	worker.expect("new")
}

func TestBuryPeekKick(t *testing.T) {
	_, addr := startServer(t, Options{})
	c := dialRaw(t, addr)

	c.send("put 0 0 60 1\r\nx\r\n")
	c.expect("INSERTED 1")
	c.send("reserve\r\n")
	c.expect("RESERVED 1 1")
	c.expect("x")

	c.send("bury 1 0\r\n")
	c.expect("BURIED")

	c.send("peek-buried\r\n")
	c.expect("FOUND 1 1")
	c.expect("x")

	c.send("kick 10\r\n")
	c.expect("KICKED 1")

	c.send("peek-ready\r\n")
	c.expect("FOUND 1 1")
	c.expect("x")
}

func TestReleaseAndTouch(t *testing.T) {
	_, addr := startServer(t, Options{})
	c := dialRaw(t, addr)

	c.send("put 0 0 60 1\r\nx\r\n")
	c.expect("INSERTED 1")
	c.send("reserve\r\n")
	c.expect("RESERVED 1 1")
	c.expect("x")

	c.send("touch 1\r\n")
	c.expect("TOUCHED")

	c.send("release 1 5 0\r\n")
	c.expect("RELEASED")

	// Released means no longer ours.
	c.send("touch 1\r\n")
	c.expect("NOT_FOUND")
}

func TestReserveJobAndKickJob(t *testing.T) {
	_, addr := startServer(t, Options{})
	c := dialRaw(t, addr)

	c.send("put 0 60 60 1\r\nd\r\n")
	c.expect("INSERTED 1")

	c.send("kick-job 1\r\n")
	c.expect("KICKED")

	c.send("reserve-job 1\r\n")
	c.expect("RESERVED 1 1")
	c.expect("d")

	c.send("reserve-job 1\r\n")
	c.expect("NOT_FOUND")
}

func TestPauseTube(t *testing.T) {
	_, addr := startServer(t, Options{})
	c := dialRaw(t, addr)

	c.send("put 0 0 60 1\r\nx\r\n")
	c.expect("INSERTED 1")

	c.send("pause-tube default 1\r\n")
	c.expect("PAUSED")

	c.send("reserve-with-timeout 0\r\n")
	c.expect("TIMED_OUT")

	c.send("reserve-with-timeout 3\r\n")
	c.expect("RESERVED 1 1")
	c.expect("x")

	c.send("pause-tube no-such-tube 1\r\n")
	c.expect("NOT_FOUND")
}

func TestFramingErrors(t *testing.T) {
	_, addr := startServer(t, Options{})

	t.Run("unknown command", func(t *testing.T) {
		c := dialRaw(t, addr)
		c.send("frobnicate\r\n")
		c.expect("UNKNOWN_COMMAND")
	})

	t.Run("bad format", func(t *testing.T) {
		c := dialRaw(t, addr)
		c.send("put x\r\n")
		c.expect("BAD_FORMAT")
	})

	t.Run("body without crlf", func(t *testing.T) {
		c := dialRaw(t, addr)
		c.send("put 1 0 60 1\r\nyy\r\n")
		c.expect("EXPECTED_CRLF")
	})

	t.Run("put missing byte count", func(t *testing.T) {
		// Must answer immediately, not stall waiting for a phantom body.
		c := dialRaw(t, addr)
		c.send("put 1 0 60\r\n")
		c.expect("BAD_FORMAT")
		c.send("list-tubes\r\n")
		assert.Contains(t, c.line(), "OK ")
	})
}

func TestJobTooBig(t *testing.T) {
	_, addr := startServer(t, Options{MaxJobSize: 10})
	c := dialRaw(t, addr)

	c.send("put 0 0 60 11\r\nabcdefghijk\r\n")
	c.expect("JOB_TOO_BIG")

	// The stream stays framed; the next command works.
	c.send("put 0 0 60 5\r\nhello\r\n")
	c.expect("INSERTED 1")
}

func TestDraining(t *testing.T) {
	srv, addr := startServer(t, Options{})
	srv.SetDraining(true)

	c := dialRaw(t, addr)
	c.send("put 0 0 60 1\r\nx\r\n")
	c.expect("DRAINING")

	// Everything but put keeps working.
	c.send("stats\r\n")
	line := c.line()
	assert.Contains(t, line, "OK ")
}

func TestTubeListing(t *testing.T) {
	_, addr := startServer(t, Options{})
	c := dialRaw(t, addr)

	c.send("use foo\r\n")
	c.expect("USING foo")
	c.send("list-tube-used\r\n")
	c.expect("USING foo")

	conn, err := beanstalk.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	tubes, err := conn.ListTubes()
	require.NoError(t, err)
	assert.Contains(t, tubes, "default")
	assert.Contains(t, tubes, "foo")
}

func TestDefaultTubeRefcounts(t *testing.T) {
	srv, addr := startServer(t, Options{})
	c := dialRaw(t, addr)

	// Switching away from default must not drive its refcounts negative:
	// the connection's initial use/watch references are registered too.
	c.send("use t1\r\n")
	c.expect("USING t1")

	ts, ok := srv.Store().StatsTube(queue.DefaultTube)
	require.True(t, ok)
	assert.Equal(t, 0, ts.CurrentUsing)
	assert.Equal(t, 1, ts.CurrentWatching)

	ts, ok = srv.Store().StatsTube("t1")
	require.True(t, ok)
	assert.Equal(t, 1, ts.CurrentUsing)
}

func TestStats(t *testing.T) {
	_, addr := startServer(t, Options{})
	conn, err := beanstalk.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	id, err := conn.Put([]byte("x"), 0, 0, 60*time.Second)
	require.NoError(t, err)

	stats, err := conn.Stats()
	require.NoError(t, err)
	assert.Equal(t, "1", stats["current-jobs-ready"])
	assert.Equal(t, "1", stats["total-jobs"])
	assert.Equal(t, Version, stats["version"])
	assert.NotEmpty(t, stats["id"])

	jobStats, err := conn.StatsJob(id)
	require.NoError(t, err)
	assert.Equal(t, "ready", jobStats["state"])
	assert.Equal(t, "default", jobStats["tube"])
}

func TestQuitClosesConnection(t *testing.T) {
	_, addr := startServer(t, Options{})
	c := dialRaw(t, addr)

	c.send("quit\r\n")
	_, err := c.r.ReadByte()
	assert.Equal(t, io.EOF, err)
}

func TestDisconnectReleasesReservation(t *testing.T) {
	srv, addr := startServer(t, Options{})
	first := dialRaw(t, addr)

	first.send("put 0 0 60 1\r\nx\r\n")
	first.expect("INSERTED 1")
	first.send("reserve\r\n")
	first.expect("RESERVED 1 1")
	first.expect("x")

	require.NoError(t, first.nc.Close())
	require.Eventually(t, func() bool {
		return srv.store.Stats().JobsReady == 1
	}, 2*time.Second, 20*time.Millisecond)

	second := dialRaw(t, addr)
	second.send("reserve-with-timeout 0\r\n")
	second.expect("RESERVED 1 1")
	second.expect("x")
}

func TestDisconnectCancelsParkedReserve(t *testing.T) {
	srv, addr := startServer(t, Options{})
	worker := dialRaw(t, addr)

	worker.send("reserve\r\n")
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, worker.nc.Close())

	// The waiter goes away; a later put stays ready for someone else.
	producer := dialRaw(t, addr)
	producer.send("put 0 0 60 1\r\nx\r\n")
	producer.expect("INSERTED 1")

	require.Eventually(t, func() bool {
		return srv.store.Stats().JobsReady == 1
	}, 2*time.Second, 20*time.Millisecond)
}
