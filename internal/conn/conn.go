// Package conn implements the per-client connection state machine (spec
// §4.7): read a request line, dispatch it, stream payload bytes in or out,
// and reply — including the two-phase GET's /open /close /abort /peek
// options and timed waits.
//
// Grounded on the teacher's daemon/transport stream handler loop (read
// frame → dispatch → reply, with explicit per-connection cleanup on
// disconnect); adapted from its binary frame transport to the line-oriented
// memcache-compatible grammar of internal/protocol.
package conn

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/qbroker/qbroker/internal/config"
	"github.com/qbroker/qbroker/internal/observability"
	"github.com/qbroker/qbroker/internal/protocol"
	"github.com/qbroker/qbroker/internal/queue"
	"github.com/qbroker/qbroker/internal/registry"
)

// Version is the string returned by VERSION and --version.
const Version = "1.0.0"

// Registry is the subset of *registry.Registry a connection needs; declared
// as an interface so connection tests can use a fake.
type Registry interface {
	Get(name string) (*queue.Queue, error)
	Erase(name string, recreate bool) error
	FlushAll() error
	All() []*queue.Queue
}

var _ Registry = (*registry.Registry)(nil)

// Conn drives one client socket through its whole lifetime.
type Conn struct {
	id     string
	nc     net.Conn
	br     *bufio.Reader
	bw     *bufio.Writer
	maxLen int
	chunk  int

	reg     Registry
	metrics *observability.Metrics
	log     *observability.Logger
	stats   *ProcessStats

	req       protocol.Request
	popStream *queue.InputStream
}

// New wraps nc for the connection state machine. cfg supplies chunk_size and
// the max request-frame length (spec §4.7/§6).
func New(nc net.Conn, reg Registry, cfg *config.Config, metrics *observability.Metrics, log *observability.Logger, stats *ProcessStats) *Conn {
	id := uuid.NewString()
	maxLen := int(cfg.MaxFrameBytes)
	return &Conn{
		id:      id,
		nc:      nc,
		br:      bufio.NewReaderSize(nc, maxLen),
		bw:      bufio.NewWriter(nc),
		maxLen:  maxLen,
		chunk:   int(cfg.ChunkSize),
		reg:     reg,
		metrics: metrics,
		log:     log.WithConn(id, nc.RemoteAddr().String()),
		stats:   stats,
	}
}

// Serve runs the read→parse→dispatch→reply loop until the client
// disconnects or a protocol violation forces the connection closed. The
// server drains connections by waiting for every Serve call to return
// naturally rather than cancelling it mid-flight.
func (c *Conn) Serve() {
	c.stats.TotalConnections.Add(1)
	c.stats.CurrConnections.Add(1)
	c.metrics.RecordConnectionOpened()
	c.log.ConnectionEstablished(c.nc.RemoteAddr().String(), c.id)

	var endErr error
	defer func() {
		c.cleanup()
		c.metrics.RecordConnectionClosed()
		c.stats.CurrConnections.Add(-1)
		c.log.ConnectionClosed(c.nc.RemoteAddr().String(), c.id, endErr)
		c.nc.Close()
	}()

	for {
		line, err := c.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return // clean close
			}
			endErr = err
			return
		}

		if err := protocol.Parse(line, &c.req); err != nil {
			c.writeString(protocol.ParseError)
			c.flush()
			endErr = err
			return
		}

		if closeConn := c.dispatch(); closeConn {
			return
		}
	}
}

// cleanup runs the connection's safe-default drop behavior: an open
// pop_stream is returned, never erased (spec §4.3/§7).
func (c *Conn) cleanup() {
	if c.popStream != nil {
		if err := c.popStream.Abandon(); err != nil {
			c.log.Error(err, "abandon pop stream on disconnect")
		}
	}
}

// readLine reads one request line bounded to maxLen bytes (spec §4.7 "max
// frame 4096 bytes including the trailing \r\n"). bufio.Reader.ReadSlice
// returns bufio.ErrBufferFull exactly when no delimiter is found within its
// buffer, so sizing the reader at maxLen gives the bound for free.
func (c *Conn) readLine() (string, error) {
	line, err := c.br.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return "", protocol.ErrProtocol
		}
		// A partial line followed by EOF is a dropped connection, not a
		// clean close — only a zero-byte EOF is clean (spec §4.7).
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	return string(line), nil
}

// dispatch routes one parsed request and returns true if the connection
// must now be closed (protocol violation or *_ERROR reply, per spec §7
// "Any *_ERROR response is followed by connection close").
func (c *Conn) dispatch() bool {
	switch c.req.Cmd {
	case protocol.CmdStats:
		c.handleStats()
		return false
	case protocol.CmdVersion:
		c.writeString(protocol.Version(Version))
		c.flush()
		return false
	case protocol.CmdFlush:
		return c.handleFlush()
	case protocol.CmdFlushAll:
		return c.handleFlushAll()
	case protocol.CmdSet:
		return c.handleSet()
	case protocol.CmdGet:
		return c.handleGet()
	default:
		c.writeString(protocol.ParseError)
		c.flush()
		return true
	}
}

func (c *Conn) handleStats() {
	now := time.Now()
	c.writeString(protocol.StatLine("pid", pid()))
	c.writeString(protocol.StatLine("version", Version))
	c.writeString(protocol.StatLine("uptime", int64(c.stats.Uptime().Seconds())))
	c.writeString(protocol.StatLine("time", now.Unix()))
	c.writeString(protocol.StatLine("curr_connections", c.stats.CurrConnections.Load()))
	c.writeString(protocol.StatLine("total_connections", c.stats.TotalConnections.Load()))
	c.writeString(protocol.StatLine("cmd_get", c.stats.CmdGets.Load()))
	c.writeString(protocol.StatLine("cmd_set", c.stats.CmdSets.Load()))
	c.writeString(protocol.StatLine("get_hits", c.stats.GetHits.Load()))
	c.writeString(protocol.StatLine("get_misses", c.stats.GetMisses.Load()))
	c.writeString(protocol.StatLine("bytes_read", c.stats.BytesRead.Load()))
	c.writeString(protocol.StatLine("bytes_written", c.stats.BytesWritten.Load()))

	queues := c.reg.All()
	sort.Slice(queues, func(i, j int) bool { return queues[i].Name() < queues[j].Name() })
	for _, q := range queues {
		st := q.Stats()
		prefix := "queue_" + st.Name + "_"
		currItems := int64(st.ItemsEnqueued) - int64(st.ItemsDequeued)
		if currItems < 0 {
			currItems = 0
		}
		c.writeString(protocol.StatLine(prefix+"items", st.Count))
		c.writeString(protocol.StatLine(prefix+"curr_items", currItems))
		c.writeString(protocol.StatLine(prefix+"items_open", st.ItemsOpen))
		c.writeString(protocol.StatLine(prefix+"total_items", st.ItemsEnqueued))
		c.writeString(protocol.StatLine(prefix+"bytes_evicted", st.BytesEvicted))
		c.writeString(protocol.StatLine(prefix+"waiters", st.Waiters))
		c.writeString(protocol.StatLine(prefix+"compactions", st.Compactions))
	}

	c.writeString(protocol.End)
	c.flush()
}

func (c *Conn) handleFlush() bool {
	if err := c.reg.Erase(c.req.Queue, true); err != nil {
		return c.serverError(err)
	}
	c.writeString(protocol.End)
	c.flush()
	return false
}

func (c *Conn) handleFlushAll() bool {
	if err := c.reg.FlushAll(); err != nil {
		return c.serverError(err)
	}
	c.writeString(protocol.FlushedAll)
	c.flush()
	return false
}

func (c *Conn) handleSet() (closeConn bool) {
	_, span := observability.StartSpan(context.Background(), "queue.push")
	defer span.End()

	c.stats.CmdSets.Add(1)
	c.metrics.RecordCommand("set")

	q, err := c.reg.Get(c.req.Queue)
	if err != nil {
		return c.clientError("invalid queue name")
	}

	chunksCount := uint64(c.req.NumBytes) / uint64(c.chunk)
	if uint64(c.req.NumBytes)%uint64(c.chunk) != 0 {
		chunksCount++
	}
	if chunksCount == 0 {
		chunksCount = 1
	}

	out := queue.NewOutputStream(q)
	if err := out.Open(chunksCount, false); err != nil {
		return c.serverError(err)
	}
	ok := false
	defer func() {
		if !ok {
			_ = out.Abandon()
		}
	}()

	remaining := uint64(c.req.NumBytes)
	for remaining > 0 {
		n := uint64(c.chunk)
		if n > remaining {
			n = remaining
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(c.br, buf); err != nil {
			return true
		}
		if err := out.Write(buf); err != nil {
			return c.serverError(err)
		}
		remaining -= n
	}

	trailer := make([]byte, 2)
	if _, err := io.ReadFull(c.br, trailer); err != nil {
		return true
	}
	if trailer[0] != '\r' || trailer[1] != '\n' {
		return c.clientError(protocol.BadDataChunk)
	}

	ok = true
	c.metrics.RecordPush(uint64(c.req.NumBytes))
	c.stats.BytesRead.Add(uint64(c.req.NumBytes))
	c.log.ItemPushed(c.req.Queue, uint64(c.req.NumBytes), chunksCount)
	c.writeString(protocol.Stored)
	c.flush()
	return false
}

func (c *Conn) handleGet() (closeConn bool) {
	_, span := observability.StartSpan(context.Background(), "queue.pop")
	defer span.End()

	c.stats.CmdGets.Add(1)
	c.metrics.RecordCommand("get")

	if c.popStream != nil && c.popStream.IsOpen() {
		if !c.req.Abort && !c.req.Close {
			return c.clientError("close current item first")
		}
	}

	if c.req.Abort {
		if c.popStream != nil {
			_ = c.popStream.Close(false)
			c.popStream = nil
		}
		c.metrics.RecordGet(false)
		c.stats.GetMisses.Add(1)
		c.writeString(protocol.End)
		c.flush()
		return false
	}

	if c.req.Close && !c.req.Open {
		if c.popStream != nil {
			_ = c.popStream.Close(true)
			c.popStream = nil
		}
		c.metrics.RecordGet(false)
		c.stats.GetMisses.Add(1)
		c.writeString(protocol.End)
		c.flush()
		return false
	}

	q, err := c.reg.Get(c.req.Queue)
	if err != nil {
		return c.clientError("invalid queue name")
	}

	ps := queue.NewInputStream(q)
	opened, err := ps.Open()
	if err != nil {
		return c.serverError(err)
	}
	if !opened && c.req.WaitMs > 0 {
		if q.Wait(time.Duration(c.req.WaitMs) * time.Millisecond) {
			opened, err = ps.Open()
			if err != nil {
				return c.serverError(err)
			}
		}
	}
	if !opened {
		c.metrics.RecordGet(false)
		c.stats.GetMisses.Add(1)
		c.writeString(protocol.End)
		c.flush()
		return false
	}

	c.metrics.RecordGet(true)
	c.stats.GetHits.Add(1)
	c.writeString(protocol.ValueHeader(c.req.Queue, ps.Size()))
	var bytesOut uint64
	for {
		chunk, err := ps.Read()
		if err != nil {
			if errors.Is(err, queue.ErrEOF) {
				break
			}
			_ = ps.Abandon()
			return c.serverError(err)
		}
		c.write(chunk)
		bytesOut += uint64(len(chunk))
	}
	c.metrics.RecordPop(bytesOut)
	c.stats.BytesWritten.Add(bytesOut)

	switch {
	case c.req.Open:
		c.popStream = ps
	case c.req.Peek:
		_ = ps.Close(false)
	default:
		before := q.Stats().Compactions
		_ = ps.Close(true)
		c.metrics.RecordEviction(ps.Size())
		if after := q.Stats(); after.Compactions > before {
			c.metrics.RecordCompaction()
			c.log.CompactionRan(c.req.Queue, after.BytesEvicted, 0)
		}
		c.log.ItemPopped(c.req.Queue, 0, bytesOut, true)
	}

	c.writeString(protocol.ValueTrailer)
	c.flush()
	return false
}

func (c *Conn) clientError(msg string) bool {
	c.writeString(protocol.ClientError(msg))
	c.flush()
	return true
}

func (c *Conn) serverError(err error) bool {
	c.log.Error(err, "server error")
	c.writeString(protocol.ServerError(err.Error()))
	c.flush()
	return true
}

func (c *Conn) write(b []byte)       { _, _ = c.bw.Write(b) }
func (c *Conn) writeString(s string) { _, _ = c.bw.WriteString(s) }
func (c *Conn) flush()               { _ = c.bw.Flush() }

func pid() int { return os.Getpid() }
