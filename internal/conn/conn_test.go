package conn

import (
	"bufio"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/qbroker/qbroker/internal/config"
	"github.com/qbroker/qbroker/internal/observability"
	"github.com/qbroker/qbroker/internal/registry"
)

// harness wires one Conn to an in-memory net.Pipe so protocol behavior can
// be driven without a real socket.
type harness struct {
	client *bufio.ReadWriter
	reg    *registry.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg, err := registry.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close() })

	clientSide, serverSide := net.Pipe()
	cfg := config.DefaultConfig()
	cfg.ChunkSize = 4
	cfg.MaxFrameBytes = 4096
	log := observability.NewLogger("test", "0", nil)
	metrics := observability.NewMetrics()
	stats := NewProcessStats()

	c := New(serverSide, reg, cfg, metrics, log, stats)
	go c.Serve()

	t.Cleanup(func() { clientSide.Close() })
	return &harness{
		client: bufio.NewReadWriter(bufio.NewReader(clientSide), bufio.NewWriter(clientSide)),
		reg:    reg,
	}
}

func (h *harness) send(t *testing.T, s string) {
	t.Helper()
	if _, err := h.client.WriteString(s); err != nil {
		t.Fatal(err)
	}
	if err := h.client.Flush(); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) readN(t *testing.T, n int) string {
	t.Helper()
	buf := make([]byte, n)
	if _, err := io.ReadFull(h.client, buf); err != nil {
		t.Fatalf("read %d bytes: %v", n, err)
	}
	return string(buf)
}

func TestConnSimpleSetGet(t *testing.T) {
	h := newHarness(t)
	h.send(t, "SET q 0 0 5\r\nhello\r\n")
	if got := h.readN(t, len("STORED\r\n")); got != "STORED\r\n" {
		t.Fatalf("SET reply = %q", got)
	}

	h.send(t, "GET q\r\n")
	want := "VALUE q 0 5\r\nhello\r\nEND\r\n"
	if got := h.readN(t, len(want)); got != want {
		t.Fatalf("GET reply = %q, want %q", got, want)
	}
}

func TestConnNullTerminatedValue(t *testing.T) {
	h := newHarness(t)
	h.send(t, "SET q 0 0 3\r\nA\x00\x00\r\n")
	if got := h.readN(t, len("STORED\r\n")); got != "STORED\r\n" {
		t.Fatalf("SET reply = %q", got)
	}
	h.send(t, "GET q\r\n")
	want := "VALUE q 0 3\r\nA\x00\x00\r\nEND\r\n"
	if got := h.readN(t, len(want)); got != want {
		t.Fatalf("GET reply = %q, want %q", got, want)
	}
}

func TestConnMultiChunkSetGet(t *testing.T) {
	h := newHarness(t) // cfg.ChunkSize = 4
	h.send(t, "SET q 0 0 10\r\nABCDEFGHIJ\r\n")
	if got := h.readN(t, len("STORED\r\n")); got != "STORED\r\n" {
		t.Fatalf("SET reply = %q", got)
	}
	h.send(t, "GET q\r\n")
	want := "VALUE q 0 10\r\nABCDEFGHIJ\r\nEND\r\n"
	if got := h.readN(t, len(want)); got != want {
		t.Fatalf("GET reply = %q, want %q", got, want)
	}
}

func TestConnReserveAbortReturn(t *testing.T) {
	h := newHarness(t)
	h.send(t, "SET q 0 0 2\r\nok\r\n")
	h.readN(t, len("STORED\r\n"))

	h.send(t, "GET q/open\r\n")
	want := "VALUE q 0 2\r\nok\r\nEND\r\n"
	if got := h.readN(t, len(want)); got != want {
		t.Fatalf("GET /open reply = %q", got)
	}

	h.send(t, "GET q/abort\r\n")
	if got := h.readN(t, len("END\r\n")); got != "END\r\n" {
		t.Fatalf("GET /abort reply = %q", got)
	}

	h.send(t, "GET q\r\n")
	if got := h.readN(t, len(want)); got != want {
		t.Fatalf("re-GET reply = %q, want %q", got, want)
	}
}

func TestConnGetOnEmptyQueueNoWait(t *testing.T) {
	h := newHarness(t)
	h.send(t, "GET q\r\n")
	if got := h.readN(t, len("END\r\n")); got != "END\r\n" {
		t.Fatalf("GET reply = %q", got)
	}
}

func TestConnGetTimedWaitWoken(t *testing.T) {
	h := newHarness(t)

	// A connection serves one request at a time, so the SET that wakes the
	// waiting GET arrives on a second connection to the same registry.
	clientSide, serverSide := net.Pipe()
	cfg := config.DefaultConfig()
	cfg.ChunkSize = 4
	c2 := New(serverSide, h.reg, cfg, observability.NewMetrics(), observability.NewLogger("test", "0", nil), NewProcessStats())
	go c2.Serve()
	t.Cleanup(func() { clientSide.Close() })
	other := &harness{
		client: bufio.NewReadWriter(bufio.NewReader(clientSide), bufio.NewWriter(clientSide)),
		reg:    h.reg,
	}

	h.send(t, "GET q/t=500\r\n")

	time.Sleep(10 * time.Millisecond)
	other.send(t, "SET q 0 0 3\r\nhey\r\n")

	want := "VALUE q 0 3\r\nhey\r\nEND\r\n"
	got := h.readN(t, len(want))
	if got != want {
		t.Fatalf("woken GET reply = %q, want %q", got, want)
	}
	if got := other.readN(t, len("STORED\r\n")); got != "STORED\r\n" {
		t.Fatalf("SET reply = %q", got)
	}
}

func TestConnGetTimedWaitTimesOut(t *testing.T) {
	h := newHarness(t)
	h.send(t, "GET q/t=10\r\n")
	if got := h.readN(t, len("END\r\n")); got != "END\r\n" {
		t.Fatalf("timed-out GET reply = %q", got)
	}
}

func TestConnVersionAndStats(t *testing.T) {
	h := newHarness(t)
	h.send(t, "VERSION\r\n")
	if got := h.readN(t, len("VERSION "+Version+"\r\n")); got != "VERSION "+Version+"\r\n" {
		t.Fatalf("VERSION reply = %q", got)
	}

	h.send(t, "STATS\r\n")
	var out strings.Builder
	for {
		line := h.readN(t, 1)
		out.WriteString(line)
		if strings.HasSuffix(out.String(), "END\r\n") {
			break
		}
	}
	if !strings.Contains(out.String(), "STAT cmd_get") {
		t.Fatalf("STATS output missing cmd_get: %q", out.String())
	}
}

func TestConnFlushAndFlushAll(t *testing.T) {
	h := newHarness(t)
	h.send(t, "SET q 0 0 1\r\nx\r\n")
	h.readN(t, len("STORED\r\n"))

	h.send(t, "FLUSH q\r\n")
	if got := h.readN(t, len("END\r\n")); got != "END\r\n" {
		t.Fatalf("FLUSH reply = %q", got)
	}

	h.send(t, "GET q\r\n")
	if got := h.readN(t, len("END\r\n")); got != "END\r\n" {
		t.Fatalf("GET after FLUSH reply = %q", got)
	}

	h.send(t, "FLUSH_ALL\r\n")
	if got := h.readN(t, len("Flushed all queues.\r\n")); got != "Flushed all queues.\r\n" {
		t.Fatalf("FLUSH_ALL reply = %q", got)
	}
}

func TestConnBadDataChunkCloses(t *testing.T) {
	h := newHarness(t)
	h.send(t, "SET q 0 0 3\r\nabcXY\r\n") // trailer is "XY", not "\r\n"
	want := "CLIENT_ERROR bad data chunk\r\n"
	if got := h.readN(t, len(want)); got != want {
		t.Fatalf("reply = %q, want %q", got, want)
	}

	// Connection must now be closed.
	buf := make([]byte, 1)
	if _, err := h.client.Read(buf); err == nil {
		t.Fatalf("expected connection closed after CLIENT_ERROR")
	}
}

func TestConnCloseCurrentItemFirst(t *testing.T) {
	h := newHarness(t)
	h.send(t, "SET q 0 0 1\r\nx\r\n")
	h.readN(t, len("STORED\r\n"))

	h.send(t, "GET q/open\r\n")
	h.readN(t, len("VALUE q 0 1\r\nx\r\nEND\r\n"))

	h.send(t, "GET q2\r\n")
	want := "CLIENT_ERROR close current item first\r\n"
	if got := h.readN(t, len(want)); got != want {
		t.Fatalf("reply = %q, want %q", got, want)
	}
}
