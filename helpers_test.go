package webproxy

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const okResponse = "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 5\r\n\r\nhello"

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeOrigin is a raw TCP server that answers every connection with a
// fixed response and counts how many connections it accepted.
type fakeOrigin struct {
	ln       net.Listener
	response []byte
	hits     atomic.Int32

	mu   sync.Mutex
	last []byte
}

func newFakeOrigin(t *testing.T, response string) *fakeOrigin {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	o := &fakeOrigin{ln: ln, response: []byte(response)}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			o.hits.Add(1)
			go o.serve(conn)
		}
	}()
	return o
}

func (o *fakeOrigin) serve(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	var req []byte
	buf := make([]byte, 4096)
	for !bytes.Contains(req, []byte("\r\n\r\n")) {
		_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
		n, err := conn.Read(buf)
		req = append(req, buf[:n]...)
		if err != nil {
			break
		}
	}

	o.mu.Lock()
	o.last = req
	o.mu.Unlock()

	_, _ = conn.Write(o.response)
}

func (o *fakeOrigin) Addr() string { return o.ln.Addr().String() }

func (o *fakeOrigin) Port() int { return o.ln.Addr().(*net.TCPAddr).Port }

func (o *fakeOrigin) Hits() int { return int(o.hits.Load()) }

func (o *fakeOrigin) LastRequest() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// URL returns an absolute http URL on the origin's port.
func (o *fakeOrigin) URL(path string) string {
	return "http://127.0.0.1:" + strconv.Itoa(o.Port()) + path
}

// unusedAddr returns a loopback address nothing is listening on.
func unusedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func getRequest(url string) string {
	return "GET " + url + " HTTP/1.1\r\nHost: example.com\r\nUser-Agent: webproxy-test\r\n\r\n"
}

func newTestStore(t testing.TB, cfg StoreConfig) *Store {
	t.Helper()
	if cfg.MaxSize == 0 {
		cfg.MaxSize = 10
	}
	if cfg.TTL == 0 {
		cfg.TTL = time.Minute
	}
	s, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

// startProxy serves h on a loopback port and returns the proxy and its
// address. The proxy is closed when the test ends.
func startProxy(t *testing.T, h *Handler, configure ...func(*Proxy)) (*Proxy, string) {
	t.Helper()

	if h.Logger == nil {
		h.Logger = discardLogger()
	}
	if h.Connector == nil {
		h.Connector = &Connector{
			ConnectTimeout: time.Second,
			ReadTimeout:    2 * time.Second,
			WriteTimeout:   2 * time.Second,
			Logger:         discardLogger(),
		}
	}

	p := NewProxy("127.0.0.1:0", h)
	p.Logger = discardLogger()
	for _, fn := range configure {
		fn(p)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- p.Serve(ln) }()
	t.Cleanup(func() {
		_ = p.Close()
		<-errCh
	})

	return p, ln.Addr().String()
}

// roundTrip sends raw to addr and returns everything the peer writes
// before closing.
func roundTrip(t *testing.T, addr, raw string) string {
	t.Helper()
	resp, err := tryRoundTrip(addr, raw)
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	return resp
}

func tryRoundTrip(addr, raw string) (string, error) {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return "", err
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	if raw != "" {
		if _, err := conn.Write([]byte(raw)); err != nil {
			return "", err
		}
	}

	resp, err := io.ReadAll(conn)
	return string(resp), err
}
