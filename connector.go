package webproxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"
)

// Connector defaults.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultReadTimeout    = 30 * time.Second
	DefaultWriteTimeout   = 30 * time.Second
	DefaultBufferSize     = 4096
)

var (
	// ErrConnect is wrapped by every [ConnectError].
	ErrConnect = errors.New("connect failed")

	// ErrTransfer is wrapped by every [TransferError].
	ErrTransfer = errors.New("transfer failed")

	// ErrEmptyResponse means the origin closed without sending anything.
	ErrEmptyResponse = errors.New("empty response")

	// ErrResponseTooLarge means the origin sent more than MaxResponseSize.
	ErrResponseTooLarge = errors.New("response too large")
)

// ConnectError reports a DNS, TCP or TLS handshake failure.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() []error { return []error{ErrConnect, e.Err} }

// TransferError reports a failure while writing the request or reading the
// response over an established connection.
type TransferError struct {
	Addr string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("exchange with %s: %v", e.Addr, e.Err)
}

func (e *TransferError) Unwrap() []error { return []error{ErrTransfer, e.Err} }

// Target is an outbound destination.
type Target struct {
	Host string
	Port int
	TLS  bool
}

// ParseTarget parses a host:port pair into a plain-TCP target.
func ParseTarget(hostport string) (Target, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Target{}, fmt.Errorf("parse target %q: %w", hostport, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Target{}, fmt.Errorf("parse target %q: invalid port", hostport)
	}
	return Target{Host: host, Port: port}, nil
}

// Addr returns host:port.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t Target) String() string {
	if t.TLS {
		return "tls://" + t.Addr()
	}
	return "tcp://" + t.Addr()
}

// Connector opens outbound connections and performs one request/response
// exchange per connection. Nothing is pooled or reused.
type Connector struct {
	// ConnectTimeout bounds DNS resolution, TCP connect and the TLS handshake.
	ConnectTimeout time.Duration

	// ReadTimeout bounds each read from the origin.
	ReadTimeout time.Duration

	// WriteTimeout bounds writing the request to the origin.
	WriteTimeout time.Duration

	// BufferSize is the size of each read.
	BufferSize int

	// MaxResponseSize caps the accumulated response. Zero means no limit.
	MaxResponseSize int64

	// TLSConfig is the base client TLS configuration (optional). The
	// system roots are used when nil. ServerName is always set per target.
	TLSConfig *tls.Config

	Logger *slog.Logger
}

// NewConnector returns a connector with default timeouts.
func NewConnector() *Connector {
	return &Connector{
		ConnectTimeout: DefaultConnectTimeout,
		ReadTimeout:    DefaultReadTimeout,
		WriteTimeout:   DefaultWriteTimeout,
		BufferSize:     DefaultBufferSize,
		Logger:         slog.Default(),
	}
}

// Connect opens a TCP connection to host:port, optionally wrapped in TLS
// verified against host. Failures are logged and returned as *ConnectError.
func (c *Connector) Connect(ctx context.Context, host string, port int, useTLS bool) (net.Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	if host == "" {
		err := &ConnectError{Addr: addr, Err: errors.New("empty host")}
		c.logger().Error("connect failed", "addr", addr, "error", err.Err)
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout())
	defer cancel()

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.logger().Error("connect failed", "addr", addr, "error", err)
		return nil, &ConnectError{Addr: addr, Err: err}
	}

	if !useTLS {
		return conn, nil
	}

	var cfg *tls.Config
	if c.TLSConfig != nil {
		cfg = c.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	cfg.ServerName = host

	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		c.logger().Error("tls handshake failed", "addr", addr, "error", err)
		return nil, &ConnectError{Addr: addr, Err: err}
	}
	return tlsConn, nil
}

// Exchange writes request to conn and reads until the peer closes. There
// is no Content-Length or chunked awareness: end of stream is end of
// response. conn is closed before Exchange returns, on every path.
func (c *Connector) Exchange(ctx context.Context, conn net.Conn, request []byte) ([]byte, error) {
	addr := conn.RemoteAddr().String()
	defer func() { _ = conn.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	fail := func(err error) ([]byte, error) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		c.logger().Error("request exchange failed", "addr", addr, "error", err)
		return nil, &TransferError{Addr: addr, Err: err}
	}

	_ = conn.SetWriteDeadline(time.Now().Add(c.writeTimeout()))
	if _, err := conn.Write(request); err != nil {
		return fail(err)
	}

	var resp bytes.Buffer
	buf := make([]byte, c.bufferSize())
	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.readTimeout()))
		n, err := conn.Read(buf)
		resp.Write(buf[:n])

		if c.MaxResponseSize > 0 && int64(resp.Len()) > c.MaxResponseSize {
			return fail(fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, c.MaxResponseSize))
		}
		if errors.Is(err, io.EOF) {
			return resp.Bytes(), nil
		}
		if err != nil {
			return fail(err)
		}
	}
}

// Fetch connects to t and exchanges request with it. An empty response is
// reported as a *TransferError wrapping [ErrEmptyResponse].
func (c *Connector) Fetch(ctx context.Context, t Target, request []byte) ([]byte, error) {
	conn, err := c.Connect(ctx, t.Host, t.Port, t.TLS)
	if err != nil {
		return nil, err
	}

	resp, err := c.Exchange(ctx, conn, request)
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, &TransferError{Addr: t.Addr(), Err: ErrEmptyResponse}
	}
	return resp, nil
}

// errorKind classifies a Fetch error for metrics and logs.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrEmptyResponse):
		return "empty"
	case errors.Is(err, ErrResponseTooLarge):
		return "too_large"
	case errors.Is(err, ErrConnect):
		return "connect"
	default:
		return "transfer"
	}
}

func (c *Connector) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func (c *Connector) connectTimeout() time.Duration {
	if c.ConnectTimeout <= 0 {
		return DefaultConnectTimeout
	}
	return c.ConnectTimeout
}

func (c *Connector) readTimeout() time.Duration {
	if c.ReadTimeout <= 0 {
		return DefaultReadTimeout
	}
	return c.ReadTimeout
}

func (c *Connector) writeTimeout() time.Duration {
	if c.WriteTimeout <= 0 {
		return DefaultWriteTimeout
	}
	return c.WriteTimeout
}

func (c *Connector) bufferSize() int {
	if c.BufferSize <= 0 {
		return DefaultBufferSize
	}
	return c.BufferSize
}
