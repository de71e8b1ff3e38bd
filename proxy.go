package webproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxWorkers bounds concurrently handled connections when
// Proxy.MaxWorkers is unset.
const DefaultMaxWorkers = 100

// ErrProxyClosed is returned by Serve and ListenAndServe after Shutdown or
// Close.
var ErrProxyClosed = errors.New("webproxy: proxy closed")

// Proxy accepts client connections and hands each one to the Handler on
// its own goroutine.
type Proxy struct {
	// Addr is the address to listen on (e.g., "127.0.0.1:8080").
	Addr string

	// Handler serves each accepted connection.
	Handler *Handler

	// MaxWorkers bounds the connections handled at once. When all workers
	// are busy the accept loop stops until one finishes.
	MaxWorkers int

	// Backlog is the configured listen backlog. net.Listen always uses the
	// kernel default, so this is only reported.
	Backlog int

	// Logger for proxy events
	Logger *slog.Logger

	// Metrics collects Prometheus metrics (optional)
	Metrics *Metrics

	// RateLimiter turns away clients that open connections too fast
	// (optional). Rejected clients receive a 429 response.
	RateLimiter *RateLimiter

	// HealthChecker is marked alive and ready while Serve runs (optional)
	HealthChecker *HealthChecker

	initOnce     sync.Once
	sem          *semaphore.Weighted
	acceptCtx    context.Context
	acceptCancel context.CancelFunc
	baseCtx      context.Context
	baseCancel   context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	wg       sync.WaitGroup
	active   atomic.Int64
}

// NewProxy creates a proxy that serves connections with h.
func NewProxy(addr string, h *Handler) *Proxy {
	return &Proxy{
		Addr:       addr,
		Handler:    h,
		MaxWorkers: DefaultMaxWorkers,
		Logger:     slog.Default(),
	}
}

func (p *Proxy) init() {
	p.initOnce.Do(func() {
		workers := p.MaxWorkers
		if workers <= 0 {
			workers = DefaultMaxWorkers
		}
		p.sem = semaphore.NewWeighted(int64(workers))
		p.acceptCtx, p.acceptCancel = context.WithCancel(context.Background())
		p.baseCtx, p.baseCancel = context.WithCancel(context.Background())
		if p.Logger == nil {
			p.Logger = slog.Default()
		}
		if p.Handler == nil {
			p.Handler = &Handler{Logger: p.Logger}
		}
	})
}

// ListenAndServe binds Addr and serves connections until Shutdown or Close.
// A bind failure is returned immediately.
func (p *Proxy) ListenAndServe() error {
	p.init()
	if p.isClosed() {
		return ErrProxyClosed
	}

	listener, err := net.Listen("tcp", p.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	p.Logger.Info("proxy listening", "addr", listener.Addr().String(), "max_workers", p.MaxWorkers, "backlog", p.Backlog)
	return p.Serve(listener)
}

// Serve accepts connections on ln. It always returns a non-nil error; after
// Shutdown or Close the error is ErrProxyClosed. ln is closed on return.
func (p *Proxy) Serve(ln net.Listener) error {
	p.init()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = ln.Close()
		return ErrProxyClosed
	}
	p.listener = ln
	p.mu.Unlock()
	defer func() { _ = ln.Close() }()

	if p.HealthChecker != nil {
		p.HealthChecker.SetAlive(true)
		p.HealthChecker.SetReady(true)
		defer p.HealthChecker.SetReady(false)
	}

	var tempDelay time.Duration
	for {
		if err := p.sem.Acquire(p.acceptCtx, 1); err != nil {
			return ErrProxyClosed
		}

		conn, err := ln.Accept()
		if err != nil {
			p.sem.Release(1)
			if p.isClosed() {
				return ErrProxyClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}

			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			tempDelay = min(tempDelay, time.Second)
			p.Logger.Error("accept failed", "error", err, "retry_in", tempDelay)

			select {
			case <-time.After(tempDelay):
			case <-p.acceptCtx.Done():
				return ErrProxyClosed
			}
			continue
		}
		tempDelay = 0

		if p.RateLimiter != nil && !p.RateLimiter.AllowConn(conn, p.Handler.writeTimeout()) {
			p.Logger.Warn("rate limited", "client", conn.RemoteAddr().String())
			if p.Metrics != nil {
				p.Metrics.RecordRejected("rate_limited")
			}
			_ = conn.Close()
			p.sem.Release(1)
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = conn.Close()
			p.sem.Release(1)
			return ErrProxyClosed
		}
		p.wg.Add(1)
		p.mu.Unlock()

		go p.serveConn(conn)
	}
}

func (p *Proxy) serveConn(conn net.Conn) {
	defer p.wg.Done()
	defer p.sem.Release(1)

	p.active.Add(1)
	defer p.active.Add(-1)

	if p.Metrics != nil {
		p.Metrics.IncActiveConns()
		defer p.Metrics.DecActiveConns()
	}

	p.Handler.Handle(p.baseCtx, conn)
}

// Shutdown stops accepting, lets in-flight connections finish, and returns
// once they have. If ctx is done first, the remaining connections are
// closed and ctx's error is returned after they exit.
func (p *Proxy) Shutdown(ctx context.Context) error {
	lnErr := p.stopAccepting()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.baseCancel()
		return lnErr
	case <-ctx.Done():
		p.baseCancel()
		<-done
		return ctx.Err()
	}
}

// Close stops accepting and closes every in-flight connection without
// waiting for them.
func (p *Proxy) Close() error {
	err := p.stopAccepting()
	p.baseCancel()
	return err
}

func (p *Proxy) stopAccepting() error {
	p.init()

	p.mu.Lock()
	p.closed = true
	ln := p.listener
	p.listener = nil
	p.mu.Unlock()

	p.acceptCancel()
	if p.HealthChecker != nil {
		p.HealthChecker.SetReady(false)
	}

	if ln == nil {
		return nil
	}
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	p.Logger.Info("proxy stopped accepting")
	return nil
}

// ActiveWorkers returns the number of connections being handled.
func (p *Proxy) ActiveWorkers() int {
	return int(p.active.Load())
}

// ListenAddr returns the bound address, or nil before Serve.
func (p *Proxy) ListenAddr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

func (p *Proxy) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
