package webproxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"
)

// Handler serves one client connection: read the request, apply the
// blocklist, answer from the cache or forward, write the response, close.
//
// A Handler is shared by every connection and must not be modified once
// the proxy is serving.
type Handler struct {
	// Blocker decides which URLs are refused (optional, nothing blocked if nil).
	Blocker *URLBlocker

	// Cache stores responses by request URL (optional, caching off if nil).
	Cache *Memoizer

	// Connector performs the outbound fetches (default timeouts if nil).
	Connector *Connector

	// OverrideTarget is a host:port tried before the request's own host.
	// Empty disables it.
	OverrideTarget string

	// BufferSize is the most that is read from the client. Longer requests
	// are truncated.
	BufferSize int

	// ReadTimeout bounds the read of the client request.
	ReadTimeout time.Duration

	// WriteTimeout bounds writing the response to the client.
	WriteTimeout time.Duration

	Logger *slog.Logger

	// AccessLog writes one record per connection (optional).
	AccessLog *AccessLogger

	// Metrics records outcomes and origin fetches (optional).
	Metrics *Metrics
}

// Handle serves conn and closes it. Cancelling ctx closes conn, which
// unblocks any pending read or write. Handle never panics; an internal
// failure is answered with [ErrorResponse].
func (h *Handler) Handle(ctx context.Context, conn net.Conn) {
	start := time.Now()
	entry := AccessLogEntry{
		Timestamp:  start,
		ClientAddr: conn.RemoteAddr().String(),
		Outcome:    OutcomeNoRequest,
	}

	defer func() { _ = conn.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			h.logger().Error("panic handling connection", "client", entry.ClientAddr, "url", entry.URL, "panic", r)
			n, _ := h.write(conn, []byte(ErrorResponse))
			entry.Outcome = OutcomeError
			entry.BytesWritten = int64(n)
			entry.Error = "internal error"
		}
		h.finish(entry, time.Since(start))
	}()

	buf := make([]byte, h.bufferSize())
	_ = conn.SetReadDeadline(time.Now().Add(h.readTimeout()))
	n, err := conn.Read(buf)
	if n == 0 {
		if err != nil && !errors.Is(err, io.EOF) {
			h.logger().Warn("read request", "client", entry.ClientAddr, "error", err)
			entry.Error = err.Error()
		}
		return
	}
	raw := buf[:n]

	req, parseErr := ParseRequest(raw)
	if parseErr != nil {
		h.logger().Warn("parse request", "client", entry.ClientAddr, "error", parseErr)
	}
	entry.Method = req.Method
	entry.URL = req.URL
	entry.UserAgent = req.Headers["User-Agent"]

	if h.Blocker != nil {
		if pattern, blocked := h.Blocker.Match(req.URL); blocked {
			h.logger().Info("blocked", "url", req.URL, "pattern", pattern, "client", entry.ClientAddr)
			n, _ := h.write(conn, []byte(BlockedResponse))
			entry.Outcome = OutcomeBlocked
			entry.BlockPattern = pattern
			entry.BytesWritten = int64(n)
			return
		}
	}

	resp, source, err := h.respond(ctx, req, raw, parseErr == nil)
	if err != nil {
		h.logger().Error("forward failed", "url", req.URL, "client", entry.ClientAddr, "error", err)
		n, _ := h.write(conn, []byte(ErrorResponse))
		entry.Outcome = OutcomeError
		entry.Error = err.Error()
		entry.BytesWritten = int64(n)
		return
	}

	entry.Outcome = OutcomeForwarded
	if source == sourceCache {
		entry.Outcome = OutcomeCacheHit
	}
	entry.Source = source
	entry.StatusCode = statusCode(resp)

	written, err := h.write(conn, resp)
	entry.BytesWritten = int64(written)
	if err != nil {
		h.logger().Warn("write response", "url", req.URL, "client", entry.ClientAddr, "error", err)
		entry.Error = err.Error()
	}
}

// Response sources.
const (
	sourceCache     = "cache"
	sourceOverride  = "override"
	sourceOrigin    = "origin"
	sourceCoalesced = "coalesced"
)

// respond returns the response for req, from the cache when possible. A
// request that failed to parse is never cached, even when it carried a URL.
func (h *Handler) respond(ctx context.Context, req *ParsedRequest, raw []byte, cacheable bool) ([]byte, string, error) {
	if h.Cache == nil || !cacheable || req.URL == "" {
		return h.forward(ctx, req, raw)
	}

	var source string
	resp, cached, err := h.Cache.Do(ctx, req.URL, func(ctx context.Context) ([]byte, error) {
		h.logger().Debug("cache miss", "url", req.URL)
		resp, src, err := h.forward(ctx, req, raw)
		source = src
		return resp, err
	})
	if err != nil {
		return nil, "", err
	}

	switch {
	case cached:
		h.logger().Debug("cache hit", "url", req.URL)
		source = sourceCache
	case source == "":
		source = sourceCoalesced
	}
	return resp, source, nil
}

// forward tries the override target, then the request's own destination.
// Both failing returns the error from the last attempt.
func (h *Handler) forward(ctx context.Context, req *ParsedRequest, raw []byte) ([]byte, string, error) {
	if h.OverrideTarget != "" {
		t, err := ParseTarget(h.OverrideTarget)
		if err != nil {
			h.logger().Error("invalid override target", "target", h.OverrideTarget, "error", err)
		} else {
			resp, err := h.connector().Fetch(ctx, t, raw)
			if err == nil {
				h.recordFetch(sourceOverride)
				return resp, sourceOverride, nil
			}
			h.recordFetchError(sourceOverride, err)
			h.logger().Warn("override target failed, trying origin", "target", t.Addr(), "url", req.URL, "error", err)
		}
	}

	t := req.OriginTarget()
	resp, err := h.connector().Fetch(ctx, t, raw)
	if err != nil {
		h.recordFetchError(sourceOrigin, err)
		return nil, "", err
	}
	h.recordFetch(sourceOrigin)
	return resp, sourceOrigin, nil
}

func (h *Handler) write(conn net.Conn, p []byte) (int, error) {
	_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout()))
	return conn.Write(p)
}

func (h *Handler) finish(e AccessLogEntry, d time.Duration) {
	e.Duration = d
	if h.AccessLog != nil {
		h.AccessLog.Log(e)
	}
	if h.Metrics != nil {
		h.Metrics.RecordRequest(e.Outcome, d)
	}
}

func (h *Handler) recordFetch(target string) {
	if h.Metrics != nil {
		h.Metrics.RecordOriginFetch(target)
	}
}

func (h *Handler) recordFetchError(target string, err error) {
	if h.Metrics != nil {
		h.Metrics.RecordOriginError(target, errorKind(err))
	}
}

func (h *Handler) connector() *Connector {
	if h.Connector == nil {
		return defaultConnector
	}
	return h.Connector
}

var defaultConnector = &Connector{}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h *Handler) bufferSize() int {
	if h.BufferSize <= 0 {
		return DefaultBufferSize
	}
	return h.BufferSize
}

func (h *Handler) readTimeout() time.Duration {
	if h.ReadTimeout <= 0 {
		return DefaultReadTimeout
	}
	return h.ReadTimeout
}

func (h *Handler) writeTimeout() time.Duration {
	if h.WriteTimeout <= 0 {
		return DefaultWriteTimeout
	}
	return h.WriteTimeout
}
