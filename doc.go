// Package webproxy provides a caching forward HTTP proxy with a URL
// blocklist.
//
// Basic usage:
//
//	store, err := webproxy.NewStore(webproxy.StoreConfig{
//	    MaxSize: 1000,
//	    TTL:     time.Hour,
//	    Policy:  webproxy.LRU,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	proxy := webproxy.NewProxy("127.0.0.1:8080", &webproxy.Handler{
//	    Blocker:        webproxy.NewURLBlocker(),
//	    Cache:          webproxy.NewMemoizer(store),
//	    Connector:      webproxy.NewConnector(),
//	    OverrideTarget: "localhost:7070",
//	})
//	log.Fatal(proxy.ListenAndServe())
//
// # Request pipeline
//
// Every accepted connection is handled on its own goroutine:
//
//  1. One read of up to BufferSize bytes holds the whole request head.
//  2. [ParseRequest] decodes it. A malformed request line is logged and
//     handling continues with empty fields.
//  3. The [URLBlocker] is consulted. A blocked URL gets [BlockedResponse]
//     and nothing else happens.
//  4. The response [Store] is checked under the literal request URL.
//  5. On a miss the raw request bytes go to the override target, and if
//     that fails to the request's own host. A successful response is
//     cached. If both fail the client gets [ErrorResponse].
//
// There is no keep-alive: one request per connection, closed on every path.
//
// # Blocklist
//
// Patterns are regular expressions, matched case-insensitively against the
// start of the URL:
//
//	blocker := webproxy.NewURLBlocker()
//	_ = blocker.AddPattern(`.*ads\..*`)
//	blocker.IsBlocked("http://ads.example.com/") // true
//
// Patterns can be loaded from files, CSV, or an HTTP endpoint and reloaded
// periodically:
//
//	loader := webproxy.NewMultiLoader(
//	    webproxy.NewFileLoader("/etc/webproxy/blocklist.txt"),
//	    webproxy.NewURLLoader("https://lists.example.com/block.txt"),
//	)
//	cancel := blocker.StartAutoReload(ctx, loader, 5*time.Minute)
//	defer cancel()
//
// A reload replaces the loaded patterns but keeps those added with AddPattern.
//
// # Cache
//
// [Store] holds whole responses for a TTL and evicts by [LRU], [FIFO] or
// [LFU] when full. Values can be compressed at rest with a [Codec]:
//
//	codec, _ := webproxy.CodecByName("zstd")
//	store, _ := webproxy.NewStore(webproxy.StoreConfig{
//	    MaxSize: 500,
//	    TTL:     10 * time.Minute,
//	    Policy:  webproxy.LFU,
//	    Codec:   codec,
//	})
//
// [Memoizer] puts a compute-on-miss interface over the same store and
// collapses concurrent misses for one key into a single load.
//
// # Admin API
//
// [AdminAPI] serves runtime pattern management, cache inspection and
// invalidation, health probes and Prometheus metrics on a separate
// listener.
package webproxy
