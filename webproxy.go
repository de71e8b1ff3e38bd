package webproxy

// Canned responses written to the client. They carry no Content-Length and
// the connection is closed right after.
const (
	BlockedResponse = "HTTP/1.1 403 Forbidden\r\nContent-Type: text/plain\r\n\r\nURL is blocked"
	ErrorResponse   = "HTTP/1.1 500 Internal Server Error\r\nContent-Type: text/plain\r\n\r\nProxy error occurred"

	// TooManyRequestsResponse is written to clients rejected by the rate limiter.
	TooManyRequestsResponse = "HTTP/1.1 429 Too Many Requests\r\nContent-Type: text/plain\r\nRetry-After: 1\r\n\r\nrate limit exceeded"
)

// Outcome is how a handled request ended.
type Outcome string

// Request outcomes.
const (
	OutcomeBlocked   Outcome = "blocked"
	OutcomeCacheHit  Outcome = "cache_hit"
	OutcomeForwarded Outcome = "forwarded"
	OutcomeError     Outcome = "error"
	OutcomeNoRequest Outcome = "no_request"
)
